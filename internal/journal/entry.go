package journal

import (
	"encoding/binary"
	"fmt"
)

// LogIndex is the 64-bit position of an entry in the replicated log.
type LogIndex = uint64

// Command is an opaque, ordered sequence of binary strings: the raw
// request a client or the core itself wants applied to the state
// machine, or one of the distinguished control shapes below.
type Command [][]byte

// Distinguished command heads that carry control meaning to the core.
// Every other head is an opaque payload handed to the state machine.
const (
	CmdUpdateMembers    = "UPDATE_MEMBERS"
	CmdLeadershipMarker = "LEADERSHIP_MARKER"
)

// Entry is a single replicated log record.
type Entry struct {
	Term    uint64
	Command Command
}

// IsUpdateMembers reports whether e is an UPDATE_MEMBERS control entry and,
// if so, returns its serialized membership string and cluster id.
func (e Entry) IsUpdateMembers() (members string, clusterID string, ok bool) {
	if len(e.Command) != 3 || string(e.Command[0]) != CmdUpdateMembers {
		return "", "", false
	}
	return string(e.Command[1]), string(e.Command[2]), true
}

// IsLeadershipMarker reports whether e is a LEADERSHIP_MARKER control entry.
func (e Entry) IsLeadershipMarker() (term uint64, leader string, ok bool) {
	if len(e.Command) != 3 || string(e.Command[0]) != CmdLeadershipMarker {
		return 0, "", false
	}
	t, _ := binary.Uvarint(e.Command[1])
	return t, string(e.Command[2]), true
}

// NewUpdateMembersCommand builds the control command that installs a new
// membership when appended, per spec.md §3.
func NewUpdateMembersCommand(serializedMembers, clusterID string) Command {
	return Command{
		[]byte(CmdUpdateMembers),
		[]byte(serializedMembers),
		[]byte(clusterID),
	}
}

// NewLeadershipMarkerCommand builds the no-op marker a freshly elected
// leader appends to anchor its term.
func NewLeadershipMarkerCommand(term uint64, leader string) Command {
	buf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(buf, term)
	return Command{
		[]byte(CmdLeadershipMarker),
		buf[:n],
		[]byte(leader),
	}
}

// Encode serializes an entry per spec.md §6: a 64-bit little-endian term,
// then for each command token a 64-bit little-endian length followed by
// the token's bytes.
func Encode(e Entry) []byte {
	size := 8
	for _, tok := range e.Command {
		size += 8 + len(tok)
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint64(buf[0:8], e.Term)
	off := 8
	for _, tok := range e.Command {
		binary.LittleEndian.PutUint64(buf[off:off+8], uint64(len(tok)))
		off += 8
		copy(buf[off:], tok)
		off += len(tok)
	}
	return buf
}

// Decode is the inverse of Encode.
func Decode(buf []byte) (Entry, error) {
	if len(buf) < 8 {
		return Entry{}, fmt.Errorf("journal: entry buffer too short (%d bytes)", len(buf))
	}
	e := Entry{Term: binary.LittleEndian.Uint64(buf[0:8])}
	off := 8
	for off < len(buf) {
		if off+8 > len(buf) {
			return Entry{}, fmt.Errorf("journal: truncated token length at offset %d", off)
		}
		n := binary.LittleEndian.Uint64(buf[off : off+8])
		off += 8
		if uint64(off)+n > uint64(len(buf)) {
			return Entry{}, fmt.Errorf("journal: truncated token body at offset %d", off)
		}
		tok := make([]byte, n)
		copy(tok, buf[off:uint64(off)+n])
		e.Command = append(e.Command, tok)
		off += int(n)
	}
	return e, nil
}
