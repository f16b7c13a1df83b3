// Package wire is the external collaborator spec.md §1 calls "the
// on-wire framing/codec of Redis requests": inline RESP command framing,
// the APPEND_ENTRIES binary blob format, and handshake timeout-string
// canonicalization, all specified verbatim in spec.md §6 and §9.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/quarkraft/quarkraft/internal/journal"
)

// ReadInlineCommand reads one inline Redis command: a line terminated by
// "\r\n" (or a bare "\n"), tokenized on whitespace. Returns io.EOF-wrapped
// errors verbatim so callers can tell a clean disconnect from a framing
// error.
func ReadInlineCommand(r *bufio.Reader) ([]string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return []string{}, nil
	}
	return strings.Fields(line), nil
}

// WriteInlineCommand writes tokens as a single inline command line.
func WriteInlineCommand(w *bufio.Writer, tokens ...string) error {
	if _, err := w.WriteString(strings.Join(tokens, " ")); err != nil {
		return err
	}
	if _, err := w.WriteString("\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

// WriteSimpleString writes a RESP "+OK\r\n"-style reply.
func WriteSimpleString(w *bufio.Writer, s string) error {
	if _, err := w.WriteString("+" + s + "\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

// WriteError writes a RESP "-ERR reason\r\n"-style reply. kind is the
// reserved error tag (ERR, WRONGTYPE, MOVED, ...) per spec.md §7.
func WriteError(w *bufio.Writer, kind, reason string) error {
	if _, err := w.WriteString("-" + kind + " " + reason + "\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

// WriteArray writes a RESP array reply whose elements are already
// string-rendered, e.g. for HEARTBEAT's "*3" reply of (term, recognized,
// err).
func WriteArray(w *bufio.Writer, elems ...string) error {
	if _, err := w.WriteString(fmt.Sprintf("*%d\r\n", len(elems))); err != nil {
		return err
	}
	for _, e := range elems {
		if _, err := w.WriteString(e + "\r\n"); err != nil {
			return err
		}
	}
	return w.Flush()
}

// WriteMultibulk writes a binary-safe RESP array of bulk strings:
// "*N\r\n$len\r\n<bytes>\r\n..." for each arg. Used for commands carrying
// a binary payload (APPEND_ENTRIES' blob), where plain inline framing
// would corrupt on an embedded space or newline.
func WriteMultibulk(w *bufio.Writer, args ...[]byte) error {
	if _, err := w.WriteString(fmt.Sprintf("*%d\r\n", len(args))); err != nil {
		return err
	}
	for _, a := range args {
		if _, err := w.WriteString(fmt.Sprintf("$%d\r\n", len(a))); err != nil {
			return err
		}
		if _, err := w.Write(a); err != nil {
			return err
		}
		if _, err := w.WriteString("\r\n"); err != nil {
			return err
		}
	}
	return w.Flush()
}

// ReadCommand reads one incoming command line, transparently handling
// both the binary-safe multibulk form WriteMultibulk produces (lines
// starting with '*') and the plain inline form WriteInlineCommand
// produces (everything else), returning its tokens as raw bytes.
func ReadCommand(r *bufio.Reader) ([][]byte, error) {
	peek, err := r.Peek(1)
	if err != nil {
		return nil, err
	}
	if peek[0] != '*' {
		toks, err := ReadInlineCommand(r)
		if err != nil {
			return nil, err
		}
		out := make([][]byte, len(toks))
		for i, t := range toks {
			out[i] = []byte(t)
		}
		return out, nil
	}

	header, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	header = strings.TrimRight(header, "\r\n")
	n, err := strconv.Atoi(header[1:])
	if err != nil {
		return nil, fmt.Errorf("wire: malformed multibulk header %q: %w", header, err)
	}
	out := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		lenLine, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		lenLine = strings.TrimRight(lenLine, "\r\n")
		if len(lenLine) == 0 || lenLine[0] != '$' {
			return nil, fmt.Errorf("wire: expected bulk length, got %q", lenLine)
		}
		argLen, err := strconv.Atoi(lenLine[1:])
		if err != nil {
			return nil, fmt.Errorf("wire: malformed bulk length %q: %w", lenLine, err)
		}
		buf := make([]byte, argLen+2) // payload + trailing CRLF.
		if _, err := ioReadFull(r, buf); err != nil {
			return nil, err
		}
		out = append(out, buf[:argLen])
	}
	return out, nil
}

// ioReadFull is io.ReadFull without importing "io" solely for this.
func ioReadFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// ReadArray reads the array-reply counterpart of WriteArray: the "*N"
// header line, then N raw element lines.
func ReadArray(r *bufio.Reader) ([]string, error) {
	header, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	header = strings.TrimRight(header, "\r\n")
	if !strings.HasPrefix(header, "*") {
		return nil, fmt.Errorf("wire: expected array header, got %q", header)
	}
	n, err := strconv.Atoi(header[1:])
	if err != nil {
		return nil, fmt.Errorf("wire: malformed array header %q: %w", header, err)
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		out = append(out, strings.TrimRight(line, "\r\n"))
	}
	return out, nil
}

// EncodeAppendEntriesBlob renders the §6 APPEND_ENTRIES payload: five
// 64-bit little-endian integers (term, prevIndex, prevTerm, commitIndex,
// nEntries) followed by nEntries serialized entries. Each entry is
// itself prefixed with its own 64-bit little-endian byte length, the
// same exact-length framing the journal's bbolt storage gets for free
// from its keyed values, so a reader can slice out one entry's bytes
// before handing them to journal.Decode without needing a token count
// inside the entry format itself.
func EncodeAppendEntriesBlob(term uint64, prevIndex, prevTerm, commitIndex uint64, entries []journal.Entry) []byte {
	header := make([]byte, 40)
	binary.LittleEndian.PutUint64(header[0:8], term)
	binary.LittleEndian.PutUint64(header[8:16], prevIndex)
	binary.LittleEndian.PutUint64(header[16:24], prevTerm)
	binary.LittleEndian.PutUint64(header[24:32], commitIndex)
	binary.LittleEndian.PutUint64(header[32:40], uint64(len(entries)))

	out := header
	for _, e := range entries {
		enc := journal.Encode(e)
		lenBuf := make([]byte, 8)
		binary.LittleEndian.PutUint64(lenBuf, uint64(len(enc)))
		out = append(out, lenBuf...)
		out = append(out, enc...)
	}
	return out
}

// DecodeAppendEntriesBlob is the inverse of EncodeAppendEntriesBlob.
func DecodeAppendEntriesBlob(blob []byte) (term, prevIndex, prevTerm, commitIndex uint64, entries []journal.Entry, err error) {
	if len(blob) < 40 {
		return 0, 0, 0, 0, nil, fmt.Errorf("wire: append-entries blob too short (%d bytes)", len(blob))
	}
	term = binary.LittleEndian.Uint64(blob[0:8])
	prevIndex = binary.LittleEndian.Uint64(blob[8:16])
	prevTerm = binary.LittleEndian.Uint64(blob[16:24])
	commitIndex = binary.LittleEndian.Uint64(blob[24:32])
	n := binary.LittleEndian.Uint64(blob[32:40])

	off := 40
	entries = make([]journal.Entry, 0, n)
	for i := uint64(0); i < n; i++ {
		if off+8 > len(blob) {
			return 0, 0, 0, 0, nil, fmt.Errorf("wire: truncated entry %d length prefix", i)
		}
		entryLen := binary.LittleEndian.Uint64(blob[off : off+8])
		off += 8
		if uint64(off)+entryLen > uint64(len(blob)) {
			return 0, 0, 0, 0, nil, fmt.Errorf("wire: truncated entry %d body", i)
		}
		e, derr := journal.Decode(blob[off : uint64(off)+entryLen])
		if derr != nil {
			return 0, 0, 0, 0, nil, fmt.Errorf("wire: decode entry %d: %w", i, derr)
		}
		entries = append(entries, e)
		off += int(entryLen)
	}
	return term, prevIndex, prevTerm, commitIndex, entries, nil
}

// CanonicalHandshakeTimeouts renders the canonical handshake timeout
// string this spec fixes the original's undefined format to (spec.md §9
// Open Question): "heartbeat_ms=X,low_ms=Y,high_ms=Z".
func CanonicalHandshakeTimeouts(heartbeatMs, lowMs, highMs int64) string {
	return fmt.Sprintf("heartbeat_ms=%d,low_ms=%d,high_ms=%d", heartbeatMs, lowMs, highMs)
}

// ParseHandshakeTimeouts parses the canonical form back into its three
// components, rejecting anything else as a mismatch per spec.md §6's
// handshake contract.
func ParseHandshakeTimeouts(s string) (heartbeatMs, lowMs, highMs int64, err error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("wire: malformed handshake timeouts %q", s)
	}
	vals := make([]int64, 3)
	prefixes := []string{"heartbeat_ms=", "low_ms=", "high_ms="}
	for i, p := range parts {
		if !strings.HasPrefix(p, prefixes[i]) {
			return 0, 0, 0, fmt.Errorf("wire: malformed handshake timeouts %q: expected field %q", s, prefixes[i])
		}
		v, err := strconv.ParseInt(strings.TrimPrefix(p, prefixes[i]), 10, 64)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("wire: malformed handshake timeouts %q: %w", s, err)
		}
		vals[i] = v
	}
	return vals[0], vals[1], vals[2], nil
}
