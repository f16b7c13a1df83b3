// Package dispatch implements the façade every incoming request goes
// through, per spec.md §4.8: raft RPCs (delegating to internal/election's
// veto rules and internal/nodestate's role transitions), introspection
// reads, the leader/follower read and write routing table, the lease
// filter that strips time-dependent tokens from client writes, and the
// admin/membership-change command family. Grounded on the teacher's
// pkg/rpc/server.go (one façade fielding every RPC kind) and pkg/raft's
// HandleRequestVote/HandleAppendEntries shape, generalized from gRPC
// messages to this repo's own command/reply shape.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/quarkraft/quarkraft/internal/committracker"
	"github.com/quarkraft/quarkraft/internal/election"
	"github.com/quarkraft/quarkraft/internal/heartbeat"
	"github.com/quarkraft/quarkraft/internal/journal"
	"github.com/quarkraft/quarkraft/internal/lease"
	"github.com/quarkraft/quarkraft/internal/nodestate"
	"github.com/quarkraft/quarkraft/internal/replication"
	"github.com/quarkraft/quarkraft/internal/statemachine"
	"github.com/quarkraft/quarkraft/internal/writetracker"
)

// ErrUnavailable means no leader is currently known, or the node just
// stepped down; retriable, per spec.md §7.
var ErrUnavailable = errors.New("unavailable")

// ErrNotAuthorized is mapped to a NOAUTH reply by internal/transport. No
// code path in this package returns it: a connection that fails the
// HANDSHAKE is answered with ERR and closed by the transport server.
var ErrNotAuthorized = errors.New("not authorized")

// ErrMembershipBlocked wraps every membership-change precondition
// failure (uncommitted previous epoch, observer not caught up).
var ErrMembershipBlocked = errors.New("membership update blocked")

// ErrParse means a malformed client request: wrong arity or an unknown
// command name.
var ErrParse = errors.New("parse error")

// MovedError redirects the caller to the current leader; shard id is
// always 0 since this is a single-shard cluster, per spec.md §6.
type MovedError struct {
	Leader string
}

func (e *MovedError) Error() string { return fmt.Sprintf("MOVED 0 %s", e.Leader) }

// Config holds the handshake and lease tunables the dispatcher needs
// outside of its component dependencies.
type Config struct {
	ClusterID   string
	LeaseTTLCap time.Duration // upper bound accepted for a client-supplied LEASE_ACQUIRE ttl.
}

// Dispatcher is the façade described in spec.md §4.8. It holds no state
// of its own beyond two admin toggles (stale reads, fsync policy); every
// durable or role decision is delegated to the component it names.
type Dispatcher struct {
	id  string
	cfg Config

	j    *journal.Journal
	ns   *nodestate.NodeState
	sm   *statemachine.Store
	wt   *writetracker.Tracker
	repl *replication.Replicator
	hb   *heartbeat.Tracker
	ls   *lease.Lease
	ct   *committracker.Tracker
	log  zerolog.Logger

	staleReads  boolFlag
	fsyncPolicy stringFlag
}

// New wires a Dispatcher to the full set of components it coordinates.
func New(id string, cfg Config, j *journal.Journal, ns *nodestate.NodeState, sm *statemachine.Store,
	wt *writetracker.Tracker, repl *replication.Replicator, hb *heartbeat.Tracker, ls *lease.Lease,
	ct *committracker.Tracker, log zerolog.Logger) *Dispatcher {
	d := &Dispatcher{id: id, cfg: cfg, j: j, ns: ns, sm: sm, wt: wt, repl: repl, hb: hb, ls: ls, ct: ct, log: log}
	d.fsyncPolicy.store("async")
	return d
}

// --- transport.RPCHandler ---

// Heartbeat implements transport.RPCHandler.
func (d *Dispatcher) Heartbeat(ctx context.Context, term uint64, leader string) (uint64, bool, error) {
	cur := d.ns.Current()
	if term < cur.Term {
		return cur.Term, false, nil
	}
	d.ns.Observed(term, leader)
	d.hb.Heartbeat(time.Now())
	return term, true, nil
}

// AppendEntries implements transport.RPCHandler, per spec.md §4.1/§4.6's
// consistency check: refuse on a stale term or a prevIndex/prevTerm
// mismatch (the caller backs off nextIndex and retries); otherwise
// truncate at the first conflicting entry and append the remainder.
func (d *Dispatcher) AppendEntries(ctx context.Context, leader string, term uint64, prevIndex, prevTerm, commitIndex journal.LogIndex, entries []journal.Entry) (uint64, uint64, bool, error) {
	cur := d.ns.Current()
	if term < cur.Term {
		return cur.Term, d.j.LogSize(), false, nil
	}
	d.ns.Observed(term, leader)
	d.hb.Heartbeat(time.Now())

	match, err := d.j.MatchEntries(prevIndex, prevTerm)
	if err != nil {
		return term, d.j.LogSize(), false, err
	}
	if !match {
		return term, d.j.LogSize(), false, nil
	}

	if len(entries) > 0 {
		start := prevIndex + 1
		conflict, err := d.j.CompareEntries(start, entries)
		if err != nil {
			return term, d.j.LogSize(), false, err
		}
		if conflict < start+journal.LogIndex(len(entries)) {
			if ok, err := d.j.RemoveEntries(conflict); err != nil {
				return term, d.j.LogSize(), false, err
			} else if !ok {
				d.log.Error().Uint64("conflict", conflict).Msg("dispatch: append-entries conflict at or before commit index")
				return term, d.j.LogSize(), false, nil
			}
			for i, e := range entries[conflict-start:] {
				idx := conflict + journal.LogIndex(i)
				if ok, err := d.j.Append(idx, e); err != nil {
					return term, d.j.LogSize(), false, err
				} else if !ok {
					return term, d.j.LogSize(), false, nil
				}
			}
		}
	}

	if commitIndex > d.j.CommitIndex() {
		newCommit := commitIndex
		if logSize := d.j.LogSize(); newCommit >= logSize {
			newCommit = logSize - 1
		}
		if _, err := d.j.SetCommitIndex(newCommit); err != nil {
			return term, d.j.LogSize(), false, err
		}
	}

	return d.ns.Current().Term, d.j.LogSize(), true, nil
}

// RequestVote implements transport.RPCHandler, applying spec.md §4.9's
// log up-to-date test, membership check, and veto rule before granting.
func (d *Dispatcher) RequestVote(ctx context.Context, preVote bool, term uint64, candidate string, lastIndex journal.LogIndex, lastTerm uint64) (election.Vote, uint64, error) {
	members := d.j.Membership()
	if !members.IsVoter(candidate) {
		return election.Refused, d.ns.Current().Term, nil
	}

	cur := d.ns.Current()
	if !preVote && term < cur.Term {
		return election.Refused, cur.Term, nil
	}

	localLastIndex := d.j.LogSize() - 1
	localLastEntry, _, err := d.j.Fetch(localLastIndex)
	if err != nil {
		return election.Refused, cur.Term, err
	}
	commitIndex := d.j.CommitIndex()
	commitEntry, _, err := d.j.Fetch(commitIndex)
	if err != nil {
		return election.Refused, cur.Term, err
	}

	if !election.UpToDate(lastIndex, lastTerm, commitIndex, commitEntry.Term) {
		return election.Veto, cur.Term, nil
	}
	if !election.UpToDate(lastIndex, lastTerm, localLastIndex, localLastEntry.Term) {
		return election.Refused, cur.Term, nil
	}

	if preVote {
		return election.Granted, cur.Term, nil
	}

	if term > cur.Term {
		d.ns.Observed(term, "")
	}
	if !d.ns.GrantVote(term, candidate) {
		return election.Refused, d.ns.Current().Term, nil
	}
	d.hb.Heartbeat(time.Now())
	return election.Granted, term, nil
}

// --- client command dispatch ---

// Dispatch routes one already-tokenized client command per the decision
// table in spec.md §4.8. connAddr identifies the calling connection and is
// not read here; q is that connection's pending-write queue, used for
// writes so replies are delivered back in arrival order even when commits
// resolve out of order relative to other connections.
func (d *Dispatcher) Dispatch(ctx context.Context, connAddr string, q *writetracker.Queue, tokens [][]byte) ([]byte, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrParse)
	}
	name := strings.ToUpper(string(tokens[0]))
	args := tokens[1:]

	switch name {
	case "RAFT_INFO":
		return d.raftInfo(), nil
	case "RAFT_LEADER_INFO":
		return d.raftLeaderInfo(), nil
	case "RAFT_FETCH":
		return d.raftFetch(args)
	case "RAFT_FETCH_LAST":
		return d.raftFetchLast(args)
	case "RAFT_JOURNAL_SCAN":
		return d.raftJournalScan(args)
	case "RAFT_ADD_OBSERVER":
		return d.addObserver(args)
	case "RAFT_PROMOTE_OBSERVER":
		return d.promoteObserver(args)
	case "RAFT_REMOVE_MEMBER":
		return d.removeMember(args)
	case "RAFT_ATTEMPT_COUP":
		d.hb.TriggerTimeout()
		return []byte("OK"), nil
	case "RAFT_SET_FSYNC_POLICY":
		return d.setFsyncPolicy(args)
	case "ACTIVATE_STALE_READS":
		d.staleReads.store(true)
		return []byte("OK"), nil
	case "GET", "HGET", "HGETALL", "SISMEMBER", "SMEMBERS":
		return d.dispatchRead(ctx, name, args)
	case "SET", "DEL", "HSET", "HDEL", "SADD", "SREM", "LEASE_ACQUIRE":
		return d.dispatchWrite(ctx, q, name, args)
	default:
		return nil, fmt.Errorf("%w: unknown command %q", ErrParse, name)
	}
}

func (d *Dispatcher) dispatchRead(ctx context.Context, name string, args [][]byte) ([]byte, error) {
	cur := d.ns.Current()
	switch cur.Role {
	case nodestate.Leader:
		if cur.HasMarker {
			for d.wt.LastApplied() < cur.LeadershipMarker {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(time.Millisecond):
				}
				if !cur.IsCurrent(d.ns) {
					return nil, ErrUnavailable
				}
			}
		}
		return d.execRead(name, args)
	case nodestate.Follower:
		if d.staleReads.load() {
			return d.execRead(name, args)
		}
		if cur.RecognizedLeader != "" {
			return nil, &MovedError{Leader: cur.RecognizedLeader}
		}
		return nil, ErrUnavailable
	default:
		return nil, ErrUnavailable
	}
}

func (d *Dispatcher) execRead(name string, args [][]byte) ([]byte, error) {
	switch name {
	case "GET":
		if len(args) < 1 {
			return nil, fmt.Errorf("%w: GET requires a key", ErrParse)
		}
		val, ok, err := d.sm.Get(string(args[0]))
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		return val, nil
	case "HGET":
		if len(args) < 2 {
			return nil, fmt.Errorf("%w: HGET requires key and field", ErrParse)
		}
		val, ok, err := d.sm.HGet(string(args[0]), string(args[1]))
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		return val, nil
	case "HGETALL":
		if len(args) < 1 {
			return nil, fmt.Errorf("%w: HGETALL requires a key", ErrParse)
		}
		fields, err := d.sm.HGetAll(string(args[0]))
		if err != nil {
			return nil, err
		}
		var sb strings.Builder
		for k, v := range fields {
			sb.WriteString(k)
			sb.WriteByte(' ')
			sb.Write(v)
			sb.WriteByte(' ')
		}
		return []byte(strings.TrimSpace(sb.String())), nil
	case "SISMEMBER":
		if len(args) < 2 {
			return nil, fmt.Errorf("%w: SISMEMBER requires key and member", ErrParse)
		}
		ok, err := d.sm.SIsMember(string(args[0]), string(args[1]))
		if err != nil {
			return nil, err
		}
		if ok {
			return []byte("1"), nil
		}
		return []byte("0"), nil
	case "SMEMBERS":
		if len(args) < 1 {
			return nil, fmt.Errorf("%w: SMEMBERS requires a key", ErrParse)
		}
		members, err := d.sm.SMembers(string(args[0]))
		if err != nil {
			return nil, err
		}
		return []byte(strings.Join(members, " ")), nil
	default:
		return nil, fmt.Errorf("%w: unknown read command %q", ErrParse, name)
	}
}

// dispatchWrite implements spec.md §4.8's write row: lease-filter the
// transaction, append via the write tracker, and block for the commit
// reply (or ctx cancellation), retrying the append once if the term
// changed out from under us mid-append.
func (d *Dispatcher) dispatchWrite(ctx context.Context, q *writetracker.Queue, name string, args [][]byte) ([]byte, error) {
	command, err := d.leaseFilter(name, args)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < 2; attempt++ {
		cur := d.ns.Current()
		if cur.Role != nodestate.Leader {
			if cur.RecognizedLeader != "" {
				return nil, &MovedError{Leader: cur.RecognizedLeader}
			}
			return nil, ErrUnavailable
		}

		w, ok, err := d.wt.Append(cur.Term, command, q)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue // term changed mid-append; retry against the new snapshot.
		}
		d.ct.AdvanceLeaderIndex(uint64(w.Index))

		select {
		case reply := <-w.ReplyCh:
			return reply.Payload, reply.Err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, ErrUnavailable
}

// leaseFilter implements spec.md §4.8's lease filter: LEASE_ACQUIRE's
// caller-supplied ttl (milliseconds) is replaced with an absolute
// expiresAtNanos minted from the state machine's dynamic clock, so every
// replica applies the identical wall-time value regardless of when it
// locally processes the entry.
func (d *Dispatcher) leaseFilter(name string, args [][]byte) (journal.Command, error) {
	cmd := make(journal.Command, 0, len(args)+1)
	cmd = append(cmd, []byte(name))
	if name != "LEASE_ACQUIRE" {
		cmd = append(cmd, args...)
		return cmd, nil
	}
	if len(args) < 3 {
		return nil, fmt.Errorf("%w: LEASE_ACQUIRE requires key, holder, ttl_ms", ErrParse)
	}
	ttlMs, err := strconv.ParseInt(string(args[2]), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed ttl_ms: %v", ErrParse, err)
	}
	if d.cfg.LeaseTTLCap > 0 && time.Duration(ttlMs)*time.Millisecond > d.cfg.LeaseTTLCap {
		ttlMs = d.cfg.LeaseTTLCap.Milliseconds()
	}
	expiresAt := d.sm.Clock.Tick() + ttlMs*int64(time.Millisecond)
	cmd = append(cmd, args[0], args[1], []byte(strconv.FormatInt(expiresAt, 10)))
	return cmd, nil
}

// --- introspection ---

func (d *Dispatcher) raftInfo() []byte {
	cur := d.ns.Current()
	return []byte(fmt.Sprintf(
		"term=%d role=%s leader=%s votedFor=%s logStart=%d logSize=%d commitIndex=%d lastApplied=%d",
		cur.Term, cur.Role, cur.RecognizedLeader, cur.VotedFor,
		d.j.LogStart(), d.j.LogSize(), d.j.CommitIndex(), d.wt.LastApplied()))
}

func (d *Dispatcher) raftLeaderInfo() []byte {
	cur := d.ns.Current()
	if cur.RecognizedLeader == "" {
		return []byte("")
	}
	return []byte(cur.RecognizedLeader)
}

func (d *Dispatcher) raftFetch(args [][]byte) ([]byte, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("%w: RAFT_FETCH requires an index", ErrParse)
	}
	index, err := strconv.ParseUint(string(args[0]), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed index: %v", ErrParse, err)
	}
	entry, ok, err := d.j.Fetch(index)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return []byte(renderEntry(entry)), nil
}

func (d *Dispatcher) raftFetchLast(args [][]byte) ([]byte, error) {
	n := uint64(1)
	if len(args) >= 1 {
		parsed, err := strconv.ParseUint(string(args[0]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: malformed n: %v", ErrParse, err)
		}
		n = parsed
	}
	logSize := d.j.LogSize()
	if logSize == 0 {
		return []byte(""), nil
	}
	start := uint64(0)
	if logSize > n {
		start = logSize - n
	}
	var sb strings.Builder
	for i := start; i < logSize; i++ {
		entry, ok, err := d.j.Fetch(i)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		sb.WriteString(renderEntry(entry))
		sb.WriteByte('\n')
	}
	return []byte(strings.TrimRight(sb.String(), "\n")), nil
}

// raftJournalScan walks log entries starting at cursor, optionally
// filtered by a MATCH glob against the entry's rendered command, up to a
// COUNT limit, returning the matches and the next cursor (0 once the log
// is exhausted). The spec names this command alongside RAFT_FETCH as
// pure log introspection, not a state-machine keyspace scan.
func (d *Dispatcher) raftJournalScan(args [][]byte) ([]byte, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("%w: RAFT_JOURNAL_SCAN requires a cursor", ErrParse)
	}
	cursor, err := strconv.ParseUint(string(args[0]), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed cursor: %v", ErrParse, err)
	}
	pattern := ""
	count := uint64(10)
	for i := 1; i+1 < len(args); i += 2 {
		key := strings.ToUpper(string(args[i]))
		switch key {
		case "MATCH":
			pattern = string(args[i+1])
		case "COUNT":
			count, err = strconv.ParseUint(string(args[i+1]), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: malformed COUNT: %v", ErrParse, err)
			}
		}
	}

	logSize := d.j.LogSize()
	var sb strings.Builder
	var scanned uint64
	i := cursor
	for ; i < logSize && scanned < count; i++ {
		entry, ok, err := d.j.Fetch(i)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		rendered := renderEntry(entry)
		if pattern != "" {
			matched, _ := stringsGlobMatch(pattern, rendered)
			if !matched {
				continue
			}
		}
		sb.WriteString(rendered)
		sb.WriteByte('\n')
		scanned++
	}
	next := i
	if next >= logSize {
		next = 0
	}
	return []byte(fmt.Sprintf("cursor=%d\n%s", next, strings.TrimRight(sb.String(), "\n"))), nil
}

func renderEntry(e journal.Entry) string {
	parts := make([]string, 0, len(e.Command)+1)
	parts = append(parts, fmt.Sprintf("term=%d", e.Term))
	for _, tok := range e.Command {
		parts = append(parts, string(tok))
	}
	return strings.Join(parts, " ")
}

// stringsGlobMatch is a tiny '*'/'?' glob matcher, avoiding a dependency
// for a one-off introspection filter.
func stringsGlobMatch(pattern, s string) (bool, error) {
	return globMatch([]rune(pattern), []rune(s)), nil
}

func globMatch(pattern, s []rune) bool {
	if len(pattern) == 0 {
		return len(s) == 0
	}
	switch pattern[0] {
	case '*':
		for i := 0; i <= len(s); i++ {
			if globMatch(pattern[1:], s[i:]) {
				return true
			}
		}
		return false
	case '?':
		if len(s) == 0 {
			return false
		}
		return globMatch(pattern[1:], s[1:])
	default:
		if len(s) == 0 || s[0] != pattern[0] {
			return false
		}
		return globMatch(pattern[1:], s[1:])
	}
}

// --- membership changes ---

func (d *Dispatcher) requireLeader() (uint64, error) {
	cur := d.ns.Current()
	if cur.Role != nodestate.Leader {
		if cur.RecognizedLeader != "" {
			return 0, &MovedError{Leader: cur.RecognizedLeader}
		}
		return 0, ErrUnavailable
	}
	return cur.Term, nil
}

func (d *Dispatcher) addObserver(args [][]byte) ([]byte, error) {
	term, err := d.requireLeader()
	if err != nil {
		return nil, err
	}
	if len(args) < 1 {
		return nil, fmt.Errorf("%w: RAFT_ADD_OBSERVER requires an address", ErrParse)
	}
	ok, err := d.j.AddObserver(term, string(args[0]))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: previous membership epoch not yet committed", ErrMembershipBlocked)
	}
	return []byte("OK"), nil
}

func (d *Dispatcher) promoteObserver(args [][]byte) ([]byte, error) {
	term, err := d.requireLeader()
	if err != nil {
		return nil, err
	}
	if len(args) < 1 {
		return nil, fmt.Errorf("%w: RAFT_PROMOTE_OBSERVER requires an address", ErrParse)
	}
	server := string(args[0])
	statuses, _ := d.repl.Status()
	caughtUp := false
	for _, s := range statuses {
		if s.Replica == server {
			caughtUp = s.MatchIndex >= d.j.LogSize()-1
			break
		}
	}
	if !caughtUp {
		return nil, fmt.Errorf("%w, observer is not up-to-date", ErrMembershipBlocked)
	}
	ok, err := d.j.PromoteObserver(term, server)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: previous membership epoch not yet committed", ErrMembershipBlocked)
	}
	return []byte("OK"), nil
}

func (d *Dispatcher) removeMember(args [][]byte) ([]byte, error) {
	term, err := d.requireLeader()
	if err != nil {
		return nil, err
	}
	if len(args) < 1 {
		return nil, fmt.Errorf("%w: RAFT_REMOVE_MEMBER requires an address", ErrParse)
	}
	if _, shaky := d.repl.Status(); shaky {
		return nil, fmt.Errorf("%w: quorum already shaky, refusing to shrink it further", ErrMembershipBlocked)
	}
	ok, err := d.j.RemoveMember(term, string(args[0]))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: previous membership epoch not yet committed", ErrMembershipBlocked)
	}
	return []byte("OK"), nil
}

func (d *Dispatcher) setFsyncPolicy(args [][]byte) ([]byte, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("%w: RAFT_SET_FSYNC_POLICY requires a policy name", ErrParse)
	}
	policy := strings.ToLower(string(args[0]))
	parsed, err := journal.ParsePolicy(policy)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown fsync policy %q", ErrParse, policy)
	}
	d.j.SetPolicy(parsed)
	d.fsyncPolicy.store(policy)
	return []byte("OK"), nil
}

// FsyncPolicy returns the policy name last set by RAFT_SET_FSYNC_POLICY
// on this dispatcher, or "async" if the command has not been called; it
// does not read the journal's own policy.
func (d *Dispatcher) FsyncPolicy() string {
	return d.fsyncPolicy.load()
}

// StaleReadsEnabled reports whether ACTIVATE_STALE_READS has been called.
func (d *Dispatcher) StaleReadsEnabled() bool {
	return d.staleReads.load()
}
