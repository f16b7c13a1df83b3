// Package journal implements the durable, ordered replicated log described
// in spec.md §4.1: term/vote/membership/commit-index metadata plus
// condition-variable-style wake-ups for waiters, backed by a bbolt store.
package journal

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/quarkraft/quarkraft/internal/syncutil"
)

// Notifier is re-exported so other packages (NodeState, etc.) share the
// same condition-variable-style wake-up primitive the journal uses for
// its own log-updated/commit-advanced waiters.
type Notifier = syncutil.Notifier

// FsyncPolicy selects how aggressively the journal flushes to disk.
// See spec.md §4.1 "Durability knob".
type FsyncPolicy int

const (
	// FsyncAlways fsyncs every write, including pure data appends.
	FsyncAlways FsyncPolicy = iota
	// FsyncAsync never blocks a caller on fsync; relies on the OS/bbolt's
	// own background flush.
	FsyncAsync
	// FsyncImportantUpdates fsyncs on term/vote and membership changes,
	// batching data appends. This is the default, matching the source's
	// pragmatic middle ground.
	FsyncImportantUpdates
)

// ParsePolicy maps the config-file/admin-command spelling of the
// durability knob ("always" | "async" | "sync-important-updates") to an
// FsyncPolicy. An empty string (an all-defaults config file) maps to the
// same FsyncImportantUpdates pragmatic middle ground config.Default()
// spells out explicitly.
func ParsePolicy(s string) (FsyncPolicy, error) {
	switch s {
	case "", "sync-important-updates":
		return FsyncImportantUpdates, nil
	case "always":
		return FsyncAlways, nil
	case "async":
		return FsyncAsync, nil
	default:
		return 0, fmt.Errorf("journal: unknown fsync policy %q", s)
	}
}

// Bucket and key layout, per spec.md §6 "Persisted layout".
var (
	metaBucket = []byte("meta")
	logBucket  = []byte("log")
)

const (
	keyCurrentTerm             = "JOURNAL/CURRENT_TERM"
	keyVotedFor                = "JOURNAL/VOTED_FOR"
	keyLogSize                 = "JOURNAL/LOG_SIZE"
	keyLogStart                = "JOURNAL/LOG_START"
	keyCommitIndex             = "JOURNAL/COMMIT_INDEX"
	keyClusterID               = "JOURNAL/CLUSTER_ID"
	keyMembers                 = "JOURNAL/MEMBERS"
	keyMembershipEpoch         = "JOURNAL/MEMBERSHIP_EPOCH"
	keyPreviousMembers         = "JOURNAL/PREVIOUS_MEMBERS"
	keyPreviousMembershipEpoch = "JOURNAL/PREVIOUS_MEMBERSHIP_EPOCH"
	keyFormatMarker            = "JOURNAL/FORMAT_MARKER"

	currentFormatMarker = 1
)

// BlockedVote is the sentinel voted-for value meaning "vote already spent
// for this term", used when a term bump also observes a recognized leader
// (spec.md §3 "Lifecycle rules").
const BlockedVote = "\x00blocked-vote\x00"

func logEntryKey(index LogIndex) []byte {
	k := make([]byte, 9)
	k[0] = 'E'
	binary.BigEndian.PutUint64(k[1:], index)
	return k
}

func putUint64(b []byte, v uint64) []byte {
	if b == nil {
		b = make([]byte, 8)
	}
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func getUint64(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// Journal is the durable, ordered log. All invariants in spec.md §3 are
// enforced here.
type Journal struct {
	db     *bolt.DB
	log    zerolog.Logger
	policy atomic.Int32 // FsyncPolicy, set at Open and mutable via SetPolicy

	// Fine-grained locks, mirroring spec.md §5's locking discipline: term
	// /vote (termMu), commit index (commitMu), journal content
	// (contentMu), membership (membersMu). Lock order when more than one
	// is needed at once: contentMu -> membersMu -> termMu/commitMu (the
	// latter two are always leaves and never held together).
	termMu    sync.Mutex
	commitMu  sync.Mutex
	contentMu sync.Mutex
	membersMu sync.Mutex

	currentTerm uint64
	votedFor    string

	logStart LogIndex
	logSize  LogIndex

	commitIndex LogIndex

	clusterID string

	membership        Membership
	previousMembership Membership
	hasPreviousMember  bool

	updates syncutil.Notifier
	commits syncutil.Notifier
}

// Options configures Open.
type Options struct {
	Path     string
	Policy   FsyncPolicy
	Logger   zerolog.Logger
	// Bootstrap fields, used only when the store is empty.
	ClusterID      string
	InitialVoters  []string
	InitialObservers []string
}

// Open opens (or creates) the on-disk journal at opts.Path. If the store
// is empty, it performs the spec.md §6 cluster-bootstrap sequence: an
// initial UPDATE_MEMBERS entry at index 0, term 0, with commitIndex=0 and
// logSize=1, so that index 0 always exists and always carries the
// founding membership.
func Open(opts Options) (*Journal, error) {
	db, err := bolt.Open(opts.Path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", opts.Path, err)
	}
	j := &Journal{
		db:  db,
		log: opts.Logger,
	}
	j.policy.Store(int32(opts.Policy))

	err = db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(logBucket); err != nil {
			return err
		}

		if meta.Get([]byte(keyFormatMarker)) != nil {
			// Already initialized; load cached state.
			j.currentTerm = getUint64(meta.Get([]byte(keyCurrentTerm)))
			j.votedFor = string(meta.Get([]byte(keyVotedFor)))
			j.logSize = getUint64(meta.Get([]byte(keyLogSize)))
			j.logStart = getUint64(meta.Get([]byte(keyLogStart)))
			j.commitIndex = getUint64(meta.Get([]byte(keyCommitIndex)))
			j.clusterID = string(meta.Get([]byte(keyClusterID)))

			epoch := getUint64(meta.Get([]byte(keyMembershipEpoch)))
			m, err := ParseMembership(string(meta.Get([]byte(keyMembers))), epoch)
			if err != nil {
				return err
			}
			j.membership = m

			if prev := meta.Get([]byte(keyPreviousMembers)); prev != nil {
				prevEpoch := getUint64(meta.Get([]byte(keyPreviousMembershipEpoch)))
				pm, err := ParseMembership(string(prev), prevEpoch)
				if err != nil {
					return err
				}
				j.previousMembership = pm
				j.hasPreviousMember = true
			}
			return nil
		}

		// Fresh store: bootstrap.
		clusterID := opts.ClusterID
		if clusterID == "" {
			return fmt.Errorf("journal: cluster id required to bootstrap a new journal")
		}
		m := NewMembership(opts.InitialVoters, opts.InitialObservers, 0)
		entry := Entry{Term: 0, Command: NewUpdateMembersCommand(m.Serialize(), clusterID)}

		if err := meta.Put([]byte(keyFormatMarker), putUint64(nil, currentFormatMarker)); err != nil {
			return err
		}
		if err := meta.Put([]byte(keyCurrentTerm), putUint64(nil, 0)); err != nil {
			return err
		}
		if err := meta.Put([]byte(keyVotedFor), nil); err != nil {
			return err
		}
		if err := meta.Put([]byte(keyClusterID), []byte(clusterID)); err != nil {
			return err
		}
		if err := meta.Put([]byte(keyMembers), []byte(m.Serialize())); err != nil {
			return err
		}
		if err := meta.Put([]byte(keyMembershipEpoch), putUint64(nil, 0)); err != nil {
			return err
		}
		if err := meta.Put([]byte(keyLogSize), putUint64(nil, 1)); err != nil {
			return err
		}
		if err := meta.Put([]byte(keyLogStart), putUint64(nil, 0)); err != nil {
			return err
		}
		if err := meta.Put([]byte(keyCommitIndex), putUint64(nil, 0)); err != nil {
			return err
		}

		logB := tx.Bucket(logBucket)
		if err := logB.Put(logEntryKey(0), Encode(entry)); err != nil {
			return err
		}

		j.currentTerm = 0
		j.votedFor = ""
		j.clusterID = clusterID
		j.membership = m
		j.logSize = 1
		j.logStart = 0
		j.commitIndex = 0
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

// Close releases the underlying store.
func (j *Journal) Close() error {
	return j.db.Close()
}

// fatal aborts the process on a storage or invariant violation, per
// spec.md §7 "Propagation policy: all storage/invariant violations are
// fatal".
func (j *Journal) fatal(msg string, err error) {
	j.log.Fatal().Err(err).Msg(msg)
}

func (j *Journal) fsyncFor(importantUpdate bool) bool {
	switch FsyncPolicy(j.policy.Load()) {
	case FsyncAlways:
		return true
	case FsyncAsync:
		return false
	default: // FsyncImportantUpdates
		return importantUpdate
	}
}

// SetPolicy atomically updates the durability knob enforced by future
// writes (RAFT_SET_FSYNC_POLICY, spec.md §4.1/§6). Safe to call
// concurrently with in-flight writers; the new policy takes effect on the
// next write after the store.
func (j *Journal) SetPolicy(p FsyncPolicy) {
	j.policy.Store(int32(p))
}

// Policy returns the journal's current fsync policy.
func (j *Journal) Policy() FsyncPolicy {
	return FsyncPolicy(j.policy.Load())
}

// withTx runs fn inside a single read-write transaction and commits it,
// toggling the db-wide NoSync flag for the duration per the configured
// fsync policy. Writes are already serialized by the caller-held
// contentMu/termMu/commitMu locks, so this toggle never races with
// another writer.
func (j *Journal) withTx(importantUpdate bool, fn func(tx *bolt.Tx) error) error {
	j.db.NoSync = !j.fsyncFor(importantUpdate)
	tx, err := j.db.Begin(true)
	if err != nil {
		j.fatal("journal: begin transaction", err)
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		j.fatal("journal: commit transaction", err)
		return err
	}
	return nil
}

// ClusterID returns the immutable cluster identifier.
func (j *Journal) ClusterID() string {
	return j.clusterID
}

// LogStart returns the first retained index.
func (j *Journal) LogStart() LogIndex {
	j.contentMu.Lock()
	defer j.contentMu.Unlock()
	return j.logStart
}

// LogSize returns one past the last index.
func (j *Journal) LogSize() LogIndex {
	j.contentMu.Lock()
	defer j.contentMu.Unlock()
	return j.logSize
}

// CommitIndex returns the highest index known committed.
func (j *Journal) CommitIndex() LogIndex {
	j.commitMu.Lock()
	defer j.commitMu.Unlock()
	return j.commitIndex
}

// CurrentTerm returns the current term.
func (j *Journal) CurrentTerm() uint64 {
	j.termMu.Lock()
	defer j.termMu.Unlock()
	return j.currentTerm
}

// VotedFor returns the vote recorded for the current term, possibly empty
// or BlockedVote.
func (j *Journal) VotedFor() string {
	j.termMu.Lock()
	defer j.termMu.Unlock()
	return j.votedFor
}

// Membership returns the currently installed membership.
func (j *Journal) Membership() Membership {
	j.membersMu.Lock()
	defer j.membersMu.Unlock()
	return j.membership.Clone()
}

func (j *Journal) readEntryTx(tx *bolt.Tx, index LogIndex) (Entry, bool, error) {
	raw := tx.Bucket(logBucket).Get(logEntryKey(index))
	if raw == nil {
		return Entry{}, false, nil
	}
	e, err := Decode(raw)
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

// termOfLastEntry returns the term of the entry at logSize-1. Caller must
// hold contentMu.
func (j *Journal) termOfLastEntryLocked() (uint64, error) {
	var term uint64
	err := j.db.View(func(tx *bolt.Tx) error {
		e, ok, err := j.readEntryTx(tx, j.logSize-1)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("journal: missing entry at logSize-1=%d", j.logSize-1)
		}
		term = e.Term
		return nil
	})
	return term, err
}

// Append implements spec.md §4.1's append contract: succeeds only if
// index == logSize, entry.Term <= currentTerm, and entry.Term >= the term
// of the last entry. If the entry is a membership update matching the
// local cluster ID, the new membership installs immediately and the
// epoch bumps to index, saving the previous epoch/members for rollback.
func (j *Journal) Append(index LogIndex, entry Entry) (bool, error) {
	j.contentMu.Lock()
	defer j.contentMu.Unlock()

	if index != j.logSize {
		return false, nil
	}

	j.termMu.Lock()
	curTerm := j.currentTerm
	j.termMu.Unlock()
	if entry.Term > curTerm {
		return false, nil
	}
	lastTerm, err := j.termOfLastEntryLocked()
	if err != nil {
		return false, err
	}
	if entry.Term < lastTerm {
		return false, nil
	}

	members, clusterID, isMembers := entry.IsUpdateMembers()
	installMembers := isMembers && clusterID == j.clusterID

	important := installMembers
	err = j.withTx(important, func(tx *bolt.Tx) error {
		if err := tx.Bucket(logBucket).Put(logEntryKey(index), Encode(entry)); err != nil {
			return err
		}
		meta := tx.Bucket(metaBucket)
		if err := meta.Put([]byte(keyLogSize), putUint64(nil, index+1)); err != nil {
			return err
		}
		if installMembers {
			newMembership, perr := ParseMembership(members, index)
			if perr != nil {
				return perr
			}
			if err := meta.Put([]byte(keyPreviousMembers), []byte(j.membership.Serialize())); err != nil {
				return err
			}
			if err := meta.Put([]byte(keyPreviousMembershipEpoch), putUint64(nil, j.membership.Epoch)); err != nil {
				return err
			}
			if err := meta.Put([]byte(keyMembers), []byte(newMembership.Serialize())); err != nil {
				return err
			}
			if err := meta.Put([]byte(keyMembershipEpoch), putUint64(nil, index)); err != nil {
				return err
			}
			j.membersMu.Lock()
			j.previousMembership = j.membership
			j.hasPreviousMember = true
			j.membership = newMembership
			j.membersMu.Unlock()
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	j.logSize = index + 1
	j.updates.Broadcast()
	return true, nil
}

// Fetch performs random access into the log. ok is false if index is out
// of the currently retained range.
func (j *Journal) Fetch(index LogIndex) (entry Entry, ok bool, err error) {
	j.contentMu.Lock()
	defer j.contentMu.Unlock()
	if index < j.logStart || index >= j.logSize {
		return Entry{}, false, nil
	}
	err = j.db.View(func(tx *bolt.Tx) error {
		e, found, ferr := j.readEntryTx(tx, index)
		if ferr != nil {
			return ferr
		}
		entry, ok = e, found
		return nil
	})
	return entry, ok, err
}

// MatchEntries reports whether an entry exists at index with exactly the
// given term.
func (j *Journal) MatchEntries(index LogIndex, term uint64) (bool, error) {
	e, ok, err := j.Fetch(index)
	if err != nil || !ok {
		return false, err
	}
	return e.Term == term, nil
}

// CompareEntries returns the first index in [start, start+len(candidates))
// whose stored entry differs from the corresponding candidate, or the end
// index if all match. Indices below logStart (already trimmed) count as
// matching, with a warning logged.
func (j *Journal) CompareEntries(start LogIndex, candidates []Entry) (LogIndex, error) {
	j.contentMu.Lock()
	defer j.contentMu.Unlock()

	for i, cand := range candidates {
		idx := start + LogIndex(i)
		if idx < j.logStart {
			j.log.Warn().Uint64("index", idx).Msg("compareEntries: index already trimmed, assuming match")
			continue
		}
		if idx >= j.logSize {
			return idx, nil
		}
		var existing Entry
		var found bool
		err := j.db.View(func(tx *bolt.Tx) error {
			e, ok, ferr := j.readEntryTx(tx, idx)
			if ferr != nil {
				return ferr
			}
			existing, found = e, ok
			return nil
		})
		if err != nil {
			return idx, err
		}
		if !found {
			return idx, nil
		}
		if existing.Term != cand.Term || !sameCommand(existing.Command, cand.Command) {
			return idx, nil
		}
	}
	return start + LogIndex(len(candidates)), nil
}

func sameCommand(a, b Command) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if string(a[i]) != string(b[i]) {
			return false
		}
	}
	return true
}

// RemoveEntries truncates the tail [from, logSize). Fails if from is at or
// below commitIndex, the core integrity invariant. If from is at or below
// the current membership epoch, rolls membership back to the previously
// saved pair.
func (j *Journal) RemoveEntries(from LogIndex) (bool, error) {
	j.contentMu.Lock()
	defer j.contentMu.Unlock()

	j.commitMu.Lock()
	commit := j.commitIndex
	j.commitMu.Unlock()
	if from <= commit {
		j.log.Error().Uint64("from", from).Uint64("commitIndex", commit).
			Msg("removeEntries: refusing to truncate committed entries")
		return false, nil
	}
	if from >= j.logSize {
		return true, nil
	}

	j.membersMu.Lock()
	rollback := from <= j.membership.Epoch && j.hasPreviousMember
	j.membersMu.Unlock()

	err := j.withTx(rollback, func(tx *bolt.Tx) error {
		logB := tx.Bucket(logBucket)
		for i := from; i < j.logSize; i++ {
			if err := logB.Delete(logEntryKey(i)); err != nil {
				return err
			}
		}
		meta := tx.Bucket(metaBucket)
		if err := meta.Put([]byte(keyLogSize), putUint64(nil, from)); err != nil {
			return err
		}
		if rollback {
			j.membersMu.Lock()
			prev := j.previousMembership
			j.membersMu.Unlock()
			if err := meta.Put([]byte(keyMembers), []byte(prev.Serialize())); err != nil {
				return err
			}
			if err := meta.Put([]byte(keyMembershipEpoch), putUint64(nil, prev.Epoch)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	j.logSize = from
	if rollback {
		j.membersMu.Lock()
		j.membership = j.previousMembership
		j.hasPreviousMember = false
		j.membersMu.Unlock()
	}
	j.updates.Broadcast()
	return true, nil
}

// SetCommitIndex monotonically advances the commit index. Rejects
// newIndex >= logSize. Notifies commit waiters on advance.
func (j *Journal) SetCommitIndex(newIndex LogIndex) (bool, error) {
	logSize := j.LogSize()
	j.commitMu.Lock()
	if newIndex >= logSize {
		j.commitMu.Unlock()
		return false, nil
	}
	if newIndex <= j.commitIndex {
		j.commitMu.Unlock()
		return true, nil
	}
	j.commitMu.Unlock()

	err := j.withTx(false, func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Put([]byte(keyCommitIndex), putUint64(nil, newIndex))
	})
	if err != nil {
		return false, err
	}

	j.commitMu.Lock()
	if newIndex > j.commitIndex {
		j.commitIndex = newIndex
	}
	j.commitMu.Unlock()
	j.commits.Broadcast()
	return true, nil
}

// SetCurrentTerm is monotone in term. Within the same term, vote may be
// set once (empty -> concrete); attempts to change a non-empty vote fail.
func (j *Journal) SetCurrentTerm(term uint64, vote string) (bool, error) {
	j.termMu.Lock()
	defer j.termMu.Unlock()

	if term < j.currentTerm {
		return false, nil
	}
	if term == j.currentTerm && j.votedFor != "" && vote != j.votedFor {
		return false, nil
	}

	err := j.withTx(true, func(tx *bolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		if err := meta.Put([]byte(keyCurrentTerm), putUint64(nil, term)); err != nil {
			return err
		}
		return meta.Put([]byte(keyVotedFor), []byte(vote))
	})
	if err != nil {
		return false, err
	}
	j.currentTerm = term
	j.votedFor = vote
	return true, nil
}

// TrimUntil prefix-trims the log, discarding [logStart, newLogStart).
// Fails if newLogStart > commitIndex.
func (j *Journal) TrimUntil(newLogStart LogIndex) (bool, error) {
	j.contentMu.Lock()
	defer j.contentMu.Unlock()

	j.commitMu.Lock()
	commit := j.commitIndex
	j.commitMu.Unlock()
	if newLogStart > commit {
		return false, nil
	}
	if newLogStart <= j.logStart {
		return true, nil
	}

	err := j.withTx(false, func(tx *bolt.Tx) error {
		logB := tx.Bucket(logBucket)
		for i := j.logStart; i < newLogStart; i++ {
			if err := logB.Delete(logEntryKey(i)); err != nil {
				return err
			}
		}
		return tx.Bucket(metaBucket).Put([]byte(keyLogStart), putUint64(nil, newLogStart))
	})
	if err != nil {
		return false, err
	}
	j.logStart = newLogStart
	return true, nil
}

// membershipUpdate builds the UPDATE_MEMBERS entry for a new membership
// and appends it at logSize, refusing if the current epoch has not yet
// committed.
func (j *Journal) membershipUpdate(term uint64, newMembership Membership) (bool, error) {
	j.commitMu.Lock()
	commit := j.commitIndex
	j.commitMu.Unlock()

	j.membersMu.Lock()
	epoch := j.membership.Epoch
	j.membersMu.Unlock()

	if epoch > commit {
		return false, nil
	}

	j.contentMu.Lock()
	index := j.logSize
	j.contentMu.Unlock()

	entry := Entry{Term: term, Command: NewUpdateMembersCommand(newMembership.Serialize(), j.clusterID)}
	return j.Append(index, entry)
}

// AddObserver adds server as a non-voting observer.
func (j *Journal) AddObserver(term uint64, server string) (bool, error) {
	m := j.Membership().WithAddedObserver(server)
	return j.membershipUpdate(term, m)
}

// PromoteObserver moves server from observer to voter.
func (j *Journal) PromoteObserver(term uint64, server string) (bool, error) {
	m, err := j.Membership().WithPromotedObserver(server)
	if err != nil {
		return false, err
	}
	return j.membershipUpdate(term, m)
}

// RemoveMember removes server entirely from the membership, voter or
// observer.
func (j *Journal) RemoveMember(term uint64, server string) (bool, error) {
	m := j.Membership().WithRemovedMember(server)
	return j.membershipUpdate(term, m)
}

// AppendLeadershipMarker is the convenience append used on ascension.
func (j *Journal) AppendLeadershipMarker(index LogIndex, term uint64, leader string) (bool, error) {
	entry := Entry{Term: term, Command: NewLeadershipMarkerCommand(term, leader)}
	return j.Append(index, entry)
}

// WaitForUpdates blocks until logSize advances past currentSize, the
// timeout elapses, or ctx is cancelled. Returns true if woken by an
// update.
func (j *Journal) WaitForUpdates(ctx context.Context, currentSize LogIndex, timeout time.Duration) bool {
	if j.LogSize() > currentSize {
		return true
	}
	return j.updates.Wait(ctx, timeout)
}

// WaitForCommits blocks until commitIndex advances past currentCommit,
// the timeout elapses, or ctx is cancelled.
func (j *Journal) WaitForCommits(ctx context.Context, currentCommit LogIndex, timeout time.Duration) bool {
	if j.CommitIndex() > currentCommit {
		return true
	}
	return j.commits.Wait(ctx, timeout)
}
