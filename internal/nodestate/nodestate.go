// Package nodestate holds the atomic (term, role, recognizedLeader,
// votedFor, leadershipMarker) tuple that every other component reads to
// decide how to behave, published as a lock-free snapshot.
package nodestate

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/quarkraft/quarkraft/internal/journal"
	"github.com/quarkraft/quarkraft/internal/syncutil"
)

// Role is a node's current position in the consensus protocol.
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
	Shutdown
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "FOLLOWER"
	case Candidate:
		return "CANDIDATE"
	case Leader:
		return "LEADER"
	case Shutdown:
		return "SHUTDOWN"
	default:
		return "UNKNOWN"
	}
}

// Snapshot is an immutable view of the node's state at a point in time.
// Components compare a stored Snapshot pointer against the current one
// (by identity) to tell whether they're still authorized to act --- the
// same pattern the teacher's per-field getters approximate with a single
// RWMutex, generalized here to a single lock-free pointer swap so readers
// never block on the writer.
type Snapshot struct {
	Term             uint64
	Role             Role
	RecognizedLeader string
	VotedFor         string
	LeadershipMarker journal.LogIndex
	HasMarker        bool
	CreatedAt        time.Time
}

// IsCurrent reports whether this snapshot is still the live one held by
// ns. Long-running loops (Director, Replicator) poll this to know when to
// stop.
func (s *Snapshot) IsCurrent(ns *NodeState) bool {
	return ns.Current() == s
}

// NodeState publishes Snapshot values via atomic pointer swap and wakes
// waiters via a notifier on every transition, mirroring the teacher's
// single-struct-single-lock shape but replacing the lock with a
// lock-free read path, per the spec's explicit "accessible without
// locks" requirement for this component.
type NodeState struct {
	id      string
	journal *journal.Journal
	log     zerolog.Logger

	current atomic.Pointer[Snapshot]
	wake    syncutil.Notifier
}

// New constructs a NodeState in FOLLOWER with no recognized leader, at
// the term and vote persisted in the journal.
func New(id string, j *journal.Journal, log zerolog.Logger) *NodeState {
	ns := &NodeState{id: id, journal: j, log: log}
	ns.current.Store(&Snapshot{
		Term:      j.CurrentTerm(),
		Role:      Follower,
		VotedFor:  j.VotedFor(),
		CreatedAt: time.Now(),
	})
	return ns
}

// Current returns the live snapshot.
func (ns *NodeState) Current() *Snapshot {
	return ns.current.Load()
}

func (ns *NodeState) publish(next *Snapshot) {
	next.CreatedAt = time.Now()
	ns.current.Store(next)
	ns.wake.Broadcast()
}

// Observed implements spec.md §4.2's observed(term, leader): if term
// exceeds the current term, step down to FOLLOWER, clear votedFor, and
// adopt leader; if leader is non-empty, block further votes this term by
// recording the journal's blocked-vote sentinel. If term equals the
// current term and no leader was known yet, adopt it; if no vote was cast
// this term, record the blocked-vote sentinel, otherwise keep the existing
// vote. Returns true if anything changed.
func (ns *NodeState) Observed(term uint64, leader string) bool {
	cur := ns.Current()
	if cur.Role == Shutdown {
		return false
	}

	if term > cur.Term {
		vote := ""
		if leader != "" {
			vote = journal.BlockedVote
		}
		ok, err := ns.journal.SetCurrentTerm(term, vote)
		if err != nil {
			ns.log.Fatal().Err(err).Msg("nodestate: observed: journal term persist failed")
			return false
		}
		if !ok {
			return false
		}
		ns.log.Info().Uint64("term", term).Str("leader", leader).Msg("stepping down: higher term observed")
		ns.publish(&Snapshot{
			Term:             term,
			Role:             Follower,
			RecognizedLeader: leader,
			VotedFor:         vote,
			LeadershipMarker: cur.LeadershipMarker,
			HasMarker:        false,
		})
		return true
	}

	if term == cur.Term && cur.RecognizedLeader == "" && leader != "" {
		next := *cur
		next.RecognizedLeader = leader
		if cur.VotedFor == "" {
			ok, err := ns.journal.SetCurrentTerm(term, journal.BlockedVote)
			if err != nil {
				ns.log.Fatal().Err(err).Msg("nodestate: observed: journal vote-block persist failed")
				return false
			}
			if !ok {
				return false
			}
			next.VotedFor = journal.BlockedVote
		}
		ns.log.Info().Uint64("term", term).Str("leader", leader).Msg("adopting recognized leader")
		ns.publish(&next)
		return true
	}
	return false
}

// GrantVote implements spec.md §4.2's grantVote: allowed only from
// FOLLOWER, at the matching term, with no leader recognized and no prior
// vote. Persists (term, candidate) via the journal.
func (ns *NodeState) GrantVote(term uint64, candidate string) bool {
	cur := ns.Current()
	if cur.Role != Follower || cur.Term != term || cur.RecognizedLeader != "" || cur.VotedFor != "" {
		return false
	}
	ok, err := ns.journal.SetCurrentTerm(term, candidate)
	if err != nil {
		ns.log.Fatal().Err(err).Msg("nodestate: grantVote: journal persist failed")
		return false
	}
	if !ok {
		return false
	}
	next := *cur
	next.VotedFor = candidate
	ns.publish(&next)
	return true
}

// BecomeCandidate transitions FOLLOWER -> CANDIDATE for term, requiring
// no recognized leader and no prior vote this term. Votes for self and
// persists.
func (ns *NodeState) BecomeCandidate(term uint64) bool {
	cur := ns.Current()
	if cur.Role != Follower || cur.RecognizedLeader != "" {
		return false
	}
	if cur.Term == term && cur.VotedFor != "" {
		return false
	}
	ok, err := ns.journal.SetCurrentTerm(term, ns.id)
	if err != nil {
		ns.log.Fatal().Err(err).Msg("nodestate: becomeCandidate: journal persist failed")
		return false
	}
	if !ok {
		return false
	}
	ns.log.Info().Uint64("term", term).Msg("becoming candidate")
	ns.publish(&Snapshot{
		Term:     term,
		Role:     Candidate,
		VotedFor: ns.id,
	})
	return true
}

// Ascend transitions CANDIDATE -> LEADER for term: appends a leadership
// marker and records its index.
func (ns *NodeState) Ascend(term uint64) bool {
	cur := ns.Current()
	if cur.Role != Candidate || cur.Term != term {
		return false
	}
	index := ns.journal.LogSize()
	ok, err := ns.journal.AppendLeadershipMarker(index, term, ns.id)
	if err != nil {
		ns.log.Fatal().Err(err).Msg("nodestate: ascend: leadership marker append failed")
		return false
	}
	if !ok {
		return false
	}
	ns.log.Info().Uint64("term", term).Uint64("markerIndex", index).Msg("ascending to leader")
	next := *cur
	next.Role = Leader
	next.RecognizedLeader = ns.id
	next.LeadershipMarker = index
	next.HasMarker = true
	ns.publish(&next)
	return true
}

// DropOut transitions CANDIDATE -> FOLLOWER after a lost or vetoed
// election.
func (ns *NodeState) DropOut(term uint64) {
	cur := ns.Current()
	if cur.Role != Candidate || cur.Term != term {
		return
	}
	ns.log.Info().Uint64("term", term).Msg("dropping out of election")
	next := *cur
	next.Role = Follower
	ns.publish(&next)
}

// Shutdown moves to SHUTDOWN and wakes every waiter permanently.
func (ns *NodeState) Shutdown() {
	cur := ns.Current()
	next := *cur
	next.Role = Shutdown
	ns.publish(&next)
}

// Wait blocks until the next state transition, d elapses, or SHUTDOWN is
// reached, whichever comes first. Returns false if it returned because of
// shutdown.
func (ns *NodeState) Wait(d time.Duration) bool {
	if ns.Current().Role == Shutdown {
		return false
	}
	ns.wake.WaitPlain(d)
	return ns.Current().Role != Shutdown
}

// WaitUntil blocks until deadline, the next transition, or SHUTDOWN.
func (ns *NodeState) WaitUntil(deadline time.Time) bool {
	return ns.Wait(time.Until(deadline))
}

// ID returns this node's own host:port identity.
func (ns *NodeState) ID() string {
	return ns.id
}
