// Package committracker computes the commit index from per-follower
// match-index reports, the way a quorum of acknowledgements turns into a
// durability guarantee.
package committracker

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Tracker holds one match-index handle per voting follower and
// recomputes the commit index whenever a handle advances, per spec.md
// §4.5.
type Tracker struct {
	mu          sync.Mutex
	log         zerolog.Logger
	quorumSize  int
	matchIndex  map[string]uint64 // one entry per voting follower, zeroed up front.
	leaderIndex uint64            // the leader's own logSize-1, counted implicitly.
	commitIndex uint64
	lagging     bool

	onAdvance func(newCommit uint64)
}

// New builds a Tracker for the given quorum size. onAdvance is called
// (outside the tracker's lock) whenever the commit index advances.
func New(quorumSize int, logger zerolog.Logger, onAdvance func(uint64)) *Tracker {
	return &Tracker{
		log:        logger,
		quorumSize: quorumSize,
		matchIndex: make(map[string]uint64),
		onAdvance:  onAdvance,
	}
}

// Reset clears all follower state for a fresh ascension: voters is every
// voting follower other than the leader itself, each starting at match
// index 0 until it reports in (the default Raft assumption -- an unknown
// follower is treated as having nothing replicated yet, never as absent
// from the quorum count).
func (t *Tracker) Reset(quorumSize int, voters []string, leaderIndex, commitIndex uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.quorumSize = quorumSize
	t.matchIndex = make(map[string]uint64, len(voters))
	for _, v := range voters {
		t.matchIndex[v] = 0
	}
	t.leaderIndex = leaderIndex
	t.commitIndex = commitIndex
	t.lagging = false
}

// Update records a new match index for follower and recomputes the
// commit index. It never moves the commit index backwards: if the
// recomputed value is below the current commit index, the tracker enters
// lagging mode, logs a critical warning, and refuses to commit further
// until it catches back up.
func (t *Tracker) Update(follower string, matchIndex uint64) {
	t.mu.Lock()
	if matchIndex <= t.matchIndex[follower] {
		t.mu.Unlock()
		return
	}
	t.matchIndex[follower] = matchIndex
	t.recompute()
}

// AdvanceLeaderIndex updates the leader's own implicit match index
// (always logSize-1 on the leader, since it appends to its own log
// synchronously) and recomputes the commit index. Callers append to the
// journal first, then call this so the leader's own entry counts towards
// quorum immediately, without waiting for a self-replication round-trip.
func (t *Tracker) AdvanceLeaderIndex(leaderIndex uint64) {
	t.mu.Lock()
	if leaderIndex <= t.leaderIndex {
		t.mu.Unlock()
		return
	}
	t.leaderIndex = leaderIndex
	t.recompute()
}

// recompute must be called with mu held, and unlocks it before returning
// (so the onAdvance callback runs outside the lock).
func (t *Tracker) recompute() {
	candidate := t.quorumCommitIndex()

	if candidate < t.commitIndex {
		if !t.lagging {
			t.log.Error().
				Uint64("candidate", candidate).
				Uint64("commitIndex", t.commitIndex).
				Msg("commit tracker: computed commit index below current, entering lagging mode")
		}
		t.lagging = true
		t.mu.Unlock()
		return
	}

	t.lagging = false
	advanced := candidate > t.commitIndex
	if advanced {
		t.commitIndex = candidate
	}
	cb := t.onAdvance
	t.mu.Unlock()

	if advanced && cb != nil {
		cb(candidate)
	}
}

// quorumCommitIndex must be called with mu held: the quorumSize-th
// largest match index, including an implicit leaderIndex for the
// leader itself, over a fixed voter count (leader + every entry in
// matchIndex, whether or not it has reported yet).
func (t *Tracker) quorumCommitIndex() uint64 {
	indices := make([]uint64, 0, len(t.matchIndex)+1)
	indices = append(indices, t.leaderIndex)
	for _, idx := range t.matchIndex {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	pos := len(indices) - t.quorumSize
	if pos < 0 {
		// Fewer known voters than the quorum requires: nothing can be
		// considered committed yet.
		return 0
	}
	return indices[pos]
}

// CommitIndex returns the tracker's current notion of the commit index.
func (t *Tracker) CommitIndex() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.commitIndex
}

// Lagging reports whether the tracker is refusing to advance because a
// quorum computation briefly produced a lower value than the journal's
// own commit index.
func (t *Tracker) Lagging() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lagging
}

// MatchIndex returns the last reported match index for follower.
func (t *Tracker) MatchIndex(follower string) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.matchIndex[follower]
}
