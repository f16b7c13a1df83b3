// Package writetracker drives the apply loop that turns a committed log
// entry into a state-machine mutation and a reply delivered back to
// whichever client connection (if any) is still waiting on it.
package writetracker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quarkraft/quarkraft/internal/journal"
)

// Applier is the narrow state-machine surface the write tracker needs:
// apply one already-committed entry and produce the bytes to reply with.
type Applier interface {
	Apply(index journal.LogIndex, entry journal.Entry) ([]byte, error)
}

// Tracker owns BlockedWrites and the dedicated apply loop described in
// spec.md §4.7.
type Tracker struct {
	j       *journal.Journal
	applier Applier
	log     zerolog.Logger

	blocked *BlockedWrites

	mu          sync.Mutex
	lastApplied journal.LogIndex
}

// New builds a Tracker starting from lastApplied = 0.
func New(j *journal.Journal, applier Applier, log zerolog.Logger) *Tracker {
	return &Tracker{
		j:       j,
		applier: applier,
		log:     log,
		blocked: NewBlockedWrites(),
	}
}

// LastApplied returns the highest index applied to the state machine so
// far.
func (t *Tracker) LastApplied() journal.LogIndex {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastApplied
}

// Append implements spec.md §4.7's append contract: atomically (a)
// appends to the journal, (b) registers q at the assigned index, (c)
// pushes the transaction onto q. If the journal refuses the append (the
// term changed under us), it returns ok=false and the dispatcher is
// expected to retry.
func (t *Tracker) Append(term uint64, command journal.Command, q *Queue) (*PendingWrite, bool, error) {
	// Holding mu keeps the apply loop (which reads lastApplied under mu
	// before each entry) from reaching index until q is registered.
	t.mu.Lock()
	defer t.mu.Unlock()
	index := t.j.LogSize()
	ok, err := t.j.Append(index, journal.Entry{Term: term, Command: command})
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	w := &PendingWrite{Index: index, Command: command, ReplyCh: make(chan Reply, 1)}
	q.Push(w)
	t.blocked.Register(index, q)
	return w, true, nil
}

// Run blocks on Journal.WaitForCommits and drains newly committed entries
// until ctx is cancelled, applying each to the state machine (or a no-op
// for control entries) and routing replies to any registered connection
// queue.
func (t *Tracker) Run(ctx context.Context, waitTimeout time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		lastApplied := t.LastApplied()
		if !t.j.WaitForCommits(ctx, lastApplied, waitTimeout) {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		t.drainToCommitIndex()
	}
}

func (t *Tracker) drainToCommitIndex() {
	commit := t.j.CommitIndex()
	for {
		lastApplied := t.LastApplied()
		if lastApplied >= commit {
			return
		}
		index := lastApplied + 1
		entry, ok, err := t.j.Fetch(index)
		if err != nil {
			t.log.Fatal().Err(err).Uint64("index", index).Msg("writetracker: fetch of committed entry failed")
			return
		}
		if !ok {
			t.log.Fatal().Uint64("index", index).Msg("writetracker: committed entry missing from journal")
			return
		}
		t.applyOne(index, entry)
	}
}

func (t *Tracker) applyOne(index journal.LogIndex, entry journal.Entry) {
	_, _, isUpdateMembers := entry.IsUpdateMembers()
	_, _, isMarker := entry.IsLeadershipMarker()
	isControl := isUpdateMembers || isMarker

	if q, registered := t.blocked.Take(index); registered {
		w := q.popHead()
		var payload []byte
		var err error
		if !isControl {
			payload, err = t.applier.Apply(index, entry)
		}
		if w != nil {
			select {
			case w.ReplyCh <- Reply{Payload: payload, Err: err}:
			default:
			}
		}
	} else if !isControl {
		if _, err := t.applier.Apply(index, entry); err != nil {
			t.log.Warn().Err(err).Uint64("index", index).Msg("writetracker: anonymous apply failed")
		}
	}

	t.mu.Lock()
	t.lastApplied = index
	t.mu.Unlock()
}

// FlushQueues drains every outstanding connection queue, replying to each
// pending write with err, so no caller is ever left stranded across a
// step-down. Per spec.md §4.7, used from leaderLoop's step-down path.
func (t *Tracker) FlushQueues(err error) {
	for _, q := range t.blocked.FlushAll() {
		for _, w := range q.drain() {
			select {
			case w.ReplyCh <- Reply{Err: err}:
			default:
			}
		}
	}
}
