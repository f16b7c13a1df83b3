package writetracker

import (
	"sync"

	"github.com/quarkraft/quarkraft/internal/journal"
)

// Reply is what a pending write's caller eventually receives.
type Reply struct {
	Payload []byte
	Err     error
}

// PendingWrite is one client transaction waiting on a log index to
// commit.
type PendingWrite struct {
	Index   journal.LogIndex
	Command journal.Command
	ReplyCh chan Reply
}

// Queue is the per-connection FIFO of in-flight writes: a client may
// pipeline several writes without waiting for replies, and they must be
// applied, and replied to, in the exact order they were appended.
type Queue struct {
	mu    sync.Mutex
	items []*PendingWrite
}

// NewQueue returns an empty connection queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Push appends w to the tail of the queue.
func (q *Queue) Push(w *PendingWrite) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, w)
}

// peekHead returns the head item without removing it, or nil if empty.
func (q *Queue) peekHead() *PendingWrite {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

// popHead removes and returns the head item, or nil if empty.
func (q *Queue) popHead() *PendingWrite {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	w := q.items[0]
	q.items = q.items[1:]
	return w
}

// drain removes and returns every remaining item.
func (q *Queue) drain() []*PendingWrite {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// BlockedWrites maps a LogIndex to the connection queue whose head
// transaction was appended at that index, per spec.md §4.7.
type BlockedWrites struct {
	mu    sync.Mutex
	byIdx map[journal.LogIndex]*Queue
}

// NewBlockedWrites returns an empty registry.
func NewBlockedWrites() *BlockedWrites {
	return &BlockedWrites{byIdx: make(map[journal.LogIndex]*Queue)}
}

// Register records that queue's head transaction was appended at index.
func (b *BlockedWrites) Register(index journal.LogIndex, q *Queue) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byIdx[index] = q
}

// Take removes and returns the queue registered at index, if any.
func (b *BlockedWrites) Take(index journal.LogIndex) (*Queue, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.byIdx[index]
	if ok {
		delete(b.byIdx, index)
	}
	return q, ok
}

// FlushAll drains every registered queue and returns them, clearing the
// registry. Used on step-down to fail every outstanding write.
func (b *BlockedWrites) FlushAll() []*Queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	qs := make([]*Queue, 0, len(b.byIdx))
	seen := make(map[*Queue]bool)
	for _, q := range b.byIdx {
		if !seen[q] {
			seen[q] = true
			qs = append(qs, q)
		}
	}
	b.byIdx = make(map[journal.LogIndex]*Queue)
	return qs
}
