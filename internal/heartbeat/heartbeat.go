// Package heartbeat tracks the most recent heartbeat a follower observed
// and the randomized election timeout that governs when it gives up on
// the current leader.
package heartbeat

import (
	"math/rand"
	"sync"
	"time"
)

// Tracker holds the last-heartbeat timestamp and a randomized election
// timeout redrawn at the start of every waiting cycle, per spec.md §4.3.
type Tracker struct {
	mu sync.Mutex

	lowMs, highMs int64
	lastHeartbeat time.Time
	randomTimeout time.Duration
	forced        bool

	rng *rand.Rand
}

// New builds a Tracker whose randomized timeout is drawn uniformly from
// [low, high].
func New(low, high time.Duration) *Tracker {
	t := &Tracker{
		lowMs:  low.Milliseconds(),
		highMs: high.Milliseconds(),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	t.lastHeartbeat = time.Now()
	t.randomTimeout = t.draw()
	return t
}

func (t *Tracker) draw() time.Duration {
	span := t.highMs - t.lowMs
	if span <= 0 {
		return time.Duration(t.lowMs) * time.Millisecond
	}
	ms := t.lowMs + t.rng.Int63n(span+1)
	return time.Duration(ms) * time.Millisecond
}

// Heartbeat advances the last-heartbeat timestamp. It is monotone: an
// older timestamp never overwrites a newer one.
func (t *Tracker) Heartbeat(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if now.After(t.lastHeartbeat) {
		t.lastHeartbeat = now
		t.forced = false
	}
}

// LastHeartbeat returns the last recorded heartbeat timestamp.
func (t *Tracker) LastHeartbeat() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastHeartbeat
}

// Timeout reports whether now - lastHeartbeat >= the current random
// timeout, or whether TriggerTimeout forced it.
func (t *Tracker) Timeout(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.forced {
		return true
	}
	return now.Sub(t.lastHeartbeat) >= t.randomTimeout
}

// RefreshRandomTimeout redraws the random timeout, used at the start of
// each followerLoop waiting cycle.
func (t *Tracker) RefreshRandomTimeout() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.randomTimeout = t.draw()
}

// TriggerTimeout forces the next Timeout call to report true, used by the
// RAFT_ATTEMPT_COUP admin command.
func (t *Tracker) TriggerTimeout() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.forced = true
}

// RandomTimeout returns the currently drawn timeout duration.
func (t *Tracker) RandomTimeout() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.randomTimeout
}
