package replication

import (
	"context"
	"sync"
	"time"

	"github.com/quarkraft/quarkraft/internal/journal"
	"github.com/quarkraft/quarkraft/internal/nodestate"
)

// replicaTask drives one follower's heartbeat and data sub-channels for
// as long as the leadership snapshot it was spawned with remains current.
type replicaTask struct {
	r        *Replicator
	peerAddr string
	isVoter  bool
	snapshot *nodestate.Snapshot

	mu         sync.Mutex
	nextIndex  journal.LogIndex
	matchIndex journal.LogIndex
	online     bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newReplicaTask(r *Replicator, peerAddr string, isVoter bool, logSize journal.LogIndex, snapshot *nodestate.Snapshot) *replicaTask {
	return &replicaTask{
		r:         r,
		peerAddr:  peerAddr,
		isVoter:   isVoter,
		snapshot:  snapshot,
		nextIndex: logSize,
	}
}

func (t *replicaTask) start() {
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.wg.Add(2)
	go t.heartbeatLoop(ctx)
	go t.dataLoop(ctx)
}

func (t *replicaTask) stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
}

func (t *replicaTask) snapshotState() (online bool, matchIndex journal.LogIndex) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.online, t.matchIndex
}

// snapshotPublic is the accessor used by Replicator.Status.
func (t *replicaTask) snapshotPublic() (bool, journal.LogIndex) { return t.snapshotState() }

func (t *replicaTask) current() bool {
	return t.snapshot.IsCurrent(t.r.ns)
}

// heartbeatLoop sends HEARTBEAT(term, leader) every heartbeat interval.
// A negative reply with a higher term triggers step-down via
// NodeState.Observed. Success records the broadcast time on the lease.
func (t *replicaTask) heartbeatLoop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for t.current() {
		broadcastTime := time.Now()
		t.sendHeartbeat(ctx, broadcastTime)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (t *replicaTask) sendHeartbeat(ctx context.Context, broadcastTime time.Time) {
	peer, err := t.r.dialer.Dial(t.peerAddr)
	if err != nil {
		t.markOffline()
		return
	}
	rctx, cancel := context.WithTimeout(ctx, t.r.cfg.RPCTimeout)
	defer cancel()
	reply, err := peer.SendHeartbeat(rctx, t.snapshot.Term, t.snapshot.RecognizedLeader)
	if err != nil {
		t.markOffline()
		return
	}
	t.markOnline()
	if reply.Term > t.snapshot.Term {
		t.r.ns.Observed(reply.Term, "")
		return
	}
	// Observers receive data but never count toward the lease (spec.md
	// §4.6): only a voter's last-contact time feeds Lease.
	if t.isVoter && t.r.lease != nil {
		t.r.lease.Heartbeat(t.peerAddr, broadcastTime)
	}
}

func (t *replicaTask) markOnline() {
	t.mu.Lock()
	t.online = true
	t.mu.Unlock()
}

func (t *replicaTask) markOffline() {
	t.mu.Lock()
	t.online = false
	t.mu.Unlock()
}

// dataLoop sends APPEND_ENTRIES one batch at a time, waiting for each
// reply before building the next; it never has more than one request in
// flight and does not read Config.MaxInFlight. If the follower is caught
// up, it waits on the journal's
// log-updated notifier for new entries; if behind, it sends chunks,
// decreasing nextIndex on rejection.
func (t *replicaTask) dataLoop(ctx context.Context) {
	defer t.wg.Done()

	for t.current() {
		logSize := t.r.j.LogSize()
		logStart := t.r.j.LogStart()

		t.mu.Lock()
		next := t.nextIndex
		t.mu.Unlock()

		if next < logStart {
			// Follower fell behind the trim horizon: ask the configured
			// CatchUpShipper for a checkpoint (spec.md §4.6). The default
			// shipper never produces one, so we fall back to waiting for
			// the horizon to catch up to the follower rather than spin.
			if resumeFrom, err := t.r.shipper.ShipCheckpoint(ctx, t.peerAddr); err == nil {
				t.mu.Lock()
				t.nextIndex = resumeFrom
				t.mu.Unlock()
				continue
			}
			if !t.r.j.WaitForUpdates(ctx, logSize, t.r.cfg.RPCTimeout) {
				if ctx.Err() != nil {
					return
				}
			}
			continue
		}

		if next >= logSize {
			if !t.r.j.WaitForUpdates(ctx, logSize, t.r.cfg.HeartbeatInterval) {
				if ctx.Err() != nil {
					return
				}
			}
			continue
		}

		t.sendBatch(ctx, next, logSize)
	}
}

func (t *replicaTask) sendBatch(ctx context.Context, next, logSize journal.LogIndex) {
	end := next + journal.LogIndex(t.r.cfg.MaxBatchCount)
	if end > logSize {
		end = logSize
	}

	entries := make([]journal.Entry, 0, end-next)
	byteCount := 0
	for i := next; i < end; i++ {
		e, ok, err := t.r.j.Fetch(i)
		if err != nil || !ok {
			break
		}
		entries = append(entries, e)
		byteCount += len(journal.Encode(e))
		if byteCount >= t.r.cfg.MaxBatchBytes {
			break
		}
	}
	if len(entries) == 0 {
		return
	}

	prevIndex := next - 1
	prevEntry, prevOK, err := t.r.j.Fetch(prevIndex)
	var prevTerm uint64
	if err == nil && prevOK {
		prevTerm = prevEntry.Term
	}

	peer, err := t.r.dialer.Dial(t.peerAddr)
	if err != nil {
		t.markOffline()
		return
	}

	rctx, cancel := context.WithTimeout(ctx, t.r.cfg.RPCTimeout)
	defer cancel()
	reply, err := peer.SendAppendEntries(rctx, t.snapshot.RecognizedLeader, t.snapshot.Term, prevIndex, prevTerm, t.r.j.CommitIndex(), entries)
	if err != nil {
		t.markOffline()
		return
	}
	t.markOnline()

	if reply.Term > t.snapshot.Term {
		t.r.ns.Observed(reply.Term, "")
		return
	}

	if reply.Success {
		newMatch := prevIndex + journal.LogIndex(len(entries))
		t.mu.Lock()
		if newMatch > t.matchIndex {
			t.matchIndex = newMatch
		}
		t.nextIndex = t.matchIndex + 1
		t.mu.Unlock()
		// Observers receive data but never count toward commit (spec.md
		// §4.6): only a voter's match index feeds the commit tracker.
		if t.isVoter {
			t.r.tracker.Update(t.peerAddr, newMatch)
		}
		return
	}

	// Log entry mismatch: back off nextIndex and retry.
	t.mu.Lock()
	if t.nextIndex > t.r.j.LogStart() {
		t.nextIndex--
	}
	t.mu.Unlock()
}
