// Package replication drives the per-follower replica tasks that keep a
// leader's log in sync with the rest of the cluster: an independent
// heartbeat stream (for lease/timeout purposes) and an independent data
// stream (for log entries, one APPEND_ENTRIES request in flight at a
// time), so a slow bulk append never stalls heartbeats.
package replication

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quarkraft/quarkraft/internal/committracker"
	"github.com/quarkraft/quarkraft/internal/journal"
	"github.com/quarkraft/quarkraft/internal/lease"
	"github.com/quarkraft/quarkraft/internal/nodestate"
)

// HeartbeatReply is a peer's answer to a HEARTBEAT RPC.
type HeartbeatReply struct {
	Term       uint64
	Recognized bool
}

// AppendReply is a peer's answer to an APPEND_ENTRIES RPC.
type AppendReply struct {
	Term    uint64
	LogSize uint64
	Success bool
}

// Peer is the narrow RPC surface the replicator needs from a follower
// connection. internal/transport supplies the concrete implementation
// over the wire protocol.
type Peer interface {
	SendHeartbeat(ctx context.Context, term uint64, leader string) (HeartbeatReply, error)
	SendAppendEntries(ctx context.Context, leader string, term uint64, prevIndex, prevTerm, commitIndex journal.LogIndex, entries []journal.Entry) (AppendReply, error)
}

// Dialer resolves a follower's address to a Peer handle.
type Dialer interface {
	Dial(address string) (Peer, error)
}

// CatchUpShipper ships a state-machine checkpoint to a follower that has
// fallen behind the log's trim horizon, then reports the log index the
// checkpoint covers so replication can resume from there. The transfer
// mechanism itself is out of scope per spec.md §1 ("checkpoint/resilvering
// file shipping"); NoCatchUpShipper below is the stub New installs when it
// is given a nil shipper.
type CatchUpShipper interface {
	ShipCheckpoint(ctx context.Context, replica string) (journal.LogIndex, error)
}

// NoCatchUpShipper never ships a checkpoint: a follower behind the trim
// horizon just waits for the horizon to catch up to it instead of spinning.
type NoCatchUpShipper struct{}

func (NoCatchUpShipper) ShipCheckpoint(ctx context.Context, replica string) (journal.LogIndex, error) {
	return 0, errCatchUpUnsupported
}

var errCatchUpUnsupported = errors.New("replication: checkpoint catch-up shipping is not implemented")

// Config holds the replicator's tunables.
type Config struct {
	HeartbeatInterval time.Duration
	RPCTimeout        time.Duration // 2 * HeartbeatInterval per spec.md §5.
	MaxInFlight       int           // not read: the data loop keeps one APPEND_ENTRIES in flight per follower.
	MaxBatchBytes     int
	MaxBatchCount     int
}

// Status is a point-in-time report on one follower's replication state.
type Status struct {
	Replica    string
	Online     bool
	MatchIndex journal.LogIndex
}

// Replicator owns one replica task pair (heartbeat + data) per voting
// follower or observer, for the duration of a single leadership term. See
// spec.md §4.6.
type Replicator struct {
	cfg     Config
	j       *journal.Journal
	ns      *nodestate.NodeState
	dialer  Dialer
	log     zerolog.Logger
	tracker *committracker.Tracker
	lease   *lease.Lease

	shipper CatchUpShipper

	mu     sync.Mutex
	tasks  map[string]*replicaTask
	active bool
}

// New builds an idle Replicator. Call Activate to start replica tasks. A nil
// shipper defaults to NoCatchUpShipper.
func New(cfg Config, j *journal.Journal, ns *nodestate.NodeState, dialer Dialer, tracker *committracker.Tracker, ls *lease.Lease, log zerolog.Logger, shipper CatchUpShipper) *Replicator {
	if shipper == nil {
		shipper = NoCatchUpShipper{}
	}
	return &Replicator{
		cfg:     cfg,
		j:       j,
		ns:      ns,
		dialer:  dialer,
		tracker: tracker,
		lease:   ls,
		log:     log,
		shipper: shipper,
		tasks:   make(map[string]*replicaTask),
	}
}

// Activate spawns replica tasks for every voter and observer other than
// ourselves, each starting at nextIndex = logSize, gated on snapshot
// still being current. Observers receive entries but, per spec.md §4.6,
// never count toward commit or lease: members.IsVoter tells each task
// which side of that line it's on.
func (r *Replicator) Activate(snapshot *nodestate.Snapshot, members journal.Membership) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active {
		return
	}
	r.active = true
	logSize := r.j.LogSize()
	for _, m := range members.AllMembers() {
		if m == r.ns.ID() {
			continue
		}
		task := newReplicaTask(r, m, members.IsVoter(m), logSize, snapshot)
		r.tasks[m] = task
		task.start()
	}
}

// Deactivate stops and joins every replica task.
func (r *Replicator) Deactivate() {
	r.mu.Lock()
	tasks := r.tasks
	r.tasks = make(map[string]*replicaTask)
	r.active = false
	r.mu.Unlock()

	for _, t := range tasks {
		t.stop()
	}
}

// Status reports (replica, online, matchIndex) triples and whether the
// quorum currently looks shaky: at least one follower or observer lagging
// behind the leader's log by more than a small threshold.
func (r *Replicator) Status() (statuses []Status, shakyQuorum bool) {
	r.mu.Lock()
	tasks := make([]*replicaTask, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, t)
	}
	r.mu.Unlock()

	const laggingThreshold = 10
	logSize := r.j.LogSize()
	laggingCount := 0
	for _, t := range tasks {
		online, match := t.snapshotPublic()
		statuses = append(statuses, Status{Replica: t.peerAddr, Online: online, MatchIndex: match})
		if logSize > 0 && match+laggingThreshold < logSize-1 {
			laggingCount++
		}
	}
	shakyQuorum = laggingCount > 0
	return statuses, shakyQuorum
}
