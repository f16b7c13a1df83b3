// Package server wires every internal/* component described in
// spec.md §2 into one running node, the way the teacher's
// cmd/server/main.go wires pkg/wal+pkg/kv+pkg/raft+pkg/grpc+pkg/api
// together inline. It is split out of cmd/quarkraftd so quarkraftd stays
// a thin flag-parsing shell and so tests can start a node without a
// subprocess.
package server

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quarkraft/quarkraft/internal/clusterid"
	"github.com/quarkraft/quarkraft/internal/committracker"
	"github.com/quarkraft/quarkraft/internal/config"
	"github.com/quarkraft/quarkraft/internal/director"
	"github.com/quarkraft/quarkraft/internal/dispatch"
	"github.com/quarkraft/quarkraft/internal/heartbeat"
	"github.com/quarkraft/quarkraft/internal/journal"
	"github.com/quarkraft/quarkraft/internal/lease"
	"github.com/quarkraft/quarkraft/internal/metrics"
	"github.com/quarkraft/quarkraft/internal/nodestate"
	"github.com/quarkraft/quarkraft/internal/replication"
	"github.com/quarkraft/quarkraft/internal/statemachine"
	"github.com/quarkraft/quarkraft/internal/transport"
	"github.com/quarkraft/quarkraft/internal/writetracker"
)

// Node owns every long-running component for a single cluster member:
// the journal, state machine, director loop, replicator, write tracker,
// and the TCP server fielding both raft RPCs and client commands. See
// spec.md §5 "minimum long-running tasks".
type Node struct {
	cfg config.Config
	log zerolog.Logger

	Journal  *journal.Journal
	State    *nodestate.NodeState
	Store    *statemachine.Store
	Dispatch *dispatch.Dispatcher
	Metrics  *metrics.Metrics
	ClusterID string

	director     *director.Director
	writeTracker *writetracker.Tracker
	replicator   *replication.Replicator
	lease        *lease.Lease
	transport    *transport.Transport
	srv          *transport.Server

	cancel context.CancelFunc
}

// New opens the journal (performing the spec.md §6 bootstrap sequence on
// a fresh data directory) and wires every component together, but does
// not yet start the director loop, apply loop, or TCP listener; call
// Start for that.
func New(cfg config.Config, log zerolog.Logger) (*Node, error) {
	policy, err := journal.ParsePolicy(cfg.Fsync)
	if err != nil {
		return nil, err
	}

	clusterID := cfg.ClusterID
	if clusterID == "" {
		clusterID = clusterid.New()
	}

	j, err := journal.Open(journal.Options{
		Path:             cfg.DataDir + "/journal.db",
		Policy:           policy,
		Logger:           log.With().Str("component", "journal").Logger(),
		ClusterID:        clusterID,
		InitialVoters:    append([]string{cfg.Address}, cfg.VotingPeers()...),
		InitialObservers: cfg.ObserverPeers(),
	})
	if err != nil {
		return nil, fmt.Errorf("server: open journal: %w", err)
	}

	ns := nodestate.New(cfg.Address, j,log.With().Str("component", "nodestate").Logger())
	sm := statemachine.New()
	hb := heartbeat.New(cfg.Timeouts.ElectionLow(), cfg.Timeouts.ElectionHigh())
	members := j.Membership()
	ls := lease.New(cfg.Timeouts.Lease(), members.VotingSize(), members.QuorumSize())

	m := metrics.New(cfg.NodeID)

	wt := writetracker.New(j, sm, log.With().Str("component", "writetracker").Logger())

	ct := committracker.New(members.QuorumSize(), log.With().Str("component", "committracker").Logger(), func(newCommit uint64) {
		if _, err := j.SetCommitIndex(newCommit); err != nil {
			log.Error().Err(err).Msg("server: setCommitIndex failed")
		}
	})

	tr := transport.New(transport.HandshakeInfo{
		ClusterID:   clusterID,
		HeartbeatMs: cfg.Timeouts.HeartbeatMs,
		LowMs:       cfg.Timeouts.ElectionLowMs,
		HighMs:      cfg.Timeouts.ElectionHighMs,
	}, cfg.Timeouts.Dial())

	repl := replication.New(replication.Config{
		HeartbeatInterval: cfg.Timeouts.Heartbeat(),
		RPCTimeout:        2 * cfg.Timeouts.Heartbeat(),
		MaxInFlight:       8,
		MaxBatchBytes:     1 << 20,
		MaxBatchCount:     256,
	}, j, ns, transport.ReplicationDialer{T: tr}, ct, ls, log.With().Str("component", "replication").Logger(), nil)

	disp := dispatch.New(cfg.Address, dispatch.Config{
		ClusterID:   clusterID,
		LeaseTTLCap: cfg.Timeouts.Lease(),
	}, j, ns, sm, wt, repl, hb, ls, ct, log.With().Str("component", "dispatch").Logger())
	if cfg.StaleReads {
		if _, err := disp.Dispatch(context.Background(), "", nil, [][]byte{[]byte("ACTIVATE_STALE_READS")}); err != nil {
			return nil, fmt.Errorf("server: enabling stale reads: %w", err)
		}
	}

	dir := director.New(director.Config{HeartbeatInterval: cfg.Timeouts.Heartbeat()}, ns, j, hb, ls, ct, repl, wt,
		transport.ElectionDialer{T: tr}, log.With().Str("component", "director").Logger())
	dir.SetObserver(m)

	srv, err := transport.NewServer(cfg.Address, clusterID, disp, log.With().Str("component", "transport").Logger())
	if err != nil {
		return nil, fmt.Errorf("server: listen on %s: %w", cfg.Address, err)
	}

	return &Node{
		cfg:          cfg,
		log:          log,
		Journal:      j,
		State:        ns,
		Store:        sm,
		Dispatch:     disp,
		Metrics:      m,
		ClusterID:    clusterID,
		director:     dir,
		writeTracker: wt,
		replicator:   repl,
		lease:        ls,
		transport:    tr,
		srv:          srv,
	}, nil
}

// Addr returns the bound RESP listen address, resolved (e.g. when
// cfg.Address ends in ":0", used by tests).
func (n *Node) Addr() string { return n.srv.Addr().String() }

// CurrentSnapshot implements internal/adminhttp.StatusSource.
func (n *Node) CurrentSnapshot() *nodestate.Snapshot { return n.State.Current() }

// JournalInfo implements internal/adminhttp.StatusSource.
func (n *Node) JournalInfo() (commitIndex, logSize uint64, clusterID string) {
	return n.Journal.CommitIndex(), n.Journal.LogSize(), n.ClusterID
}

// FetchEntry implements internal/adminhttp.StatusSource.
func (n *Node) FetchEntry(index uint64) (journal.Entry, bool) {
	entry, ok, err := n.Journal.Fetch(index)
	if err != nil {
		return journal.Entry{}, false
	}
	return entry, ok
}

// Start spawns every long-running task from spec.md §5's list except the
// per-connection tasks (those are spawned by transport.Server.Serve
// itself as connections arrive): the director loop, the write tracker's
// commit-apply loop, and the TCP accept loop. It returns once the accept
// loop has an error or ctx is cancelled; callers typically run it in its
// own goroutine.
func (n *Node) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	go n.director.Run(ctx)
	go n.writeTracker.Run(ctx, n.cfg.Timeouts.Heartbeat())
	go n.pollMetrics(ctx)

	return n.srv.Serve(ctx)
}

// pollMetrics periodically samples every gauge internal/metrics exposes.
// Counters (elections) are pushed eagerly by internal/director's
// observer hook instead; this loop only owns point-in-time state.
func (n *Node) pollMetrics(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.Timeouts.Heartbeat())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cur := n.State.Current()
		snap := metrics.Snapshot{
			Term:        cur.Term,
			CommitIndex: n.Journal.CommitIndex(),
			LastApplied: n.writeTracker.LastApplied(),
			LogSize:     n.Journal.LogSize(),
			IsLeader:    cur.Role == nodestate.Leader,
		}
		if snap.IsLeader {
			snap.LeaseDeadline = n.lease.Deadline()
			statuses, _ := n.replicator.Status()
			lag := make(map[string]uint64, len(statuses))
			for _, st := range statuses {
				if snap.LogSize == 0 {
					continue
				}
				lag[st.Replica] = (snap.LogSize - 1) - st.MatchIndex
			}
			snap.FollowerLag = lag
		}
		n.Metrics.Update(snap)
	}
}

// Stop tears down the node: closes the listener, cancels the director
// and apply-loop goroutines, and flushes any pending writes as
// unavailable so no caller is left stranded, then closes the journal.
func (n *Node) Stop() error {
	if n.cancel != nil {
		n.cancel()
	}
	n.State.Shutdown()
	n.writeTracker.FlushQueues(dispatch.ErrUnavailable)
	if err := n.srv.Close(); err != nil {
		return err
	}
	return n.Journal.Close()
}
