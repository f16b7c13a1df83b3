package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/quarkraft/quarkraft/internal/election"
	"github.com/quarkraft/quarkraft/internal/journal"
	"github.com/quarkraft/quarkraft/internal/replication"
)

// ErrNodeNotFound is returned by Local when the target address was never
// registered, or when the link between two addresses is currently cut.
var ErrNodeNotFound = errors.New("transport: node not found or unreachable")

// Local is an in-memory transport for scenario tests that need to drive
// partitions, disconnects, and latency without real sockets. Grounded on
// the teacher's pkg/rpc.LocalTransport: a registry of handlers keyed by
// address plus a disabled[from][to] link matrix, generalized from the
// teacher's raft.Node-shaped RPCs to this repo's RPCHandler interface.
type Local struct {
	mu       sync.RWMutex
	handlers map[string]RPCHandler
	disabled map[string]map[string]bool
	latency  time.Duration
}

// NewLocal builds an empty in-memory transport.
func NewLocal() *Local {
	return &Local{
		handlers: make(map[string]RPCHandler),
		disabled: make(map[string]map[string]bool),
	}
}

// Register makes address reachable, routing inbound RPCs to handler.
func (t *Local) Register(address string, handler RPCHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[address] = handler
	if t.disabled[address] == nil {
		t.disabled[address] = make(map[string]bool)
	}
}

// Deregister removes address from the transport entirely.
func (t *Local) Deregister(address string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.handlers, address)
	delete(t.disabled, address)
}

// SetLatency adds artificial delay before every RPC delivered by this
// transport, simulating a slow network for timeout-path tests.
func (t *Local) SetLatency(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.latency = d
}

// Disconnect cuts the one-directional link from -> to.
func (t *Local) Disconnect(from, to string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disabled[from] == nil {
		t.disabled[from] = make(map[string]bool)
	}
	t.disabled[from][to] = true
}

// Connect restores the one-directional link from -> to.
func (t *Local) Connect(from, to string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disabled[from] != nil {
		delete(t.disabled[from], to)
	}
}

// Partition cuts every link between address and every other registered
// node, in both directions, simulating a clean network split.
func (t *Local) Partition(address string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range t.handlers {
		if id == address {
			continue
		}
		if t.disabled[address] == nil {
			t.disabled[address] = make(map[string]bool)
		}
		if t.disabled[id] == nil {
			t.disabled[id] = make(map[string]bool)
		}
		t.disabled[address][id] = true
		t.disabled[id][address] = true
	}
}

// Heal restores every link touching address.
func (t *Local) Heal(address string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disabled[address] = make(map[string]bool)
	for id := range t.disabled {
		delete(t.disabled[id], address)
	}
}

// HealAll restores every link in the cluster.
func (t *Local) HealAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disabled = make(map[string]map[string]bool)
}

func (t *Local) isConnected(from, to string) bool {
	if t.disabled[from] == nil {
		return true
	}
	return !t.disabled[from][to]
}

func (t *Local) lookup(from, to string) (RPCHandler, time.Duration, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.handlers[to]
	if !ok || !t.isConnected(from, to) || !t.isConnected(to, from) {
		return nil, 0, ErrNodeNotFound
	}
	return h, t.latency, nil
}

// localPeer is the handle LocalReplicationDialer and LocalElectionDialer
// hand back; self identifies which registered node issued the call, so
// link checks are directional.
type localPeer struct {
	t    *Local
	self string
	peer string
}

func (p localPeer) deliver(latency time.Duration) {
	if latency > 0 {
		time.Sleep(latency)
	}
}

// SendHeartbeat implements internal/replication.Peer.
func (p localPeer) SendHeartbeat(ctx context.Context, term uint64, leader string) (replication.HeartbeatReply, error) {
	h, latency, err := p.t.lookup(p.self, p.peer)
	if err != nil {
		return replication.HeartbeatReply{}, err
	}
	p.deliver(latency)
	replyTerm, recognized, err := h.Heartbeat(ctx, term, leader)
	if err != nil {
		return replication.HeartbeatReply{}, err
	}
	return replication.HeartbeatReply{Term: replyTerm, Recognized: recognized}, nil
}

// SendAppendEntries implements internal/replication.Peer.
func (p localPeer) SendAppendEntries(ctx context.Context, leader string, term uint64, prevIndex, prevTerm, commitIndex journal.LogIndex, entries []journal.Entry) (replication.AppendReply, error) {
	h, latency, err := p.t.lookup(p.self, p.peer)
	if err != nil {
		return replication.AppendReply{}, err
	}
	p.deliver(latency)
	replyTerm, logSize, success, err := h.AppendEntries(ctx, leader, term, prevIndex, prevTerm, commitIndex, entries)
	if err != nil {
		return replication.AppendReply{}, err
	}
	return replication.AppendReply{Term: replyTerm, LogSize: logSize, Success: success}, nil
}

// RequestVote implements internal/election.Peer.
func (p localPeer) RequestVote(ctx context.Context, preVote bool, term uint64, candidate string, lastIndex journal.LogIndex, lastTerm uint64) (election.Vote, uint64, error) {
	h, latency, err := p.t.lookup(p.self, p.peer)
	if err != nil {
		return election.Refused, 0, err
	}
	p.deliver(latency)
	return h.RequestVote(ctx, preVote, term, candidate, lastIndex, lastTerm)
}

// LocalReplicationDialer adapts Local to internal/replication.Dialer for
// a single self address; each replicator gets its own dialer instance so
// link checks see the correct "from".
type LocalReplicationDialer struct {
	T    *Local
	Self string
}

func (d LocalReplicationDialer) Dial(address string) (replication.Peer, error) {
	return localPeer{t: d.T, self: d.Self, peer: address}, nil
}

// LocalElectionDialer adapts Local to internal/election.Dialer.
type LocalElectionDialer struct {
	T    *Local
	Self string
}

func (d LocalElectionDialer) Dial(address string) (election.Peer, error) {
	return localPeer{t: d.T, self: d.Self, peer: address}, nil
}
