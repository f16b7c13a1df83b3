package dispatch

import (
	"context"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/quarkraft/quarkraft/internal/committracker"
	"github.com/quarkraft/quarkraft/internal/heartbeat"
	"github.com/quarkraft/quarkraft/internal/journal"
	"github.com/quarkraft/quarkraft/internal/lease"
	"github.com/quarkraft/quarkraft/internal/nodestate"
	"github.com/quarkraft/quarkraft/internal/replication"
	"github.com/quarkraft/quarkraft/internal/statemachine"
	"github.com/quarkraft/quarkraft/internal/writetracker"
)

// single builds a one-node dispatcher already ascended to leader, for
// exercising the write/read paths without real peers.
func single(t *testing.T) (*Dispatcher, *journal.Journal, *nodestate.NodeState, *writetracker.Tracker) {
	t.Helper()
	dir := t.TempDir()
	j, err := journal.Open(journal.Options{
		Path:          filepath.Join(dir, "journal.db"),
		Policy:        journal.FsyncAsync,
		Logger:        zerolog.Nop(),
		ClusterID:     "11111111-1111-1111-1111-111111111111",
		InitialVoters: []string{"a:1"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	ns := nodestate.New("a:1", j, zerolog.Nop())
	sm := statemachine.New()
	wt := writetracker.New(j, sm, zerolog.Nop())
	ct := committracker.New(1, zerolog.Nop(), func(newCommit uint64) {
		j.SetCommitIndex(newCommit)
	})
	ls := lease.New(time.Hour, 1, 1)
	repl := replication.New(replication.Config{HeartbeatInterval: time.Millisecond}, j, ns, nil, ct, ls, zerolog.Nop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go wt.Run(ctx, 10*time.Millisecond)

	require.True(t, ns.BecomeCandidate(1))
	require.True(t, ns.Ascend(1))
	ct.AdvanceLeaderIndex(uint64(j.LogSize() - 1))

	d := New("a:1", Config{}, j, ns, sm, wt, repl, heartbeat.New(10*time.Millisecond, 20*time.Millisecond), ls, ct, zerolog.Nop())
	return d, j, ns, wt
}

func TestDispatchSetThenGet(t *testing.T) {
	d, _, _, _ := single(t)
	ctx := context.Background()
	q := writetracker.NewQueue()

	reply, err := d.Dispatch(ctx, "client:1", q, [][]byte{[]byte("SET"), []byte("k"), []byte("v")})
	require.NoError(t, err)
	require.Equal(t, "OK", string(reply))

	reply, err = d.Dispatch(ctx, "client:1", q, [][]byte{[]byte("GET"), []byte("k")})
	require.NoError(t, err)
	require.Equal(t, "v", string(reply))
}

func TestDispatchConcurrentWritesOnOneQueueAllSucceed(t *testing.T) {
	d, _, _, _ := single(t)
	ctx := context.Background()
	q := writetracker.NewQueue()

	type result struct {
		idx int
		err error
	}
	results := make(chan result, 3)
	for i := 0; i < 3; i++ {
		i := i
		go func() {
			_, err := d.Dispatch(ctx, "client:1", q, [][]byte{[]byte("SET"), []byte("k"), []byte("v")})
			results <- result{idx: i, err: err}
		}()
	}
	for i := 0; i < 3; i++ {
		r := <-results
		require.NoError(t, r.err)
	}
}

func TestDispatchUnknownCommand(t *testing.T) {
	d, _, _, _ := single(t)
	_, err := d.Dispatch(context.Background(), "client:1", writetracker.NewQueue(), [][]byte{[]byte("NOPE")})
	require.ErrorIs(t, err, ErrParse)
}

func TestDispatchReadRedirectsWhenFollowerKnowsLeader(t *testing.T) {
	d, _, ns, _ := single(t)
	// Force back to follower with a known leader, as if we'd stepped down.
	ns.Observed(2, "b:1")

	_, err := d.Dispatch(context.Background(), "client:1", writetracker.NewQueue(), [][]byte{[]byte("GET"), []byte("k")})
	var moved *MovedError
	require.ErrorAs(t, err, &moved)
	require.Equal(t, "b:1", moved.Leader)
}

func TestDispatchReadUnavailableWithNoLeader(t *testing.T) {
	d, _, ns, _ := single(t)
	ns.Observed(2, "")

	_, err := d.Dispatch(context.Background(), "client:1", writetracker.NewQueue(), [][]byte{[]byte("GET"), []byte("k")})
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestDispatchStaleReadsOnFollower(t *testing.T) {
	d, j, ns, _ := single(t)
	ctx := context.Background()
	q := writetracker.NewQueue()
	_, err := d.Dispatch(ctx, "client:1", q, [][]byte{[]byte("SET"), []byte("k"), []byte("v")})
	require.NoError(t, err)

	_, err = d.Dispatch(ctx, "admin", q, [][]byte{[]byte("ACTIVATE_STALE_READS")})
	require.NoError(t, err)

	ns.Observed(2, "") // step down with no known leader
	_ = j

	reply, err := d.Dispatch(ctx, "client:1", q, [][]byte{[]byte("GET"), []byte("k")})
	require.NoError(t, err)
	require.Equal(t, "v", string(reply))
}

func TestDispatchHeartbeatRPC(t *testing.T) {
	d, _, ns, _ := single(t)

	replyTerm, recognized, err := d.Heartbeat(context.Background(), 1, "a:1")
	require.NoError(t, err)
	require.True(t, recognized)
	require.Equal(t, uint64(1), replyTerm)

	// A stale heartbeat (lower term) is rejected.
	_ = ns
	replyTerm, recognized, err = d.Heartbeat(context.Background(), 0, "z:1")
	require.NoError(t, err)
	require.False(t, recognized)
	require.Equal(t, uint64(1), replyTerm)
}

func TestDispatchLeaseAcquireStampsAbsoluteExpiry(t *testing.T) {
	d, j, _, _ := single(t)
	ctx := context.Background()
	q := writetracker.NewQueue()
	before := time.Now().UnixNano()

	reply, err := d.Dispatch(ctx, "client:1", q, [][]byte{[]byte("LEASE_ACQUIRE"), []byte("lockA"), []byte("holder1"), []byte("5000")})
	require.NoError(t, err)
	require.Equal(t, "1", string(reply))

	// The journaled command carries an absolute expiry, not the raw ttl.
	entry, ok, err := j.Fetch(j.LogSize() - 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, entry.Command, 4)
	expiresAt, err := strconv.ParseInt(string(entry.Command[3]), 10, 64)
	require.NoError(t, err)
	require.GreaterOrEqual(t, expiresAt, before+5000*int64(time.Millisecond))
}

func TestDispatchMembershipChangeRequiresLeader(t *testing.T) {
	d, _, ns, _ := single(t)
	ns.Observed(2, "b:1")

	_, err := d.Dispatch(context.Background(), "admin", writetracker.NewQueue(), [][]byte{[]byte("RAFT_ADD_OBSERVER"), []byte("d:1")})
	var moved *MovedError
	require.ErrorAs(t, err, &moved)
}

func TestDispatchPromoteObserverBlockedUntilCaughtUp(t *testing.T) {
	d, _, _, _ := single(t)
	ctx := context.Background()
	q := writetracker.NewQueue()

	_, err := d.Dispatch(ctx, "admin", q, [][]byte{[]byte("RAFT_ADD_OBSERVER"), []byte("d:1")})
	require.NoError(t, err)

	_, err = d.Dispatch(ctx, "admin", q, [][]byte{[]byte("RAFT_PROMOTE_OBSERVER"), []byte("d:1")})
	require.ErrorIs(t, err, ErrMembershipBlocked)
}

func TestDispatchSetFsyncPolicyAppliesToJournal(t *testing.T) {
	d, j, _, _ := single(t)
	require.Equal(t, journal.FsyncAsync, j.Policy())

	reply, err := d.Dispatch(context.Background(), "admin", writetracker.NewQueue(), [][]byte{[]byte("RAFT_SET_FSYNC_POLICY"), []byte("always")})
	require.NoError(t, err)
	require.Equal(t, "OK", string(reply))
	require.Equal(t, journal.FsyncAlways, j.Policy())

	_, err = d.Dispatch(context.Background(), "admin", writetracker.NewQueue(), [][]byte{[]byte("RAFT_SET_FSYNC_POLICY"), []byte("bogus")})
	require.ErrorIs(t, err, ErrParse)
	require.Equal(t, journal.FsyncAlways, j.Policy())
}

func TestDispatchRaftInfo(t *testing.T) {
	d, _, _, _ := single(t)
	reply, err := d.Dispatch(context.Background(), "admin", nil, [][]byte{[]byte("RAFT_INFO")})
	require.NoError(t, err)
	require.Contains(t, string(reply), "role=LEADER")
}
