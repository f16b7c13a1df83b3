package quarkraftapi

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/quarkraft/quarkraft/internal/committracker"
	"github.com/quarkraft/quarkraft/internal/dispatch"
	"github.com/quarkraft/quarkraft/internal/heartbeat"
	"github.com/quarkraft/quarkraft/internal/journal"
	"github.com/quarkraft/quarkraft/internal/lease"
	"github.com/quarkraft/quarkraft/internal/nodestate"
	"github.com/quarkraft/quarkraft/internal/statemachine"
	"github.com/quarkraft/quarkraft/internal/transport"
	"github.com/quarkraft/quarkraft/internal/writetracker"
)

const testClusterID = "22222222-2222-2222-2222-222222222222"

func startTestLeader(t *testing.T) *transport.Server {
	t.Helper()
	dir := t.TempDir()
	j, err := journal.Open(journal.Options{
		Path:          filepath.Join(dir, "journal.db"),
		Policy:        journal.FsyncAsync,
		Logger:        zerolog.Nop(),
		ClusterID:     testClusterID,
		InitialVoters: []string{"a:1"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	ns := nodestate.New("a:1", j, zerolog.Nop())
	sm := statemachine.New()
	wt := writetracker.New(j, sm, zerolog.Nop())
	ct := committracker.New(1, zerolog.Nop(), func(newCommit uint64) { j.SetCommitIndex(newCommit) })
	ls := lease.New(time.Hour, 1, 1)

	require.True(t, ns.BecomeCandidate(1))
	require.True(t, ns.Ascend(1))
	ct.AdvanceLeaderIndex(uint64(j.LogSize() - 1))

	d := dispatch.New("a:1", dispatch.Config{ClusterID: testClusterID}, j, ns, sm, wt, nil,
		heartbeat.New(10*time.Millisecond, 20*time.Millisecond), ls, ct, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go wt.Run(ctx, 5*time.Millisecond)

	srv, err := transport.NewServer("127.0.0.1:0", testClusterID, d, zerolog.Nop())
	require.NoError(t, err)
	go srv.Serve(ctx)
	t.Cleanup(func() { srv.Close() })
	return srv
}

func TestClientSetAndGetRoundTrip(t *testing.T) {
	srv := startTestLeader(t)
	c := New(Config{Addrs: []string{srv.Addr().String()}, ClusterID: testClusterID})
	defer c.Close()

	require.NoError(t, c.Set("k", []byte("v")))

	val, ok, err := c.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", string(val))
}

func TestClientGetMissingKeyReturnsNotOK(t *testing.T) {
	srv := startTestLeader(t)
	c := New(Config{Addrs: []string{srv.Addr().String()}, ClusterID: testClusterID})
	defer c.Close()

	_, ok, err := c.Get("nope")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestClientRaftInfoReportsLeaderRole(t *testing.T) {
	srv := startTestLeader(t)
	c := New(Config{Addrs: []string{srv.Addr().String()}, ClusterID: testClusterID})
	defer c.Close()

	info, err := c.RaftInfo()
	require.NoError(t, err)
	require.Contains(t, info, "role=LEADER")
}

func TestClientRejectsWrongClusterID(t *testing.T) {
	srv := startTestLeader(t)
	c := New(Config{Addrs: []string{srv.Addr().String()}, ClusterID: "wrong-cluster", DialTimeout: 200 * time.Millisecond})
	defer c.Close()

	_, err := c.RaftInfo()
	require.Error(t, err)
}

func TestClientSetFsyncPolicy(t *testing.T) {
	srv := startTestLeader(t)
	c := New(Config{Addrs: []string{srv.Addr().String()}, ClusterID: testClusterID})
	defer c.Close()

	require.NoError(t, c.SetFsyncPolicy("always"))
}
