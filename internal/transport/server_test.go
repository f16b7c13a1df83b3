package transport

import (
	"bufio"
	"context"
	"net"
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
	"github.com/quarkraft/quarkraft/internal/wire"
	"github.com/quarkraft/quarkraft/internal/writetracker"
)

const testClusterID = "11111111-1111-1111-1111-111111111111"

func startTestServer(t *testing.T) *Server {
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

	d := dispatch.New("a:1", dispatch.Config{ClusterID: testClusterID}, j, ns, sm, wt, nil, heartbeat.New(10*time.Millisecond, 20*time.Millisecond), ls, ct, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go wt.Run(ctx, 5*time.Millisecond)

	srv, err := NewServer("127.0.0.1:0", testClusterID, d, zerolog.Nop())
	require.NoError(t, err)
	go srv.Serve(ctx)
	t.Cleanup(func() { srv.Close() })
	return srv
}

func dialAndHandshake(t *testing.T, addr net.Addr) (*bufio.Reader, *bufio.Writer, net.Conn) {
	t.Helper()
	nc, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	t.Cleanup(func() { nc.Close() })
	r := bufio.NewReader(nc)
	w := bufio.NewWriter(nc)
	require.NoError(t, wire.WriteInlineCommand(w, "HANDSHAKE", testClusterID, wire.CanonicalHandshakeTimeouts(10, 10, 20)))
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "+OK\r\n", line)
	return r, w, nc
}

func TestServerRejectsHandshakeWithWrongClusterID(t *testing.T) {
	srv := startTestServer(t)
	nc, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer nc.Close()
	r := bufio.NewReader(nc)
	w := bufio.NewWriter(nc)
	require.NoError(t, wire.WriteInlineCommand(w, "HANDSHAKE", "wrong-cluster", wire.CanonicalHandshakeTimeouts(10, 10, 20)))
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, line, "-ERR")
}

func TestServerSetAndGetRoundTrip(t *testing.T) {
	srv := startTestServer(t)
	r, w, _ := dialAndHandshake(t, srv.Addr())

	require.NoError(t, wire.WriteMultibulk(w, []byte("SET"), []byte("k"), []byte("v")))
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "+OK\r\n", line)

	require.NoError(t, wire.WriteMultibulk(w, []byte("GET"), []byte("k")))
	line, err = r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "+v\r\n", line)
}

func TestServerHeartbeatRPC(t *testing.T) {
	srv := startTestServer(t)
	r, w, _ := dialAndHandshake(t, srv.Addr())

	require.NoError(t, wire.WriteInlineCommand(w, "HEARTBEAT", "1", "a:1"))
	fields, err := wire.ReadArray(r)
	require.NoError(t, err)
	require.Equal(t, []string{"1", "1", ""}, fields)
}
