package server

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/quarkraft/quarkraft/internal/config"
	"github.com/quarkraft/quarkraft/internal/wire"
)

func singleNodeConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.NodeID = "n1"
	cfg.Address = "127.0.0.1:0"
	cfg.DataDir = t.TempDir()
	cfg.ClusterID = "test-cluster"
	cfg.Timeouts.HeartbeatMs = 10
	cfg.Timeouts.ElectionLowMs = 30
	cfg.Timeouts.ElectionHighMs = 60
	cfg.Timeouts.LeaseMs = 50
	return cfg
}

// TestSingleNodeElectsAndServesWrites exercises the path spec.md's
// worked example walks through for a single founding voter: it should
// win its own election unopposed and start accepting client writes.
func TestSingleNodeElectsAndServesWrites(t *testing.T) {
	cfg := singleNodeConfig(t)
	n, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Start(ctx)
	t.Cleanup(func() { n.Stop() })

	require.Eventually(t, func() bool {
		return n.CurrentSnapshot().Role.String() == "LEADER"
	}, 2*time.Second, 5*time.Millisecond, "node never became leader")

	nc, err := net.Dial("tcp", n.Addr())
	require.NoError(t, err)
	defer nc.Close()

	r := bufio.NewReader(nc)
	w := bufio.NewWriter(nc)
	require.NoError(t, wire.WriteInlineCommand(w, "HANDSHAKE", cfg.ClusterID, wire.CanonicalHandshakeTimeouts(10, 30, 60)))
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "+OK\r\n", line)

	require.NoError(t, wire.WriteMultibulk(w, []byte("SET"), []byte("k"), []byte("v")))
	line, err = r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "+OK\r\n", line)

	require.NoError(t, wire.WriteMultibulk(w, []byte("GET"), []byte("k")))
	line, err = r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "+v\r\n", line)
}

func TestNewRejectsUnparsableFsyncPolicy(t *testing.T) {
	cfg := singleNodeConfig(t)
	cfg.Fsync = "bogus"
	_, err := New(cfg, zerolog.Nop())
	require.Error(t, err)
}
