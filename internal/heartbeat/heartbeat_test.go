package heartbeat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimeoutFiresAfterWindow(t *testing.T) {
	tr := New(10*time.Millisecond, 10*time.Millisecond)
	start := tr.LastHeartbeat()
	require.False(t, tr.Timeout(start))
	require.True(t, tr.Timeout(start.Add(20*time.Millisecond)))
}

func TestHeartbeatIsMonotone(t *testing.T) {
	tr := New(time.Second, time.Second)
	now := time.Now()
	tr.Heartbeat(now)
	older := now.Add(-time.Minute)
	tr.Heartbeat(older)
	require.Equal(t, now, tr.LastHeartbeat())
}

func TestTriggerTimeoutForcesTrue(t *testing.T) {
	tr := New(time.Hour, time.Hour)
	require.False(t, tr.Timeout(time.Now()))
	tr.TriggerTimeout()
	require.True(t, tr.Timeout(time.Now()))
}

func TestRefreshRandomTimeoutWithinBounds(t *testing.T) {
	tr := New(100*time.Millisecond, 200*time.Millisecond)
	for i := 0; i < 20; i++ {
		tr.RefreshRandomTimeout()
		rt := tr.RandomTimeout()
		require.GreaterOrEqual(t, rt, 100*time.Millisecond)
		require.Less(t, rt, 200*time.Millisecond+time.Millisecond)
	}
}
