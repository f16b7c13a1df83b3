package lease

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOneNodeClusterDeadlineIsNowPlusDuration(t *testing.T) {
	l := New(2*time.Second, 1, 1)
	before := time.Now()
	require.True(t, l.Deadline().After(before))
	require.True(t, l.Deadline().Before(before.Add(3*time.Second)))
}

func TestThreeNodeClusterPicksQuorumFreshestContact(t *testing.T) {
	l := New(time.Second, 3, 2)
	base := time.Now()
	l.Heartbeat("b:1", base)
	l.Heartbeat("c:1", base.Add(-time.Hour)) // stale, shouldn't matter

	// times = [leader@base, b@base, c@base-1h]; quorum=2 -> pick the
	// 2nd freshest, which is base (leader and b tie for freshest two).
	require.WithinDuration(t, base.Add(time.Second), l.Deadline(), 50*time.Millisecond)
}

func TestExpiredAfterDeadlinePasses(t *testing.T) {
	l := New(10*time.Millisecond, 1, 1)
	require.False(t, l.Expired(time.Now()))
	require.True(t, l.Expired(time.Now().Add(50*time.Millisecond)))
}
