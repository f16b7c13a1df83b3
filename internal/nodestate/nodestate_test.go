package nodestate

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/quarkraft/quarkraft/internal/journal"
)

func openJournal(t *testing.T) *journal.Journal {
	t.Helper()
	j, err := journal.Open(journal.Options{
		Path:          filepath.Join(t.TempDir(), "journal.db"),
		Policy:        journal.FsyncAsync,
		Logger:        zerolog.Nop(),
		ClusterID:     "44444444-4444-4444-4444-444444444444",
		InitialVoters: []string{"a:1", "b:1", "c:1"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestBecomeCandidateThenAscend(t *testing.T) {
	j := openJournal(t)
	ns := New("a:1", j, zerolog.Nop())

	require.True(t, ns.BecomeCandidate(1))
	require.Equal(t, Candidate, ns.Current().Role)
	require.EqualValues(t, 1, ns.Current().Term)

	require.True(t, ns.Ascend(1))
	require.Equal(t, Leader, ns.Current().Role)
	require.Equal(t, "a:1", ns.Current().RecognizedLeader)
	require.True(t, ns.Current().HasMarker)
}

func TestObservedHigherTermStepsDown(t *testing.T) {
	j := openJournal(t)
	ns := New("a:1", j, zerolog.Nop())
	require.True(t, ns.BecomeCandidate(1))
	require.True(t, ns.Ascend(1))

	require.True(t, ns.Observed(2, "b:1"))
	snap := ns.Current()
	require.Equal(t, Follower, snap.Role)
	require.Equal(t, "b:1", snap.RecognizedLeader)
	require.Equal(t, journal.BlockedVote, snap.VotedFor)
}

func TestGrantVoteOnlyOncePerTerm(t *testing.T) {
	j := openJournal(t)
	ns := New("a:1", j, zerolog.Nop())
	_, _ = j.SetCurrentTerm(1, "")
	ns.Observed(1, "")

	require.True(t, ns.GrantVote(1, "b:1"))
	require.False(t, ns.GrantVote(1, "c:1"))
	require.Equal(t, "b:1", ns.Current().VotedFor)
}

func TestDropOutReturnsToFollower(t *testing.T) {
	j := openJournal(t)
	ns := New("a:1", j, zerolog.Nop())
	require.True(t, ns.BecomeCandidate(1))
	ns.DropOut(1)
	require.Equal(t, Follower, ns.Current().Role)
}

func TestShutdownWakesWaiters(t *testing.T) {
	j := openJournal(t)
	ns := New("a:1", j, zerolog.Nop())

	done := make(chan bool, 1)
	go func() { done <- ns.Wait(time.Second) }()
	time.Sleep(20 * time.Millisecond)
	ns.Shutdown()
	require.False(t, <-done)
}
