package election

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDetermineOutcomeElected(t *testing.T) {
	r := NewRegistry(5, false, 2)
	r.Register("b", Reply{Vote: Granted})
	r.Register("c", Reply{Vote: Refused})
	require.Equal(t, Elected, r.DetermineOutcome())
}

func TestDetermineOutcomeNotElected(t *testing.T) {
	r := NewRegistry(5, false, 3)
	r.Register("b", Reply{Vote: Refused})
	r.Register("c", Reply{Vote: Refused})
	require.Equal(t, NotElected, r.DetermineOutcome())
}

func TestSingleVetoSinksElection(t *testing.T) {
	r := NewRegistry(5, false, 3)
	r.Register("b", Reply{Vote: Granted})
	r.Register("c", Reply{Vote: Veto})
	require.Equal(t, Vetoed, r.DetermineOutcome())
}

func TestNetworkErrorsAreNeutral(t *testing.T) {
	r := NewRegistry(5, false, 3)
	r.RegisterNetworkError("b")
	r.RegisterNetworkError("c")
	require.Equal(t, NotElected, r.DetermineOutcome())
}

func TestParseErrorGrantedOnlyDuringPreVote(t *testing.T) {
	pre := NewRegistry(5, true, 3)
	pre.RegisterParseError("b")
	pre.RegisterParseError("c")
	require.Equal(t, Elected, pre.DetermineOutcome())

	real := NewRegistry(5, false, 3)
	real.RegisterParseError("b")
	real.RegisterParseError("c")
	require.Equal(t, NotElected, real.DetermineOutcome())
}

func TestUpToDate(t *testing.T) {
	require.True(t, UpToDate(10, 5, 8, 4))
	require.True(t, UpToDate(10, 5, 10, 5))
	require.True(t, UpToDate(12, 5, 10, 5))
	require.False(t, UpToDate(8, 5, 10, 5))
	require.False(t, UpToDate(20, 4, 10, 5))
}

func TestHighestTermTracksPeerReplies(t *testing.T) {
	r := NewRegistry(5, false, 3)
	r.Register("b", Reply{Vote: Refused, Term: 9})
	r.RegisterNetworkError("c")
	require.Equal(t, uint64(9), r.HighestTerm())
}
