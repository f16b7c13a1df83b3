package committracker

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestQuorumAdvancesCommitIndex(t *testing.T) {
	var advanced []uint64
	tr := New(2, zerolog.Nop(), func(i uint64) { advanced = append(advanced, i) })
	tr.Reset(2, []string{"b:1", "c:1"}, 5, 0)

	tr.Update("b:1", 3)
	require.EqualValues(t, 3, tr.CommitIndex()) // [leader=5, b=3, c=0] sorted [0,3,5], quorum=2 -> index 1 -> 3

	tr.Update("c:1", 5)
	require.EqualValues(t, 5, tr.CommitIndex())
	require.Equal(t, []uint64{3, 5}, advanced)
}

func TestLaggingModeDoesNotRetrograde(t *testing.T) {
	tr := New(2, zerolog.Nop(), nil)
	tr.Reset(2, []string{"b:1"}, 10, 8)
	require.False(t, tr.Lagging())

	// A stale/incorrect report that would compute a lower quorum index
	// must not move commitIndex backwards.
	tr.Update("b:1", 1)
	require.EqualValues(t, 8, tr.CommitIndex())
}

func TestIgnoresNonIncreasingMatchIndex(t *testing.T) {
	tr := New(2, zerolog.Nop(), nil)
	tr.Reset(2, []string{"b:1"}, 5, 0)
	tr.Update("b:1", 4)
	tr.Update("b:1", 2) // lower, ignored
	require.EqualValues(t, 4, tr.MatchIndex("b:1"))
}
