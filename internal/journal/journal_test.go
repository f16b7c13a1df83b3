package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Journal {
	t.Helper()
	dir := t.TempDir()
	j, err := Open(Options{
		Path:          filepath.Join(dir, "journal.db"),
		Policy:        FsyncAsync,
		Logger:        zerolog.Nop(),
		ClusterID:     "11111111-1111-1111-1111-111111111111",
		InitialVoters: []string{"a:1", "b:1", "c:1"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestBootstrapInstallsFoundingMembership(t *testing.T) {
	j := openTest(t)
	require.EqualValues(t, 1, j.LogSize())
	require.EqualValues(t, 0, j.LogStart())
	require.EqualValues(t, 0, j.CommitIndex())

	m := j.Membership()
	require.True(t, m.IsVoter("a:1"))
	require.True(t, m.IsVoter("b:1"))
	require.True(t, m.IsVoter("c:1"))
	require.Equal(t, 2, m.QuorumSize())

	e, ok, err := j.Fetch(0)
	require.NoError(t, err)
	require.True(t, ok)
	members, clusterID, isUM := e.IsUpdateMembers()
	require.True(t, isUM)
	require.Equal(t, "11111111-1111-1111-1111-111111111111", clusterID)
	require.Equal(t, "a:1,b:1,c:1|", members)
}

func TestEntryRoundTrip(t *testing.T) {
	e := Entry{Term: 7, Command: Command{[]byte("SET"), []byte("k"), []byte("v")}}
	got, err := Decode(Encode(e))
	require.NoError(t, err)
	require.Equal(t, e.Term, got.Term)
	require.Equal(t, e.Command, got.Command)
}

func TestAppendRejectsWrongIndex(t *testing.T) {
	j := openTest(t)
	ok, err := j.Append(5, Entry{Term: 0, Command: Command{[]byte("X")}})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAppendAdvancesLogSizeAndWakesWaiters(t *testing.T) {
	j := openTest(t)
	_, _ = j.SetCurrentTerm(1, "")

	done := make(chan bool, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		done <- j.WaitForUpdates(ctx, j.LogSize(), time.Second)
	}()
	time.Sleep(20 * time.Millisecond)

	ok, err := j.Append(1, Entry{Term: 1, Command: Command{[]byte("SET"), []byte("k"), []byte("v")}})
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 2, j.LogSize())
	require.True(t, <-done)
}

func TestDuplicateAppendIsNoOpViaCompareEntries(t *testing.T) {
	j := openTest(t)
	_, _ = j.SetCurrentTerm(1, "")
	entry := Entry{Term: 1, Command: Command{[]byte("SET"), []byte("k"), []byte("v")}}
	ok, err := j.Append(1, entry)
	require.NoError(t, err)
	require.True(t, ok)

	end, err := j.CompareEntries(1, []Entry{entry})
	require.NoError(t, err)
	require.EqualValues(t, 2, end)
}

func TestCompareEntriesDetectsMismatch(t *testing.T) {
	j := openTest(t)
	_, _ = j.SetCurrentTerm(1, "")
	ok, err := j.Append(1, Entry{Term: 1, Command: Command{[]byte("SET"), []byte("k"), []byte("v1")}})
	require.NoError(t, err)
	require.True(t, ok)

	end, err := j.CompareEntries(1, []Entry{{Term: 1, Command: Command{[]byte("SET"), []byte("k"), []byte("v2")}}})
	require.NoError(t, err)
	require.EqualValues(t, 1, end)
}

func TestTermVotePersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.db")
	j, err := Open(Options{
		Path:          path,
		Policy:        FsyncAlways,
		Logger:        zerolog.Nop(),
		ClusterID:     "22222222-2222-2222-2222-222222222222",
		InitialVoters: []string{"a:1"},
	})
	require.NoError(t, err)
	ok, err := j.SetCurrentTerm(3, "a:1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, j.Close())

	reopened, err := Open(Options{Path: path, Policy: FsyncAlways, Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer reopened.Close()
	require.EqualValues(t, 3, reopened.CurrentTerm())
	require.Equal(t, "a:1", reopened.VotedFor())
}

func TestSetCurrentTermRejectsRegression(t *testing.T) {
	j := openTest(t)
	ok, err := j.SetCurrentTerm(5, "")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = j.SetCurrentTerm(4, "")
	require.NoError(t, err)
	require.False(t, ok)
	require.EqualValues(t, 5, j.CurrentTerm())
}

func TestSetCurrentTermRejectsChangingNonEmptyVote(t *testing.T) {
	j := openTest(t)
	ok, err := j.SetCurrentTerm(5, "a:1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = j.SetCurrentTerm(5, "b:1")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, "a:1", j.VotedFor())
}

func TestRemoveEntriesRefusesCommittedIndex(t *testing.T) {
	j := openTest(t)
	_, _ = j.SetCurrentTerm(1, "")
	_, err := j.Append(1, Entry{Term: 1, Command: Command{[]byte("SET"), []byte("k"), []byte("v")}})
	require.NoError(t, err)
	ok, err := j.SetCommitIndex(1)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = j.RemoveEntries(1)
	require.NoError(t, err)
	require.False(t, ok)
	require.EqualValues(t, 2, j.LogSize())
}

func TestSetCommitIndexRefusesBeyondLogSize(t *testing.T) {
	j := openTest(t)
	ok, err := j.SetCommitIndex(j.LogSize())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTrimUntilRefusesBeyondCommitIndex(t *testing.T) {
	j := openTest(t)
	_, _ = j.SetCurrentTerm(1, "")
	_, err := j.Append(1, Entry{Term: 1, Command: Command{[]byte("X")}})
	require.NoError(t, err)

	ok, err := j.TrimUntil(1)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMembershipRollbackOnRemoveEntries(t *testing.T) {
	j := openTest(t)
	_, _ = j.SetCurrentTerm(1, "")

	ok, err := j.AddObserver(1, "d:1")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, j.Membership().IsObserver("d:1"))

	ok, err = j.RemoveEntries(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, j.Membership().IsObserver("d:1"))
}

func TestMembershipUpdateBlockedUntilEpochCommitted(t *testing.T) {
	j := openTest(t)
	_, _ = j.SetCurrentTerm(1, "")

	ok, err := j.AddObserver(1, "d:1")
	require.NoError(t, err)
	require.True(t, ok)

	// The epoch bumped to index 1, which is not yet committed: a second
	// membership change must be refused.
	ok, err = j.AddObserver(1, "e:1")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = j.SetCommitIndex(1)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = j.AddObserver(1, "e:1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestOneNodeClusterQuorumSize(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(Options{
		Path:          filepath.Join(dir, "journal.db"),
		Policy:        FsyncAsync,
		Logger:        zerolog.Nop(),
		ClusterID:     "33333333-3333-3333-3333-333333333333",
		InitialVoters: []string{"a:1"},
	})
	require.NoError(t, err)
	defer j.Close()
	require.Equal(t, 1, j.Membership().QuorumSize())
}
