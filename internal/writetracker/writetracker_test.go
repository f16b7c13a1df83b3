package writetracker

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/quarkraft/quarkraft/internal/journal"
)

type fakeApplier struct {
	mu      sync.Mutex
	applied []journal.Command
}

func (a *fakeApplier) Apply(index journal.LogIndex, entry journal.Entry) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.applied = append(a.applied, entry.Command)
	return []byte("OK"), nil
}

func openJournal(t *testing.T) *journal.Journal {
	t.Helper()
	j, err := journal.Open(journal.Options{
		Path:          filepath.Join(t.TempDir(), "j.db"),
		Policy:        journal.FsyncAsync,
		Logger:        zerolog.Nop(),
		ClusterID:     "66666666-6666-6666-6666-666666666666",
		InitialVoters: []string{"a:1"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestPipelinedWritesRepliedInOrder(t *testing.T) {
	j := openJournal(t)
	_, _ = j.SetCurrentTerm(1, "")
	applier := &fakeApplier{}
	wt := New(j, applier, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go wt.Run(ctx, 20*time.Millisecond)

	q := NewQueue()
	w1, ok, err := wt.Append(1, journal.Command{[]byte("SET"), []byte("a"), []byte("1")}, q)
	require.NoError(t, err)
	require.True(t, ok)
	w2, ok, err := wt.Append(1, journal.Command{[]byte("SET"), []byte("b"), []byte("2")}, q)
	require.NoError(t, err)
	require.True(t, ok)
	w3, ok, err := wt.Append(1, journal.Command{[]byte("SET"), []byte("c"), []byte("3")}, q)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = j.SetCommitIndex(w3.Index)
	require.NoError(t, err)

	r1 := <-w1.ReplyCh
	r2 := <-w2.ReplyCh
	r3 := <-w3.ReplyCh
	require.NoError(t, r1.Err)
	require.NoError(t, r2.Err)
	require.NoError(t, r3.Err)

	applier.mu.Lock()
	defer applier.mu.Unlock()
	require.Equal(t, []journal.Command{w1.Command, w2.Command, w3.Command}, applier.applied)
}

func TestFlushQueuesFailsPendingWrites(t *testing.T) {
	j := openJournal(t)
	_, _ = j.SetCurrentTerm(1, "")
	wt := New(j, &fakeApplier{}, zerolog.Nop())

	q := NewQueue()
	w, ok, err := wt.Append(1, journal.Command{[]byte("SET"), []byte("x"), []byte("1")}, q)
	require.NoError(t, err)
	require.True(t, ok)

	wt.FlushQueues(context.DeadlineExceeded)
	reply := <-w.ReplyCh
	require.Error(t, reply.Err)
}
