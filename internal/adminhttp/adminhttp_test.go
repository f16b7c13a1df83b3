package adminhttp

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quarkraft/quarkraft/internal/journal"
	"github.com/quarkraft/quarkraft/internal/metrics"
	"github.com/quarkraft/quarkraft/internal/nodestate"
)

type fakeSource struct {
	snap        *nodestate.Snapshot
	commitIndex uint64
	logSize     uint64
	clusterID   string
	entries     map[uint64]journal.Entry
}

func (f *fakeSource) CurrentSnapshot() *nodestate.Snapshot { return f.snap }
func (f *fakeSource) JournalInfo() (uint64, uint64, string) {
	return f.commitIndex, f.logSize, f.clusterID
}
func (f *fakeSource) FetchEntry(index uint64) (journal.Entry, bool) {
	e, ok := f.entries[index]
	return e, ok
}

func newTestServer() (*Server, *fakeSource) {
	src := &fakeSource{
		snap:        &nodestate.Snapshot{Term: 3, Role: nodestate.Leader, RecognizedLeader: "a:1"},
		commitIndex: 2,
		logSize:     3,
		clusterID:   "test-cluster",
		entries: map[uint64]journal.Entry{
			0: {Term: 0},
			1: {Term: 1},
			2: {Term: 3},
		},
	}
	return New("127.0.0.1:0", src, metrics.New("a:1")), src
}

func TestStatusHandlerReportsSnapshot(t *testing.T) {
	srv, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	srv.engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"cluster_id":"test-cluster"`)
	require.Contains(t, rec.Body.String(), `"recognized_leader":"a:1"`)
}

func TestJournalHandlerWindowsEntries(t *testing.T) {
	srv, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/debug/journal?from=0&count=2", nil)
	rec := httptest.NewRecorder()
	srv.engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"index":0`)
	require.Contains(t, rec.Body.String(), `"index":1`)
	require.NotContains(t, rec.Body.String(), `"index":2`)
}

func TestJournalHandlerStopsAtMissingEntry(t *testing.T) {
	srv, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/debug/journal?from=5&count=10", nil)
	rec := httptest.NewRecorder()
	srv.engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"entries":[]`)
}

func TestMetricsHandlerServesPrometheusRegistry(t *testing.T) {
	srv, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "quarkraft_term")
}
