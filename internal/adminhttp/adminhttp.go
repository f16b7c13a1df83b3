// Package adminhttp is the operability surface SPEC_FULL.md §3 carves out
// of the teacher-sibling blastbao-leifdb's client-facing gin API: since
// spec.md §6 mandates the client protocol be inline RESP, not HTTP, this
// package repurposes the same gin+cors+swaggo stack for a small
// operator-facing side channel instead — /status, /metrics (the
// promhttp handler mounted as a gin route against this node's own
// prometheus.Registry, not the global one), /debug/journal, and
// /swagger/*any.
package adminhttp

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	ginSwagger "github.com/swaggo/gin-swagger"
	swaggerFiles "github.com/swaggo/gin-swagger/swaggerFiles"

	_ "github.com/quarkraft/quarkraft/internal/adminhttp/docs"
	"github.com/quarkraft/quarkraft/internal/journal"
	"github.com/quarkraft/quarkraft/internal/metrics"
	"github.com/quarkraft/quarkraft/internal/nodestate"
)

// StatusSource is the narrow surface this handler needs from a running
// node; internal/server.Node implements it directly.
type StatusSource interface {
	CurrentSnapshot() *nodestate.Snapshot
	JournalInfo() (commitIndex, logSize uint64, clusterID string)
	FetchEntry(index uint64) (journal.Entry, bool)
}

// Server is the gin-based admin HTTP surface.
type Server struct {
	engine *gin.Engine
	http   *http.Server
}

// New builds a Server bound to addr, wiring m's registry into /metrics
// and src into /status and /debug/journal.
//
//	@title			quarkraft admin API
//	@version		1.0
//	@description	Operability surface: status, metrics, journal introspection.
func New(addr string, src StatusSource, m *metrics.Metrics) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(func(c *gin.Context) {
		cors.AllowAll().HandlerFunc(c.Writer, c.Request)
		c.Next()
	})

	engine.GET("/status", statusHandler(src))
	engine.GET("/debug/journal", journalHandler(src))
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	engine.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	return &Server{
		engine: engine,
		http:   &http.Server{Addr: addr, Handler: engine},
	}
}

// ListenAndServe blocks serving the admin surface until Close is called.
func (s *Server) ListenAndServe() error {
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Close shuts the HTTP listener down.
func (s *Server) Close() error {
	return s.http.Close()
}

// statusHandler reports term, role, recognized leader, commit index, log
// size, and cluster id.
//
//	@Summary	Report this node's current raft status
//	@Produce	json
//	@Success	200
//	@Router		/status [get]
func statusHandler(src StatusSource) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap := src.CurrentSnapshot()
		commitIndex, logSize, clusterID := src.JournalInfo()
		c.JSON(http.StatusOK, gin.H{
			"term":              snap.Term,
			"role":              snap.Role.String(),
			"recognized_leader": snap.RecognizedLeader,
			"commit_index":      commitIndex,
			"log_size":          logSize,
			"cluster_id":        clusterID,
		})
	}
}

// journalHandler dumps a small window of the replicated log.
//
//	@Summary	Dump a range of journal entries
//	@Produce	json
//	@Param		from	query	int	false	"starting index"
//	@Param		count	query	int	false	"number of entries"
//	@Success	200
//	@Router		/debug/journal [get]
func journalHandler(src StatusSource) gin.HandlerFunc {
	return func(c *gin.Context) {
		from, _ := strconv.ParseUint(c.DefaultQuery("from", "0"), 10, 64)
		count, _ := strconv.ParseUint(c.DefaultQuery("count", "20"), 10, 64)
		if count > 1000 {
			count = 1000
		}

		entries := make([]gin.H, 0, count)
		for i := uint64(0); i < count; i++ {
			entry, ok := src.FetchEntry(from + i)
			if !ok {
				break
			}
			entries = append(entries, gin.H{
				"index": from + i,
				"term":  entry.Term,
			})
		}
		c.JSON(http.StatusOK, gin.H{"entries": entries})
	}
}
