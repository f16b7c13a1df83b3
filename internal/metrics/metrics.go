// Package metrics exposes the prometheus gauges/counters spec.md's
// ambient stack calls for: term, commit index, per-follower match-index
// lag, election counts, and lease deadline. Grounded on the exporter
// style in other_examples' redis exporter (one struct holding every
// metric, registered once against a dedicated prometheus.Registry rather
// than the global default, so a process embedding multiple nodes in
// tests never double-registers).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every gauge/counter this node reports.
type Metrics struct {
	Registry *prometheus.Registry

	Term          prometheus.Gauge
	CommitIndex   prometheus.Gauge
	LastApplied   prometheus.Gauge
	LogSize       prometheus.Gauge
	RoleLeader    prometheus.Gauge
	FollowerLag   *prometheus.GaugeVec
	Elections     *prometheus.CounterVec
	LeaseDeadline prometheus.Gauge
}

// New builds a Metrics bound to a fresh registry, labeled with this
// node's id.
func New(nodeID string) *Metrics {
	reg := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"node": nodeID}

	m := &Metrics{
		Registry: reg,
		Term: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quarkraft", Name: "term", Help: "current raft term observed by this node.",
			ConstLabels: constLabels,
		}),
		CommitIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quarkraft", Name: "commit_index", Help: "highest committed log index.",
			ConstLabels: constLabels,
		}),
		LastApplied: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quarkraft", Name: "last_applied", Help: "highest log index applied to the state machine.",
			ConstLabels: constLabels,
		}),
		LogSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quarkraft", Name: "log_size", Help: "number of entries in the journal.",
			ConstLabels: constLabels,
		}),
		RoleLeader: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quarkraft", Name: "is_leader", Help: "1 if this node currently believes it is leader.",
			ConstLabels: constLabels,
		}),
		FollowerLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "quarkraft", Name: "follower_match_index_lag", Help: "leader's logSize-1 minus a follower's matchIndex.",
			ConstLabels: constLabels,
		}, []string{"follower"}),
		Elections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quarkraft", Name: "elections_total", Help: "election rounds run, by outcome.",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
		LeaseDeadline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quarkraft", Name: "lease_deadline_unix_seconds", Help: "current leader lease deadline.",
			ConstLabels: constLabels,
		}),
	}

	reg.MustRegister(m.Term, m.CommitIndex, m.LastApplied, m.LogSize, m.RoleLeader, m.FollowerLag, m.Elections, m.LeaseDeadline)
	return m
}

// ObserveElection implements internal/director.ElectionObserver: bump the
// elections_total counter for the given outcome label.
func (m *Metrics) ObserveElection(outcome string) {
	m.Elections.WithLabelValues(outcome).Inc()
}

// Snapshot is a point-in-time sample fed into Update by the periodic
// poller in internal/server.
type Snapshot struct {
	Term         uint64
	CommitIndex  uint64
	LastApplied  uint64
	LogSize      uint64
	IsLeader     bool
	LeaseDeadline time.Time
	FollowerLag  map[string]uint64 // follower address -> logSize-1 minus its matchIndex.
}

// Update refreshes every gauge from one Snapshot.
func (m *Metrics) Update(s Snapshot) {
	m.Term.Set(float64(s.Term))
	m.CommitIndex.Set(float64(s.CommitIndex))
	m.LastApplied.Set(float64(s.LastApplied))
	m.LogSize.Set(float64(s.LogSize))
	if s.IsLeader {
		m.RoleLeader.Set(1)
	} else {
		m.RoleLeader.Set(0)
	}
	if !s.LeaseDeadline.IsZero() {
		m.LeaseDeadline.Set(float64(s.LeaseDeadline.Unix()))
	}
	for follower, lag := range s.FollowerLag {
		m.FollowerLag.WithLabelValues(follower).Set(float64(lag))
	}
}
