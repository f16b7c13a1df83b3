// Package director drives the outer control loop described in spec.md
// §4.10: refresh the election timeout, inspect the current role, and run
// either the follower or leader loop until the underlying snapshot is no
// longer current. Grounded on the teacher's pkg/raft.Node run loop shape
// (a single goroutine owning role transitions), generalized to this
// repo's atomic-snapshot NodeState and separate election/replication
// packages.
package director

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/quarkraft/quarkraft/internal/committracker"
	"github.com/quarkraft/quarkraft/internal/election"
	"github.com/quarkraft/quarkraft/internal/heartbeat"
	"github.com/quarkraft/quarkraft/internal/journal"
	"github.com/quarkraft/quarkraft/internal/lease"
	"github.com/quarkraft/quarkraft/internal/nodestate"
	"github.com/quarkraft/quarkraft/internal/replication"
	"github.com/quarkraft/quarkraft/internal/writetracker"
)

// ErrUnavailable is the reply every pending write gets flushed with on a
// step-down, so no caller is ever left stranded.
var ErrUnavailable = errors.New("unavailable")

// ElectionObserver receives one notification per election round outcome,
// keyed by the same strings election.Outcome prints. internal/metrics
// implements this to drive the elections_total counter; nil by default,
// checked at every call site.
type ElectionObserver interface {
	ObserveElection(outcome string)
}

// Config holds the director's tunables.
type Config struct {
	HeartbeatInterval time.Duration
}

func (c Config) voteTimeout() time.Duration { return 2 * c.HeartbeatInterval }

// Director owns the single goroutine that drives role transitions, per
// spec.md §4.10 and §5's "minimum long-running tasks" list.
type Director struct {
	cfg    Config
	ns     *nodestate.NodeState
	j      *journal.Journal
	hb     *heartbeat.Tracker
	ls     *lease.Lease
	ct     *committracker.Tracker
	repl   *replication.Replicator
	wt     *writetracker.Tracker
	dialer election.Dialer
	log    zerolog.Logger

	observer ElectionObserver

	lastHeartbeatBeforeVeto time.Time
}

// New wires a Director to the components whose role transitions it
// drives.
func New(cfg Config, ns *nodestate.NodeState, j *journal.Journal, hb *heartbeat.Tracker, ls *lease.Lease,
	ct *committracker.Tracker, repl *replication.Replicator, wt *writetracker.Tracker, dialer election.Dialer,
	log zerolog.Logger) *Director {
	return &Director{cfg: cfg, ns: ns, j: j, hb: hb, ls: ls, ct: ct, repl: repl, wt: wt, dialer: dialer, log: log}
}

// SetObserver attaches an ElectionObserver (normally internal/metrics);
// optional, nil-safe if never called.
func (d *Director) SetObserver(o ElectionObserver) { d.observer = o }

func (d *Director) observe(outcome election.Outcome) {
	if d.observer != nil {
		d.observer.ObserveElection(outcome.String())
	}
}

// Run is the loop from spec.md §4.10's pseudocode; it blocks until ctx is
// cancelled or the node reaches SHUTDOWN.
func (d *Director) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		d.hb.RefreshRandomTimeout()
		snap := d.ns.Current()
		switch snap.Role {
		case nodestate.Shutdown:
			return
		case nodestate.Follower:
			d.followerLoop(ctx, snap)
		case nodestate.Leader:
			d.leaderLoop(ctx, snap)
			d.hb.Heartbeat(time.Now()) // reset the timer on step-down, per spec.md §4.10.
		case nodestate.Candidate:
			// An election is in flight on this same goroutine (runElection
			// runs synchronously); Run only observes Candidate transiently
			// between Wait wake-ups if another goroutine drove the step, so
			// just wait for the next transition.
			d.ns.Wait(d.hb.RandomTimeout())
		}
	}
}

// followerLoop runs one wait cycle: flush any stale pending writes, wait
// up to the random election timeout, then decide whether to abstain (just
// vetoed), stay quiet (no timeout yet, or a non-voting member), or run an
// election.
func (d *Director) followerLoop(ctx context.Context, snap *nodestate.Snapshot) {
	d.wt.FlushQueues(ErrUnavailable)

	if !d.ns.Wait(d.hb.RandomTimeout()) {
		return // shutdown
	}
	if !snap.IsCurrent(d.ns) {
		return // something changed while we waited; let Run re-snapshot.
	}

	lastHB := d.hb.LastHeartbeat()
	if !d.lastHeartbeatBeforeVeto.IsZero() && lastHB.Equal(d.lastHeartbeatBeforeVeto) {
		d.log.Debug().Msg("director: abstaining from election, no fresh heartbeat since last veto")
		return
	}

	if !d.hb.Timeout(time.Now()) {
		return
	}

	members := d.j.Membership()
	if !members.IsVoter(d.ns.ID()) {
		d.log.Debug().Msg("director: not a full voting member, staying in limbo")
		return
	}

	d.runElection(ctx, snap, members)
}

// runElection implements spec.md §4.9: a non-disruptive pre-vote probe,
// then (if it would win) a real vote that actually bumps the term and
// persists a self-vote.
func (d *Director) runElection(ctx context.Context, snap *nodestate.Snapshot, members journal.Membership) {
	self := d.ns.ID()
	voters := otherVoters(members.VotingMembers(), self)
	quorum := members.QuorumSize()

	lastIndex := d.j.LogSize() - 1
	lastEntry, _, err := d.j.Fetch(lastIndex)
	if err != nil {
		d.log.Error().Err(err).Msg("director: fetch of last log entry failed, aborting election attempt")
		return
	}

	proposedTerm := snap.Term + 1
	preReg := election.RunRound(ctx, d.dialer, voters, true, proposedTerm, self, lastIndex, lastEntry.Term, quorum, d.cfg.voteTimeout(), d.log)
	preOutcome := preReg.DetermineOutcome()
	switch preOutcome {
	case election.Vetoed:
		d.log.Info().Uint64("term", proposedTerm).Msg("director: pre-vote vetoed")
		d.lastHeartbeatBeforeVeto = d.hb.LastHeartbeat()
		d.observe(preOutcome)
		return
	case election.NotElected:
		d.log.Debug().Uint64("term", proposedTerm).Msg("director: pre-vote did not reach quorum")
		d.observe(preOutcome)
		return
	}

	if !d.ns.BecomeCandidate(proposedTerm) {
		return
	}

	realReg := election.RunRound(ctx, d.dialer, voters, false, proposedTerm, self, lastIndex, lastEntry.Term, quorum, d.cfg.voteTimeout(), d.log)
	realOutcome := realReg.DetermineOutcome()
	switch realOutcome {
	case election.Elected:
		if d.ns.Ascend(proposedTerm) {
			d.log.Info().Uint64("term", proposedTerm).Msg("director: elected leader")
		}
	case election.Vetoed:
		d.log.Info().Uint64("term", proposedTerm).Msg("director: real vote vetoed")
		d.ns.DropOut(proposedTerm)
		d.lastHeartbeatBeforeVeto = d.hb.LastHeartbeat()
	default:
		d.log.Debug().Uint64("term", proposedTerm).Msg("director: real vote did not reach quorum")
		d.ns.DropOut(proposedTerm)
	}
	d.observe(realOutcome)

	if highest := realReg.HighestTerm(); highest > proposedTerm {
		d.ns.Observed(highest, "")
	}
}

func otherVoters(all []string, self string) []string {
	out := make([]string, 0, len(all))
	for _, v := range all {
		if v != self {
			out = append(out, v)
		}
	}
	return out
}

// leaderLoop implements spec.md §4.10: refuse to lead if the basic
// sanity check fails, otherwise activate replication and wait out the
// lease, stepping down (and flushing every pending write) once it
// expires.
func (d *Director) leaderLoop(ctx context.Context, snap *nodestate.Snapshot) {
	if !d.checkBasicSanity() {
		d.log.Error().Msg("director: basic sanity check failed, refusing to lead")
		d.ns.Observed(snap.Term+1, "")
		return
	}

	members := d.j.Membership()
	voters := otherVoters(members.VotingMembers(), d.ns.ID())
	d.ct.Reset(members.QuorumSize(), voters, uint64(d.j.LogSize()-1), uint64(d.j.CommitIndex()))
	d.ls.Reconfigure(members.VotingSize(), members.QuorumSize())

	d.repl.Activate(snap, members)
	defer d.repl.Deactivate()

	if members.VotingSize() == 1 {
		autoCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go d.runAutoCommitter(autoCtx, snap)
	}

	for snap.IsCurrent(d.ns) {
		now := time.Now()
		if d.ls.Expired(now) {
			d.log.Warn().Time("deadline", d.ls.Deadline()).Msg("director: lease expired, stepping down")
			d.ns.Observed(snap.Term+1, "")
			d.wt.FlushQueues(ErrUnavailable)
			return
		}
		d.ns.WaitUntil(d.ls.Deadline())
	}
}

// runAutoCommitter implements the single-node background task from
// spec.md §4.5/§5: with no other voters to ack anything, the usual
// quorum-of-match-indices math never runs, so a lone voter auto-advances
// the commit index to logSize-1 itself every time the log grows, instead
// of waiting (forever) for an AdvanceLeaderIndex call from a client
// write.
func (d *Director) runAutoCommitter(ctx context.Context, snap *nodestate.Snapshot) {
	for snap.IsCurrent(d.ns) {
		d.ct.AdvanceLeaderIndex(uint64(d.j.LogSize() - 1))
		if !d.j.WaitForUpdates(ctx, d.j.LogSize(), d.cfg.HeartbeatInterval) {
			if ctx.Err() != nil {
				return
			}
		}
	}
}

// checkBasicSanity implements spec.md §4.10's leaderLoop precondition:
// commitIndex <= logSize, and lastApplied <= commitIndex.
func (d *Director) checkBasicSanity() bool {
	return d.j.CommitIndex() <= d.j.LogSize() && d.wt.LastApplied() <= d.j.CommitIndex()
}
