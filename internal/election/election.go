// Package election implements the pre-vote/real-vote protocol described
// in spec.md §4.9: a vote registry tallying GRANTED/REFUSED/VETO replies,
// the log up-to-date test, and the outcome rules (a single VETO sinks an
// otherwise-winning quorum).
package election

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/quarkraft/quarkraft/internal/journal"
)

// Vote is one voter's answer to a REQUEST_VOTE (or pre-vote probe).
type Vote int

const (
	Granted Vote = iota
	Refused
	Veto
)

func (v Vote) String() string {
	switch v {
	case Granted:
		return "granted"
	case Refused:
		return "refused"
	case Veto:
		return "veto"
	default:
		return "unknown"
	}
}

// Outcome is the result of tallying a completed round.
type Outcome int

const (
	Elected Outcome = iota
	NotElected
	Vetoed
)

func (o Outcome) String() string {
	switch o {
	case Elected:
		return "elected"
	case NotElected:
		return "not_elected"
	case Vetoed:
		return "vetoed"
	default:
		return "unknown"
	}
}

// Reply is a single voter's response, or a network/parse error in place
// of one. A parse error is treated as granted during pre-vote only (to
// tolerate older peers that don't understand the probe), per
// original_source/RaftVoteRegistry.cc's registerParseError handling.
type Reply struct {
	NetError   bool
	ParseError bool
	Vote       Vote
	Term       uint64
}

// Registry collects per-voter outcomes for a single election round (the
// candidate's own vote is implicit and always counts) and computes the
// outcome, mirroring original_source/RaftVoteRegistry.{hh,cc}.
type Registry struct {
	term       uint64
	preVote    bool
	quorumSize int
	replies    map[string]Reply
}

// NewRegistry builds a Registry for the given term, probing mode, and
// quorum size (computed over the full voting set, candidate included).
func NewRegistry(term uint64, preVote bool, quorumSize int) *Registry {
	return &Registry{
		term:       term,
		preVote:    preVote,
		quorumSize: quorumSize,
		replies:    make(map[string]Reply),
	}
}

// Register records voter's reply. Registering the same voter twice
// overwrites the earlier reply (a late duplicate after a retry).
func (r *Registry) Register(voter string, reply Reply) {
	r.replies[voter] = reply
}

// RegisterNetworkError records that voter's RPC failed or timed out:
// counted as neither positive nor negative, per spec.md §7.
func (r *Registry) RegisterNetworkError(voter string) {
	r.replies[voter] = Reply{NetError: true}
}

// RegisterParseError records that voter's reply could not be parsed.
func (r *Registry) RegisterParseError(voter string) {
	r.replies[voter] = Reply{ParseError: true}
}

// HighestTerm returns the highest term seen across all replies, useful
// for a caller that wants to step down even on a failed election.
func (r *Registry) HighestTerm() uint64 {
	highest := r.term
	for _, rep := range r.replies {
		if !rep.NetError && !rep.ParseError && rep.Term > highest {
			highest = rep.Term
		}
	}
	return highest
}

// DetermineOutcome tallies the round: any VETO sinks the election
// immediately regardless of how many GRANTED replies exist elsewhere;
// otherwise the candidate's own implicit vote plus every GRANTED (and,
// during pre-vote, every parse error) must reach quorumSize.
func (r *Registry) DetermineOutcome() Outcome {
	positives := 1 // implicit self-vote
	for _, rep := range r.replies {
		switch {
		case rep.NetError:
			continue
		case rep.ParseError:
			if r.preVote {
				positives++
			}
		case rep.Vote == Granted:
			positives++
		case rep.Vote == Veto:
			return Vetoed
		}
	}
	if positives >= r.quorumSize {
		return Elected
	}
	return NotElected
}

// Candidate is the narrow view of local log/state state the election
// protocol needs to answer a request-vote and build its own requests.
type Candidate struct {
	ID         string
	LastIndex  journal.LogIndex
	LastTerm   uint64
	CommitTerm uint64 // term of the entry at the local commit index, for the veto check.
}

// UpToDate implements the Raft-paper log up-to-date test from spec.md
// §4.9: candTerm > myTerm, or candTerm == myTerm and candIndex >= myIndex.
func UpToDate(candIndex journal.LogIndex, candTerm uint64, myIndex journal.LogIndex, myTerm uint64) bool {
	if candTerm != myTerm {
		return candTerm > myTerm
	}
	return candIndex >= myIndex
}

// Peer is the narrow RPC surface the election protocol needs from a
// voting peer.
type Peer interface {
	RequestVote(ctx context.Context, preVote bool, term uint64, candidate string, lastIndex journal.LogIndex, lastTerm uint64) (granted Vote, peerTerm uint64, err error)
}

// Dialer resolves a peer address to a Peer handle, the same narrow
// surface internal/replication.Dialer uses.
type Dialer interface {
	Dial(address string) (Peer, error)
}

// RunRound broadcasts a single pre-vote or real-vote round to every voter
// in voters (the candidate itself excluded by the caller) and returns the
// tallied Registry. Each RPC is bounded by deadline-now+timeout; late or
// failed replies count as network errors.
func RunRound(ctx context.Context, dialer Dialer, voters []string, preVote bool, term uint64, candidate string, lastIndex journal.LogIndex, lastTerm uint64, quorumSize int, timeout time.Duration, log zerolog.Logger) *Registry {
	reg := NewRegistry(term, preVote, quorumSize)
	type result struct {
		voter string
		vote  Vote
		term  uint64
		err   error
	}
	results := make(chan result, len(voters))

	for _, v := range voters {
		v := v
		go func() {
			rctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			peer, err := dialer.Dial(v)
			if err != nil {
				results <- result{voter: v, err: err}
				return
			}
			vote, peerTerm, err := peer.RequestVote(rctx, preVote, term, candidate, lastIndex, lastTerm)
			results <- result{voter: v, vote: vote, term: peerTerm, err: err}
		}()
	}

	for range voters {
		res := <-results
		if res.err != nil {
			log.Debug().Str("voter", res.voter).Err(res.err).Bool("preVote", preVote).Msg("election: vote request failed")
			reg.RegisterNetworkError(res.voter)
			continue
		}
		reg.Register(res.voter, Reply{Vote: res.vote, Term: res.term})
	}
	return reg
}
