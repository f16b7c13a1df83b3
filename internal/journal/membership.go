package journal

import (
	"fmt"
	"sort"
	"strings"
)

// Membership is the cluster's voting/observer roster as of a given log
// index (its epoch), per spec.md §3.
type Membership struct {
	Voting    map[string]struct{}
	Observers map[string]struct{}
	Epoch     LogIndex
}

// NewMembership builds a Membership from explicit voting and observer
// node lists at the given epoch.
func NewMembership(voting, observers []string, epoch LogIndex) Membership {
	m := Membership{
		Voting:    make(map[string]struct{}, len(voting)),
		Observers: make(map[string]struct{}, len(observers)),
		Epoch:     epoch,
	}
	for _, v := range voting {
		m.Voting[v] = struct{}{}
	}
	for _, o := range observers {
		m.Observers[o] = struct{}{}
	}
	return m
}

// Clone returns a deep copy, so callers can build a modified membership
// without mutating the one currently installed.
func (m Membership) Clone() Membership {
	out := Membership{
		Voting:    make(map[string]struct{}, len(m.Voting)),
		Observers: make(map[string]struct{}, len(m.Observers)),
		Epoch:     m.Epoch,
	}
	for v := range m.Voting {
		out.Voting[v] = struct{}{}
	}
	for o := range m.Observers {
		out.Observers[o] = struct{}{}
	}
	return out
}

// IsVoter reports whether server is a voting member.
func (m Membership) IsVoter(server string) bool {
	_, ok := m.Voting[server]
	return ok
}

// IsObserver reports whether server is a non-voting observer.
func (m Membership) IsObserver(server string) bool {
	_, ok := m.Observers[server]
	return ok
}

// IsMember reports whether server is known at all, voting or observing.
func (m Membership) IsMember(server string) bool {
	return m.IsVoter(server) || m.IsObserver(server)
}

// VotingSize is the number of voting members, N in quorum math.
func (m Membership) VotingSize() int {
	return len(m.Voting)
}

// QuorumSize is floor(N/2)+1 for the current voting set.
func (m Membership) QuorumSize() int {
	return m.VotingSize()/2 + 1
}

// VotingMembers returns the voting node ids in sorted order, for
// deterministic iteration (replicator task spawn order, tests, etc).
func (m Membership) VotingMembers() []string {
	out := make([]string, 0, len(m.Voting))
	for v := range m.Voting {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// AllMembers returns voters followed by observers, both sorted.
func (m Membership) AllMembers() []string {
	out := m.VotingMembers()
	obs := make([]string, 0, len(m.Observers))
	for o := range m.Observers {
		obs = append(obs, o)
	}
	sort.Strings(obs)
	return append(out, obs...)
}

// Serialize renders the membership string format from spec.md §6:
// "host:port,host:port|host:port,host:port" (voters before the pipe,
// observers after).
func (m Membership) Serialize() string {
	voters := m.VotingMembers()
	obs := make([]string, 0, len(m.Observers))
	for o := range m.Observers {
		obs = append(obs, o)
	}
	sort.Strings(obs)
	return strings.Join(voters, ",") + "|" + strings.Join(obs, ",")
}

// ParseMembership parses the spec.md §6 membership string.
func ParseMembership(s string, epoch LogIndex) (Membership, error) {
	parts := strings.SplitN(s, "|", 2)
	if len(parts) != 2 {
		return Membership{}, fmt.Errorf("journal: malformed membership string %q", s)
	}
	splitNonEmpty := func(s string) []string {
		if s == "" {
			return nil
		}
		return strings.Split(s, ",")
	}
	return NewMembership(splitNonEmpty(parts[0]), splitNonEmpty(parts[1]), epoch), nil
}

// WithAddedObserver returns a new membership with server added as an
// observer. Adding an existing voter or observer is a no-op clone.
func (m Membership) WithAddedObserver(server string) Membership {
	out := m.Clone()
	if !out.IsVoter(server) {
		out.Observers[server] = struct{}{}
	}
	return out
}

// WithPromotedObserver returns a new membership with server moved from
// observer to voter.
func (m Membership) WithPromotedObserver(server string) (Membership, error) {
	if !m.IsObserver(server) {
		return Membership{}, fmt.Errorf("journal: %s is not an observer", server)
	}
	out := m.Clone()
	delete(out.Observers, server)
	out.Voting[server] = struct{}{}
	return out, nil
}

// WithRemovedMember returns a new membership with server removed
// entirely, from either role.
func (m Membership) WithRemovedMember(server string) Membership {
	out := m.Clone()
	delete(out.Voting, server)
	delete(out.Observers, server)
	return out
}
