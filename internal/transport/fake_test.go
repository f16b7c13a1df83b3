package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quarkraft/quarkraft/internal/election"
	"github.com/quarkraft/quarkraft/internal/journal"
)

type stubHandler struct {
	heartbeatTerm uint64
	recognized    bool
	vote          election.Vote
}

func (s *stubHandler) Heartbeat(ctx context.Context, term uint64, leader string) (uint64, bool, error) {
	return s.heartbeatTerm, s.recognized, nil
}

func (s *stubHandler) AppendEntries(ctx context.Context, leader string, term uint64, prevIndex, prevTerm, commitIndex journal.LogIndex, entries []journal.Entry) (uint64, uint64, bool, error) {
	return term, uint64(len(entries)), true, nil
}

func (s *stubHandler) RequestVote(ctx context.Context, preVote bool, term uint64, candidate string, lastIndex journal.LogIndex, lastTerm uint64) (election.Vote, uint64, error) {
	return s.vote, term, nil
}

func TestLocalTransportDeliversHeartbeat(t *testing.T) {
	lt := NewLocal()
	lt.Register("b:1", &stubHandler{heartbeatTerm: 4, recognized: true})

	dialer := LocalReplicationDialer{T: lt, Self: "a:1"}
	peer, err := dialer.Dial("b:1")
	require.NoError(t, err)

	reply, err := peer.SendHeartbeat(context.Background(), 4, "a:1")
	require.NoError(t, err)
	require.Equal(t, uint64(4), reply.Term)
	require.True(t, reply.Recognized)
}

func TestLocalTransportPartitionBlocksDelivery(t *testing.T) {
	lt := NewLocal()
	lt.Register("a:1", &stubHandler{})
	lt.Register("b:1", &stubHandler{recognized: true})

	lt.Partition("b:1")

	dialer := LocalReplicationDialer{T: lt, Self: "a:1"}
	peer, err := dialer.Dial("b:1")
	require.NoError(t, err)
	_, err = peer.SendHeartbeat(context.Background(), 1, "a:1")
	require.ErrorIs(t, err, ErrNodeNotFound)

	lt.Heal("b:1")
	_, err = peer.SendHeartbeat(context.Background(), 1, "a:1")
	require.NoError(t, err)
}

func TestLocalTransportDisconnectIsDirectional(t *testing.T) {
	lt := NewLocal()
	lt.Register("a:1", &stubHandler{})
	lt.Register("b:1", &stubHandler{})
	lt.Disconnect("a:1", "b:1")

	dialer := LocalReplicationDialer{T: lt, Self: "a:1"}
	peer, _ := dialer.Dial("b:1")
	_, err := peer.SendHeartbeat(context.Background(), 1, "a:1")
	require.ErrorIs(t, err, ErrNodeNotFound)

	lt.Connect("a:1", "b:1")
	_, err = peer.SendHeartbeat(context.Background(), 1, "a:1")
	require.NoError(t, err)
}

func TestLocalTransportRequestVote(t *testing.T) {
	lt := NewLocal()
	lt.Register("b:1", &stubHandler{vote: election.Granted})

	dialer := LocalElectionDialer{T: lt, Self: "a:1"}
	peer, err := dialer.Dial("b:1")
	require.NoError(t, err)

	vote, term, err := peer.RequestVote(context.Background(), false, 2, "a:1", 5, 1)
	require.NoError(t, err)
	require.Equal(t, election.Granted, vote)
	require.Equal(t, uint64(2), term)
}
