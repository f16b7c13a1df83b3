package transport

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/quarkraft/quarkraft/internal/dispatch"
	"github.com/quarkraft/quarkraft/internal/election"
	"github.com/quarkraft/quarkraft/internal/journal"
	"github.com/quarkraft/quarkraft/internal/wire"
	"github.com/quarkraft/quarkraft/internal/writetracker"
)

// Handler is what Server needs from a node: the raft RPC surface plus
// client command dispatch. internal/dispatch.Dispatcher is the only
// implementation.
type Handler interface {
	RPCHandler
	Dispatch(ctx context.Context, connAddr string, q *writetracker.Queue, tokens [][]byte) ([]byte, error)
}

// Server is the TCP listener side of the RESP-over-TCP protocol in
// spec.md §6: accept a connection, require a matching-cluster HANDSHAKE
// before any other command, then loop reading and dispatching commands
// until the connection closes. Grounded on the teacher's pkg/rpc/server.go
// (one façade fielding every RPC kind over a listener), adapted from
// gRPC's per-method dispatch to this repo's single ReadCommand loop.
type Server struct {
	clusterID string
	handler   Handler
	log       zerolog.Logger

	listener net.Listener
}

// NewServer builds a Server bound to addr. The listener is opened
// immediately so the caller can learn the resolved address (useful for
// ":0" in tests) before calling Serve.
func NewServer(addr, clusterID string, handler Handler, log zerolog.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{clusterID: clusterID, handler: handler, log: log, listener: ln}, nil
}

// Addr returns the listener's bound address.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Serve blocks accepting connections until the listener is closed (by
// calling Close from another goroutine).
func (s *Server) Serve(ctx context.Context) error {
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handleConn(ctx, nc)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	return s.listener.Close()
}

func (s *Server) handleConn(ctx context.Context, nc net.Conn) {
	defer nc.Close()
	r := bufio.NewReader(nc)
	w := bufio.NewWriter(nc)
	connAddr := nc.RemoteAddr().String()

	if !s.handshake(r, w) {
		return
	}

	q := writetracker.NewQueue()
	for {
		tokens, err := wire.ReadCommand(r)
		if err != nil {
			return
		}
		if len(tokens) == 0 {
			continue
		}
		if err := s.dispatchOne(ctx, w, connAddr, q, tokens); err != nil {
			s.log.Debug().Err(err).Str("conn", connAddr).Msg("transport: connection write failed, closing")
			return
		}
	}
}

func (s *Server) handshake(r *bufio.Reader, w *bufio.Writer) bool {
	tokens, err := wire.ReadInlineCommand(r)
	if err != nil || len(tokens) != 3 || tokens[0] != "HANDSHAKE" {
		wire.WriteError(w, "ERR", "expected HANDSHAKE clusterID timeouts")
		return false
	}
	if tokens[1] != s.clusterID {
		wire.WriteError(w, "ERR", "cluster id mismatch")
		return false
	}
	if _, _, _, err := wire.ParseHandshakeTimeouts(tokens[2]); err != nil {
		wire.WriteError(w, "ERR", "malformed handshake timeouts")
		return false
	}
	return wire.WriteSimpleString(w, "OK") == nil
}

func (s *Server) dispatchOne(ctx context.Context, w *bufio.Writer, connAddr string, q *writetracker.Queue, tokens [][]byte) error {
	name := string(tokens[0])
	switch name {
	case "HEARTBEAT":
		return s.handleHeartbeat(w, tokens)
	case "APPEND_ENTRIES":
		return s.handleAppendEntries(w, tokens)
	case "REQUEST_VOTE", "PRE_VOTE":
		return s.handleRequestVote(w, name == "PRE_VOTE", tokens)
	default:
		return s.handleClientCommand(ctx, w, connAddr, q, tokens)
	}
}

func (s *Server) handleHeartbeat(w *bufio.Writer, tokens [][]byte) error {
	if len(tokens) != 3 {
		return wire.WriteError(w, "ERR", "HEARTBEAT requires term and leader")
	}
	term, err := strconv.ParseUint(string(tokens[1]), 10, 64)
	if err != nil {
		return wire.WriteError(w, "ERR", "malformed term")
	}
	replyTerm, recognized, err := s.handler.Heartbeat(context.Background(), term, string(tokens[2]))
	if err != nil {
		return wire.WriteError(w, "ERR", err.Error())
	}
	recognizedStr := "0"
	if recognized {
		recognizedStr = "1"
	}
	return wire.WriteArray(w, strconv.FormatUint(replyTerm, 10), recognizedStr, "")
}

func (s *Server) handleAppendEntries(w *bufio.Writer, tokens [][]byte) error {
	if len(tokens) != 3 {
		return wire.WriteError(w, "ERR", "APPEND_ENTRIES requires leader and blob")
	}
	leader := string(tokens[1])
	term, prevIndex, prevTerm, commitIndex, entries, err := wire.DecodeAppendEntriesBlob(tokens[2])
	if err != nil {
		return wire.WriteError(w, "ERR", err.Error())
	}
	replyTerm, logSize, success, err := s.handler.AppendEntries(context.Background(), leader, term,
		journal.LogIndex(prevIndex), prevTerm, journal.LogIndex(commitIndex), entries)
	if err != nil {
		return wire.WriteError(w, "ERR", err.Error())
	}
	successStr := "0"
	if success {
		successStr = "1"
	}
	return wire.WriteArray(w, strconv.FormatUint(replyTerm, 10), strconv.FormatUint(logSize, 10), successStr, "")
}

func (s *Server) handleRequestVote(w *bufio.Writer, preVote bool, tokens [][]byte) error {
	if len(tokens) != 5 {
		return wire.WriteError(w, "ERR", "vote RPC requires term, candidate, lastIndex, lastTerm")
	}
	term, err := strconv.ParseUint(string(tokens[1]), 10, 64)
	if err != nil {
		return wire.WriteError(w, "ERR", "malformed term")
	}
	candidate := string(tokens[2])
	lastIndex, err := strconv.ParseUint(string(tokens[3]), 10, 64)
	if err != nil {
		return wire.WriteError(w, "ERR", "malformed lastIndex")
	}
	lastTerm, err := strconv.ParseUint(string(tokens[4]), 10, 64)
	if err != nil {
		return wire.WriteError(w, "ERR", "malformed lastTerm")
	}
	vote, replyTerm, err := s.handler.RequestVote(context.Background(), preVote, term, candidate, journal.LogIndex(lastIndex), lastTerm)
	if err != nil {
		return wire.WriteError(w, "ERR", err.Error())
	}
	var voteStr string
	switch vote {
	case election.Granted:
		voteStr = "granted"
	case election.Veto:
		voteStr = "veto"
	default:
		voteStr = "refused"
	}
	return wire.WriteArray(w, strconv.FormatUint(replyTerm, 10), voteStr)
}

func (s *Server) handleClientCommand(ctx context.Context, w *bufio.Writer, connAddr string, q *writetracker.Queue, tokens [][]byte) error {
	reply, err := s.handler.Dispatch(ctx, connAddr, q, tokens)
	if err != nil {
		return writeDispatchError(w, err)
	}
	if reply == nil {
		return wire.WriteSimpleString(w, "")
	}
	return wire.WriteSimpleString(w, string(reply))
}

func writeDispatchError(w *bufio.Writer, err error) error {
	var moved *dispatch.MovedError
	switch {
	case errors.As(err, &moved):
		return wire.WriteError(w, "MOVED", "0 "+moved.Leader)
	case errors.Is(err, dispatch.ErrUnavailable):
		return wire.WriteError(w, "CLUSTERDOWN", err.Error())
	case errors.Is(err, dispatch.ErrParse):
		return wire.WriteError(w, "ERR", err.Error())
	case errors.Is(err, dispatch.ErrMembershipBlocked):
		return wire.WriteError(w, "ERR", err.Error())
	case errors.Is(err, dispatch.ErrNotAuthorized):
		return wire.WriteError(w, "NOAUTH", err.Error())
	default:
		return wire.WriteError(w, "ERR", err.Error())
	}
}
