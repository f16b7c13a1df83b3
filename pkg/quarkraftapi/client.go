// Package quarkraftapi is the public client the teacher's pkg/api/client.go
// plays the same role for: a small façade an application links against
// instead of speaking the wire protocol itself. The teacher's Client holds
// a slice of in-process *raft.Node and calls findLeader/SubmitWithResult
// directly; since this repo's client/server boundary is a real TCP
// connection speaking RESP (spec.md §6), not an in-process call, this
// Client instead dials one of a configured address list, performs the
// HANDSHAKE spec.md requires of every link, and follows -MOVED redirects
// to the current leader the same way the teacher's findLeader loop walked
// its in-process node list looking for the one with IsLeader() true.
package quarkraftapi

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/quarkraft/quarkraft/internal/wire"
)

// ErrUnavailable mirrors dispatch.ErrUnavailable: no leader is currently
// known cluster-wide. Retriable after a short backoff.
var ErrUnavailable = errors.New("quarkraftapi: cluster unavailable")

// ReplyError wraps a non-MOVED "-KIND reason\r\n" error reply.
type ReplyError struct {
	Kind   string
	Reason string
}

func (e *ReplyError) Error() string { return fmt.Sprintf("%s %s", e.Kind, e.Reason) }

// Config configures a Client. ClusterID must match the cluster's
// configured id; Addrs seeds the initial leader search and should list
// every node's RESP address so the client can find the leader even if
// the first address it tries is a follower or unreachable.
type Config struct {
	Addrs       []string
	ClusterID   string
	DialTimeout time.Duration
}

// Client is a thin, reconnecting RESP client. It is safe for concurrent
// use by multiple goroutines; a single underlying connection is shared
// and serialized through an internal mutex, matching the teacher's
// Client (one shared connection set, one mutex) rather than pooling a
// connection per goroutine.
type Client struct {
	mu   sync.Mutex
	cfg  Config
	addr string // last known-good address (leader, once found).
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

// New builds a Client. No network I/O happens until the first call.
func New(cfg Config) *Client {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	return &Client{cfg: cfg}
}

// SetTimeout overrides the dial timeout used for (re)connects, mirroring
// the teacher's Client.SetTimeout.
func (c *Client) SetTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.DialTimeout = d
}

// Close drops the underlying connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn, c.r, c.w = nil, nil, nil
	return err
}

// --- key/value commands ---

// Get returns the value at key, and false if the key is unset.
func (c *Client) Get(key string) ([]byte, bool, error) {
	return c.simpleOrNil("GET", key)
}

// Set stores value at key.
func (c *Client) Set(key string, value []byte) error {
	_, err := c.do("SET", []byte(key), value)
	return err
}

// Del removes key.
func (c *Client) Del(key string) error {
	_, err := c.do("DEL", []byte(key))
	return err
}

// HGet returns one field of the hash at key.
func (c *Client) HGet(key, field string) ([]byte, bool, error) {
	reply, err := c.do("HGET", []byte(key), []byte(field))
	if err != nil {
		return nil, false, err
	}
	if reply == nil {
		return nil, false, nil
	}
	return reply, true, nil
}

// HSet sets one field of the hash at key.
func (c *Client) HSet(key, field string, value []byte) error {
	_, err := c.do("HSET", []byte(key), []byte(field), value)
	return err
}

// HDel removes one field of the hash at key.
func (c *Client) HDel(key, field string) error {
	_, err := c.do("HDEL", []byte(key), []byte(field))
	return err
}

// HGetAll returns every field=value pair of the hash at key, rendered as
// the raw reply text (the server joins them the way spec.md §6's
// HGETALL reply is specified); callers that need a map should split on
// whitespace themselves, same as any other inline RESP consumer.
func (c *Client) HGetAll(key string) (string, error) {
	reply, err := c.do("HGETALL", []byte(key))
	if err != nil {
		return "", err
	}
	return string(reply), nil
}

// SAdd adds member to the set at key.
func (c *Client) SAdd(key, member string) error {
	_, err := c.do("SADD", []byte(key), []byte(member))
	return err
}

// SRem removes member from the set at key.
func (c *Client) SRem(key, member string) error {
	_, err := c.do("SREM", []byte(key), []byte(member))
	return err
}

// SIsMember reports whether member is in the set at key.
func (c *Client) SIsMember(key, member string) (bool, error) {
	reply, err := c.do("SISMEMBER", []byte(key), []byte(member))
	if err != nil {
		return false, err
	}
	return string(reply) == "1", nil
}

// SMembers lists the members of the set at key.
func (c *Client) SMembers(key string) ([]string, error) {
	reply, err := c.do("SMEMBERS", []byte(key))
	if err != nil {
		return nil, err
	}
	if len(reply) == 0 {
		return nil, nil
	}
	return strings.Fields(string(reply)), nil
}

// LeaseAcquire attempts to acquire the named lease for ttl, time-stamped
// and bounded server-side per spec.md §4.7's lease filter.
func (c *Client) LeaseAcquire(name string, ttl time.Duration) (bool, error) {
	reply, err := c.do("LEASE_ACQUIRE", []byte(name), []byte(ttl.String()))
	if err != nil {
		return false, err
	}
	return string(reply) == "OK", nil
}

// --- admin/membership commands ---

// RaftInfo returns this connection's current node's raw RAFT_INFO reply
// (role, term, commit index, log size -- see spec.md §6).
func (c *Client) RaftInfo() (string, error) {
	reply, err := c.do("RAFT_INFO")
	return string(reply), err
}

// RaftLeaderInfo returns the address this node currently recognizes as
// leader, or "" if none.
func (c *Client) RaftLeaderInfo() (string, error) {
	reply, err := c.do("RAFT_LEADER_INFO")
	return string(reply), err
}

// AddObserver adds addr as a non-voting observer.
func (c *Client) AddObserver(addr string) error {
	_, err := c.do("RAFT_ADD_OBSERVER", []byte(addr))
	return err
}

// PromoteObserver promotes a caught-up observer to a full voting member.
func (c *Client) PromoteObserver(addr string) error {
	_, err := c.do("RAFT_PROMOTE_OBSERVER", []byte(addr))
	return err
}

// RemoveMember removes addr from the cluster, voter or observer.
func (c *Client) RemoveMember(addr string) error {
	_, err := c.do("RAFT_REMOVE_MEMBER", []byte(addr))
	return err
}

// AttemptCoup forces the contacted node to time out its election clock
// immediately, for manual leadership transfer drills.
func (c *Client) AttemptCoup() error {
	_, err := c.do("RAFT_ATTEMPT_COUP")
	return err
}

// SetFsyncPolicy reconfigures the contacted node's durability knob at runtime.
// policy is one of "always", "async", "sync-important-updates".
func (c *Client) SetFsyncPolicy(policy string) error {
	_, err := c.do("RAFT_SET_FSYNC_POLICY", []byte(policy))
	return err
}

// ActivateStaleReads opts this connection's node into serving reads
// locally even as a follower, per spec.md §4.8's non-goal-adjacent
// stale-read mode.
func (c *Client) ActivateStaleReads() error {
	_, err := c.do("ACTIVATE_STALE_READS")
	return err
}

// --- transport plumbing ---

func (c *Client) simpleOrNil(cmd, key string) ([]byte, bool, error) {
	reply, err := c.do(cmd, []byte(key))
	if err != nil {
		return nil, false, err
	}
	if reply == nil {
		return nil, false, nil
	}
	return reply, true, nil
}

// do sends one command and returns its reply, transparently reconnecting
// and following at most one -MOVED redirect, the networked equivalent of
// the teacher's findLeader retry loop.
func (c *Client) do(name string, args ...[]byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tokens := append([][]byte{[]byte(name)}, args...)

	reply, err := c.sendLocked(tokens)
	var moved *movedReply
	if errors.As(err, &moved) {
		c.closeLocked()
		c.addr = moved.leader
		reply, err = c.sendLocked(tokens)
	}
	return reply, err
}

type movedReply struct{ leader string }

func (m *movedReply) Error() string { return "MOVED 0 " + m.leader }

func (c *Client) sendLocked(tokens [][]byte) ([]byte, error) {
	if err := c.ensureConnLocked(); err != nil {
		return nil, err
	}
	if err := wire.WriteMultibulk(c.w, tokens...); err != nil {
		c.closeLocked()
		return nil, err
	}
	reply, err := readReply(c.r)
	if err != nil {
		c.closeLocked()
		return nil, err
	}
	return reply, nil
}

// ensureConnLocked dials c.addr (or, on first use / after a failure,
// walks cfg.Addrs) and performs the spec.md §6 handshake. Called with
// c.mu held.
func (c *Client) ensureConnLocked() error {
	if c.conn != nil {
		return nil
	}

	candidates := c.cfg.Addrs
	if c.addr != "" {
		candidates = append([]string{c.addr}, candidates...)
	}
	if len(candidates) == 0 {
		return fmt.Errorf("quarkraftapi: no addresses configured")
	}

	var lastErr error
	for _, addr := range candidates {
		nc, err := net.DialTimeout("tcp", addr, c.cfg.DialTimeout)
		if err != nil {
			lastErr = err
			continue
		}
		r := bufio.NewReader(nc)
		w := bufio.NewWriter(nc)
		timeouts := wire.CanonicalHandshakeTimeouts(0, 0, 0)
		if err := wire.WriteInlineCommand(w, "HANDSHAKE", c.cfg.ClusterID, timeouts); err != nil {
			nc.Close()
			lastErr = err
			continue
		}
		if _, err := readReply(r); err != nil {
			nc.Close()
			lastErr = err
			continue
		}
		c.conn, c.r, c.w, c.addr = nc, r, w, addr
		return nil
	}
	return fmt.Errorf("quarkraftapi: dial failed: %w", lastErr)
}

// readReply reads one "+...\r\n" or "-KIND reason\r\n" line, the only two
// reply shapes client commands produce (see internal/transport's
// handleClientCommand/writeDispatchError).
func readReply(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return nil, fmt.Errorf("quarkraftapi: empty reply")
	}
	switch line[0] {
	case '+':
		body := line[1:]
		if body == "" {
			return nil, nil
		}
		return []byte(body), nil
	case '-':
		rest := strings.TrimPrefix(line[1:], " ")
		kind, reason, _ := strings.Cut(rest, " ")
		if kind == "MOVED" {
			_, leader, _ := strings.Cut(reason, " ")
			return nil, &movedReply{leader: leader}
		}
		if kind == "CLUSTERDOWN" {
			return nil, ErrUnavailable
		}
		return nil, &ReplyError{Kind: kind, Reason: reason}
	default:
		return nil, fmt.Errorf("quarkraftapi: unexpected reply %q", line)
	}
}
