// Package statemachine is the external collaborator spec.md §1 calls out
// as out of core scope: the strings/hashes/sets keyspace the consensus
// core replicates commands into. It is included here only to the extent
// the core touches it (Apply, reads, the dynamic clock used by the
// dispatcher's lease filter) -- see spec.md §6.
package statemachine

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	iradix "github.com/hashicorp/go-immutable-radix"

	"github.com/quarkraft/quarkraft/internal/journal"
)

// Kind distinguishes the three value shapes the spec names.
type Kind int

const (
	KindString Kind = iota
	KindHash
	KindSet
)

// Value is one keyspace entry. ExpiresAtNanos is 0 for keys without a
// lease; otherwise the key is logically gone once DynamicClock passes it
// (lazy expiry: checked on read, not proactively swept).
type Value struct {
	Kind           Kind
	Str            []byte
	Hash           map[string][]byte
	Set            map[string]struct{}
	ExpiresAtNanos int64
}

func (v Value) expired(now int64) bool {
	return v.ExpiresAtNanos != 0 && now >= v.ExpiresAtNanos
}

// ErrWrongType is returned when a command's type doesn't match the
// stored value's, per spec.md §7 "wrong type".
var ErrWrongType = fmt.Errorf("statemachine: WRONGTYPE")

// DynamicClock is the monotonically-advancing wall-time proxy spec.md
// §4.8 describes: "the state machine exposes a monotonically-advancing
// dynamicClock value synchronized to leadership markers". Only the
// leader's dispatcher calls Tick to mint a fresh stamp for an outgoing
// write (so every replica later applies the identical value); every
// replica, including the leader, calls Advance when applying a command
// that carries a stamp, keeping the local floor caught up without ever
// regressing it.
type DynamicClock struct {
	nanos int64
}

// Tick mints a new clock value strictly greater than any previously
// observed value, for the leader to stamp into an outgoing write.
func (c *DynamicClock) Tick() int64 {
	for {
		now := time.Now().UnixNano()
		old := atomic.LoadInt64(&c.nanos)
		next := now
		if next <= old {
			next = old + 1
		}
		if atomic.CompareAndSwapInt64(&c.nanos, old, next) {
			return next
		}
	}
}

// Advance raises the floor to at least value, never regressing it. Every
// replica calls this when applying a stamped command, so a newly
// ascended leader's own Tick calls never produce a value a follower has
// already seen from the previous leader.
func (c *DynamicClock) Advance(value int64) {
	for {
		old := atomic.LoadInt64(&c.nanos)
		if value <= old {
			return
		}
		if atomic.CompareAndSwapInt64(&c.nanos, old, value) {
			return
		}
	}
}

// Now returns the current floor.
func (c *DynamicClock) Now() int64 {
	return atomic.LoadInt64(&c.nanos)
}

// Store is the strings/hashes/sets keyspace, backed by a persistent
// radix tree (github.com/hashicorp/go-immutable-radix) so that reads,
// stale reads included, take an immutable root snapshot without ever
// blocking the single-writer apply path, per SPEC_FULL.md §3's
// domain-stack entry for this library.
type Store struct {
	mu    sync.Mutex // serializes writers; readers just load the current root atomically.
	root  atomic.Pointer[iradix.Tree]
	Clock DynamicClock
}

// New returns an empty Store.
func New() *Store {
	s := &Store{}
	s.root.Store(iradix.New())
	return s
}

// Snapshot returns the current immutable root for lock-free reads.
func (s *Store) Snapshot() *iradix.Tree {
	return s.root.Load()
}

func (s *Store) get(key string) (Value, bool) {
	raw, ok := s.Snapshot().Get([]byte(key))
	if !ok {
		return Value{}, false
	}
	v := raw.(Value)
	if v.expired(s.Clock.Now()) {
		return Value{}, false
	}
	return v, true
}

func (s *Store) mutate(fn func(txn *iradix.Txn) ([]byte, error)) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	txn := s.Snapshot().Txn()
	payload, err := fn(txn)
	s.root.Store(txn.Commit())
	return payload, err
}

// Apply implements internal/writetracker.Applier: execute one already-
// committed entry's command and produce the reply payload.
func (s *Store) Apply(index journal.LogIndex, entry journal.Entry) ([]byte, error) {
	cmd := entry.Command
	if len(cmd) == 0 {
		return nil, fmt.Errorf("statemachine: empty command at index %d", index)
	}
	name := string(cmd[0])
	args := cmd[1:]

	switch name {
	case "SET":
		return s.applySet(args)
	case "DEL":
		return s.applyDel(args)
	case "HSET":
		return s.applyHSet(args)
	case "HDEL":
		return s.applyHDel(args)
	case "SADD":
		return s.applySAdd(args)
	case "SREM":
		return s.applySRem(args)
	case "LEASE_ACQUIRE":
		return s.applyLeaseAcquire(args)
	default:
		return nil, fmt.Errorf("statemachine: unknown command %q", name)
	}
}

func argString(args [][]byte, i int) string {
	if i >= len(args) {
		return ""
	}
	return string(args[i])
}

func (s *Store) applySet(args [][]byte) ([]byte, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("statemachine: SET requires key and value")
	}
	key, val := argString(args, 0), args[1]
	return s.mutate(func(txn *iradix.Txn) ([]byte, error) {
		txn.Insert([]byte(key), Value{Kind: KindString, Str: val})
		return []byte("OK"), nil
	})
}

func (s *Store) applyDel(args [][]byte) ([]byte, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("statemachine: DEL requires a key")
	}
	return s.mutate(func(txn *iradix.Txn) ([]byte, error) {
		_, existed := txn.Delete([]byte(argString(args, 0)))
		if existed {
			return []byte("1"), nil
		}
		return []byte("0"), nil
	})
}

func (s *Store) applyHSet(args [][]byte) ([]byte, error) {
	if len(args) < 3 {
		return nil, fmt.Errorf("statemachine: HSET requires key, field, value")
	}
	key, field, val := argString(args, 0), argString(args, 1), args[2]
	return s.mutate(func(txn *iradix.Txn) ([]byte, error) {
		v, ok := s.lookupTxn(txn, key)
		if ok && v.Kind != KindHash {
			return nil, ErrWrongType
		}
		if !ok {
			v = Value{Kind: KindHash, Hash: make(map[string][]byte)}
		} else {
			v.Hash = cloneHash(v.Hash)
		}
		v.Hash[field] = val
		txn.Insert([]byte(key), v)
		return []byte("OK"), nil
	})
}

func (s *Store) applyHDel(args [][]byte) ([]byte, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("statemachine: HDEL requires key and field")
	}
	key, field := argString(args, 0), argString(args, 1)
	return s.mutate(func(txn *iradix.Txn) ([]byte, error) {
		v, ok := s.lookupTxn(txn, key)
		if !ok {
			return []byte("0"), nil
		}
		if v.Kind != KindHash {
			return nil, ErrWrongType
		}
		v.Hash = cloneHash(v.Hash)
		_, existed := v.Hash[field]
		delete(v.Hash, field)
		txn.Insert([]byte(key), v)
		if existed {
			return []byte("1"), nil
		}
		return []byte("0"), nil
	})
}

func (s *Store) applySAdd(args [][]byte) ([]byte, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("statemachine: SADD requires key and member")
	}
	key, member := argString(args, 0), argString(args, 1)
	return s.mutate(func(txn *iradix.Txn) ([]byte, error) {
		v, ok := s.lookupTxn(txn, key)
		if ok && v.Kind != KindSet {
			return nil, ErrWrongType
		}
		if !ok {
			v = Value{Kind: KindSet, Set: make(map[string]struct{})}
		} else {
			v.Set = cloneSet(v.Set)
		}
		_, existed := v.Set[member]
		v.Set[member] = struct{}{}
		txn.Insert([]byte(key), v)
		if existed {
			return []byte("0"), nil
		}
		return []byte("1"), nil
	})
}

func (s *Store) applySRem(args [][]byte) ([]byte, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("statemachine: SREM requires key and member")
	}
	key, member := argString(args, 0), argString(args, 1)
	return s.mutate(func(txn *iradix.Txn) ([]byte, error) {
		v, ok := s.lookupTxn(txn, key)
		if !ok {
			return []byte("0"), nil
		}
		if v.Kind != KindSet {
			return nil, ErrWrongType
		}
		v.Set = cloneSet(v.Set)
		_, existed := v.Set[member]
		delete(v.Set, member)
		txn.Insert([]byte(key), v)
		if existed {
			return []byte("1"), nil
		}
		return []byte("0"), nil
	})
}

// applyLeaseAcquire implements a lease grant: args are key, holder, and
// an absolute expiry (nanoseconds) already stamped by the dispatcher's
// lease filter from DynamicClock.Tick() -- never a raw duration, so every
// replica applies the identical wall-time semantics per spec.md §4.8.
func (s *Store) applyLeaseAcquire(args [][]byte) ([]byte, error) {
	if len(args) < 3 {
		return nil, fmt.Errorf("statemachine: LEASE_ACQUIRE requires key, holder, expiresAtNanos")
	}
	key, holder := argString(args, 0), argString(args, 1)
	expiresAt, err := strconv.ParseInt(argString(args, 2), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("statemachine: LEASE_ACQUIRE malformed expiry: %w", err)
	}
	s.Clock.Advance(expiresAt)
	return s.mutate(func(txn *iradix.Txn) ([]byte, error) {
		existing, ok := s.lookupTxn(txn, key)
		now := s.Clock.Now()
		if ok && existing.Kind == KindString && !existing.expired(now) && string(existing.Str) != holder {
			return []byte("0"), nil
		}
		txn.Insert([]byte(key), Value{Kind: KindString, Str: []byte(holder), ExpiresAtNanos: expiresAt})
		return []byte("1"), nil
	})
}

func (s *Store) lookupTxn(txn *iradix.Txn, key string) (Value, bool) {
	raw, ok := txn.Get([]byte(key))
	if !ok {
		return Value{}, false
	}
	v := raw.(Value)
	if v.expired(s.Clock.Now()) {
		return Value{}, false
	}
	return v, true
}

func cloneHash(h map[string][]byte) map[string][]byte {
	out := make(map[string][]byte, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

func cloneSet(m map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(m))
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}

// --- Read-only accessors, for the Dispatcher's read path and stale reads ---

// Get returns a string key's value.
func (s *Store) Get(key string) ([]byte, bool, error) {
	v, ok := s.get(key)
	if !ok {
		return nil, false, nil
	}
	if v.Kind != KindString {
		return nil, false, ErrWrongType
	}
	return v.Str, true, nil
}

// HGet returns a hash field's value.
func (s *Store) HGet(key, field string) ([]byte, bool, error) {
	v, ok := s.get(key)
	if !ok {
		return nil, false, nil
	}
	if v.Kind != KindHash {
		return nil, false, ErrWrongType
	}
	val, ok := v.Hash[field]
	return val, ok, nil
}

// HGetAll returns every field/value pair in a hash.
func (s *Store) HGetAll(key string) (map[string][]byte, error) {
	v, ok := s.get(key)
	if !ok {
		return map[string][]byte{}, nil
	}
	if v.Kind != KindHash {
		return nil, ErrWrongType
	}
	return cloneHash(v.Hash), nil
}

// SIsMember reports set membership.
func (s *Store) SIsMember(key, member string) (bool, error) {
	v, ok := s.get(key)
	if !ok {
		return false, nil
	}
	if v.Kind != KindSet {
		return false, ErrWrongType
	}
	_, present := v.Set[member]
	return present, nil
}

// SMembers returns every member of a set.
func (s *Store) SMembers(key string) ([]string, error) {
	v, ok := s.get(key)
	if !ok {
		return nil, nil
	}
	if v.Kind != KindSet {
		return nil, ErrWrongType
	}
	out := make([]string, 0, len(v.Set))
	for m := range v.Set {
		out = append(out, m)
	}
	return out, nil
}

// ScanPrefix walks every stored key with the given prefix, calling fn for
// each (in radix order) until fn returns false or the prefix runs out.
// internal/dispatch does not call it: RAFT_JOURNAL_SCAN walks the journal.
func (s *Store) ScanPrefix(prefix string, fn func(key string) bool) {
	it := s.Snapshot().Root().Iterator()
	it.SeekPrefix([]byte(prefix))
	for {
		k, _, ok := it.Next()
		if !ok {
			return
		}
		if !fn(string(k)) {
			return
		}
	}
}
