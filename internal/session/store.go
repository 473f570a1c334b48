// File: internal/session/store.go
// Package session
// Author: momentics <momentics@gmail.com>
//
// Sharded, thread-safe subscription store. Calls for different ids land on
// different shards and never contend on one lock.

package session

import (
	"errors"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/momentics/topicscope/api"
	"github.com/momentics/topicscope/pool"
)

// ErrDuplicateID is returned by Add when the id is already registered.
var ErrDuplicateID = errors.New("session: subscription id already registered")

// Subscription pairs a key expression with its history and recency index.
// Buffer and Recent belong to this entry alone.
type Subscription struct {
	ID        string
	KeyExpr   string
	CreatedAt time.Time
	Buffer    *pool.RingBuffer[api.Message]
	Recent    *RecentKeys

	paused atomic.Bool
	seq    uint64
}

// NewSubscription allocates a subscription with a ring of the given
// capacity (pool.DefaultRingCapacity when <= 0).
func NewSubscription(id, keyExpr string, capacity int) *Subscription {
	if capacity <= 0 {
		capacity = pool.DefaultRingCapacity
	}
	return &Subscription{
		ID:        id,
		KeyExpr:   keyExpr,
		CreatedAt: time.Now(),
		Buffer:    pool.NewRingBuffer[api.Message](capacity),
		Recent:    NewRecentKeys(DefaultRecentKeysCapacity),
	}
}

func (s *Subscription) Paused() bool { return s.paused.Load() }

func (s *Subscription) SetPaused(p bool) { s.paused.Store(p) }

// Info is a point-in-time view of a subscription.
type Info struct {
	ID        string    `json:"id"`
	KeyExpr   string    `json:"keyExpr"`
	Paused    bool      `json:"paused"`
	Capacity  int       `json:"bufferCapacity"`
	Buffered  int       `json:"buffered"`
	CreatedAt time.Time `json:"createdAt"`
}

// Info returns a snapshot of the subscription's state.
func (s *Subscription) Info() Info {
	return Info{
		ID:        s.ID,
		KeyExpr:   s.KeyExpr,
		Paused:    s.Paused(),
		Capacity:  s.Buffer.Cap(),
		Buffered:  s.Buffer.Len(),
		CreatedAt: s.CreatedAt,
	}
}

// Store implements sharded storage for subscriptions.
type Store struct {
	shards []*storeShard
	mask   uint32
	seq    atomic.Uint64
	count  atomic.Int64
}

type storeShard struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

// NewStore constructs a sharded store with shardCount shards.
func NewStore(shardCount int) *Store {
	if shardCount <= 0 {
		shardCount = 16
	}
	// find power-of-two shards for bitmasking
	m := nextPowerOfTwo(uint32(shardCount))
	shards := make([]*storeShard, m)
	for i := range shards {
		shards[i] = &storeShard{subs: make(map[string]*Subscription)}
	}
	return &Store{shards: shards, mask: m - 1}
}

// shard picks the correct shard for a given id.
func (m *Store) shard(id string) *storeShard {
	h := fnv32(id)
	return m.shards[h&m.mask]
}

// Add registers sub under sub.ID.
func (m *Store) Add(sub *Subscription) error {
	sh := m.shard(sub.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.subs[sub.ID]; ok {
		return ErrDuplicateID
	}
	sub.seq = m.seq.Add(1)
	sh.subs[sub.ID] = sub
	m.count.Add(1)
	return nil
}

// Get fetches a subscription if present.
func (m *Store) Get(id string) (*Subscription, bool) {
	sh := m.shard(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	s, ok := sh.subs[id]
	return s, ok
}

// Delete removes the subscription and returns it.
func (m *Store) Delete(id string) (*Subscription, bool) {
	sh := m.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s, ok := sh.subs[id]
	if ok {
		delete(sh.subs, id)
		m.count.Add(-1)
	}
	return s, ok
}

// Len returns the number of registered subscriptions.
func (m *Store) Len() int {
	return int(m.count.Load())
}

// List returns all subscriptions in registration order.
func (m *Store) List() []*Subscription {
	var out []*Subscription
	for _, sh := range m.shards {
		sh.mu.RLock()
		for _, s := range sh.subs {
			out = append(out, s)
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// fnv32 hashes a string to uint32.
func fnv32(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32()
}

// nextPowerOfTwo returns the next power-of-two >= v.
func nextPowerOfTwo(v uint32) uint32 {
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v++
	return v
}
