// File: internal/session/recent.go
// Package session
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Bounded per-key statistics. When full, the entry with the oldest
// LastSeenMs is evicted; ties go to the entry inserted first.

package session

import (
	"sort"
	"strings"
	"sync"

	"github.com/momentics/topicscope/api"
)

// DefaultRecentKeysCapacity bounds an index created with capacity <= 0.
const DefaultRecentKeysCapacity = 1000

// RecentKeys is safe for concurrent use.
type RecentKeys struct {
	mu       sync.Mutex
	capacity int
	entries  []*api.RecentKeyStat // insertion order
	index    map[string]int       // key -> position in entries
}

// NewRecentKeys creates an index holding at most capacity keys.
func NewRecentKeys(capacity int) *RecentKeys {
	if capacity <= 0 {
		capacity = DefaultRecentKeysCapacity
	}
	return &RecentKeys{capacity: capacity, index: make(map[string]int)}
}

// Update records one observation of key.
func (r *RecentKeys) Update(key string, sizeBytes int, timestampMs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if i, ok := r.index[key]; ok {
		e := r.entries[i]
		e.Count++
		e.TotalBytes += int64(sizeBytes)
		e.LastSizeBytes = sizeBytes
		e.LastSeenMs = timestampMs
		return
	}

	r.index[key] = len(r.entries)
	r.entries = append(r.entries, &api.RecentKeyStat{
		Key:           key,
		Count:         1,
		LastSeenMs:    timestampMs,
		TotalBytes:    int64(sizeBytes),
		LastSizeBytes: sizeBytes,
	})
	if len(r.entries) > r.capacity {
		r.evictOldestLocked()
	}
}

func (r *RecentKeys) evictOldestLocked() {
	victim := 0
	for i, e := range r.entries {
		if e.LastSeenMs < r.entries[victim].LastSeenMs {
			victim = i
		}
	}
	delete(r.index, r.entries[victim].Key)
	copy(r.entries[victim:], r.entries[victim+1:])
	r.entries[len(r.entries)-1] = nil
	r.entries = r.entries[:len(r.entries)-1]
	for i := victim; i < len(r.entries); i++ {
		r.index[r.entries[i].Key] = i
	}
}

// List returns copies of the entries whose key contains filter
// (case-insensitive), most recently seen first.
func (r *RecentKeys) List(filter string) []api.RecentKeyStat {
	needle := strings.ToLower(filter)
	r.mu.Lock()
	out := make([]api.RecentKeyStat, 0, len(r.entries))
	for _, e := range r.entries {
		if needle == "" || strings.Contains(strings.ToLower(e.Key), needle) {
			out = append(out, *e)
		}
	}
	r.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].LastSeenMs > out[j].LastSeenMs })
	return out
}

// Len returns the number of tracked keys.
func (r *RecentKeys) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Clear empties the index.
func (r *RecentKeys) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = nil
	r.index = make(map[string]int)
}
