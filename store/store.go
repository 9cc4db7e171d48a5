// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store implements the broker's message store adapter: an
// atomic, dedup-on-insert append log consumed by the dissemination engine
// and the /data/{topic} read path. The core treats this as the sole
// source of truth for "have we seen this message id before" — dissemination's
// forwarding-cycle termination depends on it.
package store

import (
	"sync"
)

// Result reports the outcome of a Store call.
type Result int

const (
	// Stored means the message id was new and has been appended.
	Stored Result = iota
	// Duplicate means a message with this id already exists; the store
	// was not mutated.
	Duplicate
)

func (r Result) String() string {
	if r == Duplicate {
		return "duplicate"
	}
	return "stored"
}

// Store is the contract the core consumes from the local message store.
// Dedup is global: a message id is unique across all topics, per the
// resolved open question in the design notes.
type Store interface {
	// Put inserts payload for topic keyed by id. A second call with the
	// same id, regardless of topic, returns Duplicate and leaves state
	// unchanged.
	Put(topic, payload, id string) (Result, error)
	// Fetch returns payloads for topic in insertion order, paginated by
	// limit/offset. limit <= 0 means no limit.
	Fetch(topic string, limit, offset int) ([]string, error)
}

// Memory is a lock-coordinated, in-memory Store. It keeps a global set of
// seen ids for dedup and, per topic, an append-only slice of payloads in
// first-insertion order.
type Memory struct {
	mu     sync.Mutex
	seen   map[string]struct{}
	topics map[string][]string
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		seen:   make(map[string]struct{}),
		topics: make(map[string][]string),
	}
}

// Put implements Store.
func (m *Memory) Put(topic, payload, id string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.seen[id]; ok {
		return Duplicate, nil
	}
	m.seen[id] = struct{}{}
	m.topics[topic] = append(m.topics[topic], payload)
	return Stored, nil
}

// Fetch implements Store.
func (m *Memory) Fetch(topic string, limit, offset int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := m.topics[topic]
	if offset < 0 {
		offset = 0
	}
	if offset >= len(all) {
		return []string{}, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}

	out := make([]string, len(all))
	copy(out, all)
	return out, nil
}

// Count returns the number of distinct message ids ever stored, across all
// topics. Useful for metrics and tests.
func (m *Memory) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seen)
}
