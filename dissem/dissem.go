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

// Package dissem is the dissemination engine: it builds a spanning tree
// over the current membership, fans a published message out to every
// peer over HTTP, and drains a retry queue for sends that failed.
//
// Forwarding-cycle termination is the store's responsibility (a
// duplicate id is never replicated again); the spanning tree here is
// purely a fan-out shape, not a correctness mechanism.
package dissem

import (
	"context"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/relaybroker/relaybroker/types"
)

// Sender delivers a message to a single peer's publish endpoint.
type Sender interface {
	Send(ctx context.Context, addr string, msg types.Message) error
}

// AddressFunc resolves a peer's publish address from its BrokerID.
type AddressFunc func(types.BrokerID) string

// Tree is a spanning tree over PeerSet ∪ {self}: a mapping from node to
// its children. Per spec, the default build is a star rooted at the
// highest BrokerID.
type Tree map[types.BrokerID][]types.BrokerID

// BuildTree computes the default star-shaped spanning tree: root is the
// highest id among self and peers; every other node is the root's
// direct child.
func BuildTree(self types.BrokerID, peers []types.BrokerID) Tree {
	nodes := append([]types.BrokerID{self}, peers...)
	root := types.MaxBrokerID(self, peers)

	children := make([]types.BrokerID, 0, len(nodes))
	for _, n := range nodes {
		if n != root {
			children = append(children, n)
		}
	}
	children = types.SortBrokerIDs(children)

	return Tree{root: children}
}

// RetryEntry is a fan-out send that failed and awaits redelivery.
type RetryEntry struct {
	Peer     types.BrokerID
	Message  types.Message
	Attempts int
}

const (
	forwardedCacheSize = 4096

	// maxConcurrentRetries bounds how many RetryEntry values are owned by
	// their own backoff loop at once, so one unreachable peer's backoff
	// cycle cannot block delivery to every other peer's queued entries.
	maxConcurrentRetries = 64
)

// Engine owns the current peer set, spanning tree, and retry queue for
// one broker.
type Engine struct {
	self   types.BrokerID
	sender Sender
	addr   AddressFunc
	logger log.Logger

	maxAttempts int

	mu    sync.Mutex
	peers []types.BrokerID
	tree  Tree

	forwarded *lru.Cache[string, struct{}]

	retryCh  chan RetryEntry
	retrySem chan struct{}
}

// New returns an Engine with an empty peer set. Call UpdatePeers before
// replicate can reach anyone.
func New(self types.BrokerID, sender Sender, addr AddressFunc, maxAttempts int, logger log.Logger) *Engine {
	cache, _ := lru.New[string, struct{}](forwardedCacheSize)
	return &Engine{
		self:        self,
		sender:      sender,
		addr:        addr,
		logger:      log.With(logger, "component", "dissem"),
		maxAttempts: maxAttempts,
		tree:        BuildTree(self, nil),
		forwarded:   cache,
		retryCh:     make(chan RetryEntry, 1024),
		retrySem:    make(chan struct{}, maxConcurrentRetries),
	}
}

// UpdatePeers replaces the peer set and rebuilds the spanning tree
// deterministically (peers are sorted before the tree is built, so
// simultaneous additions settle in one rebuild).
func (e *Engine) UpdatePeers(peers []types.BrokerID) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.peers = types.SortBrokerIDs(peers)
	e.tree = BuildTree(e.self, e.peers)
}

// LoadStaticTree overrides the dynamic build with a caller-supplied
// tree, per spec's optional spanning_tree.json. It remains in effect
// until the next UpdatePeers call.
func (e *Engine) LoadStaticTree(t Tree) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tree = t
}

func (e *Engine) snapshot() ([]types.BrokerID, Tree) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peers, e.tree
}

// Replicate fans msg out to every current peer. Failed sends are
// appended to the retry queue and also reported in the returned error,
// which aggregates every failed peer's send error. Callers treat that
// error as a warning, per the at-least-once contract: the publisher
// always sees success once the local store accepted the message.
func (e *Engine) Replicate(ctx context.Context, msg types.Message) error {
	if !e.markForwarded(msg.ID) {
		return nil
	}

	peers, _ := e.snapshot()

	var result *multierror.Error
	for _, p := range peers {
		if err := e.sender.Send(ctx, e.addr(p), msg); err != nil {
			level.Warn(e.logger).Log("msg", "fan-out send failed, queued for retry", "peer", p, "id", msg.ID, "err", err)
			result = multierror.Append(result, err)
			e.enqueueRetry(RetryEntry{Peer: p, Message: msg})
			continue
		}
	}
	if result != nil {
		return result.ErrorOrNil()
	}
	return nil
}

// markForwarded reports whether id has not been seen by the recently-
// forwarded cache, recording it if so. This is an optimization in front
// of the store's authoritative dedup, not a substitute for it: a false
// negative here (cache eviction) is corrected by the store rejecting
// the duplicate downstream.
func (e *Engine) markForwarded(id string) bool {
	if _, ok := e.forwarded.Get(id); ok {
		return false
	}
	e.forwarded.Add(id, struct{}{})
	return true
}

func (e *Engine) enqueueRetry(entry RetryEntry) {
	select {
	case e.retryCh <- entry:
	default:
		level.Error(e.logger).Log("msg", "retry queue full, dropping entry", "peer", entry.Peer, "id", entry.Message.ID)
	}
}

// RunRetryWorker drains the retry queue until ctx is cancelled. Each
// dequeued entry is handed to its own goroutine, bounded by retrySem, so
// one peer's backoff cycle never blocks another peer's queued entries
// from being retried — the consumer only blocks when maxConcurrentRetries
// entries are already in flight, not on any single entry.
func (e *Engine) RunRetryWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case entry := <-e.retryCh:
			select {
			case e.retrySem <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}
			go func(entry RetryEntry) {
				defer func() { <-e.retrySem }()
				e.retryOne(ctx, entry)
			}(entry)
		}
	}
}

// retryOne owns an entry until it succeeds, is cancelled, or exhausts
// maxAttempts, following notify.RetryStage's shape: one exponential
// backoff ticker driving repeated send attempts for a single unit of
// work. maxAttempts <= 0 means unbounded, so MaxElapsedTime is cleared —
// left at the library default, the ticker would otherwise close and
// abandon the entry after 15 minutes regardless of maxAttempts.
func (e *Engine) retryOne(ctx context.Context, entry RetryEntry) {
	b := backoff.NewExponentialBackOff()
	if e.maxAttempts <= 0 {
		b.MaxElapsedTime = 0
	}
	tick := backoff.NewTicker(b)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-tick.C:
			if !ok {
				level.Error(e.logger).Log("msg", "giving up on entry, backoff exhausted", "peer", entry.Peer, "id", entry.Message.ID, "attempts", entry.Attempts)
				return
			}
		}

		entry.Attempts++
		if err := e.sender.Send(ctx, e.addr(entry.Peer), entry.Message); err != nil {
			level.Debug(e.logger).Log("msg", "retry attempt failed", "peer", entry.Peer, "id", entry.Message.ID, "attempt", entry.Attempts, "err", err)
			if e.maxAttempts > 0 && entry.Attempts >= e.maxAttempts {
				level.Error(e.logger).Log("msg", "giving up on entry after max attempts", "peer", entry.Peer, "id", entry.Message.ID, "attempts", entry.Attempts)
				return
			}
			continue
		}
		level.Debug(e.logger).Log("msg", "retry succeeded", "peer", entry.Peer, "id", entry.Message.ID, "attempt", entry.Attempts)
		return
	}
}

// Peers returns the current peer set.
func (e *Engine) Peers() []types.BrokerID {
	peers, _ := e.snapshot()
	out := make([]types.BrokerID, len(peers))
	copy(out, peers)
	return out
}

// SpanningTree returns the current tree, for diagnostics and tests.
func (e *Engine) SpanningTree() Tree {
	_, tree := e.snapshot()
	out := make(Tree, len(tree))
	for k, v := range tree {
		children := make([]types.BrokerID, len(v))
		copy(children, v)
		out[k] = children
	}
	return out
}
