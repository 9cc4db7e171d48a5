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

// Package heartbeat is the failure detector: it probes every known peer
// on a fixed cadence over HTTP, tracks an ALIVE/FAILED state machine per
// peer, and evicts peers that transition to FAILED from the registry.
package heartbeat

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/relaybroker/relaybroker/types"
)

// State is a peer's observed liveness.
type State int

const (
	Alive State = iota
	Failed
)

func (s State) String() string {
	if s == Failed {
		return "failed"
	}
	return "alive"
}

// Prober probes the peer at addr for liveness, returning nil on success.
type Prober interface {
	Probe(ctx context.Context, addr string) error
}

// Evictor is consulted when a peer transitions to Failed. It is
// best-effort: errors are logged, never retried here. A peer that stays
// FAILED across probe cycles is not evicted again; Remove is called
// again only after the peer recovers and then fails once more.
type Evictor interface {
	Remove(ctx context.Context, id types.BrokerID) error
}

// AddressFunc resolves a peer's probe address from its BrokerID.
type AddressFunc func(types.BrokerID) string

// Detector runs the periodic probe loop over a caller-supplied peer set.
// It owns no PeerSet state beyond its own ALIVE/FAILED table; the
// authoritative peer set lives in membership and is pushed in via
// UpdatePeers.
type Detector struct {
	interval time.Duration
	timeout  time.Duration
	prober   Prober
	evictor  Evictor
	addr     AddressFunc
	logger   log.Logger

	mu     sync.Mutex
	states map[types.BrokerID]State
}

// New returns a Detector that probes every interval with the given
// per-probe timeout.
func New(interval, timeout time.Duration, prober Prober, evictor Evictor, addr AddressFunc, logger log.Logger) *Detector {
	return &Detector{
		interval: interval,
		timeout:  timeout,
		prober:   prober,
		evictor:  evictor,
		addr:     addr,
		logger:   log.With(logger, "component", "heartbeat"),
		states:   make(map[types.BrokerID]State),
	}
}

// UpdatePeers replaces the set of peers under watch. New peers start
// ALIVE; peers no longer present are dropped silently, taking their
// FAILED status (if any) with them.
func (d *Detector) UpdatePeers(peers []types.BrokerID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	next := make(map[types.BrokerID]State, len(peers))
	for _, p := range peers {
		if s, ok := d.states[p]; ok {
			next[p] = s
		} else {
			next[p] = Alive
		}
	}
	d.states = next
}

// Failed returns the current FAILED subset, a copy safe for the caller
// to retain.
func (d *Detector) Failed() []types.BrokerID {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []types.BrokerID
	for p, s := range d.states {
		if s == Failed {
			out = append(out, p)
		}
	}
	return out
}

// Run blocks, probing every peer once per interval, until ctx is
// cancelled.
func (d *Detector) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.probeAll(ctx)
		}
	}
}

func (d *Detector) probeAll(ctx context.Context) {
	d.mu.Lock()
	peers := make([]types.BrokerID, 0, len(d.states))
	for p := range d.states {
		peers = append(peers, p)
	}
	d.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range peers {
		wg.Add(1)
		go func(p types.BrokerID) {
			defer wg.Done()
			d.probeOne(ctx, p)
		}(p)
	}
	wg.Wait()
}

func (d *Detector) probeOne(ctx context.Context, peer types.BrokerID) {
	probeCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	err := d.prober.Probe(probeCtx, d.addr(peer))

	d.mu.Lock()
	prev, known := d.states[peer]
	if !known {
		d.mu.Unlock()
		return
	}
	if err != nil {
		d.states[peer] = Failed
	} else {
		d.states[peer] = Alive
	}
	next := d.states[peer]
	d.mu.Unlock()

	switch {
	case prev == Alive && next == Failed:
		level.Warn(d.logger).Log("msg", "peer failed", "peer", peer, "err", err)
		d.onPeerFailure(ctx, peer)
	case prev == Failed && next == Alive:
		level.Info(d.logger).Log("msg", "peer recovered", "peer", peer)
	}
}

// onPeerFailure implements the spec's eviction semantics: best effort,
// not retried here. Because the transition only fires on ALIVE->FAILED
// edges, a peer stuck in FAILED across consecutive probes does not
// re-invoke this until it first recovers and fails again.
func (d *Detector) onPeerFailure(ctx context.Context, peer types.BrokerID) {
	if err := d.evictor.Remove(ctx, peer); err != nil {
		level.Error(d.logger).Log("msg", "registry eviction failed", "peer", peer, "err", err)
	}
}

// HTTPProber probes peers with a GET against their /heartbeat endpoint.
type HTTPProber struct {
	Client *http.Client
}

func (p HTTPProber) Probe(ctx context.Context, addr string) error {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr, nil)
	if err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errNonOKStatus(resp.StatusCode)
	}
	return nil
}

type errNonOKStatus int

func (e errNonOKStatus) Error() string {
	return http.StatusText(int(e))
}
