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

// Package membership is the source of truth for "who is a peer". It
// registers this broker with the external registry, polls the
// registry's member list on a fixed cadence, and invokes a
// caller-supplied callback whenever the observed set changes.
package membership

import (
	"context"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"

	"github.com/relaybroker/relaybroker/types"
)

// DefaultPollInterval is the registry poll cadence (spec's M, default 10s).
const DefaultPollInterval = 10 * time.Second

// Registry is the subset of the registry HTTP client membership needs.
type Registry interface {
	Register(ctx context.Context, id types.BrokerID) error
	Members(ctx context.Context) ([]types.BrokerID, error)
}

// ChangeFunc is invoked with the newly observed peer set, excluding
// self, whenever it differs from the last observed set. It must be
// idempotent: membership guarantees delivery of the latest observed
// set, not every transient one.
type ChangeFunc func(peers []types.BrokerID)

// Service polls an external registry for the cluster roster. If no
// Registry is configured it is inert: it serves whatever static peers
// were supplied at construction, never polls, and fires the change
// callback only once, from Run, with those static peers.
type Service struct {
	self         types.BrokerID
	registry     Registry
	pollInterval time.Duration
	onChange     ChangeFunc
	logger       log.Logger

	members []types.BrokerID
}

// New returns a membership Service. registry may be nil for standalone
// mode, in which case staticPeers are used verbatim.
func New(self types.BrokerID, registry Registry, pollInterval time.Duration, staticPeers []types.BrokerID, onChange ChangeFunc, logger log.Logger) *Service {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Service{
		self:         self,
		registry:     registry,
		pollInterval: pollInterval,
		onChange:     onChange,
		logger:       log.With(logger, "component", "membership"),
		members:      types.SortBrokerIDs(staticPeers),
	}
}

// Standalone reports whether this service has no registry configured.
func (s *Service) Standalone() bool {
	return s.registry == nil
}

// Members returns the last observed peer set, excluding self.
func (s *Service) Members() []types.BrokerID {
	out := make([]types.BrokerID, len(s.members))
	copy(out, s.members)
	return out
}

// Run registers with the registry once, then polls fetchMembers forever
// until ctx is cancelled. In standalone mode it fires the initial
// callback with the static peers and returns once ctx is done without
// polling.
func (s *Service) Run(ctx context.Context) error {
	if s.Standalone() {
		if s.onChange != nil && len(s.members) > 0 {
			s.onChange(s.Members())
		}
		<-ctx.Done()
		return ctx.Err()
	}

	if err := s.registerSelf(ctx); err != nil {
		level.Error(s.logger).Log("msg", "initial registry registration failed", "err", err)
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	s.fetchMembers(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.fetchMembers(ctx)
		}
	}
}

func (s *Service) registerSelf(ctx context.Context) error {
	if err := s.registry.Register(ctx, s.self); err != nil {
		return errors.Wrap(err, "register self with registry")
	}
	return nil
}

// fetchMembers polls the registry and, if the observed set changed,
// atomically replaces it and invokes the change callback.
func (s *Service) fetchMembers(ctx context.Context) {
	ids, err := s.registry.Members(ctx)
	if err != nil {
		level.Warn(s.logger).Log("msg", "registry unreachable, membership stale until next poll", "err", err)
		return
	}

	peers := excludeSelf(s.self, ids)
	peers = types.SortBrokerIDs(peers)

	if sameMembers(s.members, peers) {
		return
	}

	s.members = peers
	level.Info(s.logger).Log("msg", "membership changed", "peers", len(peers))
	if s.onChange != nil {
		s.onChange(s.Members())
	}
}

func excludeSelf(self types.BrokerID, ids []types.BrokerID) []types.BrokerID {
	out := make([]types.BrokerID, 0, len(ids))
	for _, id := range ids {
		if id != self {
			out = append(out, id)
		}
	}
	return out
}

func sameMembers(a, b []types.BrokerID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
