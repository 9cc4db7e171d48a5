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

// Package election implements the bully protocol: the highest live
// BrokerID claims leadership and announces itself to every peer.
// Liveness of a higher peer is approximated by membership inclusion
// rather than a direct probe, per the design's accepted weakness — a
// peer evicted from the registry just before announcing may never get
// the chance, but the next peer's election converges regardless.
package election

import (
	"context"
	"sync"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/relaybroker/relaybroker/types"
)

// Membership is the read-only handle election needs. Election never
// owns membership or mutates its state, avoiding the cyclic ownership
// that would otherwise arise from membership's change callback also
// triggering an election.
type Membership interface {
	Members() []types.BrokerID
}

// Announcer delivers a leader announcement to a single peer.
type Announcer interface {
	Announce(ctx context.Context, peer types.BrokerID, leader types.BrokerID) error
}

// Election runs the bully protocol for one broker.
type Election struct {
	self       types.BrokerID
	membership Membership
	announcer  Announcer
	logger     log.Logger

	mu     sync.Mutex
	leader *types.BrokerID
}

// New returns an Election for self.
func New(self types.BrokerID, membership Membership, announcer Announcer, logger log.Logger) *Election {
	return &Election{
		self:       self,
		membership: membership,
		announcer:  announcer,
		logger:     log.With(logger, "component", "election"),
	}
}

// Leader returns the currently recorded leader, or nil if none has been
// observed yet.
func (e *Election) Leader() *types.BrokerID {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.leader == nil {
		return nil
	}
	l := *e.leader
	return &l
}

// SetLeader unconditionally overwrites the recorded leader. Called when
// an announcement is received from a peer.
func (e *Election) SetLeader(leader types.BrokerID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.leader = &leader
}

// Run executes one pass of the bully algorithm. It is idempotent:
// re-entrance with an already-valid leader is a no-op. Call it on
// startup, on every membership change, and whenever the recorded leader
// is no longer a member.
func (e *Election) Run(ctx context.Context) {
	members := e.membership.Members()

	if l := e.Leader(); l != nil && isMember(*l, e.self, members) {
		return
	}

	higher := higherPeers(e.self, members)
	if len(higher) == 0 {
		e.winAndAnnounce(ctx, members)
		return
	}

	level.Debug(e.logger).Log("msg", "deferring to higher peer present in membership", "higher", len(higher))
}

func (e *Election) winAndAnnounce(ctx context.Context, members []types.BrokerID) {
	e.SetLeader(e.self)
	level.Info(e.logger).Log("msg", "elected self as leader", "leader", e.self)

	for _, p := range members {
		if err := e.announcer.Announce(ctx, p, e.self); err != nil {
			level.Warn(e.logger).Log("msg", "leader announcement failed", "peer", p, "err", err)
		}
	}
}

func higherPeers(self types.BrokerID, members []types.BrokerID) []types.BrokerID {
	var out []types.BrokerID
	for _, m := range members {
		if m > self {
			out = append(out, m)
		}
	}
	return out
}

func isMember(id, self types.BrokerID, members []types.BrokerID) bool {
	if id == self {
		return true
	}
	for _, m := range members {
		if m == id {
			return true
		}
	}
	return false
}
