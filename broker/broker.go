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

// Package broker wires the broker's components into one object graph:
// store, membership, heartbeat, dissem, and election, each constructed
// explicitly with its collaborators rather than through package-level
// singletons.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/relaybroker/relaybroker/config"
	"github.com/relaybroker/relaybroker/dissem"
	"github.com/relaybroker/relaybroker/election"
	"github.com/relaybroker/relaybroker/heartbeat"
	"github.com/relaybroker/relaybroker/membership"
	"github.com/relaybroker/relaybroker/registry"
	"github.com/relaybroker/relaybroker/store"
	"github.com/relaybroker/relaybroker/types"
)

// Broker owns every component of one broker node and the background
// tasks that drive them.
type Broker struct {
	ID types.BrokerID

	Store      *store.Memory
	Membership *membership.Service
	Heartbeat  *heartbeat.Detector
	Dissem     *dissem.Engine
	Election   *election.Election

	logger log.Logger
}

// httpSender implements dissem.Sender by POSTing to a peer's /publish.
type httpSender struct {
	client *http.Client
}

func (s httpSender) Send(ctx context.Context, addr string, msg types.Message) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(struct {
		Topic     string `json:"topic"`
		Message   string `json:"message"`
		MessageID string `json:"message_id"`
	}{msg.Topic, msg.Payload, msg.ID}); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+addr+"/publish", &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("peer publish: unexpected status %s", resp.Status)
	}
	return nil
}

// httpAnnouncer implements election.Announcer by POSTing to a peer's
// /leader_announcement.
type httpAnnouncer struct {
	client *http.Client
	addr   config.AddrFunc
}

func (a httpAnnouncer) Announce(ctx context.Context, peer types.BrokerID, leader types.BrokerID) error {
	body, err := json.Marshal(struct {
		LeaderID int32 `json:"leader_id"`
	}{int32(leader)})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+a.addr(peer)+"/leader_announcement", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("leader announcement: unexpected status %s", resp.Status)
	}
	return nil
}

// New constructs a fully wired Broker from cfg. addr resolves a peer's
// host:port from its BrokerID, following the BasePort + (k - 1)
// convention.
func New(cfg *config.Config, addr config.AddrFunc, reg *prometheus.Registry, logger log.Logger) *Broker {
	st := store.NewMemory()

	httpClient := &http.Client{Timeout: 2 * time.Second}

	dis := dissem.New(cfg.BrokerID, httpSender{client: httpClient}, dissem.AddressFunc(addr), cfg.RetryMaxAttempts, logger)

	var regClient *registry.Client
	if cfg.RegistryURL != "" {
		regClient = registry.New(cfg.RegistryURL, httpClient)
	}

	hb := heartbeat.New(
		cfg.HeartbeatInterval,
		cfg.HeartbeatTimeout,
		heartbeat.HTTPProber{Client: httpClient},
		evictorAdapter{regClient},
		func(id types.BrokerID) string { return "http://" + addr(id) + "/heartbeat" },
		logger,
	)

	logComponent := log.With(logger, "component", "broker")

	peersGauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "relaybroker",
		Name:      "peers",
		Help:      "The number of peers currently known to membership, excluding self.",
	})
	leaderGauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "relaybroker",
		Name:      "leader_id",
		Help:      "The leader BrokerID this node had recorded at its most recent membership change, or -1 if none was recorded at any change yet.",
	})
	leaderGauge.Set(-1)
	if reg != nil {
		reg.MustRegister(peersGauge, leaderGauge)
	}

	// el is assigned after memSvc since election needs a read-only
	// handle to membership; the onChange closure below only fires once
	// the background poll loop runs, by which point el is set, so the
	// forward reference is safe despite the construction order.
	var el *election.Election

	onChange := func(peers []types.BrokerID) {
		dis.UpdatePeers(peers)
		hb.UpdatePeers(peers)
		peersGauge.Set(float64(len(peers)))
		el.Run(context.Background())
		if l := el.Leader(); l != nil {
			leaderGauge.Set(float64(*l))
		}
		level.Debug(logComponent).Log("msg", "membership change propagated", "peers", len(peers))
	}

	var memSvc *membership.Service
	if regClient != nil {
		memSvc = membership.New(cfg.BrokerID, memberRegistryAdapter{regClient}, cfg.MembershipPoll, cfg.Peers, onChange, logger)
	} else {
		memSvc = membership.New(cfg.BrokerID, nil, cfg.MembershipPoll, cfg.Peers, onChange, logger)
	}

	el = election.New(cfg.BrokerID, memSvc, httpAnnouncer{client: httpClient, addr: addr}, logger)

	// Startup is itself a trigger condition per spec, independent of any
	// membership change: run it once now so a broker that starts out
	// alone (M={self}) elects itself rather than waiting for a
	// membership diff that, for a singleton set, never fires.
	el.Run(context.Background())

	return &Broker{
		ID:         cfg.BrokerID,
		Store:      st,
		Membership: memSvc,
		Heartbeat:  hb,
		Dissem:     dis,
		Election:   el,
		logger:     logComponent,
	}
}

// memberRegistryAdapter narrows *registry.Client to membership.Registry.
type memberRegistryAdapter struct{ c *registry.Client }

func (m memberRegistryAdapter) Register(ctx context.Context, id types.BrokerID) error {
	return m.c.Register(ctx, id)
}

func (m memberRegistryAdapter) Members(ctx context.Context) ([]types.BrokerID, error) {
	return m.c.Members(ctx)
}

// evictorAdapter narrows *registry.Client to heartbeat.Evictor. A nil
// client means standalone mode: eviction is a no-op, matching
// membership's inert standalone behavior.
type evictorAdapter struct{ c *registry.Client }

func (e evictorAdapter) Remove(ctx context.Context, id types.BrokerID) error {
	if e.c == nil {
		return nil
	}
	return e.c.Remove(ctx, id)
}
