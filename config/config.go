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

// Package config parses the broker's CLI/environment configuration
// surface and the optional static spanning-tree artifact.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/pkg/errors"

	"github.com/relaybroker/relaybroker/dissem"
	"github.com/relaybroker/relaybroker/membership"
	"github.com/relaybroker/relaybroker/types"
)

// BasePort is the default port offset: broker k listens on
// BasePort + (k - 1).
const BasePort = 3000

// Config is the fully parsed broker configuration.
type Config struct {
	BrokerID types.BrokerID
	Port     int

	RegistryURL string
	Peers       []types.BrokerID

	SpanningTreeFile string

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	MembershipPoll    time.Duration

	RetryMaxAttempts int
}

// Parse builds a Config from args (typically os.Args[1:]), binding
// every flag to an environment variable as well, following the
// teacher's flag-block idiom.
func Parse(appName string, args []string) (*Config, error) {
	app := kingpin.New(appName, "Replicated publish/subscribe message broker.")

	brokerID := app.Flag("broker-id", "Unique integer id for this broker node.").
		Envar("BROKER_ID").Required().Int32()
	port := app.Flag("port", "Port to listen on for the client- and peer-facing HTTP surface.").
		Envar("PORT").Required().Int()
	registry := app.Flag("registry", "Base URL of the external registry service.").
		Envar("REGISTRY_URL").String()
	peers := app.Flag("peers", "Comma-separated fallback peer broker ids, used verbatim when no registry is configured.").
		Envar("PEERS").String()
	spanningTreeFile := app.Flag("spanning-tree-file", "Optional static spanning tree JSON file overriding the dynamic build.").
		Envar("SPANNING_TREE_FILE").String()
	heartbeatInterval := app.Flag("heartbeat-interval", "Interval between peer liveness probes.").
		Envar("HEARTBEAT_INTERVAL").Default("5s").Duration()
	heartbeatTimeout := app.Flag("heartbeat-timeout", "Per-probe timeout.").
		Envar("HEARTBEAT_TIMEOUT").Default("2s").Duration()
	membershipPoll := app.Flag("membership-poll-interval", "Interval between registry membership polls.").
		Envar("MEMBERSHIP_POLL_INTERVAL").Default(membership.DefaultPollInterval.String()).Duration()
	retryMaxAttempts := app.Flag("retry-max-attempts", "Maximum fan-out retry attempts per entry; 0 means unbounded.").
		Envar("RETRY_MAX_ATTEMPTS").Default("0").Int()

	if _, err := app.Parse(args); err != nil {
		return nil, errors.Wrap(err, "parse flags")
	}

	parsedPeers, err := parsePeers(*peers)
	if err != nil {
		return nil, errors.Wrap(err, "parse --peers")
	}

	return &Config{
		BrokerID:          types.BrokerID(*brokerID),
		Port:              *port,
		RegistryURL:       *registry,
		Peers:             parsedPeers,
		SpanningTreeFile:  *spanningTreeFile,
		HeartbeatInterval: *heartbeatInterval,
		HeartbeatTimeout:  *heartbeatTimeout,
		MembershipPoll:    *membershipPoll,
		RetryMaxAttempts:  *retryMaxAttempts,
	}, nil
}

func parsePeers(raw string) ([]types.BrokerID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	parts := strings.Split(raw, ",")
	out := make([]types.BrokerID, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid peer id %q", p)
		}
		out = append(out, types.BrokerID(n))
	}
	return out, nil
}

// AddrFunc resolves a peer's host:port from its BrokerID.
type AddrFunc func(types.BrokerID) string

// Addr returns the host:port a peer with the given BrokerID listens on,
// per the BasePort + (k - 1) port convention.
func Addr(host string, self types.BrokerID) string {
	return fmt.Sprintf("%s:%d", host, BasePort+int(self)-1)
}

// AddrResolver binds host, returning an AddrFunc over the BasePort +
// (k - 1) convention.
func AddrResolver(host string) AddrFunc {
	return func(id types.BrokerID) string {
		return Addr(host, id)
	}
}

// LoadSpanningTree reads a static spanning tree JSON file, mapping a
// node's BrokerID to its list of children.
func LoadSpanningTree(path string) (dissem.Tree, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open spanning tree file")
	}
	defer f.Close()

	var raw map[string][]int32
	if err := json.NewDecoder(f).Decode(&raw); err != nil {
		return nil, errors.Wrap(err, "decode spanning tree file")
	}

	tree := make(dissem.Tree, len(raw))
	for k, children := range raw {
		id, err := strconv.Atoi(k)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid node id %q in spanning tree file", k)
		}
		out := make([]types.BrokerID, len(children))
		for i, c := range children {
			out[i] = types.BrokerID(c)
		}
		tree[types.BrokerID(id)] = out
	}
	return tree, nil
}
