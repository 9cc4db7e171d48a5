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

package dissem

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/require"

	"github.com/relaybroker/relaybroker/types"
)

func TestBuildTreeRootIsHighestID(t *testing.T) {
	tree := BuildTree(2, []types.BrokerID{1, 3})
	require.Equal(t, []types.BrokerID{1, 2}, tree[3])
	require.Len(t, tree, 1)
}

func TestBuildTreeSelfIsRootWhenHighest(t *testing.T) {
	tree := BuildTree(5, []types.BrokerID{1, 2})
	require.ElementsMatch(t, []types.BrokerID{1, 2}, tree[5])
}

type fakeSender struct {
	mu      sync.Mutex
	sent    []string
	failFor map[string]bool
}

func (f *fakeSender) Send(ctx context.Context, addr string, msg types.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[addr] {
		return errors.New("unreachable")
	}
	f.sent = append(f.sent, addr)
	return nil
}

func (f *fakeSender) sentAddrs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	copy(out, f.sent)
	return out
}

func addr(id types.BrokerID) string { return id.String() }

func TestReplicateSendsToAllPeers(t *testing.T) {
	sender := &fakeSender{}
	e := New(1, sender, addr, 3, log.NewNopLogger())
	e.UpdatePeers([]types.BrokerID{2, 3})

	err := e.Replicate(context.Background(), types.Message{Topic: "t", Payload: "hello", ID: "m1"})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"2", "3"}, sender.sentAddrs())
}

func TestReplicateIsSkippedForAlreadyForwardedID(t *testing.T) {
	sender := &fakeSender{}
	e := New(1, sender, addr, 3, log.NewNopLogger())
	e.UpdatePeers([]types.BrokerID{2})

	msg := types.Message{Topic: "t", Payload: "hello", ID: "m1"}
	require.NoError(t, e.Replicate(context.Background(), msg))
	require.NoError(t, e.Replicate(context.Background(), msg))
	require.Len(t, sender.sentAddrs(), 1)
}

func TestReplicateQueuesFailedSendsForRetry(t *testing.T) {
	sender := &fakeSender{failFor: map[string]bool{"2": true}}
	e := New(1, sender, addr, 3, log.NewNopLogger())
	e.UpdatePeers([]types.BrokerID{2})

	err := e.Replicate(context.Background(), types.Message{Topic: "t", Payload: "hello", ID: "m1"})
	require.Error(t, err)
	require.Len(t, e.retryCh, 1)
}

func TestRetryWorkerRedeliversOnRecovery(t *testing.T) {
	sender := &fakeSender{failFor: map[string]bool{"2": true}}
	e := New(1, sender, addr, 0, log.NewNopLogger())
	e.UpdatePeers([]types.BrokerID{2})
	require.Error(t, e.Replicate(context.Background(), types.Message{Topic: "t", Payload: "hello", ID: "m1"}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go e.RunRetryWorker(ctx)

	sender.mu.Lock()
	sender.failFor["2"] = false
	sender.mu.Unlock()

	require.Eventually(t, func() bool {
		return len(sender.sentAddrs()) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestUpdatePeersRebuildsTreeDeterministically(t *testing.T) {
	e := New(1, &fakeSender{}, addr, 3, log.NewNopLogger())
	e.UpdatePeers([]types.BrokerID{3, 2})
	tree := e.SpanningTree()
	require.Equal(t, []types.BrokerID{1, 2}, tree[3])
}

func TestLoadStaticTreeOverridesDynamicBuild(t *testing.T) {
	e := New(1, &fakeSender{}, addr, 3, log.NewNopLogger())
	e.UpdatePeers([]types.BrokerID{2, 3})
	e.LoadStaticTree(Tree{1: {2, 3}})
	require.Equal(t, Tree{1: {2, 3}}, e.SpanningTree())
}
