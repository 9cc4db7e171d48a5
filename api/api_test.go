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

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/require"

	"github.com/relaybroker/relaybroker/store"
	"github.com/relaybroker/relaybroker/types"
)

type fakeDissem struct {
	replicated []types.Message
}

func (f *fakeDissem) Replicate(ctx context.Context, msg types.Message) error {
	f.replicated = append(f.replicated, msg)
	return nil
}

type fakeLeader struct {
	leader *types.BrokerID
}

func (f *fakeLeader) SetLeader(leader types.BrokerID) { f.leader = &leader }

func newTestAPI() (*API, *store.Memory, *fakeDissem, *fakeLeader) {
	st := store.NewMemory()
	ds := &fakeDissem{}
	ld := &fakeLeader{}
	return New(st, ds, ld, nil, log.NewNopLogger()), st, ds, ld
}

func TestPublishStoresAndReplicates(t *testing.T) {
	a, _, ds, _ := newTestAPI()
	h := Handler(a)

	body, _ := json.Marshal(publishRequest{Topic: "t", Message: "hello", MessageID: "m1"})
	req := httptest.NewRequest(http.MethodPost, "/publish", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "success", resp.Status)
	require.Len(t, ds.replicated, 1)
}

func TestPublishDuplicateReturnsFailureStatus(t *testing.T) {
	a, _, ds, _ := newTestAPI()
	h := Handler(a)

	body, _ := json.Marshal(publishRequest{Topic: "t", Message: "hello", MessageID: "m1"})
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/publish", bytes.NewReader(body)))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/publish", bytes.NewReader(body)))

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "failure", resp.Status)
	require.Len(t, ds.replicated, 1)
}

func TestPublishGeneratesIDWhenOmitted(t *testing.T) {
	a, st, _, _ := newTestAPI()
	h := Handler(a)

	body, _ := json.Marshal(publishRequest{Topic: "t", Message: "hello"})
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/publish", bytes.NewReader(body)))

	require.Equal(t, 1, st.Count())
}

func TestDataReturnsMessagesForTopic(t *testing.T) {
	a, st, _, _ := newTestAPI()
	_, _ = st.Put("t", "hello", "m1")
	h := Handler(a)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/data/t", nil))

	var resp dataResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "t", resp.Topic)
	require.Equal(t, []string{"hello"}, resp.Messages)
}

func TestDataReturnsEmptyForUnknownTopic(t *testing.T) {
	a, _, _, _ := newTestAPI()
	h := Handler(a)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/data/nope", nil))

	var resp dataResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Empty(t, resp.Messages)
}

func TestHeartbeatReturns200(t *testing.T) {
	a, _, _, _ := newTestAPI()
	h := Handler(a)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/heartbeat", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestLeaderAnnouncementSetsLeader(t *testing.T) {
	a, _, _, ld := newTestAPI()
	h := Handler(a)

	body, _ := json.Marshal(leaderAnnouncementRequest{LeaderID: 3})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/leader_announcement", bytes.NewReader(body)))

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, ld.leader)
	require.Equal(t, types.BrokerID(3), *ld.leader)
}
