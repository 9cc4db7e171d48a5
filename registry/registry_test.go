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

package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaybroker/relaybroker/types"
)

func TestRegisterPostsBrokerID(t *testing.T) {
	var gotBody registerRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/register", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	require.NoError(t, c.Register(context.Background(), types.BrokerID(7)))
	require.Equal(t, int32(7), gotBody.BrokerID)
}

func TestRegisterFailsOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	require.Error(t, c.Register(context.Background(), types.BrokerID(1)))
}

func TestRemoveIssuesDeleteToPath(t *testing.T) {
	var gotPath, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	require.NoError(t, c.Remove(context.Background(), types.BrokerID(2)))
	require.Equal(t, http.MethodDelete, gotMethod)
	require.Equal(t, "/remove/2", gotPath)
}

func TestMembersDecodesBrokerIDList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/members", r.URL.Path)
		_ = json.NewEncoder(w).Encode([]int32{1, 2, 3})
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	members, err := c.Members(context.Background())
	require.NoError(t, err)
	require.Equal(t, []types.BrokerID{1, 2, 3}, members)
}

func TestMembersFailsOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	_, err := c.Members(context.Background())
	require.Error(t, err)
}
