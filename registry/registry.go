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

// Package registry is a thin HTTP client for the external registry
// service that membership and the failure detector consult: register a
// broker on startup, list the current member set, and evict a peer that
// has been observed failed.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pkg/errors"

	"github.com/relaybroker/relaybroker/types"
)

// Client talks to a registry's register/remove/members HTTP surface.
type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a registry client targeting baseURL. httpClient may be nil,
// in which case http.DefaultClient is used.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: baseURL, http: httpClient}
}

type registerRequest struct {
	BrokerID int32 `json:"broker_id"`
}

// Register POSTs this broker's id to the registry. A response in the 2xx
// range is success; the registry is expected to treat re-registration as
// idempotent.
func (c *Client) Register(ctx context.Context, id types.BrokerID) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(registerRequest{BrokerID: int32(id)}); err != nil {
		return errors.Wrap(err, "encode register request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/register", &buf)
	if err != nil {
		return errors.Wrap(err, "build register request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "register")
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return errors.Errorf("register: unexpected status %s", resp.Status)
	}
	return nil
}

// Remove issues a best-effort DELETE for id. Eviction failures are not
// retried by the caller: the failure detector calls Remove again only
// after the peer has recovered and then failed once more.
func (c *Client) Remove(ctx context.Context, id types.BrokerID) error {
	url := fmt.Sprintf("%s/remove/%s", c.baseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return errors.Wrap(err, "build remove request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "remove")
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return errors.Errorf("remove: unexpected status %s", resp.Status)
	}
	return nil
}

// Members returns the registry's current broker roster.
func (c *Client) Members(ctx context.Context) ([]types.BrokerID, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/members", nil)
	if err != nil {
		return nil, errors.Wrap(err, "build members request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "members")
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, errors.Errorf("members: unexpected status %s", resp.Status)
	}

	var ids []int32
	if err := json.NewDecoder(resp.Body).Decode(&ids); err != nil {
		return nil, errors.Wrap(err, "decode members response")
	}

	out := make([]types.BrokerID, len(ids))
	for i, id := range ids {
		out[i] = types.BrokerID(id)
	}
	return out, nil
}
