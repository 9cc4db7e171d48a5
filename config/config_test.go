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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaybroker/relaybroker/types"
)

func TestParseRequiredFlags(t *testing.T) {
	cfg, err := Parse("relaybroker", []string{"--broker-id=2", "--port=3001"})
	require.NoError(t, err)
	require.Equal(t, types.BrokerID(2), cfg.BrokerID)
	require.Equal(t, 3001, cfg.Port)
	require.Equal(t, 5*time.Second, cfg.HeartbeatInterval)
}

func TestParseFailsWithoutRequiredFlags(t *testing.T) {
	_, err := Parse("relaybroker", []string{})
	require.Error(t, err)
}

func TestParsePeersList(t *testing.T) {
	cfg, err := Parse("relaybroker", []string{"--broker-id=1", "--port=3000", "--peers=2,3, 4"})
	require.NoError(t, err)
	require.Equal(t, []types.BrokerID{2, 3, 4}, cfg.Peers)
}

func TestAddrUsesBasePortConvention(t *testing.T) {
	require.Equal(t, "localhost:3002", Addr("localhost", 3))
}

func TestLoadSpanningTreeParsesJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tree.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"3": [1, 2]}`), 0o644))

	tree, err := LoadSpanningTree(path)
	require.NoError(t, err)
	require.Equal(t, []types.BrokerID{1, 2}, tree[types.BrokerID(3)])
}
