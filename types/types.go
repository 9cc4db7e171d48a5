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

// Package types holds the data model shared across the broker's
// components: the broker identifier, the message envelope, and message
// id generation.
package types

import (
	"crypto/rand"
	"fmt"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
)

// BrokerID uniquely identifies a broker node within the cluster. Ordering
// over BrokerID drives port assignment, spanning-tree root selection, and
// bully-election precedence.
type BrokerID int32

func (b BrokerID) String() string {
	return fmt.Sprintf("%d", int32(b))
}

// SortBrokerIDs returns a new, ascending-sorted copy of ids.
func SortBrokerIDs(ids []BrokerID) []BrokerID {
	out := make([]BrokerID, len(ids))
	copy(out, ids)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MaxBrokerID returns the highest BrokerID in ids, including self. ids may
// be empty; self is always a candidate.
func MaxBrokerID(self BrokerID, ids []BrokerID) BrokerID {
	max := self
	for _, id := range ids {
		if id > max {
			max = id
		}
	}
	return max
}

// Message is the unit of dissemination: a topic-tagged payload carrying a
// client-supplied or generated id. id is the sole deduplication key,
// global across topics.
type Message struct {
	Topic   string `json:"topic"`
	Payload string `json:"message"`
	ID      string `json:"message_id,omitempty"`
}

// entropy backs NewMessageID; ulid.New wants a monotonic-safe source and
// crypto/rand is plenty fast at publish rates this broker expects.
var entropy = ulid.Monotonic(cryptoRandReader{}, 0)

type cryptoRandReader struct{}

func (cryptoRandReader) Read(p []byte) (int, error) {
	return rand.Read(p)
}

// NewMessageID generates a unique, sortable id for messages published
// without a client-supplied id.
func NewMessageID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
