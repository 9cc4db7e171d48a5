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

// Package api is the broker's client- and peer-facing HTTP surface:
// /publish, /data/{topic}, /heartbeat, /leader_announcement.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/route"
	"github.com/rs/cors"

	"github.com/relaybroker/relaybroker/store"
	"github.com/relaybroker/relaybroker/types"
)

var (
	numPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relaybroker",
		Name:      "messages_published_total",
		Help:      "The total number of publish requests handled, by outcome.",
	}, []string{"outcome"})

	numLeaderAnnouncements = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relaybroker",
		Name:      "leader_announcements_received_total",
		Help:      "The total number of leader announcements accepted from peers.",
	})
)

// Store is the subset of store.Store the API needs.
type Store interface {
	Put(topic, payload, id string) (store.Result, error)
	Fetch(topic string, limit, offset int) ([]string, error)
}

// Dissem is the subset of dissem.Engine the API needs.
type Dissem interface {
	Replicate(ctx context.Context, msg types.Message) error
}

// Leader is the subset of election.Election the API needs.
type Leader interface {
	SetLeader(leader types.BrokerID)
}

// API wires the broker's HTTP handlers to its core components.
type API struct {
	store  Store
	dissem Dissem
	leader Leader
	logger log.Logger

	registry *prometheus.Registry
}

// New returns an API bound to its collaborators. reg may be nil, in
// which case metrics are not registered (useful in tests).
func New(st Store, dissem Dissem, leader Leader, reg *prometheus.Registry, logger log.Logger) *API {
	if reg != nil {
		reg.MustRegister(numPublished, numLeaderAnnouncements)
	}
	return &API{
		store:    st,
		dissem:   dissem,
		leader:   leader,
		logger:   log.With(logger, "component", "api"),
		registry: reg,
	}
}

// Register installs the broker's routes onto r.
func (a *API) Register(r *route.Router) {
	r.Post("/publish", a.publish)
	r.Get("/data/:topic", a.data)
	r.Get("/heartbeat", a.heartbeat)
	r.Post("/leader_announcement", a.leaderAnnouncement)
}

// Handler wraps Register's router with permissive CORS, following the
// broker surface's need to be reachable from arbitrary client origins.
func Handler(a *API) http.Handler {
	r := route.New()
	a.Register(r)
	return cors.AllowAll().Handler(r)
}

type publishRequest struct {
	Topic     string `json:"topic"`
	Message   string `json:"message"`
	MessageID string `json:"message_id"`
}

type statusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func (a *API) publish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := a.receive(r, &req); err != nil {
		a.respondError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Topic == "" {
		a.respondError(w, http.StatusBadRequest, "topic is required")
		return
	}

	id := req.MessageID
	if id == "" {
		id = types.NewMessageID()
	}

	result, err := a.store.Put(req.Topic, req.Message, id)
	if err != nil {
		numPublished.WithLabelValues("error").Inc()
		a.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if result == store.Duplicate {
		numPublished.WithLabelValues("duplicate").Inc()
		a.respond(w, http.StatusOK, statusResponse{Status: "failure", Message: "Duplicate message id"})
		return
	}

	numPublished.WithLabelValues("stored").Inc()
	if err := a.dissem.Replicate(r.Context(), types.Message{Topic: req.Topic, Payload: req.Message, ID: id}); err != nil {
		level.Warn(a.logger).Log("msg", "replication reported partial failure, retry queue engaged", "err", err)
	}

	a.respond(w, http.StatusOK, statusResponse{Status: "success"})
}

type dataResponse struct {
	Topic    string   `json:"topic"`
	Messages []string `json:"messages"`
}

func (a *API) data(w http.ResponseWriter, r *http.Request) {
	topic := route.Param(r.Context(), "topic")

	limit := queryInt(r, "limit", 0)
	offset := queryInt(r, "offset", 0)

	messages, err := a.store.Fetch(topic, limit, offset)
	if err != nil {
		a.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if messages == nil {
		messages = []string{}
	}

	a.respond(w, http.StatusOK, dataResponse{Topic: topic, Messages: messages})
}

func (a *API) heartbeat(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

type leaderAnnouncementRequest struct {
	LeaderID int32 `json:"leader_id"`
}

func (a *API) leaderAnnouncement(w http.ResponseWriter, r *http.Request) {
	var req leaderAnnouncementRequest
	if err := a.receive(r, &req); err != nil {
		a.respondError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	numLeaderAnnouncements.Inc()
	a.leader.SetLeader(types.BrokerID(req.LeaderID))
	a.respond(w, http.StatusOK, statusResponse{Status: "success"})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func (a *API) respond(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		level.Error(a.logger).Log("msg", "error marshalling response", "err", err)
	}
}

func (a *API) respondError(w http.ResponseWriter, code int, msg string) {
	level.Debug(a.logger).Log("msg", "request failed", "status", code, "err", msg)
	a.respond(w, code, statusResponse{Status: "error", Message: msg})
}

func (a *API) receive(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	defer r.Body.Close()
	return dec.Decode(v)
}
