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

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaybroker/relaybroker/api"
	"github.com/relaybroker/relaybroker/broker"
	"github.com/relaybroker/relaybroker/config"
)

const httpShutdownTimeout = 5 * time.Second

func main() {
	os.Exit(runMain())
}

func runMain() int {
	cfg, err := config.Parse("relaybroker", os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
	logger = log.With(logger, "broker_id", cfg.BrokerID)

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	b := broker.New(cfg, config.AddrResolver("localhost"), reg, logger)

	if cfg.SpanningTreeFile != "" {
		tree, err := config.LoadSpanningTree(cfg.SpanningTreeFile)
		if err != nil {
			level.Error(logger).Log("msg", "failed to load static spanning tree", "err", err)
			return 1
		}
		b.Dissem.LoadStaticTree(tree)
	}

	httpAPI := api.New(b.Store, b.Dissem, b.Election, reg, logger)

	mux := http.NewServeMux()
	mux.Handle("/", api.Handler(httpAPI))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: mux}

	var g run.Group
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			level.Info(logger).Log("msg", "starting membership poll loop")
			return b.Membership.Run(ctx)
		}, func(error) { cancel() })
	}
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			level.Info(logger).Log("msg", "starting failure detector")
			return b.Heartbeat.Run(ctx)
		}, func(error) { cancel() })
	}
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			level.Info(logger).Log("msg", "starting retry worker")
			return b.Dissem.RunRetryWorker(ctx)
		}, func(error) { cancel() })
	}
	{
		g.Add(func() error {
			level.Info(logger).Log("msg", "listening", "address", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		}, func(error) {
			ctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(ctx)
		})
	}
	{
		term := make(chan os.Signal, 1)
		signal.Notify(term, os.Interrupt, syscall.SIGTERM)
		cancel := make(chan struct{})
		g.Add(func() error {
			select {
			case <-term:
				level.Info(logger).Log("msg", "received termination signal, shutting down")
			case <-cancel:
			}
			return nil
		}, func(error) {
			close(cancel)
		})
	}

	if err := g.Run(); err != nil {
		level.Error(logger).Log("msg", "exiting", "err", err)
	}
	return 0
}
