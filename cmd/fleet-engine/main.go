// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// The fleet-engine binary runs the dump-truck telemetry pipeline: scheduled
// per-shift ingestion from the fleet-tracking API and the read-only
// dashboard HTTP surface.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GoogleCloudPlatform/fleet-kpi-engine/internal/dtapi"
	"github.com/GoogleCloudPlatform/fleet-kpi-engine/internal/store"
	"github.com/GoogleCloudPlatform/fleet-kpi-engine/pkg/fleet"
	"github.com/GoogleCloudPlatform/fleet-kpi-engine/pkg/geofence"
	"github.com/GoogleCloudPlatform/fleet-kpi-engine/pkg/ingest"
	"github.com/GoogleCloudPlatform/fleet-kpi-engine/pkg/routelist"
	"github.com/GoogleCloudPlatform/fleet-kpi-engine/pkg/schedule"
)

func main() {
	a := kingpin.New("fleet-engine", "Dump-truck fleet telemetry and KPI pipeline.")

	var (
		listenAddr = a.Flag("web.listen-address", "Address the API server listens on.").
				Envar("SERVER_ADDR").Default(":8080").String()
		metricsAddr = a.Flag("web.metrics-address", "Address the metrics and health server listens on.").
				Envar("METRICS_ADDR").Default(":9090").String()

		dbHost = a.Flag("db.host", "Postgres host.").
			Envar("DB_HOST").Default("localhost").String()
		dbPort = a.Flag("db.port", "Postgres port.").
			Envar("DB_PORT").Default("5432").Int()
		dbName = a.Flag("db.name", "Postgres database name.").
			Envar("DB_NAME").Default("fleet").String()
		dbUser = a.Flag("db.user", "Postgres user.").
			Envar("DB_USER").Default("fleet").String()
		dbPassword = a.Flag("db.password", "Postgres password.").
				Envar("DB_PASSWORD").Default("").String()
		dbMaxConns = a.Flag("db.max-conns", "Size of the shared connection pool.").
				Envar("DB_MAX_CONNS").Default("10").Int()

		fleetBaseURL = a.Flag("fleet.base-url", "Base URL of the fleet-tracking API.").
				Envar("FLEET_BASE_URL").Required().String()
		fleetCredentials = a.Flag("fleet.credentials", "Comma-separated fleet API credentials, rotated round-robin.").
					Envar("FLEET_CREDENTIALS").Required().String()

		rateLimitInterval = a.Flag("fleet.rate-limit-interval", "Minimum gap between monitoring calls for one vehicle.").
					Envar("FLEET_RATE_LIMIT_INTERVAL").Default("10s").Duration()

		timezone = a.Flag("timezone", "Operational timezone for shift boundaries and payload timestamps.").
				Envar("OPERATIONAL_TZ").Default("Asia/Yekaterinburg").String()
		testVehicleIDs = a.Flag("test-vehicle-ids", "Restrict processing to these vehicle ids (test mode).").
				Envar("TEST_VEHICLE_IDS").Int64List()
		workers = a.Flag("ingest.workers", "Per-vehicle worker pool size.").
			Envar("INGEST_WORKERS").Default("4").Int()
		disableScheduler = a.Flag("ingest.disable-scheduler", "Disable the daily triggers, manual fetch only.").
					Envar("INGEST_DISABLE_SCHEDULER").Bool()
	)

	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)

	if _, err := a.Parse(os.Args[1:]); err != nil {
		_ = level.Error(logger).Log("msg", "parsing flags failed", "err", err)
		os.Exit(2)
	}

	loc, err := time.LoadLocation(*timezone)
	if err != nil {
		_ = level.Error(logger).Log("msg", "loading timezone failed", "tz", *timezone, "err", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	st, err := store.Open(log.With(logger, "component", "store"), store.Config{
		Host:     *dbHost,
		Port:     *dbPort,
		Name:     *dbName,
		User:     *dbUser,
		Password: *dbPassword,
		MaxConns: *dbMaxConns,
	})
	if err != nil {
		_ = level.Error(logger).Log("msg", "opening database failed", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		err := st.Migrate(ctx)
		cancel()
		if err != nil {
			_ = level.Error(logger).Log("msg", "applying migrations failed", "err", err)
			os.Exit(1)
		}
	}

	tokens, err := fleet.NewTokenPool(splitList(*fleetCredentials))
	if err != nil {
		_ = level.Error(logger).Log("msg", "configuring credentials failed", "err", err)
		os.Exit(1)
	}
	codec := fleet.NewTimeCodec(loc)
	limiter := fleet.NewVehicleRateLimiter(*rateLimitInterval)

	client, err := fleet.NewClient(log.With(logger, "component", "fleet"), reg,
		*fleetBaseURL, tokens, limiter, codec, fleet.ClientOpts{})
	if err != nil {
		_ = level.Error(logger).Log("msg", "creating fleet client failed", "err", err)
		os.Exit(1)
	}

	parser := routelist.NewParser(log.With(logger, "component", "routelist"), codec, *testVehicleIDs)
	zones := geofence.NewStore(log.With(logger, "component", "geofence"), st.DB())

	orch := ingest.New(log.With(logger, "component", "ingest"), reg,
		client, zones, st, parser, codec, ingest.Config{
			Workers:        *workers,
			TestVehicleIDs: *testVehicleIDs,
		})

	api := dtapi.New(log.With(logger, "component", "api"), st, orchRunner{orch}, loc)

	var g run.Group
	// Termination handler.
	{
		term := make(chan os.Signal, 1)
		cancel := make(chan struct{})
		signal.Notify(term, os.Interrupt, syscall.SIGTERM)

		g.Add(
			func() error {
				select {
				case <-term:
					_ = level.Info(logger).Log("msg", "received SIGTERM, exiting gracefully...")
				case <-cancel:
				}
				return nil
			},
			func(error) {
				close(cancel)
			},
		)
	}
	// Daily schedule triggers.
	if !*disableScheduler {
		sched := schedule.New(log.With(logger, "component", "schedule"), reg, loc,
			func(ctx context.Context, date time.Time, shift routelist.ShiftType) error {
				_, err := orch.Run(ctx, date, shift)
				return err
			})
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(
			func() error {
				return sched.Run(ctx)
			},
			func(error) {
				cancel()
			},
		)
	}
	// Dashboard API server.
	{
		server := &http.Server{Addr: *listenAddr, Handler: api.Handler()}
		g.Add(
			func() error {
				_ = level.Info(logger).Log("msg", "starting API server", "listen", *listenAddr)
				return server.ListenAndServe()
			},
			func(error) {
				ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				if err := server.Shutdown(ctx); err != nil {
					_ = level.Error(logger).Log("msg", "shutting down API server failed", "err", err)
				}
			},
		)
	}
	// Metrics and health server.
	{
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		mux.HandleFunc("/-/healthy", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, "fleet-engine is healthy.\n")
		})
		server := &http.Server{Addr: *metricsAddr, Handler: mux}
		g.Add(
			func() error {
				_ = level.Info(logger).Log("msg", "starting metrics server", "listen", *metricsAddr)
				return server.ListenAndServe()
			},
			func(error) {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := server.Shutdown(ctx); err != nil {
					_ = level.Error(logger).Log("msg", "shutting down metrics server failed", "err", err)
				}
			},
		)
	}

	if err := g.Run(); err != nil {
		_ = level.Error(logger).Log("msg", "exiting with error", "err", err)
		os.Exit(1)
	}
	_ = level.Info(logger).Log("msg", "exiting")
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// orchRunner adapts the orchestrator to the admin fetch endpoint, dropping
// the summary.
type orchRunner struct {
	orch *ingest.Orchestrator
}

func (r orchRunner) Run(ctx context.Context, date time.Time, shift routelist.ShiftType) error {
	_, err := r.orch.Run(ctx, date, shift)
	return err
}
