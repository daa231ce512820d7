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

// Package ingest drives the per-shift pipeline: pull route lists, requests
// and GPS monitoring from the fleet API, correlate tracks with geofenced
// zones and persist the derived KPI rows.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jmoiron/sqlx"
	"github.com/paulmach/orb"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/GoogleCloudPlatform/fleet-kpi-engine/internal/store"
	"github.com/GoogleCloudPlatform/fleet-kpi-engine/pkg/analysis"
	"github.com/GoogleCloudPlatform/fleet-kpi-engine/pkg/fleet"
	"github.com/GoogleCloudPlatform/fleet-kpi-engine/pkg/geofence"
	"github.com/GoogleCloudPlatform/fleet-kpi-engine/pkg/routelist"
)

// UnknownObjectUID marks shift records whose track produced zone events but
// no boundary zone won the object vote.
const UnknownObjectUID = "unknown"

const (
	routeListLookback = 7 * 24 * time.Hour
	requestLookback   = 2 // months
	defaultWorkers    = 4
)

// FleetAPI is the slice of the fleet client the pipeline consumes.
type FleetAPI interface {
	ListRouteLists(ctx context.Context, from, to time.Time) ([]fleet.RouteList, error)
	ListRequests(ctx context.Context, from, to time.Time) ([]fleet.Request, error)
	FetchMonitoring(ctx context.Context, vehicleID int64, start, end time.Time) (*fleet.Monitoring, error)
}

// ZoneSource loads the geofence snapshot.
type ZoneSource interface {
	Snapshot(ctx context.Context) ([]geofence.Zone, error)
}

// RecordStore is the persistence surface of one run.
type RecordStore interface {
	InTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error
	UpsertShiftRecord(ctx context.Context, tx *sqlx.Tx, in *store.ShiftRecordInput) (int64, error)
	ReplaceTrips(ctx context.Context, tx *sqlx.Tx, recordID int64, trips []analysis.Trip) error
	ReplaceZoneEvents(ctx context.Context, tx *sqlx.Tx, vehicleID int64, reportDate time.Time, shift routelist.ShiftType, events []analysis.ZoneEvent) error
	UpsertRequests(ctx context.Context, requests []fleet.Request) error
	UpsertRouteLists(ctx context.Context, lists []routelist.Parsed) error
}

// Config holds the orchestrator knobs.
type Config struct {
	// Worker pool size for per-vehicle processing. Defaults to 4.
	Workers int
	// Trip pairing thresholds. Zero value takes the production defaults.
	TripConfig analysis.TripConfig
	// Non-empty switches the run into test mode: the vehicle set is seeded
	// with these ids even when no route list mentions them.
	TestVehicleIDs []int64
}

func (c *Config) defaults() {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.TripConfig == (analysis.TripConfig{}) {
		c.TripConfig = analysis.DefaultTripConfig()
	}
}

// Summary is the outcome of one orchestrator run.
type Summary struct {
	Date      time.Time
	ShiftType routelist.ShiftType
	Processed int
	Skipped   int
	Errors    []error
}

// Orchestrator runs the per-shift ingestion pipeline.
type Orchestrator struct {
	logger  log.Logger
	fleet   FleetAPI
	zones   ZoneSource
	store   RecordStore
	parser  *routelist.Parser
	codec   *fleet.TimeCodec
	cfg     Config
	metrics orchestratorMetrics
}

type orchestratorMetrics struct {
	runs      *prometheus.CounterVec
	vehicles  *prometheus.CounterVec
	duration  prometheus.Histogram
	lastRunTs prometheus.Gauge
}

func newOrchestratorMetrics(reg prometheus.Registerer) orchestratorMetrics {
	m := orchestratorMetrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_engine_ingest_runs_total",
			Help: "Orchestrator runs by shift type and result.",
		}, []string{"shift", "result"}),
		vehicles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_engine_ingest_vehicles_total",
			Help: "Vehicles handled by the pipeline, by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fleet_engine_ingest_run_duration_seconds",
			Help:    "Wall-clock duration of orchestrator runs.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		lastRunTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleet_engine_ingest_last_run_timestamp_seconds",
			Help: "Unix timestamp of the last completed run.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.runs, m.vehicles, m.duration, m.lastRunTs)
	}
	return m
}

// New creates an orchestrator. The fleet client's rate limiter already spaces
// per-vehicle monitoring calls, so the worker pool interleaves vehicles
// freely.
func New(logger log.Logger, reg prometheus.Registerer, api FleetAPI, zones ZoneSource, st RecordStore, parser *routelist.Parser, codec *fleet.TimeCodec, cfg Config) *Orchestrator {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	cfg.defaults()
	return &Orchestrator{
		logger:  logger,
		fleet:   api,
		zones:   zones,
		store:   st,
		parser:  parser,
		codec:   codec,
		cfg:     cfg,
		metrics: newOrchestratorMetrics(reg),
	}
}

// vehicleTask is one unit of step 7 work.
type vehicleTask struct {
	id             int64
	name           string
	plate          string
	plID           int64
	requestNumbers []int64
}

// Run executes one full pipeline pass for the shift anchored at date.
func (o *Orchestrator) Run(ctx context.Context, date time.Time, shift routelist.ShiftType) (Summary, error) {
	started := time.Now()
	summary := Summary{Date: date, ShiftType: shift}
	logger := log.With(o.logger, "date", date.Format("2006-01-02"), "shift", shift)

	window := routelist.CanonicalWindow(date, shift, o.codec.Location())

	lists, err := o.fleet.ListRouteLists(ctx, date.Add(-routeListLookback), date)
	if err != nil {
		err = fmt.Errorf("fetching route lists: %w", err)
		summary.Errors = append(summary.Errors, err)
		o.finish(&summary, started, "error")
		return summary, err
	}

	parsed := o.parser.Parse(lists)
	if !o.parser.TestMode() {
		kept := parsed[:0]
		for i := range parsed {
			if parsed[i].ContainsShift(shift) {
				kept = append(kept, parsed[i])
			}
		}
		parsed = kept
	}
	if err := o.store.UpsertRouteLists(ctx, parsed); err != nil {
		_ = level.Warn(logger).Log("msg", "caching route lists failed", "err", err)
	}

	o.syncRequests(ctx, logger, date)

	zones, err := o.zones.Snapshot(ctx)
	if err != nil {
		err = fmt.Errorf("loading zones: %w", err)
		summary.Errors = append(summary.Errors, err)
		o.finish(&summary, started, "error")
		return summary, err
	}
	if len(zones) == 0 {
		_ = level.Warn(logger).Log("msg", "zone snapshot is empty, nothing to do")
		o.finish(&summary, started, "empty")
		return summary, nil
	}

	tasks := o.buildVehicleSet(parsed)
	_ = level.Info(logger).Log("msg", "starting vehicle processing",
		"routeLists", len(parsed), "vehicles", len(tasks), "zones", len(zones))

	var (
		g, gctx = errgroup.WithContext(ctx)
		results = make([]vehicleOutcome, len(tasks))
	)
	g.SetLimit(o.cfg.Workers)
	for i := range tasks {
		i := i
		g.Go(func() error {
			results[i] = o.processVehicle(gctx, logger, &tasks[i], window, zones)
			return nil
		})
	}
	// Workers never return errors; Wait only observes context cancellation.
	_ = g.Wait()

	for i := range results {
		switch {
		case results[i].err != nil:
			summary.Errors = append(summary.Errors, results[i].err)
			summary.Skipped++
			o.metrics.vehicles.WithLabelValues("error").Inc()
		case results[i].skipped:
			summary.Skipped++
			o.metrics.vehicles.WithLabelValues("skipped").Inc()
		default:
			summary.Processed++
			o.metrics.vehicles.WithLabelValues("processed").Inc()
		}
	}
	if err := ctx.Err(); err != nil {
		summary.Errors = append(summary.Errors, err)
		o.finish(&summary, started, "cancelled")
		return summary, err
	}

	_ = level.Info(logger).Log("msg", "run finished",
		"processed", summary.Processed, "skipped", summary.Skipped, "errors", len(summary.Errors))
	o.finish(&summary, started, "ok")
	return summary, nil
}

func (o *Orchestrator) finish(s *Summary, started time.Time, result string) {
	o.metrics.runs.WithLabelValues(string(s.ShiftType), result).Inc()
	o.metrics.duration.Observe(time.Since(started).Seconds())
	o.metrics.lastRunTs.SetToCurrentTime()
}

// syncRequests refreshes the request cache. Failures here degrade the cache
// but never stop the run.
func (o *Orchestrator) syncRequests(ctx context.Context, logger log.Logger, date time.Time) {
	requests, err := o.fleet.ListRequests(ctx, date.AddDate(0, -requestLookback, 0), date)
	if err != nil {
		_ = level.Warn(logger).Log("msg", "fetching requests failed", "err", err)
		return
	}
	if err := o.store.UpsertRequests(ctx, requests); err != nil {
		_ = level.Warn(logger).Log("msg", "caching requests failed", "err", err)
	}
}

// buildVehicleSet unions target vehicles across the parsed route lists in
// insertion order. In test mode the configured ids seed the set so vehicles
// without route lists still get processed.
func (o *Orchestrator) buildVehicleSet(parsed []routelist.Parsed) []vehicleTask {
	var (
		order []int64
		byID  = map[int64]*vehicleTask{}
	)
	add := func(id int64) *vehicleTask {
		if t, ok := byID[id]; ok {
			return t
		}
		order = append(order, id)
		byID[id] = &vehicleTask{id: id}
		return byID[id]
	}

	for _, id := range o.cfg.TestVehicleIDs {
		add(id)
	}
	for i := range parsed {
		rl := &parsed[i]
		for _, v := range rl.Vehicles {
			t := add(v.IDMO)
			if t.name == "" {
				t.name = v.NameMO
			}
			if t.plate == "" {
				t.plate = v.RegNumber
			}
			if t.plID == 0 {
				t.plID = rl.PlID
			}
			t.requestNumbers = mergeNumbers(t.requestNumbers, rl.RequestNumbers)
		}
	}

	out := make([]vehicleTask, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out
}

type vehicleOutcome struct {
	skipped bool
	err     error
}

// processVehicle runs steps 7a-7g for one vehicle. Any error is confined to
// the vehicle's outcome; the surrounding run continues.
func (o *Orchestrator) processVehicle(ctx context.Context, logger log.Logger, task *vehicleTask, window routelist.Window, zones []geofence.Zone) vehicleOutcome {
	logger = log.With(logger, "vehicleId", task.id)

	mon, err := o.fleet.FetchMonitoring(ctx, task.id, window.Start, window.End)
	if errors.Is(err, fleet.ErrNoData) {
		_ = level.Debug(logger).Log("msg", "no monitoring data, skipping")
		return vehicleOutcome{skipped: true}
	}
	if err != nil {
		_ = level.Warn(logger).Log("msg", "fetching monitoring failed", "err", err)
		return vehicleOutcome{err: fmt.Errorf("vehicle %d: fetching monitoring: %w", task.id, err)}
	}

	track := o.convertTrack(mon.Track)
	events := analysis.AnalyzeZones(track, zones)

	object, detected := analysis.DetectObject(track, zones)
	if !detected && len(events) == 0 {
		_ = level.Debug(logger).Log("msg", "no object and no zone events, skipping")
		return vehicleOutcome{skipped: true}
	}
	if !detected {
		// Track crossed tagged zones but never settled on a boundary.
		// The record is kept under the unknown object with events unfiltered.
		object = analysis.DetectedObject{UID: UnknownObjectUID}
	} else {
		events = analysis.FilterByObject(events, object.UID)
	}

	trips := analysis.BuildTrips(events, o.cfg.TripConfig)
	onsiteSec := analysis.OnsiteSec(events, object.UID)
	workType := analysis.ClassifyWorkType(mon.EngineTime, onsiteSec, len(trips))
	kpis := analysis.CalcKPIs(window.Start, window.End, mon.EngineTime, mon.MovingTime, onsiteSec, trips)

	input := &store.ShiftRecordInput{
		ReportDate:     window.ReportDate,
		ShiftType:      window.Type,
		VehicleID:      task.id,
		ObjectUID:      object.UID,
		ObjectName:     object.Name,
		VehicleName:    task.name,
		Plate:          task.plate,
		WorkType:       workType,
		EngineTimeSec:  mon.EngineTime,
		MovingTimeSec:  mon.MovingTime,
		DistanceKm:     mon.Distance,
		OnsiteMin:      kpis.OnsiteMin,
		TripsCount:     kpis.TripsCount,
		FactVolumeM3:   kpis.FactVolumeM3,
		KipPct:         kpis.KipPct,
		MovementPct:    kpis.MovementPct,
		PlID:           task.plID,
		RequestNumbers: task.requestNumbers,
		Raw:            mon.Raw,
	}

	err = o.store.InTx(ctx, func(tx *sqlx.Tx) error {
		recordID, err := o.store.UpsertShiftRecord(ctx, tx, input)
		if err != nil {
			return err
		}
		if err := o.store.ReplaceTrips(ctx, tx, recordID, trips); err != nil {
			return err
		}
		return o.store.ReplaceZoneEvents(ctx, tx, task.id, window.ReportDate, window.Type, events)
	})
	if err != nil {
		_ = level.Warn(logger).Log("msg", "persisting shift record failed", "err", err)
		return vehicleOutcome{err: fmt.Errorf("vehicle %d: persisting: %w", task.id, err)}
	}

	_ = level.Debug(logger).Log("msg", "vehicle processed",
		"object", object.UID, "trips", len(trips), "workType", workType)
	return vehicleOutcome{}
}

// convertTrack decodes payload-local timestamps; unparseable ones become
// timeless points that still count for geometry.
func (o *Orchestrator) convertTrack(track []fleet.TrackPoint) []analysis.TrackPoint {
	out := make([]analysis.TrackPoint, 0, len(track))
	for i := range track {
		p := analysis.TrackPoint{Point: orb.Point{track[i].Lon, track[i].Lat}}
		if ts, ok := o.codec.Parse(track[i].Time); ok {
			p.Time = &ts
		}
		out = append(out, p)
	}
	return out
}

func mergeNumbers(dst, src []int64) []int64 {
	seen := make(map[int64]struct{}, len(dst))
	for _, n := range dst {
		seen[n] = struct{}{}
	}
	for _, n := range src {
		if _, ok := seen[n]; !ok {
			seen[n] = struct{}{}
			dst = append(dst, n)
		}
	}
	return dst
}
