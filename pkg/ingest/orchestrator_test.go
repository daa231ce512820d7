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

package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jmoiron/sqlx"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoogleCloudPlatform/fleet-kpi-engine/internal/store"
	"github.com/GoogleCloudPlatform/fleet-kpi-engine/pkg/analysis"
	"github.com/GoogleCloudPlatform/fleet-kpi-engine/pkg/fleet"
	"github.com/GoogleCloudPlatform/fleet-kpi-engine/pkg/geofence"
	"github.com/GoogleCloudPlatform/fleet-kpi-engine/pkg/routelist"
)

type fakeFleet struct {
	lists       []fleet.RouteList
	listsErr    error
	requests    []fleet.Request
	requestsErr error
	monitoring  map[int64]*fleet.Monitoring
	monErr      map[int64]error
}

func (f *fakeFleet) ListRouteLists(ctx context.Context, from, to time.Time) ([]fleet.RouteList, error) {
	return f.lists, f.listsErr
}

func (f *fakeFleet) ListRequests(ctx context.Context, from, to time.Time) ([]fleet.Request, error) {
	return f.requests, f.requestsErr
}

func (f *fakeFleet) FetchMonitoring(ctx context.Context, vehicleID int64, start, end time.Time) (*fleet.Monitoring, error) {
	if err, ok := f.monErr[vehicleID]; ok {
		return nil, err
	}
	if m, ok := f.monitoring[vehicleID]; ok {
		return m, nil
	}
	return nil, fleet.ErrNoData
}

type fakeZones struct {
	zones []geofence.Zone
	err   error
}

func (f *fakeZones) Snapshot(ctx context.Context) ([]geofence.Zone, error) {
	return f.zones, f.err
}

type fakeStore struct {
	mtx sync.Mutex

	records    []*store.ShiftRecordInput
	trips      map[int64][]analysis.Trip
	events     map[int64][]analysis.ZoneEvent
	requests   []fleet.Request
	routeLists []routelist.Parsed

	failVehicle int64
	nextID      int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		trips:  map[int64][]analysis.Trip{},
		events: map[int64][]analysis.ZoneEvent{},
	}
}

func (f *fakeStore) InTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return fn(nil)
}

func (f *fakeStore) UpsertShiftRecord(ctx context.Context, tx *sqlx.Tx, in *store.ShiftRecordInput) (int64, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.failVehicle != 0 && in.VehicleID == f.failVehicle {
		return 0, fmt.Errorf("constraint violation on vehicle %d", in.VehicleID)
	}
	f.nextID++
	f.records = append(f.records, in)
	return f.nextID, nil
}

func (f *fakeStore) ReplaceTrips(ctx context.Context, tx *sqlx.Tx, recordID int64, trips []analysis.Trip) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.trips[recordID] = trips
	return nil
}

func (f *fakeStore) ReplaceZoneEvents(ctx context.Context, tx *sqlx.Tx, vehicleID int64, reportDate time.Time, shift routelist.ShiftType, events []analysis.ZoneEvent) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.events[vehicleID] = events
	return nil
}

func (f *fakeStore) UpsertRequests(ctx context.Context, requests []fleet.Request) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.requests = append(f.requests, requests...)
	return nil
}

func (f *fakeStore) UpsertRouteLists(ctx context.Context, lists []routelist.Parsed) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.routeLists = append(f.routeLists, lists...)
	return nil
}

func yekaterinburg(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Yekaterinburg")
	require.NoError(t, err)
	return loc
}

func square(minX, minY, size float64) orb.MultiPolygon {
	return orb.MultiPolygon{orb.Polygon{orb.Ring{
		{minX, minY}, {minX + size, minY}, {minX + size, minY + size}, {minX, minY + size}, {minX, minY},
	}}}
}

func testZones() []geofence.Zone {
	return []geofence.Zone{
		{UID: "z-b", Name: "Карьер", ObjectUID: "o-1", ObjectName: "Объект 1", Tag: geofence.TagBoundary, Geometry: square(0, 0, 100)},
		{UID: "z-l", Name: "Погрузка", ObjectUID: "o-1", ObjectName: "Объект 1", Tag: geofence.TagLoading, Geometry: square(0, 0, 10)},
		{UID: "z-u", Name: "Разгрузка", ObjectUID: "o-1", ObjectName: "Объект 1", Tag: geofence.TagUnloading, Geometry: square(40, 40, 10)},
	}
}

// deliveryTrack is a track that loads at (5,5), dumps at (45,45) and stays
// inside the o-1 boundary throughout. Timestamps are payload-local.
func deliveryTrack() []fleet.TrackPoint {
	at := func(clock string, x, y float64) fleet.TrackPoint {
		return fleet.TrackPoint{Lon: x, Lat: y, Time: "05.03.2025 " + clock}
	}
	return []fleet.TrackPoint{
		at("08:00:00", 5, 5),
		at("08:05:00", 5, 5),
		at("08:06:00", 20, 20),
		at("08:30:00", 45, 45),
		at("08:36:00", 45, 45),
		at("08:40:00", 20, 20),
	}
}

func testRouteList(vehicleID int64) fleet.RouteList {
	return fleet.RouteList{
		ID:          777,
		TsNumber:    "ПЛ-1",
		Status:      "closed",
		DateOutPlan: "05.03.2025 07:30",
		DateInPlan:  "05.03.2025 19:30",
		Vehicles: []fleet.RouteVehicle{
			{IDMO: vehicleID, NameMO: "Самосвал HOWO", RegNumber: "А123БВ"},
		},
		Calcs: []fleet.RouteListCalc{{OrderDescr: "№1234 перевозка грунта"}},
	}
}

func newTestOrchestrator(t *testing.T, api FleetAPI, zones ZoneSource, st RecordStore, cfg Config) *Orchestrator {
	t.Helper()
	codec := fleet.NewTimeCodec(yekaterinburg(t))
	parser := routelist.NewParser(nil, codec, cfg.TestVehicleIDs)
	return New(nil, nil, api, zones, st, parser, codec, cfg)
}

func reportDate(t *testing.T) time.Time {
	t.Helper()
	return time.Date(2025, 3, 5, 0, 0, 0, 0, time.UTC)
}

func TestRunPersistsDeliveryShift(t *testing.T) {
	api := &fakeFleet{
		lists: []fleet.RouteList{testRouteList(42)},
		monitoring: map[int64]*fleet.Monitoring{
			42: {EngineTime: 3600, MovingTime: 1800, Distance: 12.5, Track: deliveryTrack(), Raw: []byte(`{"engineTime":3600}`)},
		},
	}
	st := newFakeStore()
	o := newTestOrchestrator(t, api, &fakeZones{zones: testZones()}, st, Config{})

	summary, err := o.Run(context.Background(), reportDate(t), routelist.Shift1)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 0, summary.Skipped)
	assert.Empty(t, summary.Errors)

	require.Len(t, st.records, 1)
	rec := st.records[0]
	assert.Equal(t, int64(42), rec.VehicleID)
	assert.Equal(t, routelist.Shift1, rec.ShiftType)
	assert.Equal(t, "o-1", rec.ObjectUID)
	assert.Equal(t, "Объект 1", rec.ObjectName)
	assert.Equal(t, "Самосвал HOWO", rec.VehicleName)
	assert.Equal(t, "А123БВ", rec.Plate)
	assert.Equal(t, analysis.WorkDelivery, rec.WorkType)
	assert.Equal(t, int64(777), rec.PlID)
	if diff := cmp.Diff([]int64{1234}, rec.RequestNumbers); diff != "" {
		t.Errorf("unexpected request numbers (-want, +got): %s", diff)
	}
	assert.Equal(t, 8.33, rec.KipPct)
	assert.Equal(t, 50.0, rec.MovementPct)
	assert.Equal(t, 1, rec.TripsCount)
	assert.Equal(t, int64(40), rec.OnsiteMin)
	assert.JSONEq(t, `{"engineTime":3600}`, string(rec.Raw))

	trips := st.trips[1]
	require.Len(t, trips, 1)
	assert.Equal(t, "Погрузка", trips[0].LoadingZone)
	assert.Equal(t, "Разгрузка", trips[0].UnloadingZone)
	assert.Equal(t, int64(40), trips[0].DurationMin)

	require.NotEmpty(t, st.events[42])
	require.Len(t, st.routeLists, 1)
}

func TestRunSkipsVehicleWithoutMonitoring(t *testing.T) {
	api := &fakeFleet{lists: []fleet.RouteList{testRouteList(42)}}
	st := newFakeStore()
	o := newTestOrchestrator(t, api, &fakeZones{zones: testZones()}, st, Config{})

	summary, err := o.Run(context.Background(), reportDate(t), routelist.Shift1)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Processed)
	assert.Equal(t, 1, summary.Skipped)
	assert.Empty(t, summary.Errors)
	assert.Empty(t, st.records)
}

func TestRunAbortsOnRouteListFailure(t *testing.T) {
	api := &fakeFleet{listsErr: errors.New("upstream down")}
	st := newFakeStore()
	o := newTestOrchestrator(t, api, &fakeZones{zones: testZones()}, st, Config{})

	summary, err := o.Run(context.Background(), reportDate(t), routelist.Shift1)
	require.Error(t, err)
	require.Len(t, summary.Errors, 1)
	assert.Empty(t, st.records)
}

func TestRunAbortsOnZoneFailure(t *testing.T) {
	api := &fakeFleet{lists: []fleet.RouteList{testRouteList(42)}}
	o := newTestOrchestrator(t, api, &fakeZones{err: errors.New("db down")}, newFakeStore(), Config{})

	_, err := o.Run(context.Background(), reportDate(t), routelist.Shift1)
	require.Error(t, err)
}

func TestRunStopsEarlyOnEmptyZones(t *testing.T) {
	api := &fakeFleet{
		lists: []fleet.RouteList{testRouteList(42)},
		monitoring: map[int64]*fleet.Monitoring{
			42: {Track: deliveryTrack()},
		},
	}
	st := newFakeStore()
	o := newTestOrchestrator(t, api, &fakeZones{}, st, Config{})

	summary, err := o.Run(context.Background(), reportDate(t), routelist.Shift1)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Processed)
	assert.Empty(t, st.records)
}

func TestRunRequestFailureIsNonFatal(t *testing.T) {
	api := &fakeFleet{
		lists:       []fleet.RouteList{testRouteList(42)},
		requestsErr: errors.New("flaky"),
		monitoring: map[int64]*fleet.Monitoring{
			42: {EngineTime: 3600, Track: deliveryTrack()},
		},
	}
	st := newFakeStore()
	o := newTestOrchestrator(t, api, &fakeZones{zones: testZones()}, st, Config{})

	summary, err := o.Run(context.Background(), reportDate(t), routelist.Shift1)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
	assert.Empty(t, summary.Errors)
}

func TestRunVehicleErrorDoesNotAbortRun(t *testing.T) {
	lists := []fleet.RouteList{testRouteList(42), testRouteList(43)}
	lists[1].ID = 778
	api := &fakeFleet{
		lists: lists,
		monitoring: map[int64]*fleet.Monitoring{
			42: {EngineTime: 3600, Track: deliveryTrack()},
			43: {EngineTime: 3600, Track: deliveryTrack()},
		},
	}
	st := newFakeStore()
	st.failVehicle = 42
	o := newTestOrchestrator(t, api, &fakeZones{zones: testZones()}, st, Config{Workers: 1})

	summary, err := o.Run(context.Background(), reportDate(t), routelist.Shift1)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Skipped)
	require.Len(t, summary.Errors, 1)
	assert.Contains(t, summary.Errors[0].Error(), "vehicle 42")
}

func TestRunDiscardsOtherShiftRouteLists(t *testing.T) {
	// Planned period entirely inside shift1; a shift2 run must ignore it.
	api := &fakeFleet{lists: []fleet.RouteList{testRouteList(42)}}
	st := newFakeStore()
	o := newTestOrchestrator(t, api, &fakeZones{zones: testZones()}, st, Config{})

	summary, err := o.Run(context.Background(), reportDate(t), routelist.Shift2)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Processed)
	assert.Equal(t, 0, summary.Skipped)
	assert.Empty(t, st.routeLists)
}

func TestRunTestModeSeedsVehicles(t *testing.T) {
	// No route lists at all; the configured test id still gets a record.
	api := &fakeFleet{
		monitoring: map[int64]*fleet.Monitoring{
			99: {EngineTime: 3600, Track: deliveryTrack()},
		},
	}
	st := newFakeStore()
	o := newTestOrchestrator(t, api, &fakeZones{zones: testZones()}, st, Config{TestVehicleIDs: []int64{99}})

	summary, err := o.Run(context.Background(), reportDate(t), routelist.Shift1)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
	require.Len(t, st.records, 1)
	assert.Equal(t, int64(99), st.records[0].VehicleID)
	assert.Equal(t, "", st.records[0].VehicleName)
}

func TestRunUnknownObjectKeepsEvents(t *testing.T) {
	// Track dwells inside the loading zone but never inside a boundary.
	track := []fleet.TrackPoint{}
	for _, p := range deliveryTrack() {
		p.Lon -= 200
		p.Lat -= 200
		track = append(track, p)
	}
	zones := []geofence.Zone{
		{UID: "z-l", Name: "Погрузка", ObjectUID: "o-1", Tag: geofence.TagLoading, Geometry: square(-200, -200, 10)},
	}
	api := &fakeFleet{
		lists: []fleet.RouteList{testRouteList(42)},
		monitoring: map[int64]*fleet.Monitoring{
			42: {EngineTime: 3600, Track: track},
		},
	}
	st := newFakeStore()
	o := newTestOrchestrator(t, api, &fakeZones{zones: zones}, st, Config{})

	summary, err := o.Run(context.Background(), reportDate(t), routelist.Shift1)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
	require.Len(t, st.records, 1)
	assert.Equal(t, UnknownObjectUID, st.records[0].ObjectUID)
	assert.NotEmpty(t, st.events[42])
	assert.Equal(t, int64(0), st.records[0].OnsiteMin)
}

func TestRunCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	api := &fakeFleet{lists: []fleet.RouteList{testRouteList(42)}}
	o := newTestOrchestrator(t, api, &fakeZones{zones: testZones()}, newFakeStore(), Config{})

	_, err := o.Run(ctx, reportDate(t), routelist.Shift1)
	require.ErrorIs(t, err, context.Canceled)
}
