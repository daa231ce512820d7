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

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/GoogleCloudPlatform/fleet-kpi-engine/pkg/analysis"
	"github.com/GoogleCloudPlatform/fleet-kpi-engine/pkg/fleet"
	"github.com/GoogleCloudPlatform/fleet-kpi-engine/pkg/routelist"
)

// ShiftRecordInput is the unit KPI row produced by one pipeline run for one
// vehicle. (ReportDate, ShiftType, VehicleID, ObjectUID) is the unique key.
type ShiftRecordInput struct {
	ReportDate     time.Time
	ShiftType      routelist.ShiftType
	VehicleID      int64
	ObjectUID      string
	ObjectName     string
	VehicleName    string
	Plate          string
	WorkType       analysis.WorkType
	EngineTimeSec  float64
	MovingTimeSec  float64
	DistanceKm     float64
	OnsiteMin      int64
	TripsCount     int
	FactVolumeM3   float64
	KipPct         float64
	MovementPct    float64
	PlID           int64
	RequestNumbers []int64
	Raw            json.RawMessage
}

const upsertShiftRecordQuery = `
INSERT INTO dump_trucks.shift_records (
	report_date, shift_type, vehicle_id, object_uid, object_name, vehicle_name,
	plate, work_type, engine_time_sec, moving_time_sec, distance_km, onsite_min,
	trips_count, fact_volume, kip_pct, movement_pct, pl_id, request_numbers, raw, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, now())
ON CONFLICT (report_date, shift_type, vehicle_id, object_uid) DO UPDATE SET
	object_name = EXCLUDED.object_name,
	vehicle_name = EXCLUDED.vehicle_name,
	plate = EXCLUDED.plate,
	work_type = EXCLUDED.work_type,
	engine_time_sec = EXCLUDED.engine_time_sec,
	moving_time_sec = EXCLUDED.moving_time_sec,
	distance_km = EXCLUDED.distance_km,
	onsite_min = EXCLUDED.onsite_min,
	trips_count = EXCLUDED.trips_count,
	fact_volume = EXCLUDED.fact_volume,
	kip_pct = EXCLUDED.kip_pct,
	movement_pct = EXCLUDED.movement_pct,
	pl_id = EXCLUDED.pl_id,
	request_numbers = EXCLUDED.request_numbers,
	raw = EXCLUDED.raw,
	updated_at = now()
RETURNING id`

// UpsertShiftRecord merges the record on its unique key, overwriting non-key
// columns, and returns the record id. KIP and movement percentages are
// clamped to [0, 100] on write.
func (s *Store) UpsertShiftRecord(ctx context.Context, tx *sqlx.Tx, in *ShiftRecordInput) (int64, error) {
	numbers, err := json.Marshal(emptyAsList(in.RequestNumbers))
	if err != nil {
		return 0, fmt.Errorf("encoding request numbers: %w", err)
	}

	var id int64
	err = tx.QueryRowxContext(ctx, upsertShiftRecordQuery,
		in.ReportDate, string(in.ShiftType), in.VehicleID, in.ObjectUID, in.ObjectName, in.VehicleName,
		in.Plate, string(in.WorkType), in.EngineTimeSec, in.MovingTimeSec, in.DistanceKm, in.OnsiteMin,
		in.TripsCount, in.FactVolumeM3, clamp100(in.KipPct), clamp100(in.MovementPct),
		nullableID(in.PlID), numbers, rawOrNull(in.Raw),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upserting shift record: %w", err)
	}
	return id, nil
}

// ReplaceTrips atomically replaces the trips of one shift record:
// delete-all-then-insert within the caller's transaction.
func (s *Store) ReplaceTrips(ctx context.Context, tx *sqlx.Tx, recordID int64, trips []analysis.Trip) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM dump_trucks.trips WHERE shift_record_id = $1`, recordID); err != nil {
		return fmt.Errorf("deleting trips: %w", err)
	}
	for i := range trips {
		trip := &trips[i]
		_, err := tx.ExecContext(ctx, `
INSERT INTO dump_trucks.trips (shift_record_id, trip_number, loaded_at, unloaded_at, loading_zone, unloading_zone, duration_min)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			recordID, trip.Number, trip.LoadedAt, trip.UnloadedAt, trip.LoadingZone, trip.UnloadingZone, trip.DurationMin)
		if err != nil {
			return fmt.Errorf("inserting trip %d: %w", trip.Number, err)
		}
	}
	return nil
}

// ReplaceZoneEvents atomically replaces the zone events for the
// (vehicle, report date, shift type) triple.
func (s *Store) ReplaceZoneEvents(ctx context.Context, tx *sqlx.Tx, vehicleID int64, reportDate time.Time, shift routelist.ShiftType, events []analysis.ZoneEvent) error {
	_, err := tx.ExecContext(ctx,
		`DELETE FROM dump_trucks.zone_events WHERE vehicle_id = $1 AND report_date = $2 AND shift_type = $3`,
		vehicleID, reportDate, string(shift))
	if err != nil {
		return fmt.Errorf("deleting zone events: %w", err)
	}
	for i := range events {
		ev := &events[i]
		_, err := tx.ExecContext(ctx, `
INSERT INTO dump_trucks.zone_events (vehicle_id, report_date, shift_type, zone_uid, zone_name, zone_tag, object_uid, entered_at, exited_at, duration_sec)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			vehicleID, reportDate, string(shift), ev.ZoneUID, ev.ZoneName, string(ev.ZoneTag), ev.ObjectUID,
			ev.EnteredAt, ev.ExitedAt, ev.DurationSec)
		if err != nil {
			return fmt.Errorf("inserting zone event %s: %w", ev.ZoneUID, err)
		}
	}
	return nil
}

// UpsertRequests merges requests on their external id, overwriting non-key
// columns. The raw payload is retained verbatim.
func (s *Store) UpsertRequests(ctx context.Context, requests []fleet.Request) error {
	for i := range requests {
		req := &requests[i]
		_, err := s.db.ExecContext(ctx, `
INSERT INTO dump_trucks.requests (request_id, number, status, raw, updated_at)
VALUES ($1, $2, $3, $4, now())
ON CONFLICT (request_id) DO UPDATE SET
	number = EXCLUDED.number,
	status = EXCLUDED.status,
	raw = EXCLUDED.raw,
	updated_at = now()`,
			req.ID, req.Number, req.Status, rawOrNull(req.Raw))
		if err != nil {
			return fmt.Errorf("upserting request %d: %w", req.ID, err)
		}
	}
	return nil
}

// UpsertRouteLists caches the parsed route lists. Cached shadows of external
// state: upserted, never deleted.
func (s *Store) UpsertRouteLists(ctx context.Context, lists []routelist.Parsed) error {
	for i := range lists {
		rl := &lists[i]
		numbers, err := json.Marshal(emptyAsList(rl.RequestNumbers))
		if err != nil {
			return fmt.Errorf("encoding request numbers: %w", err)
		}
		_, err = s.db.ExecContext(ctx, `
INSERT INTO dump_trucks.route_lists (pl_id, number, status, planned_start, planned_end, request_numbers, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, now())
ON CONFLICT (pl_id) DO UPDATE SET
	number = EXCLUDED.number,
	status = EXCLUDED.status,
	planned_start = EXCLUDED.planned_start,
	planned_end = EXCLUDED.planned_end,
	request_numbers = EXCLUDED.request_numbers,
	updated_at = now()`,
			rl.PlID, rl.Number, rl.Status, rl.PlannedStart, rl.PlannedEnd, numbers)
		if err != nil {
			return fmt.Errorf("upserting route list %d: %w", rl.PlID, err)
		}
	}
	return nil
}

func clamp100(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func emptyAsList(ns []int64) []int64 {
	if ns == nil {
		return []int64{}
	}
	return ns
}

func nullableID(id int64) interface{} {
	if id == 0 {
		return nil
	}
	return id
}

func rawOrNull(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
