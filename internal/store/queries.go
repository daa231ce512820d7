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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrNotFound is returned by single-row lookups with no match.
var ErrNotFound = errors.New("store: not found")

// The view types below are the JSON shapes the dashboard UI consumes.

type ObjectView struct {
	ObjectUID string `json:"objectUid"`
	Name      string `json:"name"`
}

type ShiftRecordView struct {
	ID             int64    `json:"id"`
	ReportDate     string   `json:"reportDate"`
	ShiftType      string   `json:"shiftType"`
	VehicleID      int64    `json:"vehicleId"`
	VehicleName    string   `json:"vehicleName"`
	Plate          string   `json:"plate"`
	ObjectUID      string   `json:"objectUid"`
	ObjectName     string   `json:"objectName"`
	WorkType       string   `json:"workType"`
	EngineTimeSec  float64  `json:"engineTimeSec"`
	MovingTimeSec  float64  `json:"movingTimeSec"`
	DistanceKm     float64  `json:"distanceKm"`
	OnsiteMin      int64    `json:"onsiteMin"`
	TripsCount     int      `json:"tripsCount"`
	FactVolumeM3   float64  `json:"factVolume"`
	KipPct         float64  `json:"kipPct"`
	MovementPct    float64  `json:"movementPct"`
	PlID           int64    `json:"plId,omitempty"`
	RequestNumbers []int64  `json:"requestNumbers"`
	Repairs        []string `json:"repairs,omitempty"`
}

type TripView struct {
	TripNumber    int    `json:"tripNumber"`
	LoadedAt      string `json:"loadedAt"`
	UnloadedAt    string `json:"unloadedAt"`
	LoadingZone   string `json:"loadingZone"`
	UnloadingZone string `json:"unloadingZone"`
	DurationMin   int64  `json:"durationMin"`
}

type ZoneEventView struct {
	ZoneUID     string  `json:"zoneUid"`
	ZoneName    string  `json:"zoneName"`
	ZoneTag     string  `json:"zoneTag"`
	ObjectUID   string  `json:"objectUid"`
	EnteredAt   string  `json:"enteredAt"`
	ExitedAt    *string `json:"exitedAt"`
	DurationSec *int64  `json:"durationSec"`
}

type OrderView struct {
	RequestID    int64   `json:"requestId"`
	Number       string  `json:"number"`
	Status       string  `json:"status"`
	ShiftRecords int64   `json:"shiftRecords"`
	TripsTotal   int64   `json:"tripsTotal"`
	VolumeTotal  float64 `json:"volumeTotal"`
}

type GanttCell struct {
	VehicleID   int64  `json:"vehicleId"`
	VehicleName string `json:"vehicleName"`
	ReportDate  string `json:"reportDate"`
	ShiftType   string `json:"shiftType"`
	TripsCount  int    `json:"tripsCount"`
}

type ShiftDetailView struct {
	Record ShiftRecordView `json:"record"`
	Trips  []TripView      `json:"trips"`
	Events []ZoneEventView `json:"zoneEvents"`
}

// ShiftRecordFilter narrows ListShiftRecords.
type ShiftRecordFilter struct {
	DateFrom  *time.Time
	DateTo    *time.Time
	ObjectUID string
	ShiftType string
}

const dateLayout = "2006-01-02"

// ListObjects returns the objects owning any zone of the dt_ tag family.
func (s *Store) ListObjects(ctx context.Context) ([]ObjectView, error) {
	rows, err := s.db.QueryxContext(ctx, `
SELECT DISTINCT o.object_uid, o.name
FROM geo.objects o
JOIN geo.zones z ON z.object_uid = o.object_uid
WHERE z.tag LIKE 'dt\_%'
ORDER BY o.name`)
	if err != nil {
		return nil, fmt.Errorf("querying objects: %w", err)
	}
	defer rows.Close()

	out := []ObjectView{}
	for rows.Next() {
		var v ObjectView
		if err := rows.Scan(&v.ObjectUID, &v.Name); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// shiftRecordRow scans numeric columns as text; Postgres returns numerics as
// textual decimals and the coercion to float happens here at the boundary.
type shiftRecordRow struct {
	ID             int64          `db:"id"`
	ReportDate     time.Time      `db:"report_date"`
	ShiftType      string         `db:"shift_type"`
	VehicleID      int64          `db:"vehicle_id"`
	VehicleName    string         `db:"vehicle_name"`
	Plate          string         `db:"plate"`
	ObjectUID      string         `db:"object_uid"`
	ObjectName     string         `db:"object_name"`
	WorkType       string         `db:"work_type"`
	EngineTimeSec  string         `db:"engine_time_sec"`
	MovingTimeSec  string         `db:"moving_time_sec"`
	DistanceKm     string         `db:"distance_km"`
	OnsiteMin      int64          `db:"onsite_min"`
	TripsCount     int            `db:"trips_count"`
	FactVolume     string         `db:"fact_volume"`
	KipPct         string         `db:"kip_pct"`
	MovementPct    string         `db:"movement_pct"`
	PlID           sql.NullInt64  `db:"pl_id"`
	RequestNumbers []byte         `db:"request_numbers"`
	Repairs        sql.NullString `db:"repairs"`
}

func (r *shiftRecordRow) view() (ShiftRecordView, error) {
	var numbers []int64
	if len(r.RequestNumbers) > 0 {
		if err := json.Unmarshal(r.RequestNumbers, &numbers); err != nil {
			return ShiftRecordView{}, fmt.Errorf("decoding request numbers of record %d: %w", r.ID, err)
		}
	}
	if numbers == nil {
		numbers = []int64{}
	}
	v := ShiftRecordView{
		ID:             r.ID,
		ReportDate:     r.ReportDate.Format(dateLayout),
		ShiftType:      r.ShiftType,
		VehicleID:      r.VehicleID,
		VehicleName:    r.VehicleName,
		Plate:          r.Plate,
		ObjectUID:      r.ObjectUID,
		ObjectName:     r.ObjectName,
		WorkType:       r.WorkType,
		EngineTimeSec:  parseNumeric(r.EngineTimeSec),
		MovingTimeSec:  parseNumeric(r.MovingTimeSec),
		DistanceKm:     parseNumeric(r.DistanceKm),
		OnsiteMin:      r.OnsiteMin,
		TripsCount:     r.TripsCount,
		FactVolumeM3:   parseNumeric(r.FactVolume),
		KipPct:         parseNumeric(r.KipPct),
		MovementPct:    parseNumeric(r.MovementPct),
		RequestNumbers: numbers,
	}
	if r.PlID.Valid {
		v.PlID = r.PlID.Int64
	}
	if r.Repairs.Valid && r.Repairs.String != "" {
		v.Repairs = splitRepairs(r.Repairs.String)
	}
	return v, nil
}

const shiftRecordColumns = `
sr.id, sr.report_date, sr.shift_type, sr.vehicle_id, sr.vehicle_name, sr.plate,
sr.object_uid, sr.object_name, sr.work_type,
sr.engine_time_sec::text AS engine_time_sec,
sr.moving_time_sec::text AS moving_time_sec,
sr.distance_km::text AS distance_km,
sr.onsite_min, sr.trips_count,
sr.fact_volume::text AS fact_volume,
sr.kip_pct::text AS kip_pct,
sr.movement_pct::text AS movement_pct,
sr.pl_id, sr.request_numbers`

// ListShiftRecords returns shift KPI rows with optional filters, repair notes
// for the vehicle's day attached.
func (s *Store) ListShiftRecords(ctx context.Context, f ShiftRecordFilter) ([]ShiftRecordView, error) {
	query := `
SELECT ` + shiftRecordColumns + `,
	(SELECT string_agg(rep.description, E'\n')
	 FROM dump_trucks.repairs rep
	 WHERE rep.vehicle_id = sr.vehicle_id AND rep.report_date = sr.report_date) AS repairs
FROM dump_trucks.shift_records sr
WHERE 1=1`
	var args []interface{}
	if f.DateFrom != nil {
		args = append(args, *f.DateFrom)
		query += fmt.Sprintf(" AND sr.report_date >= $%d", len(args))
	}
	if f.DateTo != nil {
		args = append(args, *f.DateTo)
		query += fmt.Sprintf(" AND sr.report_date <= $%d", len(args))
	}
	if f.ObjectUID != "" {
		args = append(args, f.ObjectUID)
		query += fmt.Sprintf(" AND sr.object_uid = $%d", len(args))
	}
	if f.ShiftType != "" {
		args = append(args, f.ShiftType)
		query += fmt.Sprintf(" AND sr.shift_type = $%d", len(args))
	}
	query += " ORDER BY sr.report_date, sr.shift_type, sr.vehicle_id"

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying shift records: %w", err)
	}
	defer rows.Close()

	out := []ShiftRecordView{}
	for rows.Next() {
		var row shiftRecordRow
		if err := rows.StructScan(&row); err != nil {
			return nil, err
		}
		v, err := row.view()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// GetShiftRecord returns one record by id or ErrNotFound.
func (s *Store) GetShiftRecord(ctx context.Context, id int64) (ShiftRecordView, error) {
	rows, err := s.db.QueryxContext(ctx, `
SELECT `+shiftRecordColumns+`, NULL AS repairs
FROM dump_trucks.shift_records sr
WHERE sr.id = $1`, id)
	if err != nil {
		return ShiftRecordView{}, fmt.Errorf("querying shift record: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return ShiftRecordView{}, err
		}
		return ShiftRecordView{}, ErrNotFound
	}
	var row shiftRecordRow
	if err := rows.StructScan(&row); err != nil {
		return ShiftRecordView{}, err
	}
	return row.view()
}

// ListTrips returns the trips of one shift record in trip order.
func (s *Store) ListTrips(ctx context.Context, shiftRecordID int64) ([]TripView, error) {
	rows, err := s.db.QueryxContext(ctx, `
SELECT trip_number, loaded_at, unloaded_at, loading_zone, unloading_zone, duration_min
FROM dump_trucks.trips
WHERE shift_record_id = $1
ORDER BY trip_number`, shiftRecordID)
	if err != nil {
		return nil, fmt.Errorf("querying trips: %w", err)
	}
	defer rows.Close()

	out := []TripView{}
	for rows.Next() {
		var (
			v                    TripView
			loadedAt, unloadedAt time.Time
		)
		if err := rows.Scan(&v.TripNumber, &loadedAt, &unloadedAt, &v.LoadingZone, &v.UnloadingZone, &v.DurationMin); err != nil {
			return nil, err
		}
		v.LoadedAt = loadedAt.UTC().Format(time.RFC3339)
		v.UnloadedAt = unloadedAt.UTC().Format(time.RFC3339)
		out = append(out, v)
	}
	return out, rows.Err()
}

// ListZoneEvents returns the raw zone events for a vehicle's shift.
func (s *Store) ListZoneEvents(ctx context.Context, vehicleID int64, reportDate time.Time, shiftType string) ([]ZoneEventView, error) {
	rows, err := s.db.QueryxContext(ctx, `
SELECT zone_uid, zone_name, zone_tag, object_uid, entered_at, exited_at, duration_sec
FROM dump_trucks.zone_events
WHERE vehicle_id = $1 AND report_date = $2 AND shift_type = $3
ORDER BY entered_at`, vehicleID, reportDate, shiftType)
	if err != nil {
		return nil, fmt.Errorf("querying zone events: %w", err)
	}
	defer rows.Close()

	out := []ZoneEventView{}
	for rows.Next() {
		var (
			v         ZoneEventView
			enteredAt time.Time
			exitedAt  sql.NullTime
			duration  sql.NullInt64
		)
		if err := rows.Scan(&v.ZoneUID, &v.ZoneName, &v.ZoneTag, &v.ObjectUID, &enteredAt, &exitedAt, &duration); err != nil {
			return nil, err
		}
		v.EnteredAt = enteredAt.UTC().Format(time.RFC3339)
		if exitedAt.Valid {
			s := exitedAt.Time.UTC().Format(time.RFC3339)
			v.ExitedAt = &s
		}
		if duration.Valid {
			d := duration.Int64
			v.DurationSec = &d
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ListOrders returns requests with their aggregated shift-record activity in
// the period.
func (s *Store) ListOrders(ctx context.Context, from, to time.Time) ([]OrderView, error) {
	rows, err := s.db.QueryxContext(ctx, `
SELECT r.request_id, r.number, r.status,
	COUNT(sr.id) AS shift_records,
	COALESCE(SUM(sr.trips_count), 0) AS trips_total,
	COALESCE(SUM(sr.fact_volume), 0)::text AS volume_total
FROM dump_trucks.requests r
LEFT JOIN dump_trucks.shift_records sr
	ON r.number ~ '^[0-9]+$'
	AND sr.request_numbers @> jsonb_build_array((r.number)::bigint)
	AND sr.report_date BETWEEN $1 AND $2
GROUP BY r.request_id, r.number, r.status
ORDER BY r.number`, from, to)
	if err != nil {
		return nil, fmt.Errorf("querying orders: %w", err)
	}
	defer rows.Close()

	out := []OrderView{}
	for rows.Next() {
		var (
			v      OrderView
			volume string
		)
		if err := rows.Scan(&v.RequestID, &v.Number, &v.Status, &v.ShiftRecords, &v.TripsTotal, &volume); err != nil {
			return nil, err
		}
		v.VolumeTotal = parseNumeric(volume)
		out = append(out, v)
	}
	return out, rows.Err()
}

// OrderGantt returns per-vehicle, per-day, per-shift trip counts for one
// order number.
func (s *Store) OrderGantt(ctx context.Context, number int64, from, to time.Time) ([]GanttCell, error) {
	rows, err := s.db.QueryxContext(ctx, `
SELECT vehicle_id, vehicle_name, report_date, shift_type, trips_count
FROM dump_trucks.shift_records
WHERE request_numbers @> jsonb_build_array($1::bigint)
	AND report_date BETWEEN $2 AND $3
ORDER BY vehicle_id, report_date, shift_type`, number, from, to)
	if err != nil {
		return nil, fmt.Errorf("querying order gantt: %w", err)
	}
	defer rows.Close()

	out := []GanttCell{}
	for rows.Next() {
		var (
			v    GanttCell
			date time.Time
		)
		if err := rows.Scan(&v.VehicleID, &v.VehicleName, &date, &v.ShiftType, &v.TripsCount); err != nil {
			return nil, err
		}
		v.ReportDate = date.Format(dateLayout)
		out = append(out, v)
	}
	return out, rows.Err()
}

// ShiftDetail returns trips and zone events of one shift record.
func (s *Store) ShiftDetail(ctx context.Context, shiftRecordID int64) (ShiftDetailView, error) {
	record, err := s.GetShiftRecord(ctx, shiftRecordID)
	if err != nil {
		return ShiftDetailView{}, err
	}
	trips, err := s.ListTrips(ctx, shiftRecordID)
	if err != nil {
		return ShiftDetailView{}, err
	}
	date, err := time.Parse(dateLayout, record.ReportDate)
	if err != nil {
		return ShiftDetailView{}, fmt.Errorf("parsing stored report date: %w", err)
	}
	events, err := s.ListZoneEvents(ctx, record.VehicleID, date, record.ShiftType)
	if err != nil {
		return ShiftDetailView{}, err
	}
	return ShiftDetailView{Record: record, Trips: trips, Events: events}, nil
}

// parseNumeric coerces a textual decimal to float64; unparseable input
// becomes 0.
func parseNumeric(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func splitRepairs(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '\n' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
