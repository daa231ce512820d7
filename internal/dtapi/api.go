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

// Package dtapi is the read-only HTTP surface over the persisted KPI data,
// rooted at /api/dt. All responses are {data, total?} envelopes; dates in
// query strings are YYYY-MM-DD.
package dtapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/GoogleCloudPlatform/fleet-kpi-engine/internal/store"
	"github.com/GoogleCloudPlatform/fleet-kpi-engine/pkg/routelist"
)

const dateLayout = "2006-01-02"

// Queries is the read surface of the store the API consumes.
type Queries interface {
	ListObjects(ctx context.Context) ([]store.ObjectView, error)
	ListShiftRecords(ctx context.Context, f store.ShiftRecordFilter) ([]store.ShiftRecordView, error)
	ListTrips(ctx context.Context, shiftRecordID int64) ([]store.TripView, error)
	ListZoneEvents(ctx context.Context, vehicleID int64, reportDate time.Time, shiftType string) ([]store.ZoneEventView, error)
	ListOrders(ctx context.Context, from, to time.Time) ([]store.OrderView, error)
	OrderGantt(ctx context.Context, number int64, from, to time.Time) ([]store.GanttCell, error)
	ShiftDetail(ctx context.Context, shiftRecordID int64) (store.ShiftDetailView, error)
}

// Runner fires one pipeline run; the admin fetch endpoint detaches it.
type Runner interface {
	Run(ctx context.Context, date time.Time, shift routelist.ShiftType) error
}

// API serves the dashboard read endpoints and the admin fetch trigger.
type API struct {
	logger  log.Logger
	queries Queries
	runner  Runner
	loc     *time.Location
}

// New creates the API. runner may be nil, disabling the admin endpoint.
func New(logger log.Logger, queries Queries, runner Runner, loc *time.Location) *API {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &API{logger: logger, queries: queries, runner: runner, loc: loc}
}

// Handler returns the routed HTTP handler.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Route("/api/dt", func(r chi.Router) {
		r.Get("/health", a.handleHealth)
		r.Get("/objects", a.handleObjects)
		r.Get("/shift-records", a.handleShiftRecords)
		r.Get("/trips", a.handleTrips)
		r.Get("/zone-events", a.handleZoneEvents)
		r.Get("/orders", a.handleOrders)
		r.Get("/orders/{number}/gantt", a.handleOrderGantt)
		r.Get("/shift-detail", a.handleShiftDetail)
		r.Post("/admin/fetch", a.handleAdminFetch)
	})
	return r
}

type envelope struct {
	Data  interface{} `json:"data"`
	Total *int        `json:"total,omitempty"`
}

func (a *API) writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_ = level.Error(a.logger).Log("msg", "writing response failed", "err", err)
	}
}

func (a *API) writeData(w http.ResponseWriter, data interface{}, total int) {
	a.writeJSON(w, http.StatusOK, envelope{Data: data, Total: &total})
}

func (a *API) writeError(w http.ResponseWriter, code int, msg string) {
	a.writeJSON(w, code, map[string]string{"error": msg})
}

func (a *API) internalError(w http.ResponseWriter, op string, err error) {
	_ = level.Error(a.logger).Log("msg", "request failed", "op", op, "err", err)
	a.writeError(w, http.StatusInternalServerError, "internal error")
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleObjects(w http.ResponseWriter, r *http.Request) {
	objects, err := a.queries.ListObjects(r.Context())
	if err != nil {
		a.internalError(w, "objects", err)
		return
	}
	a.writeData(w, objects, len(objects))
}

func (a *API) handleShiftRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter store.ShiftRecordFilter

	for _, p := range []struct {
		name string
		dst  **time.Time
	}{
		{"dateFrom", &filter.DateFrom},
		{"dateTo", &filter.DateTo},
	} {
		if raw := q.Get(p.name); raw != "" {
			d, err := time.Parse(dateLayout, raw)
			if err != nil {
				a.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s: %q", p.name, raw))
				return
			}
			*p.dst = &d
		}
	}
	filter.ObjectUID = q.Get("objectUid")
	if st := q.Get("shiftType"); st != "" {
		if !routelist.ShiftType(st).Valid() {
			a.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid shiftType: %q", st))
			return
		}
		filter.ShiftType = st
	}

	records, err := a.queries.ListShiftRecords(r.Context(), filter)
	if err != nil {
		a.internalError(w, "shift-records", err)
		return
	}
	a.writeData(w, records, len(records))
}

func (a *API) handleTrips(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.URL.Query().Get("shiftRecordId"), 10, 64)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, "shiftRecordId is required")
		return
	}
	trips, err := a.queries.ListTrips(r.Context(), id)
	if err != nil {
		a.internalError(w, "trips", err)
		return
	}
	a.writeData(w, trips, len(trips))
}

func (a *API) handleZoneEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	vehicleID, err := strconv.ParseInt(q.Get("vehicleId"), 10, 64)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, "vehicleId is required")
		return
	}
	date, err := time.Parse(dateLayout, q.Get("date"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, "date is required as YYYY-MM-DD")
		return
	}
	shift := routelist.ShiftType(q.Get("shiftType"))
	if !shift.Valid() {
		a.writeError(w, http.StatusBadRequest, "shiftType must be shift1 or shift2")
		return
	}

	events, err := a.queries.ListZoneEvents(r.Context(), vehicleID, date, string(shift))
	if err != nil {
		a.internalError(w, "zone-events", err)
		return
	}
	a.writeData(w, events, len(events))
}

// handleOrders defaults the period to the last two months when unspecified,
// matching the pipeline's request lookback.
func (a *API) handleOrders(w http.ResponseWriter, r *http.Request) {
	from, to, ok := a.parsePeriod(w, r)
	if !ok {
		return
	}
	orders, err := a.queries.ListOrders(r.Context(), from, to)
	if err != nil {
		a.internalError(w, "orders", err)
		return
	}
	a.writeData(w, orders, len(orders))
}

func (a *API) handleOrderGantt(w http.ResponseWriter, r *http.Request) {
	number, err := strconv.ParseInt(chi.URLParam(r, "number"), 10, 64)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, "order number must be numeric")
		return
	}
	from, to, ok := a.parsePeriod(w, r)
	if !ok {
		return
	}
	cells, err := a.queries.OrderGantt(r.Context(), number, from, to)
	if err != nil {
		a.internalError(w, "order-gantt", err)
		return
	}
	a.writeData(w, cells, len(cells))
}

func (a *API) handleShiftDetail(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.URL.Query().Get("shiftRecordId"), 10, 64)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, "shiftRecordId is required")
		return
	}
	detail, err := a.queries.ShiftDetail(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		a.writeError(w, http.StatusNotFound, "shift record not found")
		return
	}
	if err != nil {
		a.internalError(w, "shift-detail", err)
		return
	}
	a.writeJSON(w, http.StatusOK, envelope{Data: detail})
}

// handleAdminFetch fires one pipeline run detached from the request and
// responds immediately.
func (a *API) handleAdminFetch(w http.ResponseWriter, r *http.Request) {
	if a.runner == nil {
		a.writeError(w, http.StatusNotFound, "manual fetch is disabled")
		return
	}
	q := r.URL.Query()
	date, err := time.Parse(dateLayout, q.Get("date"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, "date is required as YYYY-MM-DD")
		return
	}
	shift := routelist.ShiftType(q.Get("shift"))
	if !shift.Valid() {
		a.writeError(w, http.StatusBadRequest, "shift must be shift1 or shift2")
		return
	}
	if a.loc != nil {
		date = time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, a.loc)
	}

	logger := log.With(a.logger, "date", date.Format(dateLayout), "shift", shift)
	_ = level.Info(logger).Log("msg", "manual fetch triggered")
	go func() {
		if err := a.runner.Run(context.Background(), date, shift); err != nil {
			_ = level.Error(logger).Log("msg", "manual fetch failed", "err", err)
		}
	}()

	a.writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (a *API) parsePeriod(w http.ResponseWriter, r *http.Request) (from, to time.Time, ok bool) {
	q := r.URL.Query()
	to = time.Now().UTC().Truncate(24 * time.Hour)
	from = to.AddDate(0, -2, 0)

	if raw := q.Get("dateFrom"); raw != "" {
		d, err := time.Parse(dateLayout, raw)
		if err != nil {
			a.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid dateFrom: %q", raw))
			return from, to, false
		}
		from = d
	}
	if raw := q.Get("dateTo"); raw != "" {
		d, err := time.Parse(dateLayout, raw)
		if err != nil {
			a.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid dateTo: %q", raw))
			return from, to, false
		}
		to = d
	}
	return from, to, true
}
