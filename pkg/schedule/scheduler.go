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

// Package schedule fires the two daily ingestion triggers in the operational
// timezone: 08:30 closes yesterday's night shift, 20:30 closes today's day
// shift.
package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/GoogleCloudPlatform/fleet-kpi-engine/pkg/routelist"
)

// RunFunc executes one pipeline run for the shift anchored at date.
type RunFunc func(ctx context.Context, date time.Time, shift routelist.ShiftType) error

type trigger struct {
	hour, minute int
	shift        routelist.ShiftType
	// Day offset of the report date relative to the trigger day.
	dateOffsetDays int
}

var triggers = []trigger{
	{hour: 8, minute: 30, shift: routelist.Shift2, dateOffsetDays: -1},
	{hour: 20, minute: 30, shift: routelist.Shift1, dateOffsetDays: 0},
}

// Scheduler wakes up for each trigger and hands the run to fn. Triggers
// arriving while a run is still in flight are dropped.
type Scheduler struct {
	logger log.Logger
	loc    *time.Location
	fn     RunFunc

	// Held for the duration of a run; TryLock failure means coalescing.
	runMtx sync.Mutex

	now func() time.Time

	triggersTotal *prometheus.CounterVec
}

// New creates a scheduler firing in loc.
func New(logger log.Logger, reg prometheus.Registerer, loc *time.Location, fn RunFunc) *Scheduler {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	s := &Scheduler{
		logger: logger,
		loc:    loc,
		fn:     fn,
		now:    time.Now,
		triggersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_engine_schedule_triggers_total",
			Help: "Schedule triggers by shift and disposition.",
		}, []string{"shift", "disposition"}),
	}
	if reg != nil {
		reg.MustRegister(s.triggersTotal)
	}
	return s
}

// Run blocks, firing triggers until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		fireAt, trig := s.next(s.now())
		_ = level.Info(s.logger).Log("msg", "next trigger scheduled",
			"at", fireAt.Format(time.RFC3339), "shift", trig.shift)

		timer := time.NewTimer(time.Until(fireAt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		s.fire(ctx, fireAt, trig)
	}
}

// next returns the earliest trigger strictly after now.
func (s *Scheduler) next(now time.Time) (time.Time, trigger) {
	now = now.In(s.loc)
	var (
		best     time.Time
		bestTrig trigger
	)
	for dayOffset := 0; dayOffset <= 1; dayOffset++ {
		day := now.AddDate(0, 0, dayOffset)
		for _, trig := range triggers {
			at := time.Date(day.Year(), day.Month(), day.Day(), trig.hour, trig.minute, 0, 0, s.loc)
			if !at.After(now) {
				continue
			}
			if best.IsZero() || at.Before(best) {
				best, bestTrig = at, trig
			}
		}
	}
	return best, bestTrig
}

// fire starts one run unless the previous one is still in flight.
func (s *Scheduler) fire(ctx context.Context, firedAt time.Time, trig trigger) {
	if !s.runMtx.TryLock() {
		_ = level.Warn(s.logger).Log("msg", "previous run still in flight, dropping trigger", "shift", trig.shift)
		s.triggersTotal.WithLabelValues(string(trig.shift), "coalesced").Inc()
		return
	}
	s.triggersTotal.WithLabelValues(string(trig.shift), "fired").Inc()

	date := firedAt.In(s.loc).AddDate(0, 0, trig.dateOffsetDays)
	date = time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, s.loc)

	go func() {
		defer s.runMtx.Unlock()
		if err := s.fn(ctx, date, trig.shift); err != nil {
			_ = level.Error(s.logger).Log("msg", "scheduled run failed",
				"date", date.Format("2006-01-02"), "shift", trig.shift, "err", err)
		}
	}()
}
