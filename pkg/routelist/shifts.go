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

package routelist

import (
	"time"
)

// ShiftType identifies one of the two fixed 12-hour operational windows.
type ShiftType string

const (
	// Shift1 is the daytime window, 07:30-19:30 local.
	Shift1 ShiftType = "shift1"
	// Shift2 is the nighttime window, 19:30-07:30 the following day.
	Shift2 ShiftType = "shift2"
)

// Valid reports whether s is a known shift type.
func (s ShiftType) Valid() bool {
	return s == Shift1 || s == Shift2
}

const (
	shiftStartHour   = 7
	shiftStartMinute = 30
	shiftLength      = 12 * time.Hour
)

// Window is a half-open shift interval [Start, End). ReportDate is the
// start-day of the window even for shift2 crossing midnight.
type Window struct {
	Type       ShiftType
	ReportDate time.Time // Midnight of the report day in the operational timezone.
	Start      time.Time // UTC.
	End        time.Time // UTC.
}

// CanonicalWindow computes the full shift window anchored at the given local
// date: shift1 starts at 07:30, shift2 at 19:30 ending 07:30 the next day.
func CanonicalWindow(date time.Time, shift ShiftType, loc *time.Location) Window {
	d := date.In(loc)
	day := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, loc)

	start := day.Add(shiftStartHour*time.Hour + shiftStartMinute*time.Minute)
	if shift == Shift2 {
		start = start.Add(shiftLength)
	}
	return Window{
		Type:       shift,
		ReportDate: day,
		Start:      start.UTC(),
		End:        start.Add(shiftLength).UTC(),
	}
}

// SplitIntoShifts maps a planned period into the ordered canonical shift
// windows it intersects, each clipped to [plannedStart, plannedEnd].
func SplitIntoShifts(plannedStart, plannedEnd time.Time, loc *time.Location) []Window {
	if plannedEnd.Before(plannedStart) {
		return nil
	}

	var out []Window
	// Walk day by day; start one day early so a shift2 window opened the
	// previous evening is not missed.
	day := plannedStart.In(loc).AddDate(0, 0, -1)
	limit := plannedEnd.In(loc).AddDate(0, 0, 1)
	for !day.After(limit) {
		for _, shift := range []ShiftType{Shift1, Shift2} {
			w := CanonicalWindow(day, shift, loc)
			if !w.Start.Before(plannedEnd) || !plannedStart.Before(w.End) {
				continue
			}
			if w.Start.Before(plannedStart) {
				w.Start = plannedStart.UTC()
			}
			if w.End.After(plannedEnd) {
				w.End = plannedEnd.UTC()
			}
			out = append(out, w)
		}
		day = day.AddDate(0, 0, 1)
	}
	return out
}
