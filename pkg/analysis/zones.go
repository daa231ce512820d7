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

// Package analysis derives zone events, trips and KPIs from GPS tracks.
// Everything in here is a pure function over in-memory values; no I/O.
package analysis

import (
	"sort"
	"time"

	"github.com/paulmach/orb"

	"github.com/GoogleCloudPlatform/fleet-kpi-engine/pkg/geofence"
)

// TrackPoint is one GPS sample with an optional timestamp. Time is nil when
// the payload timestamp failed to parse.
type TrackPoint struct {
	Point orb.Point // Longitude, latitude (WGS84).
	Time  *time.Time
}

// ZoneEvent is the result of reducing a track against one zone: a contiguous
// interval the vehicle spent inside. ExitedAt is nil when the vehicle was
// still inside at the end of the track and the last timestamp was unusable.
type ZoneEvent struct {
	ZoneUID     string
	ZoneName    string
	ZoneTag     geofence.Tag
	ObjectUID   string
	ObjectName  string
	EnteredAt   time.Time
	ExitedAt    *time.Time
	DurationSec *int64
}

// AnalyzeZones sweeps the time-ordered track once per zone and emits the
// ordered entry/exit events. An interval still open at the end of the track
// is closed at the last track timestamp. Events are sorted by EnteredAt;
// per zone they are pairwise time-disjoint with non-negative durations.
func AnalyzeZones(track []TrackPoint, zones []geofence.Zone) []ZoneEvent {
	var events []ZoneEvent
	for i := range zones {
		events = append(events, sweepZone(track, &zones[i])...)
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].EnteredAt.Before(events[j].EnteredAt)
	})
	return events
}

func sweepZone(track []TrackPoint, zone *geofence.Zone) []ZoneEvent {
	var (
		events     []ZoneEvent
		inside     bool
		insideFrom *time.Time
	)
	emit := func(exitedAt *time.Time) {
		// Without a usable entry timestamp there is no interval to report.
		if insideFrom == nil {
			return
		}
		ev := ZoneEvent{
			ZoneUID:    zone.UID,
			ZoneName:   zone.Name,
			ZoneTag:    zone.Tag,
			ObjectUID:  zone.ObjectUID,
			ObjectName: zone.ObjectName,
			EnteredAt:  *insideFrom,
			ExitedAt:   exitedAt,
		}
		if exitedAt != nil {
			d := int64(exitedAt.Sub(*insideFrom).Round(time.Second) / time.Second)
			if d < 0 {
				d = 0
			}
			ev.DurationSec = &d
		}
		events = append(events, ev)
	}

	for i := range track {
		pt := &track[i]
		in := zone.Contains(pt.Point)
		switch {
		case in && !inside:
			inside = true
			insideFrom = pt.Time
		case in && inside && insideFrom == nil:
			// Entry point had no usable timestamp; anchor the interval at the
			// first timestamped point inside.
			insideFrom = pt.Time
		case !in && inside:
			emit(pt.Time)
			inside = false
			insideFrom = nil
		}
	}
	if inside {
		emit(lastTimestamp(track))
	}
	return events
}

func lastTimestamp(track []TrackPoint) *time.Time {
	if len(track) == 0 {
		return nil
	}
	return track[len(track)-1].Time
}

// OnsiteSec sums the durations of boundary events belonging to the given
// object. Events of other objects are not counted, so tracks visiting
// multiple objects in one shift under-report time at secondary sites.
func OnsiteSec(events []ZoneEvent, objectUID string) int64 {
	var total int64
	for i := range events {
		ev := &events[i]
		if ev.ZoneTag != geofence.TagBoundary || ev.ObjectUID != objectUID || ev.DurationSec == nil {
			continue
		}
		total += *ev.DurationSec
	}
	return total
}

// FilterByObject keeps the events belonging to the given object.
func FilterByObject(events []ZoneEvent, objectUID string) []ZoneEvent {
	var out []ZoneEvent
	for i := range events {
		if events[i].ObjectUID == objectUID {
			out = append(out, events[i])
		}
	}
	return out
}
