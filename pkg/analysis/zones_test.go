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

package analysis

import (
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoogleCloudPlatform/fleet-kpi-engine/pkg/geofence"
)

func square(x, y, size float64) orb.MultiPolygon {
	return orb.MultiPolygon{{orb.Ring{
		{x, y}, {x + size, y}, {x + size, y + size}, {x, y + size}, {x, y},
	}}}
}

// Test site layout: one object o-1 with a boundary covering the loading bay
// L1 and the dump bay U1, plus a second object o-2 further away.
func testZones() []geofence.Zone {
	return []geofence.Zone{
		{UID: "z-o1", Name: "Карьер 1", Tag: geofence.TagBoundary, ObjectUID: "o-1", ObjectName: "Объект 1", Geometry: square(-5, -5, 25)},
		{UID: "z-l1", Name: "Погрузка 1", Tag: geofence.TagLoading, ObjectUID: "o-1", ObjectName: "Объект 1", Geometry: square(0, 0, 1)},
		{UID: "z-u1", Name: "Выгрузка 1", Tag: geofence.TagUnloading, ObjectUID: "o-1", ObjectName: "Объект 1", Geometry: square(10, 10, 1)},
		{UID: "z-o2", Name: "Карьер 2", Tag: geofence.TagBoundary, ObjectUID: "o-2", ObjectName: "Объект 2", Geometry: square(50, 50, 5)},
	}
}

func at(t *testing.T, clock string) time.Time {
	t.Helper()
	ts, err := time.Parse("2006-01-02 15:04:05", "2025-03-05 "+clock)
	require.NoError(t, err)
	return ts
}

func pt(t *testing.T, x, y float64, clock string) TrackPoint {
	t.Helper()
	ts := at(t, clock)
	return TrackPoint{Point: orb.Point{x, y}, Time: &ts}
}

func zoneOf(t *testing.T, events []ZoneEvent, uid string) []ZoneEvent {
	t.Helper()
	var out []ZoneEvent
	for _, ev := range events {
		if ev.ZoneUID == uid {
			out = append(out, ev)
		}
	}
	return out
}

func TestAnalyzeZonesEntryExit(t *testing.T) {
	track := []TrackPoint{
		pt(t, -10, -10, "09:55:00"), // outside everything
		pt(t, 0.5, 0.5, "10:00:00"), // inside L1 (and O1)
		pt(t, 0.6, 0.5, "10:03:00"),
		pt(t, 3, 3, "10:05:00"), // left L1, still in O1
		pt(t, -10, -10, "10:20:00"),
	}

	events := AnalyzeZones(track, testZones())

	l1 := zoneOf(t, events, "z-l1")
	require.Len(t, l1, 1)
	assert.True(t, l1[0].EnteredAt.Equal(at(t, "10:00:00")))
	require.NotNil(t, l1[0].ExitedAt)
	assert.True(t, l1[0].ExitedAt.Equal(at(t, "10:05:00")))
	require.NotNil(t, l1[0].DurationSec)
	assert.Equal(t, int64(300), *l1[0].DurationSec)

	o1 := zoneOf(t, events, "z-o1")
	require.Len(t, o1, 1)
	assert.True(t, o1[0].EnteredAt.Equal(at(t, "10:00:00")))
	assert.True(t, o1[0].ExitedAt.Equal(at(t, "10:20:00")))
}

func TestAnalyzeZonesSortedAndDisjoint(t *testing.T) {
	// Two separate visits to L1 with a gap.
	track := []TrackPoint{
		pt(t, -10, -10, "09:00:00"),
		pt(t, 0.5, 0.5, "09:10:00"),
		pt(t, -10, -10, "09:20:00"),
		pt(t, 0.5, 0.5, "09:40:00"),
		pt(t, -10, -10, "09:50:00"),
	}

	events := AnalyzeZones(track, testZones())

	for i := 1; i < len(events); i++ {
		assert.False(t, events[i].EnteredAt.Before(events[i-1].EnteredAt), "events sorted by EnteredAt")
	}
	l1 := zoneOf(t, events, "z-l1")
	require.Len(t, l1, 2)
	// Pairwise disjoint per zone.
	assert.False(t, l1[1].EnteredAt.Before(*l1[0].ExitedAt))
	for _, ev := range events {
		if ev.DurationSec != nil {
			assert.GreaterOrEqual(t, *ev.DurationSec, int64(0))
		}
	}
}

// Scenario: vehicle enters the boundary at 19:00 and the track ends at 19:30
// without an exit. The open interval is closed at the last track timestamp.
func TestAnalyzeZonesStillInsideAtEndOfShift(t *testing.T) {
	track := []TrackPoint{
		pt(t, -10, -10, "18:50:00"),
		pt(t, 3, 3, "19:00:00"),
		pt(t, 4, 4, "19:30:00"),
	}

	events := AnalyzeZones(track, testZones())

	o1 := zoneOf(t, events, "z-o1")
	require.Len(t, o1, 1)
	assert.True(t, o1[0].EnteredAt.Equal(at(t, "19:00:00")))
	require.NotNil(t, o1[0].ExitedAt)
	assert.True(t, o1[0].ExitedAt.Equal(at(t, "19:30:00")))
	require.NotNil(t, o1[0].DurationSec)
	assert.Equal(t, int64(1800), *o1[0].DurationSec)

	assert.Equal(t, int64(1800), OnsiteSec(events, "o-1"))
}

func TestAnalyzeZonesUnparseableLastTimestamp(t *testing.T) {
	track := []TrackPoint{
		pt(t, -10, -10, "18:50:00"),
		pt(t, 3, 3, "19:00:00"),
		{Point: orb.Point{4, 4}, Time: nil},
	}

	events := AnalyzeZones(track, testZones())

	o1 := zoneOf(t, events, "z-o1")
	require.Len(t, o1, 1)
	assert.Nil(t, o1[0].ExitedAt)
	assert.Nil(t, o1[0].DurationSec)
}

func TestAnalyzeZonesEmptyTrack(t *testing.T) {
	assert.Empty(t, AnalyzeZones(nil, testZones()))
}

func TestOnsiteSecScopedToObject(t *testing.T) {
	d1, d2 := int64(100), int64(50)
	exit := at(t, "10:00:00")
	events := []ZoneEvent{
		{ZoneTag: geofence.TagBoundary, ObjectUID: "o-1", EnteredAt: at(t, "09:00:00"), ExitedAt: &exit, DurationSec: &d1},
		{ZoneTag: geofence.TagBoundary, ObjectUID: "o-2", EnteredAt: at(t, "09:00:00"), ExitedAt: &exit, DurationSec: &d2},
		{ZoneTag: geofence.TagLoading, ObjectUID: "o-1", EnteredAt: at(t, "09:00:00"), ExitedAt: &exit, DurationSec: &d1},
	}

	assert.Equal(t, int64(100), OnsiteSec(events, "o-1"))
	assert.Equal(t, int64(50), OnsiteSec(events, "o-2"))
	assert.Equal(t, int64(0), OnsiteSec(events, "o-3"))
}

func TestFilterByObject(t *testing.T) {
	events := []ZoneEvent{
		{ZoneUID: "a", ObjectUID: "o-1"},
		{ZoneUID: "b", ObjectUID: "o-2"},
		{ZoneUID: "c", ObjectUID: "o-1"},
	}
	got := FilterByObject(events, "o-1")
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ZoneUID)
	assert.Equal(t, "c", got[1].ZoneUID)
}
