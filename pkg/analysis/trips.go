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
	"math"
	"sort"
	"time"

	"github.com/GoogleCloudPlatform/fleet-kpi-engine/pkg/geofence"
)

// TripConfig holds the dwell and duration thresholds for trip building.
type TripConfig struct {
	// Minimum dwell inside a loading zone for the stop to count as loading.
	MinLoadingDwell time.Duration
	// Minimum dwell inside an unloading zone for the stop to count as a dump.
	MinUnloadingDwell time.Duration
	// Maximum load-to-dump duration for a pair to form a trip.
	MaxTripDuration time.Duration
}

// DefaultTripConfig returns the production thresholds.
func DefaultTripConfig() TripConfig {
	return TripConfig{
		MinLoadingDwell:   180 * time.Second,
		MinUnloadingDwell: 180 * time.Second,
		MaxTripDuration:   240 * time.Minute,
	}
}

// Trip is a single load-haul-dump cycle: one loading event paired with one
// unloading event.
type Trip struct {
	Number        int // 1-based per shift.
	LoadedAt      time.Time
	UnloadedAt    time.Time
	LoadingZone   string
	UnloadingZone string
	DurationMin   int64
	VolumeM3      float64 // Reserved for future capacity data, currently 0.
}

// BuildTrips pairs loading and unloading zone events into trips. Loadings are
// processed in exit order and matched to the earliest still-unused unloading
// that starts after the loading ends and keeps the trip within the maximum
// duration. Transit crossings below the dwell thresholds never participate.
func BuildTrips(events []ZoneEvent, cfg TripConfig) []Trip {
	var loads, unloads []ZoneEvent
	for i := range events {
		ev := events[i]
		if ev.DurationSec == nil || ev.ExitedAt == nil {
			continue
		}
		switch {
		case ev.ZoneTag == geofence.TagLoading && time.Duration(*ev.DurationSec)*time.Second >= cfg.MinLoadingDwell:
			loads = append(loads, ev)
		case ev.ZoneTag == geofence.TagUnloading && time.Duration(*ev.DurationSec)*time.Second >= cfg.MinUnloadingDwell:
			unloads = append(unloads, ev)
		}
	}
	sort.SliceStable(loads, func(i, j int) bool {
		return loads[i].ExitedAt.Before(*loads[j].ExitedAt)
	})

	var (
		trips []Trip
		used  = make([]bool, len(unloads))
	)
	for i := range loads {
		load := &loads[i]
		for j := range unloads {
			if used[j] {
				continue
			}
			unload := &unloads[j]
			if !unload.EnteredAt.After(*load.ExitedAt) {
				continue
			}
			tripDuration := unload.ExitedAt.Sub(load.EnteredAt)
			if tripDuration > cfg.MaxTripDuration {
				continue
			}
			used[j] = true
			trips = append(trips, Trip{
				Number:        len(trips) + 1,
				LoadedAt:      load.EnteredAt,
				UnloadedAt:    *unload.ExitedAt,
				LoadingZone:   load.ZoneName,
				UnloadingZone: unload.ZoneName,
				DurationMin:   int64(math.Round(tripDuration.Seconds() / 60)),
			})
			break
		}
	}
	return trips
}
