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
	"time"
)

// WorkType classifies a vehicle's shift role.
type WorkType string

const (
	// WorkDelivery: the vehicle completed at least one trip.
	WorkDelivery WorkType = "delivery"
	// WorkOnsite: no trips, but at least 60% of engine time spent on site.
	WorkOnsite WorkType = "onsite"
	// WorkUnknown: neither criterion met.
	WorkUnknown WorkType = "unknown"
)

// ClassifyWorkType is a pure function of engine time, onsite time and trips.
func ClassifyWorkType(engineTimeSec float64, onsiteSec int64, tripsCount int) WorkType {
	if tripsCount > 0 {
		return WorkDelivery
	}
	if engineTimeSec > 0 && float64(onsiteSec)/engineTimeSec*100 >= 60 {
		return WorkOnsite
	}
	return WorkUnknown
}

// KPIs are the per-shift utilisation figures.
type KPIs struct {
	// KipPct is engine-on time over shift length, percent, clamped to [0, 100].
	KipPct float64
	// MovementPct is moving time over engine time, percent, clamped to [0, 100].
	MovementPct  float64
	OnsiteMin    int64
	TripsCount   int
	FactVolumeM3 float64
}

// CalcKPIs derives the utilisation and motion percentages for one shift
// window. Percentages are rounded half-up to two decimals.
func CalcKPIs(shiftStart, shiftEnd time.Time, engineTimeSec, movingTimeSec float64, onsiteSec int64, trips []Trip) KPIs {
	shiftDurationSec := shiftEnd.Sub(shiftStart).Seconds()
	if shiftDurationSec < 1 {
		shiftDurationSec = 1
	}

	kip := clampPct(engineTimeSec / shiftDurationSec * 100)
	movement := 0.0
	if engineTimeSec > 0 {
		movement = clampPct(movingTimeSec / engineTimeSec * 100)
	}

	var volume float64
	for i := range trips {
		volume += trips[i].VolumeM3
	}
	return KPIs{
		KipPct:       round2(kip),
		MovementPct:  round2(movement),
		OnsiteMin:    int64(math.Round(float64(onsiteSec) / 60)),
		TripsCount:   len(trips),
		FactVolumeM3: volume,
	}
}

func clampPct(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// round2 rounds half-up to two decimals.
func round2(v float64) float64 {
	return math.Floor(v*100+0.5) / 100
}
