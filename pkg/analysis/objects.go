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
	"github.com/GoogleCloudPlatform/fleet-kpi-engine/pkg/geofence"
)

// DetectedObject is the most likely work-site for a track.
type DetectedObject struct {
	UID  string
	Name string
}

// DetectObject counts track points inside each boundary-tagged zone and
// picks the object owning the zone with the strictly maximum count. Ties go
// to the first zone in snapshot order; the snapshot is sorted by zone uid so
// the choice is deterministic. Returns ok=false when the track is empty or
// no boundary zone contains any point.
func DetectObject(track []TrackPoint, zones []geofence.Zone) (DetectedObject, bool) {
	var (
		best      DetectedObject
		bestCount int
	)
	for i := range zones {
		zone := &zones[i]
		if zone.Tag != geofence.TagBoundary {
			continue
		}
		var count int
		for j := range track {
			if zone.Contains(track[j].Point) {
				count++
			}
		}
		if count > bestCount {
			bestCount = count
			best = DetectedObject{UID: zone.ObjectUID, Name: zone.ObjectName}
		}
	}
	return best, bestCount > 0
}
