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

package geofence

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

// Tag marks a zone's role on a work-site.
type Tag string

const (
	TagBoundary  Tag = "boundary"
	TagLoading   Tag = "loading"
	TagUnloading Tag = "unloading"
)

// The reserved tag family the pipeline consumes. Stored zone tags look like
// dt_boundary, dt_loading, dt_unloading.
const TagPrefix = "dt_"

// Zone is a tagged polygon owned by a work-site object. Geometry is WGS84,
// longitude then latitude.
type Zone struct {
	UID        string
	Name       string
	ObjectUID  string
	ObjectName string
	Tag        Tag
	Geometry   orb.MultiPolygon
}

// Contains reports whether the point lies inside the zone geometry.
func (z *Zone) Contains(p orb.Point) bool {
	return planar.MultiPolygonContains(z.Geometry, p)
}

// decodeGeometry turns a stored geometry into a multi-polygon. WKB takes
// precedence; GeoJSON is the fallback encoding.
func decodeGeometry(wkbData []byte, geoJSON []byte) (orb.MultiPolygon, error) {
	var (
		geom orb.Geometry
		err  error
	)
	switch {
	case len(wkbData) > 0:
		geom, err = wkb.Unmarshal(wkbData)
		if err != nil {
			return nil, fmt.Errorf("decoding WKB: %w", err)
		}
	case len(geoJSON) > 0:
		g, err := geojson.UnmarshalGeometry(geoJSON)
		if err != nil {
			return nil, fmt.Errorf("decoding GeoJSON: %w", err)
		}
		geom = g.Geometry()
	default:
		return nil, fmt.Errorf("zone has no geometry")
	}

	switch g := geom.(type) {
	case orb.Polygon:
		return orb.MultiPolygon{g}, nil
	case orb.MultiPolygon:
		return g, nil
	default:
		return nil, fmt.Errorf("unsupported geometry type %T", geom)
	}
}
