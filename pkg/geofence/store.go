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
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jmoiron/sqlx"
)

// ErrZonesEmpty is returned by callers that require a non-empty zone set.
var ErrZonesEmpty = errors.New("geofence: no zones loaded")

// Store loads tagged zone polygons from the geo schema. The pipeline reads a
// single eager snapshot at run start; there is no incremental refresh.
type Store struct {
	logger log.Logger
	db     *sqlx.DB
}

func NewStore(logger log.Logger, db *sqlx.DB) *Store {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Store{logger: logger, db: db}
}

const snapshotQuery = `
SELECT z.zone_uid, z.name, z.tag, z.object_uid, o.name AS object_name, z.geom_wkb, z.geom_geojson
FROM geo.zones z
JOIN geo.objects o ON o.object_uid = z.object_uid
WHERE z.tag LIKE 'dt\_%'
ORDER BY z.zone_uid`

// Snapshot loads all zones of the reserved dt_ tag family. Zones whose
// geometry fails to decode are skipped with a warning. The returned order is
// deterministic (zone uid ascending), which object detection relies on for
// its tie-break.
func (s *Store) Snapshot(ctx context.Context) ([]Zone, error) {
	rows, err := s.db.QueryxContext(ctx, snapshotQuery)
	if err != nil {
		return nil, fmt.Errorf("querying zones: %w", err)
	}
	defer rows.Close()

	var zones []Zone
	for rows.Next() {
		var row struct {
			ZoneUID     string `db:"zone_uid"`
			Name        string `db:"name"`
			Tag         string `db:"tag"`
			ObjectUID   string `db:"object_uid"`
			ObjectName  string `db:"object_name"`
			GeomWKB     []byte `db:"geom_wkb"`
			GeomGeoJSON []byte `db:"geom_geojson"`
		}
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("scanning zone row: %w", err)
		}

		geom, err := decodeGeometry(row.GeomWKB, row.GeomGeoJSON)
		if err != nil {
			_ = level.Warn(s.logger).Log("msg", "skipping zone with invalid geometry", "zoneUid", row.ZoneUID, "err", err)
			continue
		}
		zones = append(zones, Zone{
			UID:        row.ZoneUID,
			Name:       row.Name,
			ObjectUID:  row.ObjectUID,
			ObjectName: row.ObjectName,
			Tag:        Tag(strings.TrimPrefix(row.Tag, TagPrefix)),
			Geometry:   geom,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating zone rows: %w", err)
	}
	return zones, nil
}
