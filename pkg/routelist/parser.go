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
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/GoogleCloudPlatform/fleet-kpi-engine/pkg/fleet"
)

// Vehicles are filtered by this display-name substring outside test mode.
const dumpTruckMarker = "самосвал"

// Parsed is one route list reduced to the fields the pipeline works with.
type Parsed struct {
	PlID           int64
	Number         string
	Status         string
	PlannedStart   time.Time // UTC.
	PlannedEnd     time.Time // UTC.
	Windows        []Window  // Shift windows the planned period intersects.
	Vehicles       []fleet.RouteVehicle
	RequestNumbers []int64 // Deduplicated, insertion order.
}

// ContainsShift reports whether the planned period intersects any window of
// the given shift type.
func (p *Parsed) ContainsShift(shift ShiftType) bool {
	for _, w := range p.Windows {
		if w.Type == shift {
			return true
		}
	}
	return false
}

// Parser filters raw route lists to target vehicles and derives their shift
// windows and request numbers.
type Parser struct {
	logger log.Logger
	codec  *fleet.TimeCodec

	// Non-empty set switches the parser into test mode: only these vehicle
	// ids are kept, regardless of display name.
	testVehicleIDs map[int64]struct{}
}

func NewParser(logger log.Logger, codec *fleet.TimeCodec, testVehicleIDs []int64) *Parser {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	p := &Parser{logger: logger, codec: codec}
	if len(testVehicleIDs) > 0 {
		p.testVehicleIDs = make(map[int64]struct{}, len(testVehicleIDs))
		for _, id := range testVehicleIDs {
			p.testVehicleIDs[id] = struct{}{}
		}
	}
	return p
}

// TestMode reports whether a test vehicle set is configured.
func (p *Parser) TestMode() bool {
	return len(p.testVehicleIDs) > 0
}

// Parse reduces raw route lists. Lists without target vehicles or with
// unparseable planned periods are dropped.
func (p *Parser) Parse(lists []fleet.RouteList) []Parsed {
	out := make([]Parsed, 0, len(lists))
	for _, rl := range lists {
		vehicles := p.filterVehicles(rl.Vehicles)
		if len(vehicles) == 0 {
			continue
		}

		start, okStart := p.codec.Parse(rl.DateOutPlan)
		end, okEnd := p.codec.Parse(rl.DateInPlan)
		if !okStart || !okEnd {
			_ = level.Warn(p.logger).Log("msg", "skipping route list with unparseable planned period",
				"plId", rl.ID, "dateOutPlan", rl.DateOutPlan, "dateInPlan", rl.DateInPlan)
			continue
		}

		out = append(out, Parsed{
			PlID:           rl.ID,
			Number:         rl.TsNumber,
			Status:         rl.Status,
			PlannedStart:   start,
			PlannedEnd:     end,
			Windows:        SplitIntoShifts(start, end, p.codec.Location()),
			Vehicles:       vehicles,
			RequestNumbers: extractRequestNumbers(rl.Calcs),
		})
	}
	return out
}

func (p *Parser) filterVehicles(vehicles []fleet.RouteVehicle) []fleet.RouteVehicle {
	var out []fleet.RouteVehicle
	for _, v := range vehicles {
		if p.TestMode() {
			if _, ok := p.testVehicleIDs[v.IDMO]; ok {
				out = append(out, v)
			}
			continue
		}
		if strings.Contains(strings.ToLower(v.NameMO), dumpTruckMarker) {
			out = append(out, v)
		}
	}
	return out
}

// extractRequestNumbers pulls the integer request number out of each calc's
// free-form order description: strip a leading № and whitespace, then take
// the leading run of digits. Duplicates are dropped preserving insertion
// order.
func extractRequestNumbers(calcs []fleet.RouteListCalc) []int64 {
	var (
		out  []int64
		seen = map[int64]struct{}{}
	)
	for _, calc := range calcs {
		n, ok := leadingNumber(calc.OrderDescr)
		if !ok {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

func leadingNumber(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "№")
	s = strings.TrimSpace(s)

	var (
		n  int64
		ok bool
	)
	for _, r := range s {
		if r < '0' || r > '9' {
			break
		}
		n = n*10 + int64(r-'0')
		ok = true
	}
	return n, ok
}
