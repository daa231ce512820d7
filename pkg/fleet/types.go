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

package fleet

import "encoding/json"

// RouteList is a planned work order as returned by getRouteListsByDateOut.
// Only the fields the pipeline consumes are decoded.
type RouteList struct {
	ID          int64           `json:"id"`
	TsNumber    string          `json:"tsNumber"`
	DateOut     string          `json:"dateOut"`
	DateOutPlan string          `json:"dateOutPlan"`
	DateInPlan  string          `json:"dateInPlan"`
	Status      string          `json:"status"`
	Vehicles    []RouteVehicle  `json:"ts"`
	Calcs       []RouteListCalc `json:"calcs"`
}

// RouteVehicle is one vehicle assigned to a route list.
type RouteVehicle struct {
	IDMO      int64  `json:"idMO"`
	RegNumber string `json:"regNumber"`
	NameMO    string `json:"nameMO"`
}

// RouteListCalc carries the free-form order description from which request
// numbers are extracted.
type RouteListCalc struct {
	OrderDescr   string `json:"orderDescr"`
	ObjectExpend string `json:"objectExpend"`
}

// Request is an external work order. The raw payload is retained verbatim for
// persistence.
type Request struct {
	ID     int64  `json:"id"`
	Number string `json:"number"`
	Status string `json:"status"`

	Raw json.RawMessage `json:"-"`
}

func (r *Request) UnmarshalJSON(b []byte) error {
	type plain Request
	if err := json.Unmarshal(b, (*plain)(r)); err != nil {
		return err
	}
	r.Raw = append(json.RawMessage(nil), b...)
	return nil
}

// TrackPoint is one GPS sample. Time is a payload-local timestamp string
// (DD.MM.YYYY HH:mm:ss in the operational timezone).
type TrackPoint struct {
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
	Time string  `json:"time"`
}

// Monitoring is the per-vehicle statistics envelope returned by
// getMonitoringStats. The raw envelope is retained verbatim.
type Monitoring struct {
	EngineTime float64         `json:"engineTime"`
	MovingTime float64         `json:"movingTime"`
	Distance   float64         `json:"distance"`
	Track      []TrackPoint    `json:"track"`
	Parkings   json.RawMessage `json:"parkings"`
	Fuels      json.RawMessage `json:"fuels"`

	Raw json.RawMessage `json:"-"`
}

func (m *Monitoring) UnmarshalJSON(b []byte) error {
	type plain Monitoring
	if err := json.Unmarshal(b, (*plain)(m)); err != nil {
		return err
	}
	m.Raw = append(json.RawMessage(nil), b...)
	return nil
}

type routeListsResponse struct {
	List []RouteList `json:"list"`
}

type requestsResponse struct {
	List []Request `json:"list"`
}
