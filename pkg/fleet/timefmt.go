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

import (
	"strings"
	"time"
)

// External date layouts used by the fleet-tracking service. Timestamps inside
// payloads are wall-clock times in the operational timezone.
const (
	layoutDate         = "02.01.2006"
	layoutDateTime     = "02.01.2006 15:04"
	layoutDateTimeSecs = "02.01.2006 15:04:05"
)

// TimeCodec converts between the external DD.MM.YYYY[ HH:mm[:ss]] formats and
// UTC instants. Parsing interprets input as wall-clock time in loc.
type TimeCodec struct {
	loc *time.Location
}

func NewTimeCodec(loc *time.Location) *TimeCodec {
	if loc == nil {
		loc = time.UTC
	}
	return &TimeCodec{loc: loc}
}

func (c *TimeCodec) Location() *time.Location {
	return c.loc
}

// Parse accepts the date-only, minute and second precision layouts. The
// returned instant is UTC. Failed parses return ok=false; the caller decides
// whether that is fatal.
func (c *TimeCodec) Parse(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{layoutDateTimeSecs, layoutDateTime, layoutDate} {
		if t, err := time.ParseInLocation(layout, s, c.loc); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// FormatDate renders t as DD.MM.YYYY in the operational timezone.
func (c *TimeCodec) FormatDate(t time.Time) string {
	return t.In(c.loc).Format(layoutDate)
}

// FormatDateTime renders t as DD.MM.YYYY HH:mm in the operational timezone.
func (c *TimeCodec) FormatDateTime(t time.Time) string {
	return t.In(c.loc).Format(layoutDateTime)
}

// FormatDateTimeSecs renders t at second precision, the layout payload
// timestamps use.
func (c *TimeCodec) FormatDateTimeSecs(t time.Time) string {
	return t.In(c.loc).Format(layoutDateTimeSecs)
}
