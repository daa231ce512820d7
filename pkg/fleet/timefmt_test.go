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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func yekaterinburg(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Yekaterinburg")
	require.NoError(t, err)
	return loc
}

func TestTimeCodecParse(t *testing.T) {
	loc := yekaterinburg(t)
	c := NewTimeCodec(loc)

	for _, tc := range []struct {
		in   string
		want time.Time
		ok   bool
	}{
		{in: "05.03.2025", want: time.Date(2025, 3, 5, 0, 0, 0, 0, loc), ok: true},
		{in: "05.03.2025 07:30", want: time.Date(2025, 3, 5, 7, 30, 0, 0, loc), ok: true},
		{in: "05.03.2025 19:30:45", want: time.Date(2025, 3, 5, 19, 30, 45, 0, loc), ok: true},
		{in: " 05.03.2025 19:30:45 ", want: time.Date(2025, 3, 5, 19, 30, 45, 0, loc), ok: true},
		{in: "2025-03-05", ok: false},
		{in: "31.02.2025", ok: false},
		{in: "", ok: false},
	} {
		got, ok := c.Parse(tc.in)
		assert.Equal(t, tc.ok, ok, "input %q", tc.in)
		if tc.ok {
			assert.Equal(t, time.UTC, got.Location(), "parsed instants must be UTC")
			assert.True(t, got.Equal(tc.want), "input %q: got %v want %v", tc.in, got, tc.want)
		}
	}
}

func TestTimeCodecRoundTrip(t *testing.T) {
	c := NewTimeCodec(yekaterinburg(t))

	// Every instant representable in the external formats round-trips.
	for _, instant := range []time.Time{
		time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 6, 15, 14, 29, 0, 0, time.UTC),
		time.Date(2025, 12, 31, 18, 59, 59, 0, time.UTC),
	} {
		got, ok := c.Parse(c.FormatDateTimeSecs(instant))
		require.True(t, ok)
		assert.True(t, got.Equal(instant), "got %v want %v", got, instant)
	}
}

func TestTimeCodecFormat(t *testing.T) {
	c := NewTimeCodec(yekaterinburg(t))

	// 02:30 UTC is 07:30 local (UTC+5).
	instant := time.Date(2025, 3, 5, 2, 30, 0, 0, time.UTC)
	assert.Equal(t, "05.03.2025", c.FormatDate(instant))
	assert.Equal(t, "05.03.2025 07:30", c.FormatDateTime(instant))
}
