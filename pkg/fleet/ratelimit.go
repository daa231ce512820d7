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
	"context"
	"sync"
	"time"
)

// VehicleRateLimiter enforces a minimum gap between calls keyed by vehicle id.
// There is no global limit: callers for different ids never block each other,
// callers for the same id serialise.
type VehicleRateLimiter struct {
	interval time.Duration
	now      func() time.Time

	mtx   sync.Mutex
	slots map[int64]*limiterSlot
}

type limiterSlot struct {
	mtx  sync.Mutex
	last time.Time
}

func NewVehicleRateLimiter(interval time.Duration) *VehicleRateLimiter {
	return &VehicleRateLimiter{
		interval: interval,
		now:      time.Now,
		slots:    map[int64]*limiterSlot{},
	}
}

// Acquire blocks until at least the configured interval has elapsed since the
// last successful Acquire for vehicleID, then records the current instant.
// The wait honours ctx cancellation.
func (l *VehicleRateLimiter) Acquire(ctx context.Context, vehicleID int64) error {
	l.mtx.Lock()
	slot, ok := l.slots[vehicleID]
	if !ok {
		slot = &limiterSlot{}
		l.slots[vehicleID] = slot
	}
	l.mtx.Unlock()

	// The per-slot mutex is held across the wait so that concurrent callers
	// for the same id queue up and each observes the full gap.
	slot.mtx.Lock()
	defer slot.mtx.Unlock()

	if !slot.last.IsZero() {
		wait := l.interval - l.now().Sub(slot.last)
		if wait > 0 {
			timer := time.NewTimer(wait)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	slot.last = l.now()
	return nil
}
