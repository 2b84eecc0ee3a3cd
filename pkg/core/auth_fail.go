// Copyright 2021 - 2023 Matrix Origin
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package core

import (
	"sync"
	"time"
)

// authFailTracker counts failed authentications per remote host. The
// counter decays linearly at a configured rate, floor zero, so a host
// that stops failing regains access.
type authFailTracker struct {
	mu sync.Mutex
	// decayPerSecond is the linear decay rate of each counter.
	decayPerSecond float64
	hosts          map[string]*authFailEntry
	// now is replaceable in tests.
	now func() time.Time
}

type authFailEntry struct {
	count   float64
	updated time.Time
}

func newAuthFailTracker(decayPerSecond float64) *authFailTracker {
	if decayPerSecond <= 0 {
		decayPerSecond = 1
	}
	return &authFailTracker{
		decayPerSecond: decayPerSecond,
		hosts:          make(map[string]*authFailEntry),
		now:            time.Now,
	}
}

func (t *authFailTracker) decay(e *authFailEntry, now time.Time) {
	elapsed := now.Sub(e.updated).Seconds()
	if elapsed > 0 {
		e.count -= elapsed * t.decayPerSecond
		if e.count < 0 {
			e.count = 0
		}
		e.updated = now
	}
}

// markFailed records one failed authentication from host.
func (t *authFailTracker) markFailed(host string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	e, ok := t.hosts[host]
	if !ok {
		e = &authFailEntry{updated: now}
		t.hosts[host] = e
	}
	t.decay(e, now)
	e.count++
}

// failures returns the decayed failure count of host.
func (t *authFailTracker) failures(host string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.hosts[host]
	if !ok {
		return 0
	}
	now := t.now()
	t.decay(e, now)
	if e.count == 0 {
		delete(t.hosts, host)
	}
	return e.count
}
