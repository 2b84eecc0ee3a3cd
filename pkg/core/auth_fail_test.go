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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAuthFailTrackerCountsAndDecays(t *testing.T) {
	now := time.Unix(1000, 0)
	tr := newAuthFailTracker(2) // 2 tokens per second
	tr.now = func() time.Time { return now }

	const host = "203.0.113.7"
	for i := 0; i < 10; i++ {
		tr.markFailed(host)
	}
	require.Equal(t, float64(10), tr.failures(host))

	// Linear decay at the configured rate.
	now = now.Add(2 * time.Second)
	require.Equal(t, float64(6), tr.failures(host))

	// Floor is zero, and an empty entry is forgotten.
	now = now.Add(time.Hour)
	require.Equal(t, float64(0), tr.failures(host))
	require.Empty(t, tr.hosts)
}

func TestAuthFailTrackerSeparatesHosts(t *testing.T) {
	tr := newAuthFailTracker(1)
	now := time.Unix(1000, 0)
	tr.now = func() time.Time { return now }
	tr.markFailed("10.0.0.1")
	tr.markFailed("10.0.0.1")
	tr.markFailed("10.0.0.2")
	require.Equal(t, float64(2), tr.failures("10.0.0.1"))
	require.Equal(t, float64(1), tr.failures("10.0.0.2"))
	require.Equal(t, float64(0), tr.failures("10.0.0.3"))
}

func TestAuthFailTrackerDefaultRate(t *testing.T) {
	tr := newAuthFailTracker(0)
	require.Equal(t, float64(1), tr.decayPerSecond)
}
