// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package health

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestProfileCollector(t *testing.T) {
	c := NewProfileCollector(seededDatabase(t))

	if got := testutil.CollectAndCount(c); got != 10 {
		t.Errorf("expected 10 metrics for one profile, got %d", got)
	}
	if got := testutil.CollectAndCount(c, "blockprof_profile_exclusive_clamps_total"); got != 1 {
		t.Errorf("expected 1 clamp series, got %d", got)
	}
}

func TestStatsCollector(t *testing.T) {
	s := NewStats()
	s.ProfilesExported.Add(2)

	if got := testutil.CollectAndCount(s); got != len(statMetrics) {
		t.Errorf("expected %d metrics, got %d", len(statMetrics), got)
	}
	snap := s.Snapshot()
	if snap.ProfilesExported != 2 || snap.MemoryRSSBytes == 0 {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}
