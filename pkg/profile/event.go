// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package profile

import "fmt"

// Event is a single block entry or exit reported by an instrumented process.
// Events are immutable once produced.
type Event struct {
	ThreadID         uint32
	ExecutionContext string
	BlockID          uint32
	Label            string
	TimestampNs      uint64
	Open             bool
}

func (e Event) String() string {
	dir := "close"
	if e.Open {
		dir = "open"
	}
	return fmt.Sprintf("%s(t=%d thread=%d ctx=%q block=%d)", dir, e.TimestampNs, e.ThreadID, e.ExecutionContext, e.BlockID)
}

// Span is one completed open→close interval of a measured node.
type Span struct {
	Start    uint64 `json:"start"`
	End      uint64 `json:"end"`
	Duration uint64 `json:"duration"`
}

// NewSpan builds a span from its bounds. An end before start collapses to a
// zero-length span at start.
func NewSpan(start, end uint64) Span {
	if end < start {
		end = start
	}
	return Span{Start: start, End: end, Duration: end - start}
}
