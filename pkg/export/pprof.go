// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"bytes"
	"fmt"
	"time"

	pprof "github.com/google/pprof/profile"
	"github.com/mbeema/blockprof/pkg/profile"
)

// pprofBuilder deduplicates functions and locations by frame name.
type pprofBuilder struct {
	prof      *pprof.Profile
	functions map[string]*pprof.Function
	locations map[string]*pprof.Location
}

func newPProfBuilder(start, end time.Time) *pprofBuilder {
	return &pprofBuilder{
		prof: &pprof.Profile{
			SampleType: []*pprof.ValueType{
				{Type: "cpu", Unit: "nanoseconds"},
				{Type: "samples", Unit: "count"},
			},
			DefaultSampleType: "cpu",
			PeriodType:        &pprof.ValueType{Type: "cpu", Unit: "nanoseconds"},
			Period:            1,
			TimeNanos:         start.UnixNano(),
			DurationNanos:     end.Sub(start).Nanoseconds(),
		},
		functions: make(map[string]*pprof.Function),
		locations: make(map[string]*pprof.Location),
	}
}

func (b *pprofBuilder) location(name string) *pprof.Location {
	if loc, ok := b.locations[name]; ok {
		return loc
	}
	id := uint64(len(b.prof.Function) + 1)
	fn := &pprof.Function{ID: id, Name: name, SystemName: name}
	b.prof.Function = append(b.prof.Function, fn)
	b.functions[name] = fn

	loc := &pprof.Location{ID: id, Line: []pprof.Line{{Function: fn}}}
	b.prof.Location = append(b.prof.Location, loc)
	b.locations[name] = loc
	return loc
}

// Totals are the cumulative figures a sample was last built from.
type Totals struct {
	ExclusiveNs uint64
	Calls       uint64
}

// Baseline maps node ids to the totals of a previous build.
type Baseline map[profile.NodeID]Totals

// BuildPProf converts the call tree of p into a pprof profile. Every node
// with completed calls becomes one sample whose stack runs from the node up
// to its thread, leaf first, valued by exclusive time and call count. With
// a non-nil base the values are deltas against it and nodes without new
// calls are left out. The returned Baseline holds the current totals.
func BuildPProf(p *profile.Profile, start, end time.Time, base Baseline) (*pprof.Profile, Baseline) {
	b := newPProfBuilder(start, end)
	next := make(Baseline)
	b.prof.Comments = []string{fmt.Sprintf("profile %q key %d", p.Name(), p.Key())}

	type frame struct {
		stack   []*pprof.Location
		thread  string
		context string
	}
	frames := make(map[profile.NodeID]frame)

	p.Walk(func(n *profile.Node) bool {
		if n.IsRoot() {
			return true
		}
		parent := frames[n.Parent]
		f := frame{thread: parent.thread, context: parent.context}
		switch n.Kind {
		case profile.KindThread:
			f.thread = n.Name
		case profile.KindContext:
			f.context = n.Name
		}
		f.stack = make([]*pprof.Location, 0, len(parent.stack)+1)
		f.stack = append(f.stack, b.location(n.Name))
		f.stack = append(f.stack, parent.stack...)
		frames[n.ID] = f

		if !n.Measured || n.CumulativeCallCount == 0 {
			return true
		}
		cur := Totals{ExclusiveNs: n.CumulativeExclusiveNs, Calls: n.CumulativeCallCount}
		next[n.ID] = cur
		prev := base[n.ID]
		if cur.Calls <= prev.Calls {
			return true
		}
		var ns uint64
		if cur.ExclusiveNs > prev.ExclusiveNs {
			ns = cur.ExclusiveNs - prev.ExclusiveNs
		}
		b.prof.Sample = append(b.prof.Sample, &pprof.Sample{
			Location: f.stack,
			Value:    []int64{int64(ns), int64(cur.Calls - prev.Calls)},
			Label: map[string][]string{
				"thread":  {f.thread},
				"context": {f.context},
			},
		})
		return true
	})
	return b.prof, next
}

// EncodePProf serializes prof in the gzipped protobuf wire format.
func EncodePProf(prof *pprof.Profile) ([]byte, error) {
	var buf bytes.Buffer
	if err := prof.Write(&buf); err != nil {
		return nil, fmt.Errorf("write pprof: %w", err)
	}
	return buf.Bytes(), nil
}
