// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package profile

import (
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"
)

func open(t uint64, thread uint32, ctx string, block uint32, label string) Event {
	return Event{ThreadID: thread, ExecutionContext: ctx, BlockID: block, Label: label, TimestampNs: t, Open: true}
}

func closeEv(t uint64, thread uint32, ctx string, block uint32) Event {
	return Event{ThreadID: thread, ExecutionContext: ctx, BlockID: block, TimestampNs: t}
}

func newProfile(t *testing.T) *Profile {
	t.Helper()
	p := New(zap.NewNop())
	if err := p.Initialize(7, "test"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return p
}

func mustNode(t *testing.T, p *Profile, path string) Node {
	t.Helper()
	n, ok := p.NodeByPath(path)
	if !ok {
		t.Fatalf("no node at %q", path)
	}
	return n
}

// checkTree asserts the shape and roll-up rules every tree must satisfy.
func checkTree(t *testing.T, p *Profile) {
	t.Helper()

	nodes := make(map[NodeID]Node)
	p.Walk(func(n *Node) bool {
		nodes[n.ID] = n.snapshot()
		return true
	})
	if len(nodes) != p.NodeCount() {
		t.Fatalf("walk visited %d nodes, profile has %d", len(nodes), p.NodeCount())
	}

	seen := make(map[NodeID]int)
	for _, n := range nodes {
		for _, c := range n.Children {
			seen[c]++
			if nodes[c].Parent != n.ID {
				t.Errorf("node %d listed under %d but parent is %d", c, n.ID, nodes[c].Parent)
			}
		}
	}

	for id, n := range nodes {
		if n.IsRoot() {
			if seen[id] != 0 {
				t.Errorf("root appears as a child")
			}
			continue
		}
		if seen[id] != 1 {
			t.Errorf("node %d appears in %d children lists", id, seen[id])
		}
		cur, steps := n, 0
		for !cur.IsRoot() {
			cur = nodes[cur.Parent]
			if steps++; steps > len(nodes) {
				t.Fatalf("parent chain of node %d does not reach root", id)
			}
		}

		if n.CumulativeExclusiveNs > n.CumulativeInclusiveNs {
			t.Errorf("node %s exclusive %d > inclusive %d", n.Path, n.CumulativeExclusiveNs, n.CumulativeInclusiveNs)
		}
	}

	for _, n := range nodes {
		if n.Measured {
			continue
		}
		var sum uint64
		for _, c := range n.Children {
			sum += nodes[c].CumulativeInclusiveNs
		}
		if n.CumulativeInclusiveNs != sum {
			t.Errorf("structural %q inclusive %d != children sum %d", n.Path, n.CumulativeInclusiveNs, sum)
		}
		if n.CumulativeExclusiveNs != 0 || n.IncrementalExclusiveNs != 0 {
			t.Errorf("structural %q has exclusive time", n.Path)
		}
	}
}

func TestSinglePairProducesOneSpan(t *testing.T) {
	p := newProfile(t)

	err := p.AddData([]Event{
		open(100, 1, "n", 5, "n/work"),
		closeEv(150, 1, "n", 5),
	})
	if err != nil {
		t.Fatalf("AddData: %v", err)
	}

	n := mustNode(t, p, "/Thread #1/n/work")
	if diff := cmp.Diff([]Span{{Start: 100, End: 150, Duration: 50}}, n.Spans); diff != "" {
		t.Errorf("spans mismatch (-want +got):\n%s", diff)
	}
	if n.CumulativeCallCount != 1 {
		t.Errorf("expected call count 1, got %d", n.CumulativeCallCount)
	}
	if n.CumulativeInclusiveNs != 50 || n.IncrementalInclusiveNs != 50 {
		t.Errorf("expected inclusive 50, got cumulative=%d incremental=%d", n.CumulativeInclusiveNs, n.IncrementalInclusiveNs)
	}
	if n.MinNs != 50 || n.IncrementalMaxNs != 50 {
		t.Errorf("expected min=max=50, got min=%d max=%d", n.MinNs, n.IncrementalMaxNs)
	}
	if !n.Measured || n.Open {
		t.Errorf("expected closed measured node, got measured=%v open=%v", n.Measured, n.Open)
	}
	if n.BlockID != 5 || n.Kind != KindBlock || n.Depth != 3 {
		t.Errorf("unexpected block node %+v", n)
	}
	checkTree(t, p)
}

func TestUnmatchedCloseIsDropped(t *testing.T) {
	p := newProfile(t)

	if err := p.AddData([]Event{closeEv(10, 1, "n", 5)}); err != nil {
		t.Fatalf("AddData: %v", err)
	}

	if p.NodeCount() != 1 {
		t.Errorf("expected only the root, got %d nodes", p.NodeCount())
	}
	root := p.Root()
	if len(root.Spans) != 0 || root.CumulativeCallCount != 0 {
		t.Errorf("root mutated: %+v", root)
	}
	if !p.IsValid() {
		t.Error("profile should remain valid")
	}
	if got := p.Diagnostics().UnmatchedCloses; got != 1 {
		t.Errorf("expected 1 unmatched close, got %d", got)
	}

	// A context that exists but has nothing open is also unmatched.
	p.AddData([]Event{open(20, 1, "n", 5, "a"), closeEv(30, 1, "n", 5), closeEv(40, 1, "n", 5)})
	a := mustNode(t, p, "/Thread #1/n/a")
	if len(a.Spans) != 1 {
		t.Errorf("expected 1 span, got %d", len(a.Spans))
	}
	if got := p.Diagnostics().UnmatchedCloses; got != 2 {
		t.Errorf("expected 2 unmatched closes, got %d", got)
	}
}

func TestNestedBlocksExclusive(t *testing.T) {
	p := newProfile(t)

	p.AddData([]Event{
		open(0, 1, "n", 1, "outer"),
		open(10, 1, "n", 2, "inner"),
		closeEv(40, 1, "n", 2),
		closeEv(100, 1, "n", 1),
	})

	outer := mustNode(t, p, "/Thread #1/n/outer")
	inner := mustNode(t, p, "/Thread #1/n/outer/inner")

	if outer.CumulativeExclusiveNs != 70 || outer.IncrementalExclusiveNs != 70 {
		t.Errorf("expected outer exclusive 70, got cumulative=%d incremental=%d", outer.CumulativeExclusiveNs, outer.IncrementalExclusiveNs)
	}
	if inner.CumulativeExclusiveNs != 30 || inner.CumulativeInclusiveNs != 30 {
		t.Errorf("expected inner exclusive=inclusive=30, got %d/%d", inner.CumulativeExclusiveNs, inner.CumulativeInclusiveNs)
	}
	if inner.Parent != outer.ID {
		t.Errorf("inner parent = %d, want %d", inner.Parent, outer.ID)
	}

	ctx := mustNode(t, p, "/Thread #1/n")
	if ctx.Measured || ctx.Kind != KindContext {
		t.Errorf("context node should be structural, got %+v", ctx)
	}
	if ctx.CumulativeInclusiveNs != 100 || ctx.CumulativeCallCount != 1 {
		t.Errorf("context rollup: inclusive=%d calls=%d", ctx.CumulativeInclusiveNs, ctx.CumulativeCallCount)
	}
	if diff := cmp.Diff([]Span{{Start: 0, End: 100, Duration: 100}}, ctx.Spans); diff != "" {
		t.Errorf("context span mismatch (-want +got):\n%s", diff)
	}
	checkTree(t, p)
}

func TestAddDataBeforeInitialize(t *testing.T) {
	p := New(zap.NewNop())

	var changes []Change
	p.OnChange(func(c Change) { changes = append(changes, c) })

	err := p.AddData([]Event{open(1, 1, "n", 1, "a"), closeEv(2, 1, "n", 1)})
	if !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if p.NodeCount() != 1 {
		t.Errorf("expected no nodes created, got %d", p.NodeCount())
	}
	if len(changes) != 0 {
		t.Errorf("expected no notifications, got %v", changes)
	}
	if p.IsValid() || p.Key() != -1 {
		t.Errorf("expected invalid profile with key -1, got valid=%v key=%d", p.IsValid(), p.Key())
	}
}

func TestInitializeOnce(t *testing.T) {
	p := newProfile(t)

	if err := p.Initialize(9, "other"); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
	}
	if p.Key() != 7 || p.Name() != "test" {
		t.Errorf("second Initialize changed profile: key=%d name=%q", p.Key(), p.Name())
	}
}

func TestIdentityStableAcrossBatches(t *testing.T) {
	p := newProfile(t)

	p.AddData([]Event{open(0, 1, "n", 5, "a"), closeEv(10, 1, "n", 5)})
	first := mustNode(t, p, "/Thread #1/n/a")
	count := p.NodeCount()
	gen := p.Generation()

	p.AddData([]Event{open(20, 1, "n", 5, "a"), closeEv(50, 1, "n", 5)})

	if p.NodeCount() != count {
		t.Errorf("second batch created nodes: %d -> %d", count, p.NodeCount())
	}
	if p.Generation() != gen {
		t.Errorf("generation advanced without new nodes: %d -> %d", gen, p.Generation())
	}
	again, ok := p.NodeByID(first.ID)
	if !ok {
		t.Fatalf("node %d not found", first.ID)
	}
	if again.Path != first.Path || again.BlockID != 5 {
		t.Errorf("node %d changed identity: %q -> %q", first.ID, first.Path, again.Path)
	}
	want := []Span{{0, 10, 10}, {20, 50, 30}}
	if diff := cmp.Diff(want, again.Spans); diff != "" {
		t.Errorf("spans mismatch (-want +got):\n%s", diff)
	}
	if again.CumulativeCallCount != 2 || again.CumulativeInclusiveNs != 40 {
		t.Errorf("expected 2 calls / 40ns, got %d / %d", again.CumulativeCallCount, again.CumulativeInclusiveNs)
	}
	if again.IncrementalInclusiveNs != 30 || again.IncrementalMaxNs != 30 || again.MinNs != 10 {
		t.Errorf("unexpected extrema: inc=%d max=%d min=%d", again.IncrementalInclusiveNs, again.IncrementalMaxNs, again.MinNs)
	}
}

func TestSameBlockUnderDifferentParents(t *testing.T) {
	p := newProfile(t)

	p.AddData([]Event{
		open(0, 1, "n", 5, "a"),
		closeEv(10, 1, "n", 5),
		open(20, 1, "n", 6, "b"),
		open(21, 1, "n", 5, "a"),
		closeEv(25, 1, "n", 5),
		closeEv(30, 1, "n", 6),
	})

	top := mustNode(t, p, "/Thread #1/n/a")
	nested := mustNode(t, p, "/Thread #1/n/b/a")
	if top.ID == nested.ID {
		t.Fatal("block 5 under different parents should be different nodes")
	}
	if nested.CumulativeInclusiveNs != 4 {
		t.Errorf("nested inclusive = %d, want 4", nested.CumulativeInclusiveNs)
	}
}

func TestThreadsAndContextsAreSeparate(t *testing.T) {
	p := newProfile(t)

	p.AddData([]Event{
		open(0, 1, "/a", 1, "/a/x"),
		open(5, 2, "/a", 1, "/a/x"),
		open(7, 1, "/b", 1, "/b/x"),
		closeEv(10, 1, "/a", 1),
		closeEv(40, 2, "/a", 1),
		closeEv(27, 1, "/b", 1),
	})

	t1 := mustNode(t, p, "/Thread #1")
	if t1.Kind != KindThread || t1.ThreadID != 1 || len(t1.Children) != 2 {
		t.Errorf("unexpected thread node %+v", t1)
	}
	if got := mustNode(t, p, "/Thread #1/a/x").CumulativeInclusiveNs; got != 10 {
		t.Errorf("thread 1 /a/x = %d, want 10", got)
	}
	if got := mustNode(t, p, "/Thread #2/a/x").CumulativeInclusiveNs; got != 35 {
		t.Errorf("thread 2 /a/x = %d, want 35", got)
	}
	if got := mustNode(t, p, "/Thread #1/b/x").CumulativeInclusiveNs; got != 20 {
		t.Errorf("thread 1 /b/x = %d, want 20", got)
	}

	root := p.Root()
	if root.CumulativeInclusiveNs != 65 || root.CumulativeCallCount != 3 {
		t.Errorf("root rollup: inclusive=%d calls=%d", root.CumulativeInclusiveNs, root.CumulativeCallCount)
	}
	if root.MinNs != 10 || root.IncrementalMaxNs != 35 {
		t.Errorf("root extrema: min=%d max=%d", root.MinNs, root.IncrementalMaxNs)
	}
	if diff := cmp.Diff([]Span{{Start: 0, End: 40, Duration: 40}}, root.Spans); diff != "" {
		t.Errorf("root span mismatch (-want +got):\n%s", diff)
	}
	checkTree(t, p)
}

func TestClampIsCounted(t *testing.T) {
	p := newProfile(t)

	// The outer block is still open when its child completes.
	p.AddData([]Event{
		open(0, 1, "n", 1, "outer"),
		open(10, 1, "n", 2, "inner"),
		closeEv(40, 1, "n", 2),
	})

	outer := mustNode(t, p, "/Thread #1/n/outer")
	if !outer.Open {
		t.Error("outer should still be open")
	}
	if outer.CumulativeExclusiveNs != 0 {
		t.Errorf("expected clamped exclusive 0, got %d", outer.CumulativeExclusiveNs)
	}
	d := p.Diagnostics()
	if d.ClampedNodes != 1 || d.Clamps != 1 {
		t.Errorf("expected one clamp, got %+v", d)
	}
	checkTree(t, p)

	p.AddData([]Event{closeEv(100, 1, "n", 1)})

	outer = mustNode(t, p, "/Thread #1/n/outer")
	if outer.CumulativeExclusiveNs != 70 {
		t.Errorf("expected exclusive 70 after close, got %d", outer.CumulativeExclusiveNs)
	}
	d = p.Diagnostics()
	if d.ClampedNodes != 0 || d.Clamps != 1 {
		t.Errorf("expected clamp to clear, got %+v", d)
	}
}

func TestNotifications(t *testing.T) {
	p := newProfile(t)

	var changes []Change
	p.OnChange(func(c Change) {
		// Callbacks may query the profile.
		_ = p.NodeCount()
		changes = append(changes, c)
	})

	p.AddData([]Event{open(0, 1, "n", 1, "a")})
	p.AddData([]Event{closeEv(5, 1, "n", 1)})
	p.AddData(nil)
	p.Rename("renamed")

	want := []Change{
		{Kind: NodesAdded, ProfileKey: 7},
		{Kind: DataAdded, ProfileKey: 7},
		{Kind: DataAdded, ProfileKey: 7},
		{Kind: ProfileModified, ProfileKey: 7},
	}
	if diff := cmp.Diff(want, changes); diff != "" {
		t.Errorf("notifications mismatch (-want +got):\n%s", diff)
	}
	if p.Name() != "renamed" || p.Key() != 7 {
		t.Errorf("rename: name=%q key=%d", p.Name(), p.Key())
	}
}

func TestMismatchedCloseClosesInnermost(t *testing.T) {
	p := newProfile(t)

	p.AddData([]Event{
		open(0, 1, "n", 1, "outer"),
		open(10, 1, "n", 2, "inner"),
		closeEv(20, 1, "n", 1),
	})

	inner := mustNode(t, p, "/Thread #1/n/outer/inner")
	if len(inner.Spans) != 1 || inner.Spans[0].Duration != 10 {
		t.Errorf("expected inner closed with 10ns, got %+v", inner.Spans)
	}
	if got := p.Diagnostics().MismatchedCloses; got != 1 {
		t.Errorf("expected 1 mismatched close, got %d", got)
	}
}

func TestSnapshotsAreStable(t *testing.T) {
	p := newProfile(t)
	p.AddData([]Event{open(0, 1, "n", 1, "a"), closeEv(10, 1, "n", 1)})

	a := mustNode(t, p, "/Thread #1/n/a")
	ctx := mustNode(t, p, "/Thread #1/n")

	p.AddData([]Event{
		open(20, 1, "n", 1, "a"), closeEv(30, 1, "n", 1),
		open(40, 1, "n", 2, "b"), closeEv(45, 1, "n", 2),
	})

	if len(a.Spans) != 1 || a.Spans[0] != (Span{0, 10, 10}) {
		t.Errorf("old snapshot spans changed: %+v", a.Spans)
	}
	if len(ctx.Children) != 1 {
		t.Errorf("old snapshot children changed: %v", ctx.Children)
	}
	if diff := cmp.Diff([]Span{{0, 10, 10}}, ctx.Spans); diff != "" {
		t.Errorf("old structural span changed (-want +got):\n%s", diff)
	}

	a.Spans = append(a.Spans, Span{99, 100, 1})
	if got := mustNode(t, p, "/Thread #1/n/a"); len(got.Spans) != 2 {
		t.Errorf("mutating a snapshot leaked into the profile: %d spans", len(got.Spans))
	}
}

func TestWalkOrder(t *testing.T) {
	p := newProfile(t)
	p.AddData([]Event{
		open(0, 1, "n", 2, "b"), closeEv(1, 1, "n", 2),
		open(2, 1, "n", 1, "a"), open(3, 1, "n", 3, "c"), closeEv(4, 1, "n", 3), closeEv(5, 1, "n", 1),
	})

	var got []string
	p.Walk(func(n *Node) bool {
		got = append(got, n.Path)
		return n.Name != "a"
	})
	want := []string{"", "/Thread #1", "/Thread #1/n", "/Thread #1/n/b", "/Thread #1/n/a"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("walk order mismatch (-want +got):\n%s", diff)
	}
}

func TestBlockName(t *testing.T) {
	tests := []struct {
		label string
		want  string
	}{
		{"/node/loop/step", "step"},
		{"step", "step"},
		{"/node/loop/", "loop"},
		{"", "block 4"},
	}
	for _, tt := range tests {
		if got := blockName(4, tt.label); got != tt.want {
			t.Errorf("blockName(%q) = %q, want %q", tt.label, got, tt.want)
		}
	}
}

func TestRandomStreamsKeepTreeWellFormed(t *testing.T) {
	p := newProfile(t)
	rng := rand.New(rand.NewSource(42))

	type stackKey struct {
		thread uint32
		ctx    string
	}
	depth := make(map[stackKey][]uint32)
	ctxs := []string{"/a", "/b"}
	now := uint64(1000)

	for batch := 0; batch < 50; batch++ {
		var events []Event
		for i := 0; i < 40; i++ {
			now += uint64(rng.Intn(10))
			k := stackKey{thread: uint32(rng.Intn(3)), ctx: ctxs[rng.Intn(len(ctxs))]}
			st := depth[k]
			// Occasional stray closes and out of order stamps.
			if rng.Intn(20) == 0 {
				events = append(events, closeEv(now-uint64(rng.Intn(5)), k.thread, k.ctx, 99))
				continue
			}
			if len(st) > 0 && (len(st) > 4 || rng.Intn(2) == 0) {
				events = append(events, closeEv(now, k.thread, k.ctx, st[len(st)-1]))
				depth[k] = st[:len(st)-1]
				continue
			}
			block := uint32(rng.Intn(4))
			events = append(events, open(now, k.thread, k.ctx, block, k.ctx+"/blk"))
			depth[k] = append(st, block)
		}
		if err := p.AddData(events); err != nil {
			t.Fatalf("AddData: %v", err)
		}
		checkTree(t, p)
	}
}

func TestConcurrentReaders(t *testing.T) {
	p := newProfile(t)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				var structural, children uint64
				p.Walk(func(n *Node) bool {
					if n.Kind == KindContext {
						structural = n.CumulativeInclusiveNs
						children = 0
					}
					if n.Kind == KindBlock && n.Depth == 3 {
						children += n.CumulativeInclusiveNs
					}
					return true
				})
				if structural != children {
					t.Errorf("observed partial batch: context=%d children=%d", structural, children)
					return
				}
			}
		}()
	}

	var now uint64
	for i := 0; i < 200; i++ {
		p.AddData([]Event{
			open(now, 1, "n", uint32(i%5), "blk"),
			closeEv(now+10, 1, "n", uint32(i%5)),
		})
		now += 20
	}
	close(stop)
	wg.Wait()

	if got := p.Root().CumulativeInclusiveNs; got != 2000 {
		t.Errorf("root inclusive = %d, want 2000", got)
	}
}
