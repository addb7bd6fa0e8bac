// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package profile

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrNotInitialized is returned when data is added to a Profile that
	// was never initialized.
	ErrNotInitialized = errors.New("profile not initialized")
	// ErrAlreadyInitialized is returned by a second Initialize.
	ErrAlreadyInitialized = errors.New("profile already initialized")
)

// Diagnostics counts data the engine tolerated rather than applied as is.
type Diagnostics struct {
	Batches         uint64 `json:"batches"`
	Events          uint64 `json:"events"`
	RejectedBatches uint64 `json:"rejected_batches"`
	// UnmatchedCloses are close events that arrived with nothing open.
	UnmatchedCloses uint64 `json:"unmatched_closes"`
	// MismatchedCloses closed an innermost block with a different id.
	MismatchedCloses uint64 `json:"mismatched_closes"`
	// ClampedNodes is the number of measured nodes whose children out-accumulated
	// them in the last aggregation pass.
	ClampedNodes int `json:"clamped_nodes"`
	// Clamps counts every clamp across all passes.
	Clamps uint64 `json:"clamps"`
}

// Profile is a call tree built from block open and close events.
//
// A single writer applies batches with AddData. Readers may query
// concurrently; every query sees either the state before or after a whole
// batch, aggregation included.
type Profile struct {
	logger *zap.Logger

	mu         sync.RWMutex
	key        int
	name       string
	valid      bool
	tree       *tree
	rec        *recorder
	agg        *aggregator
	generation uint64
	diag       Diagnostics

	cbMu      sync.RWMutex
	callbacks []func(Change)
}

// New creates an uninitialized Profile holding only a root node.
func New(logger *zap.Logger) *Profile {
	p := &Profile{
		logger: logger,
		key:    -1,
		tree:   newTree(),
	}
	p.rec = newRecorder(p.tree, &p.diag, logger)
	p.agg = &aggregator{logger: logger, tree: p.tree, diag: &p.diag}
	return p
}

// Initialize sets the stable key and name and makes the Profile valid. It
// may only succeed once.
func (p *Profile) Initialize(key int, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.valid {
		p.logger.Warn("profile already initialized",
			zap.Int("profile_key", p.key),
			zap.String("profile_name", p.name),
			zap.Int("requested_key", key))
		return ErrAlreadyInitialized
	}
	p.key = key
	p.name = name
	p.valid = true
	p.logger = p.logger.With(zap.Int("profile_key", key))
	p.rec.logger = p.logger
	p.agg.logger = p.logger
	return nil
}

// AddData applies a batch of events in order and re-aggregates the tree.
// Nothing happens for an empty batch. NodesAdded fires when the batch
// created nodes, then DataAdded fires.
func (p *Profile) AddData(events []Event) error {
	p.mu.Lock()
	if !p.valid {
		p.diag.RejectedBatches++
		logger := p.logger
		p.mu.Unlock()
		logger.Warn("dropping data for uninitialized profile", zap.Int("events", len(events)))
		return ErrNotInitialized
	}
	if len(events) == 0 {
		p.mu.Unlock()
		return nil
	}

	var added bool
	for _, ev := range events {
		if p.rec.record(ev) {
			added = true
		}
	}
	if added {
		p.generation++
	}
	p.agg.run()
	p.diag.Batches++
	p.diag.Events += uint64(len(events))
	key := p.key
	p.mu.Unlock()

	if added {
		p.emit(NodesAdded, key)
	}
	p.emit(DataAdded, key)
	return nil
}

// Rename changes the display name. The key is unaffected.
func (p *Profile) Rename(name string) {
	p.mu.Lock()
	p.name = name
	key := p.key
	p.mu.Unlock()

	p.emit(ProfileModified, key)
}

// Key returns the stable key, or -1 before Initialize.
func (p *Profile) Key() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.key
}

// Name returns the display name.
func (p *Profile) Name() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.name
}

// IsValid reports whether the Profile was initialized.
func (p *Profile) IsValid() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.valid
}

// Generation advances once for every batch that created nodes.
func (p *Profile) Generation() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.generation
}

// Diagnostics returns a copy of the tolerance counters.
func (p *Profile) Diagnostics() Diagnostics {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.diag
}

// Root returns a snapshot of the root node.
func (p *Profile) Root() Node {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.tree.root().snapshot()
}

// NodeByID returns a snapshot of the node with the given id.
func (p *Profile) NodeByID(id NodeID) (Node, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := p.tree.node(id)
	if n == nil {
		return Node{}, false
	}
	return n.snapshot(), true
}

// NodeByPath returns the first node registered under path.
func (p *Profile) NodeByPath(path string) (Node, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	id, ok := p.tree.reg.Lookup(path)
	if !ok {
		return Node{}, false
	}
	return p.tree.nodes[id].snapshot(), true
}

// NodeCount returns the number of nodes, root included.
func (p *Profile) NodeCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.tree.nodes)
}

// Walk visits nodes depth first, parents before children, in discovery
// order. Returning false from fn skips the node's subtree. fn runs under
// the read lock; it must not retain n or call back into the Profile.
func (p *Profile) Walk(fn func(n *Node) bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stack := []NodeID{p.tree.root().ID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := p.tree.nodes[id]
		if !fn(n) {
			continue
		}
		for i := len(n.Children) - 1; i >= 0; i-- {
			stack = append(stack, n.Children[i])
		}
	}
}
