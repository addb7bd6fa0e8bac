// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package profile

// ChangeKind identifies what changed in a Profile.
type ChangeKind int

const (
	// ProfileModified fires when profile metadata such as the name changes.
	ProfileModified ChangeKind = iota
	// NodesAdded fires when a batch created at least one node.
	NodesAdded
	// DataAdded fires after every applied batch.
	DataAdded
)

func (k ChangeKind) String() string {
	switch k {
	case ProfileModified:
		return "profile_modified"
	case NodesAdded:
		return "nodes_added"
	case DataAdded:
		return "data_added"
	default:
		return "unknown"
	}
}

// Change is a notification about a Profile. It carries only the profile key;
// consumers query the Profile for the new state.
type Change struct {
	Kind       ChangeKind
	ProfileKey int
}

// OnChange registers a callback for change notifications. Callbacks run on
// the writer's goroutine after the Profile lock is released, so they may
// query the Profile but must not block for long.
func (p *Profile) OnChange(fn func(Change)) {
	p.cbMu.Lock()
	p.callbacks = append(p.callbacks, fn)
	p.cbMu.Unlock()
}

func (p *Profile) emit(kind ChangeKind, key int) {
	p.cbMu.RLock()
	cbs := p.callbacks
	p.cbMu.RUnlock()

	c := Change{Kind: kind, ProfileKey: key}
	for _, cb := range cbs {
		cb(c)
	}
}
