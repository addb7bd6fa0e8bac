// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package profile

// IDAllocator hands out strictly increasing ids starting at zero. It is not
// safe for concurrent use; owners guard it with their own lock.
type IDAllocator struct {
	next int
}

// Next returns a fresh id.
func (a *IDAllocator) Next() int {
	id := a.next
	a.next++
	return id
}

// Allocated returns how many ids have been handed out.
func (a *IDAllocator) Allocated() int {
	return a.next
}

// Registry assigns node ids and maps paths back to them.
type Registry struct {
	ids   IDAllocator
	paths map[string]NodeID
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{paths: make(map[string]NodeID)}
}

// Allocate returns the next node id.
func (r *Registry) Allocate() NodeID {
	return NodeID(r.ids.Next())
}

// Register records path for id. The first registration of a path wins; it
// returns false if the path was already taken.
func (r *Registry) Register(path string, id NodeID) bool {
	if _, ok := r.paths[path]; ok {
		return false
	}
	r.paths[path] = id
	return true
}

// Lookup returns the id registered for path.
func (r *Registry) Lookup(path string) (NodeID, bool) {
	id, ok := r.paths[path]
	return id, ok
}

// Len returns the number of ids allocated.
func (r *Registry) Len() int {
	return r.ids.Allocated()
}
