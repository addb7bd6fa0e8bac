// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package profile

import "testing"

func TestIDAllocatorIsDense(t *testing.T) {
	var a IDAllocator
	for want := 0; want < 5; want++ {
		if got := a.Next(); got != want {
			t.Fatalf("Next() = %d, want %d", got, want)
		}
	}
	if a.Allocated() != 5 {
		t.Errorf("Allocated() = %d, want 5", a.Allocated())
	}
}

func TestRegistryFirstRegistrationWins(t *testing.T) {
	r := NewRegistry()
	a, b := r.Allocate(), r.Allocate()

	if !r.Register("/x", a) {
		t.Fatal("first Register should succeed")
	}
	if r.Register("/x", b) {
		t.Error("second Register of the same path should fail")
	}
	if id, ok := r.Lookup("/x"); !ok || id != a {
		t.Errorf("Lookup = %d,%v want %d,true", id, ok, a)
	}
	if _, ok := r.Lookup("/y"); ok {
		t.Error("Lookup of unknown path should fail")
	}
	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2", r.Len())
	}
}
