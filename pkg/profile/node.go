// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package profile

// NodeID identifies a node for the lifetime of its Profile.
type NodeID int

// InvalidNodeID is the parent of the root.
const InvalidNodeID NodeID = -1

// Kind tells which level of the hierarchy a node sits on.
type Kind uint8

const (
	KindRoot Kind = iota
	KindThread
	KindContext
	KindBlock
)

func (k Kind) String() string {
	switch k {
	case KindRoot:
		return "root"
	case KindThread:
		return "thread"
	case KindContext:
		return "context"
	default:
		return "block"
	}
}

// Stats are the derived timing figures of a node. All durations are
// nanoseconds. Incremental figures describe the most recent completed call.
type Stats struct {
	CumulativeCallCount    uint64 `json:"cumulative_call_count"`
	CumulativeInclusiveNs  uint64 `json:"cumulative_inclusive_ns"`
	IncrementalInclusiveNs uint64 `json:"incremental_inclusive_ns"`
	CumulativeExclusiveNs  uint64 `json:"cumulative_exclusive_ns"`
	IncrementalExclusiveNs uint64 `json:"incremental_exclusive_ns"`
	IncrementalMaxNs       uint64 `json:"incremental_max_ns"`
	MinNs                  uint64 `json:"min_ns"`
}

// Node is one position in the call tree. Nodes returned by Profile queries
// are snapshots; mutating them has no effect on the Profile.
type Node struct {
	ID       NodeID
	Kind     Kind
	Name     string
	Path     string
	Depth    int
	Parent   NodeID
	Measured bool

	// ThreadID is set on thread nodes and BlockID on block nodes.
	ThreadID uint32
	BlockID  uint32

	// Children in discovery order.
	Children []NodeID

	// Open is true while the node has an unmatched open event.
	Open bool

	Spans []Span
	Stats

	children  map[childKey]NodeID
	openStart uint64
}

// childKey is the discriminator a child was created under: a thread id, an
// execution context name or a block id.
type childKey struct {
	num  uint64
	name string
}

// LastSpan returns the most recent span of the node.
func (n *Node) LastSpan() (Span, bool) {
	if len(n.Spans) == 0 {
		return Span{}, false
	}
	return n.Spans[len(n.Spans)-1], true
}

// IsRoot reports whether the node is the tree root.
func (n *Node) IsRoot() bool {
	return n.Parent == InvalidNodeID
}

func (n *Node) child(k childKey) (NodeID, bool) {
	id, ok := n.children[k]
	return id, ok
}

// snapshot copies the node. Children and spans are capped so later appends
// on the live node never show through.
func (n *Node) snapshot() Node {
	c := *n
	c.Children = n.Children[:len(n.Children):len(n.Children)]
	c.Spans = n.Spans[:len(n.Spans):len(n.Spans)]
	c.children = nil
	return c
}
