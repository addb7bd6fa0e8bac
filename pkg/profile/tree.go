// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package profile

import (
	"fmt"
	"strings"
)

const rootName = "root"

// tree is an arena of nodes indexed by id. Ids are dense, so the slice index
// is the id.
type tree struct {
	reg   *Registry
	nodes []*Node
}

func newTree() *tree {
	t := &tree{reg: NewRegistry()}
	id := t.reg.Allocate()
	root := &Node{
		ID:       id,
		Kind:     KindRoot,
		Name:     rootName,
		Parent:   InvalidNodeID,
		children: make(map[childKey]NodeID),
	}
	t.nodes = append(t.nodes, root)
	t.reg.Register(root.Path, id)
	return t
}

func (t *tree) root() *Node {
	return t.nodes[0]
}

func (t *tree) node(id NodeID) *Node {
	if id < 0 || int(id) >= len(t.nodes) {
		return nil
	}
	return t.nodes[id]
}

// addChild creates a node under parent keyed by k.
func (t *tree) addChild(parent *Node, k childKey, kind Kind, name string) *Node {
	n := &Node{
		ID:       t.reg.Allocate(),
		Kind:     kind,
		Name:     name,
		Path:     joinPath(parent.Path, name),
		Depth:    parent.Depth + 1,
		Parent:   parent.ID,
		Measured: kind == KindBlock,
		children: make(map[childKey]NodeID),
	}
	t.nodes = append(t.nodes, n)
	parent.children[k] = n.ID
	parent.Children = append(parent.Children, n.ID)
	t.reg.Register(n.Path, n.ID)
	return n
}

// threadNode resolves or creates the node for a thread under the root.
func (t *tree) threadNode(threadID uint32) (*Node, bool) {
	root := t.root()
	k := childKey{num: uint64(threadID)}
	if id, ok := root.child(k); ok {
		return t.nodes[id], false
	}
	n := t.addChild(root, k, KindThread, threadName(threadID))
	n.ThreadID = threadID
	return n, true
}

// contextNode resolves or creates the execution context node under a thread.
func (t *tree) contextNode(thread *Node, ctx string) (*Node, bool) {
	k := childKey{name: ctx}
	if id, ok := thread.child(k); ok {
		return t.nodes[id], false
	}
	return t.addChild(thread, k, KindContext, ctx), true
}

// blockNode resolves or creates the measured child of parent for blockID.
func (t *tree) blockNode(parent *Node, blockID uint32, label string) (*Node, bool) {
	k := childKey{num: uint64(blockID)}
	if id, ok := parent.child(k); ok {
		return t.nodes[id], false
	}
	n := t.addChild(parent, k, KindBlock, blockName(blockID, label))
	n.BlockID = blockID
	return n, true
}

func threadName(id uint32) string {
	return fmt.Sprintf("Thread #%d", id)
}

// blockName is the last segment of a slash separated label.
func blockName(blockID uint32, label string) string {
	label = strings.TrimRight(label, "/")
	if i := strings.LastIndexByte(label, '/'); i >= 0 {
		label = label[i+1:]
	}
	if label == "" {
		return fmt.Sprintf("block %d", blockID)
	}
	return label
}

func joinPath(parent, name string) string {
	return parent + "/" + strings.Trim(name, "/")
}
