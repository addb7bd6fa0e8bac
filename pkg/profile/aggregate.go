// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package profile

import "go.uber.org/zap"

// aggregator derives exclusive figures for measured nodes and the complete
// statistics of structural nodes from their subtrees.
type aggregator struct {
	logger *zap.Logger
	tree   *tree
	diag   *Diagnostics
}

// run walks the whole tree children-first.
func (a *aggregator) run() {
	a.diag.ClampedNodes = 0
	a.visit(a.tree.root())
}

func (a *aggregator) visit(n *Node) {
	var (
		cumChildren uint64
		incChildren uint64
	)
	for _, id := range n.Children {
		c := a.tree.nodes[id]
		a.visit(c)
		cumChildren += c.CumulativeInclusiveNs
		incChildren += c.IncrementalInclusiveNs
	}

	if !n.Measured {
		a.rollup(n)
		return
	}

	if cumChildren > n.CumulativeInclusiveNs {
		a.diag.ClampedNodes++
		a.diag.Clamps++
		a.logger.Debug("children exceed inclusive duration, clamping exclusive to zero",
			zap.String("path", n.Path),
			zap.Uint64("inclusive_ns", n.CumulativeInclusiveNs),
			zap.Uint64("children_ns", cumChildren))
		n.CumulativeExclusiveNs = 0
	} else {
		n.CumulativeExclusiveNs = n.CumulativeInclusiveNs - cumChildren
	}

	// The latest call of a child can belong to a call of n that is still
	// open, so incremental underflow is expected and not counted.
	if incChildren > n.IncrementalInclusiveNs {
		n.IncrementalExclusiveNs = 0
	} else {
		n.IncrementalExclusiveNs = n.IncrementalInclusiveNs - incChildren
	}
}

// rollup overwrites a structural node's statistics with those of its
// children and gives it one span bounding their most recent spans.
func (a *aggregator) rollup(n *Node) {
	var (
		s       Stats
		bound   Span
		bounded bool
		minSet  bool
	)
	for _, id := range n.Children {
		c := a.tree.nodes[id]
		s.CumulativeCallCount += c.CumulativeCallCount
		s.CumulativeInclusiveNs += c.CumulativeInclusiveNs
		s.IncrementalInclusiveNs += c.IncrementalInclusiveNs
		if c.IncrementalMaxNs > s.IncrementalMaxNs {
			s.IncrementalMaxNs = c.IncrementalMaxNs
		}
		if c.CumulativeCallCount > 0 && (!minSet || c.MinNs < s.MinNs) {
			s.MinNs = c.MinNs
			minSet = true
		}

		last, ok := c.LastSpan()
		if !ok {
			continue
		}
		if !bounded {
			bound = last
			bounded = true
			continue
		}
		if last.Start < bound.Start {
			bound.Start = last.Start
		}
		if last.End > bound.End {
			bound.End = last.End
		}
	}
	n.Stats = s

	if bounded {
		n.Spans = []Span{NewSpan(bound.Start, bound.End)}
	} else {
		n.Spans = nil
	}
}
