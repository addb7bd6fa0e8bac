// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package profile

import "go.uber.org/zap"

type contextKey struct {
	thread uint32
	name   string
}

// contextState tracks the open block chain of one (thread, context) pair.
// stack[0] is the context node itself; the top is the innermost open block.
type contextState struct {
	node  NodeID
	stack []NodeID
}

func (s *contextState) current() NodeID {
	return s.stack[len(s.stack)-1]
}

// recorder matches open and close events into spans. It must be driven by a
// single writer.
type recorder struct {
	logger   *zap.Logger
	tree     *tree
	contexts map[contextKey]*contextState
	diag     *Diagnostics
}

func newRecorder(t *tree, diag *Diagnostics, logger *zap.Logger) *recorder {
	return &recorder{
		logger:   logger,
		tree:     t,
		contexts: make(map[contextKey]*contextState),
		diag:     diag,
	}
}

// context resolves the structural nodes of an event and its open stack.
func (r *recorder) context(ev Event) (*contextState, bool) {
	k := contextKey{thread: ev.ThreadID, name: ev.ExecutionContext}
	if st, ok := r.contexts[k]; ok {
		return st, false
	}
	thread, addedThread := r.tree.threadNode(ev.ThreadID)
	ctx, addedCtx := r.tree.contextNode(thread, ev.ExecutionContext)
	st := &contextState{node: ctx.ID, stack: []NodeID{ctx.ID}}
	r.contexts[k] = st
	return st, addedThread || addedCtx
}

// record applies one event and reports whether it created nodes. A close
// never creates nodes.
func (r *recorder) record(ev Event) bool {
	if !ev.Open {
		st, ok := r.contexts[contextKey{thread: ev.ThreadID, name: ev.ExecutionContext}]
		if !ok {
			r.unmatched(ev)
			return false
		}
		r.close(st, ev)
		return false
	}
	st, added := r.context(ev)
	return r.open(st, ev) || added
}

func (r *recorder) unmatched(ev Event) {
	r.diag.UnmatchedCloses++
	r.logger.Debug("unmatched close",
		zap.Uint32("thread", ev.ThreadID),
		zap.String("context", ev.ExecutionContext),
		zap.Uint32("block", ev.BlockID),
		zap.Uint64("stamp_ns", ev.TimestampNs))
}

func (r *recorder) open(st *contextState, ev Event) bool {
	parent := r.tree.node(st.current())
	n, added := r.tree.blockNode(parent, ev.BlockID, ev.Label)
	n.Open = true
	n.openStart = ev.TimestampNs
	st.stack = append(st.stack, n.ID)
	return added
}

func (r *recorder) close(st *contextState, ev Event) {
	if len(st.stack) == 1 {
		r.unmatched(ev)
		return
	}

	n := r.tree.node(st.current())
	if n.BlockID != ev.BlockID {
		r.diag.MismatchedCloses++
		r.logger.Debug("close does not match innermost open block",
			zap.String("path", n.Path),
			zap.Uint32("open_block", n.BlockID),
			zap.Uint32("close_block", ev.BlockID))
	}

	if n.Open {
		span := NewSpan(n.openStart, ev.TimestampNs)
		n.Spans = append(n.Spans, span)
		if n.CumulativeCallCount == 0 || span.Duration < n.MinNs {
			n.MinNs = span.Duration
		}
		n.CumulativeCallCount++
		n.CumulativeInclusiveNs += span.Duration
		n.IncrementalInclusiveNs = span.Duration
		if span.Duration > n.IncrementalMaxNs {
			n.IncrementalMaxNs = span.Duration
		}
		n.Open = false
	}
	st.stack = st.stack[:len(st.stack)-1]
}
