// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package adapter turns index and data messages from instrumented processes
// into profile events.
//
// An index message maps block ids to labels for one execution context and
// replaces any earlier index for it. Data messages carry raw event ids whose
// low bit tells open (0) from close (1); the rest is the block id.
package adapter

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/mbeema/blockprof/pkg/profile"
	"go.uber.org/zap"
)

var (
	// ErrNoIndex means a data message arrived before any index for its node.
	ErrNoIndex = errors.New("no block index for node")
	// ErrUnknownBlock means a data message referenced a block missing from
	// the current index.
	ErrUnknownBlock = errors.New("block not in index")
)

// IndexEntry maps one block id to its label.
type IndexEntry struct {
	ID    uint32
	Label string
}

// IndexMessage publishes the block labels of one execution context.
type IndexMessage struct {
	Node    string
	Entries []IndexEntry
}

// RawEvent is an undecoded event: the block id shifted left by one with the
// low bit set on close.
type RawEvent struct {
	EventID uint32
	StampNs uint64
}

// ThreadEvents are the events of one thread in arrival order.
type ThreadEvents struct {
	ThreadID uint32
	Events   []RawEvent
}

// DataMessage carries the events of one execution context.
type DataMessage struct {
	Node    string
	StampNs uint64
	Threads []ThreadEvents
}

// Adapter holds the block index of every execution context it has seen.
// It is safe for concurrent use.
type Adapter struct {
	logger *zap.Logger

	mu    sync.RWMutex
	index map[string]map[uint32]string
}

// New creates an Adapter with no indexes.
func New(logger *zap.Logger) *Adapter {
	return &Adapter{
		logger: logger,
		index:  make(map[string]map[uint32]string),
	}
}

// ProcessIndex replaces the index of msg.Node. Labels are normalized and
// prefixed with the node name when they do not already start with it.
func (a *Adapter) ProcessIndex(msg IndexMessage) {
	node := NormalizePath(msg.Node)
	idx := make(map[uint32]string, len(msg.Entries))
	for _, e := range msg.Entries {
		label := NormalizePath(e.Label)
		if !strings.HasPrefix(label, node) {
			label = NormalizePath(node + "/" + label)
		}
		idx[e.ID] = label
	}

	a.mu.Lock()
	a.index[node] = idx
	a.mu.Unlock()

	a.logger.Debug("block index updated", zap.String("node", node), zap.Int("blocks", len(idx)))
}

// ProcessData decodes msg into events. On ErrUnknownBlock the events of
// threads decoded before the offending one are still returned; the rest of
// the message is dropped.
func (a *Adapter) ProcessData(msg DataMessage) ([]profile.Event, error) {
	node := NormalizePath(msg.Node)

	a.mu.RLock()
	defer a.mu.RUnlock()

	idx, ok := a.index[node]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrNoIndex, node)
	}

	var out []profile.Event
	for _, th := range msg.Threads {
		events := make([]profile.Event, 0, len(th.Events))
		for _, raw := range th.Events {
			blockID, open := DecodeEventID(raw.EventID)
			label, ok := idx[blockID]
			if !ok {
				return out, fmt.Errorf("%w: node %q thread %d block %d", ErrUnknownBlock, node, th.ThreadID, blockID)
			}
			events = append(events, profile.Event{
				ThreadID:         th.ThreadID,
				ExecutionContext: node,
				BlockID:          blockID,
				Label:            label,
				TimestampNs:      raw.StampNs,
				Open:             open,
			})
		}
		out = append(out, events...)
	}
	return out, nil
}

// Label returns the indexed label of a block.
func (a *Adapter) Label(node string, blockID uint32) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	label, ok := a.index[NormalizePath(node)][blockID]
	return label, ok
}

// Reset forgets every index.
func (a *Adapter) Reset() {
	a.mu.Lock()
	a.index = make(map[string]map[uint32]string)
	a.mu.Unlock()
}

// DecodeEventID splits a raw event id into its block id and direction.
func DecodeEventID(eventID uint32) (blockID uint32, open bool) {
	return eventID &^ 1, eventID&1 == 0
}

// EncodeEventID is the inverse of DecodeEventID. blockID must be even.
func EncodeEventID(blockID uint32, open bool) uint32 {
	if open {
		return blockID &^ 1
	}
	return blockID | 1
}

// NormalizePath returns p with a single leading slash, no repeated slashes
// and no trailing slash.
func NormalizePath(p string) string {
	return path.Clean("/" + p)
}
