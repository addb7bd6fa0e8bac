// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package database

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/mbeema/blockprof/pkg/profile"
	"go.uber.org/zap"
)

// Database owns every live Profile and fans their change notifications out
// to channel subscribers.
type Database struct {
	logger *zap.Logger

	mu       sync.RWMutex
	keys     profile.IDAllocator
	profiles map[int]*profile.Profile

	subMu   sync.RWMutex
	nextSub int
	subs    map[int]chan profile.Change

	dropped atomic.Int64
}

// New creates an empty Database.
func New(logger *zap.Logger) *Database {
	return &Database{
		logger:   logger,
		profiles: make(map[int]*profile.Profile),
		subs:     make(map[int]chan profile.Change),
	}
}

// CreateProfile allocates a key, initializes a Profile under it and starts
// forwarding its notifications.
func (d *Database) CreateProfile(name string) (*profile.Profile, error) {
	d.mu.Lock()
	key := d.keys.Next()
	p := profile.New(d.logger)
	if err := p.Initialize(key, name); err != nil {
		d.mu.Unlock()
		return nil, fmt.Errorf("initialize profile %q: %w", name, err)
	}
	p.OnChange(d.publish)
	d.profiles[key] = p
	d.mu.Unlock()

	d.logger.Info("profile created", zap.Int("profile_key", key), zap.String("profile_name", name))
	d.publish(profile.Change{Kind: profile.ProfileModified, ProfileKey: key})
	return p, nil
}

// Profile returns the profile registered under key.
func (d *Database) Profile(key int) (*profile.Profile, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.profiles[key]
	return p, ok
}

// Keys returns all profile keys in ascending order.
func (d *Database) Keys() []int {
	d.mu.RLock()
	keys := make([]int, 0, len(d.profiles))
	for k := range d.profiles {
		keys = append(keys, k)
	}
	d.mu.RUnlock()
	sort.Ints(keys)
	return keys
}

// Len returns the number of profiles.
func (d *Database) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.profiles)
}

// Rename renames the profile under key.
func (d *Database) Rename(key int, name string) error {
	p, ok := d.Profile(key)
	if !ok {
		return fmt.Errorf("rename: no profile with key %d", key)
	}
	p.Rename(name)
	return nil
}

// Subscribe returns a channel receiving every change notification and a
// cancel func that closes it. Notifications for a full channel are dropped.
func (d *Database) Subscribe(buffer int) (<-chan profile.Change, func()) {
	ch := make(chan profile.Change, buffer)

	d.subMu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = ch
	d.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			d.subMu.Lock()
			delete(d.subs, id)
			d.subMu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// DroppedNotifications returns how many notifications were discarded
// because a subscriber fell behind.
func (d *Database) DroppedNotifications() int64 {
	return d.dropped.Load()
}

func (d *Database) publish(c profile.Change) {
	d.subMu.RLock()
	defer d.subMu.RUnlock()

	for _, ch := range d.subs {
		select {
		case ch <- c:
		default:
			if d.dropped.Add(1)%1000 == 1 {
				d.logger.Warn("subscriber channel full, dropping notification",
					zap.Int("profile_key", c.ProfileKey),
					zap.Stringer("kind", c.Kind),
					zap.Int64("total_dropped", d.dropped.Load()))
			}
		}
	}
}
