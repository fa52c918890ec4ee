// SPDX-FileCopyrightText: (C) 2025 walletauth Authors
// SPDX-License-Identifier: Apache 2.0

package store

import (
	"context"
	"sync"
)

// Memory implements Store with non-persistent state. It is the store used
// by tests and throwaway client runs.
type Memory struct {
	mu      sync.RWMutex
	state   Snapshot
	watches watchers
}

var _ Store = (*Memory)(nil)

// NewMemory initializes an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{state: make(Snapshot)}
}

// Read implements Store.
func (m *Memory) Read(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.state[key]
	return value, ok, nil
}

// Snapshot implements Store.
func (m *Memory) Snapshot(_ context.Context) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.clone(), nil
}

// Edit implements Store. The transform runs against a copy which replaces
// the committed state in one step, so concurrent readers see either all of
// an edit or none of it.
func (m *Memory) Edit(_ context.Context, fn func(*Tx)) error {
	tx := newTx()
	fn(tx)

	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.state.clone()
	tx.apply(next)
	m.state = next
	m.watches.broadcast(next)
	return nil
}

// Watch implements Store. Registration happens under the same critical
// section as the snapshot, so a commit can never land between the two and
// leave the first receive stale.
func (m *Memory) Watch(ctx context.Context) <-chan Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.watches.subscribe(ctx, m.state.clone())
}

// Close implements Store.
func (m *Memory) Close() error { return nil }
