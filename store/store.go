// SPDX-FileCopyrightText: (C) 2025 walletauth Authors
// SPDX-License-Identifier: Apache 2.0

// Package store implements the persisted session state: a small key-value
// document with atomic multi-key edits and snapshot reads.
//
// An Edit applies as a single transaction. Readers only ever observe fully
// committed state, and watchers receive a full snapshot for every commit
// they are fast enough to see, always ending on the latest.
package store

import "context"

// Keys of the session state document.
const (
	KeyPublicKey         = "public_key"
	KeyPrivateKey        = "private_key"
	KeyUsername          = "username"
	KeySessionID         = "session_id"
	KeyCredentials       = "credentials"
	KeyLocalCredentialID = "local_credential_id"
)

// Snapshot is a full copy of committed state. It is owned by the receiver
// and never mutated after delivery.
type Snapshot map[string]string

// Tx accumulates the upserts and removals of one atomic edit.
type Tx struct {
	set map[string]string
	del map[string]struct{}
}

// Set upserts a key.
func (tx *Tx) Set(key, value string) {
	delete(tx.del, key)
	tx.set[key] = value
}

// Delete removes a key. Deleting an absent key is not an error.
func (tx *Tx) Delete(key string) {
	delete(tx.set, key)
	tx.del[key] = struct{}{}
}

func newTx() *Tx {
	return &Tx{set: make(map[string]string), del: make(map[string]struct{})}
}

func (tx *Tx) apply(state map[string]string) {
	for key, value := range tx.set {
		state[key] = value
	}
	for key := range tx.del {
		delete(state, key)
	}
}

// Store is the persisted session state document.
type Store interface {
	// Read returns the committed value of one key.
	Read(ctx context.Context, key string) (value string, ok bool, err error)

	// Snapshot returns a copy of the full committed state.
	Snapshot(ctx context.Context) (Snapshot, error)

	// Edit applies a batch of upserts and removals atomically.
	Edit(ctx context.Context, fn func(*Tx)) error

	// Watch delivers the current snapshot followed by a snapshot per
	// commit, conflating to the latest when the receiver lags. The channel
	// closes when ctx is done.
	Watch(ctx context.Context) <-chan Snapshot

	// Close releases the underlying storage.
	Close() error
}

func (s Snapshot) clone() Snapshot {
	out := make(Snapshot, len(s))
	for key, value := range s {
		out[key] = value
	}
	return out
}
