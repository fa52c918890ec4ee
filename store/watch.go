// SPDX-FileCopyrightText: (C) 2025 walletauth Authors
// SPDX-License-Identifier: Apache 2.0

package store

import (
	"context"
	"sync"
)

// watchers fans committed snapshots out to subscribers. Each subscriber
// channel holds one pending snapshot; a slow receiver is conflated to the
// latest commit rather than blocking the writer.
type watchers struct {
	mu   sync.Mutex
	subs map[chan Snapshot]struct{}
}

func (w *watchers) subscribe(ctx context.Context, current Snapshot) <-chan Snapshot {
	ch := make(chan Snapshot, 1)
	ch <- current

	w.mu.Lock()
	if w.subs == nil {
		w.subs = make(map[chan Snapshot]struct{})
	}
	w.subs[ch] = struct{}{}
	w.mu.Unlock()

	go func() {
		<-ctx.Done()
		w.mu.Lock()
		delete(w.subs, ch)
		w.mu.Unlock()
		close(ch)
	}()
	return ch
}

func (w *watchers) broadcast(snap Snapshot) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for ch := range w.subs {
		select {
		case ch <- snap:
		default:
			// Drop the stale pending snapshot, then deliver the new one.
			select {
			case <-ch:
			default:
			}
			ch <- snap
		}
	}
}
