// SPDX-FileCopyrightText: (C) 2025 walletauth Authors
// SPDX-License-Identifier: Apache 2.0

package walletauth

import (
	"context"
	"sync"
)

// stateFeed broadcasts SignInState transitions with replay of the latest
// state. Slow subscribers are conflated to the newest transition instead
// of blocking the state machine.
type stateFeed struct {
	mu   sync.Mutex
	last SignInState
	subs map[chan SignInState]struct{}
}

func newStateFeed() *stateFeed {
	return &stateFeed{
		last: SignedOut{},
		subs: make(map[chan SignInState]struct{}),
	}
}

func (f *stateFeed) emit(state SignInState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = state
	for ch := range f.subs {
		select {
		case ch <- state:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- state
		}
	}
}

func (f *stateFeed) subscribe(ctx context.Context) <-chan SignInState {
	ch := make(chan SignInState, 1)

	f.mu.Lock()
	ch <- f.last
	f.subs[ch] = struct{}{}
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.subs, ch)
		f.mu.Unlock()
		close(ch)
	}()
	return ch
}
