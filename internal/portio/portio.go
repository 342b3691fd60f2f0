// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package portio is the Port I/O shim: it accumulates inbound bytes from a
// push-callback transport into a receive buffer and serves fixed-length
// read requests out of it, and tracks the "alive" flag the watchdog
// consumes. It turns the continuation-passing send/retrieve pair of the
// original design into a pair of blocking calls safe to use from a single
// goroutine.
package portio

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"
)

// Writer is the minimal transport dependency the shim needs: a
// fire-and-forget Write and a way to register the inbound-data callback.
// stm32boot.Port satisfies this.
type Writer interface {
	Write(b []byte) error
	OnReceive(handler func([]byte))
}

// Shim accumulates inbound bytes and serves Retrieve calls against them, per
// the ReceiveBuffer invariant: a pending read of n bytes completes when the
// buffer's length first reaches n, and that n-byte prefix is removed
// atomically. At most one Retrieve may be outstanding at a time; callers
// (the session driver) must not overlap Send/Retrieve calls.
type Shim struct {
	port Writer

	mu      sync.Mutex
	buf     []byte
	pending bool

	notify chan struct{}
	alive  atomic.Bool
}

// New wraps port, registering the shim's receive handler on it.
func New(port Writer) *Shim {
	s := &Shim{port: port, notify: make(chan struct{}, 1)}
	port.OnReceive(s.onReceive)
	return s
}

func (s *Shim) onReceive(chunk []byte) {
	s.mu.Lock()
	s.buf = append(s.buf, chunk...)
	s.mu.Unlock()
	glog.V(2).Infof("portio: received %d bytes", len(chunk))
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Send clears the receive buffer, transmits b, and marks the session alive
// for the watchdog. The buffer is cleared before transmission so that any
// stale bytes left over from a prior exchange are discarded.
func (s *Shim) Send(b []byte) error {
	s.mu.Lock()
	s.buf = s.buf[:0]
	s.mu.Unlock()
	if err := s.port.Write(b); err != nil {
		return fmt.Errorf("portio: write failed: %w", err)
	}
	s.alive.Store(true)
	return nil
}

// Retrieve blocks until n bytes are available or ctx is done, then returns
// (and removes) the first n bytes of the buffer. It returns an error,
// rather than blocking forever, if another Retrieve is already pending.
func (s *Shim) Retrieve(ctx context.Context, n int) ([]byte, error) {
	s.mu.Lock()
	if s.pending {
		s.mu.Unlock()
		return nil, fmt.Errorf("portio: retrieve already pending")
	}
	s.pending = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.pending = false
		s.mu.Unlock()
	}()

	for {
		s.mu.Lock()
		if len(s.buf) >= n {
			out := make([]byte, n)
			copy(out, s.buf[:n])
			s.buf = s.buf[n:]
			s.mu.Unlock()
			return out, nil
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Alive reports and clears the alive flag in one step: true means a Send
// happened since the last call to Alive, false means the watchdog should
// count a miss.
func (s *Shim) Alive() bool {
	return s.alive.Swap(false)
}
