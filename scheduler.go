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

package stm32boot

import "time"

// Scheduler provides the periodic and one-shot timing primitives the
// session needs: the Phase-1 retry tick (250ms) and the watchdog tick
// (2000ms). Flash always uses realtimeScheduler; tests pass a fake to
// newSession to drive phases deterministically without sleeping.
type Scheduler interface {
	// Every calls fn on every tick of d until the returned cancel func is
	// called.
	Every(d time.Duration, fn func()) (cancel func())
	// After calls fn once, after d elapses, unless cancel is called first.
	After(d time.Duration, fn func()) (cancel func())
}

type realtimeScheduler struct{}

func (realtimeScheduler) Every(d time.Duration, fn func()) func() {
	t := time.NewTicker(d)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-t.C:
				fn()
			case <-done:
				return
			}
		}
	}()
	return func() {
		t.Stop()
		close(done)
	}
}

func (realtimeScheduler) After(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}
