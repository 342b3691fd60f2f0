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

import (
	"time"

	"github.com/golang/glog"
)

const watchdogTick = 2000 * time.Millisecond

// aliveChecker is satisfied by *portio.Shim.
type aliveChecker interface {
	Alive() bool
}

// watchdog fires onTimeout after two consecutive ticks find the session not
// alive. It is armed at session start and disarmed in phase 99.
type watchdog struct {
	sched  Scheduler
	shim   aliveChecker
	misses int
	cancel func()
}

func newWatchdog(sched Scheduler, shim aliveChecker, onTimeout func()) *watchdog {
	w := &watchdog{sched: sched, shim: shim}
	w.cancel = sched.Every(watchdogTick, func() {
		if w.shim.Alive() {
			w.misses = 0
			return
		}
		w.misses++
		glog.V(1).Infof("watchdog: missed tick %d/2", w.misses)
		if w.misses >= 2 {
			onTimeout()
		}
	})
	return w
}

// disarm stops the watchdog. Safe to call multiple times.
func (w *watchdog) disarm() {
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
}
