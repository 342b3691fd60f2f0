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

// Package stm32boot drives an STM32 device already sitting at its USART
// system bootloader (AN3155) through auto-baud sync, capability discovery,
// chip identification, erase, write, verify, and jump-to-application. It
// consumes a byte-oriented Port and a pre-parsed FirmwareImage; it does not
// open serial devices or parse firmware files itself.
package stm32boot

import "github.com/golang/glog"

// Flash drives one complete flashing attempt over port. It reports
// completion by invoking onDone exactly once, after teardown finishes;
// onDone receives nil on success or a *Error otherwise. baud is carried
// through for logging only — the core assumes port is already open and
// configured at that rate.
func Flash(port Port, baud int, image *FirmwareImage, opts Options, onDone func(error)) {
	glog.Infof("stm32boot: starting flash session at %d baud, %d bytes across %d segment(s)",
		baud, image.BytesTotal, len(image.Segments))
	s := newSession(port, realtimeScheduler{}, image, opts)
	err := s.run()
	if err != nil {
		glog.Errorf("stm32boot: flash session failed: %v", err)
	} else {
		glog.Infof("stm32boot: flash session completed successfully")
	}
	onDone(err)
}
