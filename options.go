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

// Options configures a single flashing attempt.
type Options struct {
	// EraseChip, if true, performs a global erase in Phase 4. Otherwise a
	// partial erase bounded by the image's top address is performed.
	EraseChip bool
	// Baud is the bit rate the bootloader session runs at. Tested range is
	// 1200..921600, always 8 data bits, even parity, 1 stop bit. The core
	// does not itself configure the port; Baud is carried through so
	// logging and the caller's own port-open step can agree on it.
	Baud int
}
