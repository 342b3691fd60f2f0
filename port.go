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

//go:generate mockgen -destination=internal/mocks/port.go -package=mocks github.com/google/stm32boot Port

// Port is the byte-oriented transport the session drives. The core never
// opens, configures, or closes the underlying device itself beyond calling
// Close in teardown; acquiring a Port (serial device, parity, baud) is the
// caller's responsibility. See package serialport for a concrete
// implementation over a real UART.
type Port interface {
	// Write transmits b and returns once it has been handed to the
	// transport. It does not wait for, or know about, a response.
	Write(b []byte) error
	// OnReceive registers the handler invoked with every inbound chunk of
	// arbitrary size. A Port implementation calls it from its own read
	// loop; it must not be called concurrently with itself.
	OnReceive(handler func([]byte))
	// Close releases the underlying device. Safe to call multiple times.
	Close() error
}
