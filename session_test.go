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
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/stm32boot/internal/frame"
)

// fakeScheduler gives tests full control over the watchdog tick and lets
// Phase-1's per-attempt deadline fire quickly instead of sleeping 250ms for
// real, without ever letting the watchdog itself fire unless a test
// explicitly asks it to via Tick.
type fakeScheduler struct {
	mu      sync.Mutex
	everyFn func()
}

func (f *fakeScheduler) Every(d time.Duration, fn func()) func() {
	f.mu.Lock()
	f.everyFn = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.everyFn = nil
		f.mu.Unlock()
	}
}

// Tick invokes the armed watchdog callback, if any, as if one 2000ms period
// had elapsed.
func (f *fakeScheduler) Tick() {
	f.mu.Lock()
	fn := f.everyFn
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (f *fakeScheduler) After(d time.Duration, fn func()) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-time.After(2 * time.Millisecond):
			fn()
		case <-done:
		}
	}()
	return func() { close(done) }
}

// deviceSimulator plays the bootloader side of the AN3155 protocol against
// the session driver: a small, purpose-built state machine reacting to the
// exact frame shapes internal/frame produces. It exists because gomock's
// per-call expectation style does not scale to a stateful multi-byte wire
// protocol.
type deviceSimulator struct {
	mu      sync.Mutex
	handler func([]byte)
	closes  int

	silent bool

	getBlock  []byte // version + supported commands
	productID uint16

	written map[uint32][]byte

	// corruptAddr, if non-negative, inverts every bit of the byte read back
	// at that absolute address (S4).
	corruptAddr int64

	eraseCalls []string // "global" or "partial" per erase payload, for assertions

	state       simState
	pendingAddr uint32
	pendingOp   byte
}

type simState int

const (
	simIdle simState = iota
	simAwaitWriteAddr
	simAwaitWriteData
	simAwaitReadAddr
	simAwaitReadCount
	simAwaitErasePayload
	simAwaitGoAddr
)

func newDeviceSimulator() *deviceSimulator {
	return &deviceSimulator{
		written:     make(map[uint32][]byte),
		corruptAddr: -1,
	}
}

func (d *deviceSimulator) OnReceive(handler func([]byte)) {
	d.mu.Lock()
	d.handler = handler
	d.mu.Unlock()
}

func (d *deviceSimulator) Close() error {
	d.mu.Lock()
	d.closes++
	d.mu.Unlock()
	return nil
}

func (d *deviceSimulator) respond(b []byte) {
	if d.silent {
		return
	}
	d.handler(b)
}

func (d *deviceSimulator) Write(b []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(b) == 1 && b[0] == frame.AutoBaud {
		d.respond([]byte{frame.ACK})
		return nil
	}

	switch d.state {
	case simIdle:
		return d.handleCommand(b)
	case simAwaitWriteAddr:
		d.pendingAddr = decodeAddr(b)
		d.state = simAwaitWriteData
		d.respond([]byte{frame.ACK})
	case simAwaitWriteData:
		payload := b[1 : len(b)-1]
		cp := make([]byte, len(payload))
		copy(cp, payload)
		d.written[d.pendingAddr] = cp
		d.state = simIdle
		d.respond([]byte{frame.ACK})
	case simAwaitReadAddr:
		d.pendingAddr = decodeAddr(b)
		d.state = simAwaitReadCount
		d.respond([]byte{frame.ACK})
	case simAwaitReadCount:
		n := int(b[0]) + 1
		out := d.readBytes(d.pendingAddr, n)
		d.state = simIdle
		d.respond(append([]byte{frame.ACK}, out...))
	case simAwaitErasePayload:
		if b[0] == 0xFF {
			d.eraseCalls = append(d.eraseCalls, "global")
		} else {
			d.eraseCalls = append(d.eraseCalls, "partial")
		}
		d.state = simIdle
		d.respond([]byte{frame.ACK})
	case simAwaitGoAddr:
		d.state = simIdle
		d.respond([]byte{frame.ACK})
	}
	return nil
}

func (d *deviceSimulator) handleCommand(b []byte) error {
	op := b[0]
	d.pendingOp = op
	switch op {
	case frame.OpGet:
		block := d.getBlock
		resp := append([]byte{frame.ACK, byte(len(block) - 1)}, block...)
		resp = append(resp, frame.ACK)
		d.respond(resp)
	case frame.OpGetID:
		id := []byte{byte(d.productID >> 8), byte(d.productID)}
		resp := append([]byte{frame.ACK, 0x01}, id...)
		resp = append(resp, frame.ACK)
		d.respond(resp)
	case frame.OpErase, frame.OpExtendedErase:
		d.state = simAwaitErasePayload
		d.respond([]byte{frame.ACK})
	case frame.OpWriteMemory:
		d.state = simAwaitWriteAddr
		d.respond([]byte{frame.ACK})
	case frame.OpReadMemory:
		d.state = simAwaitReadAddr
		d.respond([]byte{frame.ACK})
	case frame.OpGo:
		d.state = simAwaitGoAddr
		d.respond([]byte{frame.ACK})
	}
	return nil
}

func (d *deviceSimulator) readBytes(addr uint32, n int) []byte {
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		a := addr + uint32(i)
		if payload, ok := d.lookupByte(a); ok {
			out[i] = payload
		}
		if d.corruptAddr >= 0 && int64(a) == d.corruptAddr {
			out[i] ^= 0xFF
		}
	}
	return out
}

func (d *deviceSimulator) lookupByte(addr uint32) (byte, bool) {
	for base, data := range d.written {
		if addr >= base && addr < base+uint32(len(data)) {
			return data[addr-base], true
		}
	}
	return 0, false
}

func decodeAddr(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func fill(n int, v byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// getBlockAdvertising builds a GET response block whose index 7 is
// extended (0x44) if extended is true, classic (0x43) otherwise, per the
// spec's documented (if unverified) index into the retrieved command list.
func getBlockAdvertising(extended bool) []byte {
	block := make([]byte, 12) // version + 11 command bytes
	block[0] = 0x22           // bootloader version
	for i := 1; i < len(block); i++ {
		block[i] = 0x00
	}
	if extended {
		block[7] = frame.OpExtendedErase
	} else {
		block[7] = frame.OpErase
	}
	return block
}

func runSession(t *testing.T, sim *deviceSimulator, sched Scheduler, image *FirmwareImage, opts Options) error {
	t.Helper()
	s := newSession(sim, sched, image, opts)
	return s.run()
}

// S1: partial erase, happy path, F1 medium-density.
func TestSessionS1PartialErase(t *testing.T) {
	sim := newDeviceSimulator()
	sim.getBlock = getBlockAdvertising(false)
	sim.productID = 0x0410

	img, err := NewFirmwareImage([]Segment{{Address: frame.FlashBase, Bytes: 1024, Data: fill(1024, 0xAB)}})
	if err != nil {
		t.Fatalf("NewFirmwareImage: %v", err)
	}

	err = runSession(t, sim, &fakeScheduler{}, img, Options{EraseChip: false, Baud: 115200})
	if err != nil {
		t.Fatalf("run() = %v, want nil", err)
	}
	if len(sim.eraseCalls) != 1 || sim.eraseCalls[0] != "partial" {
		t.Errorf("eraseCalls = %v, want [partial]", sim.eraseCalls)
	}
	if sim.closes != 1 {
		t.Errorf("closes = %d, want 1", sim.closes)
	}
	got, ok := sim.lookupByteRange(frame.FlashBase, 1024)
	if !ok || !bytes.Equal(got, fill(1024, 0xAB)) {
		t.Errorf("device flash contents after write do not match image")
	}
}

// lookupByteRange is a small test helper layered on lookupByte.
func (d *deviceSimulator) lookupByteRange(addr uint32, n int) ([]byte, bool) {
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		b, ok := d.lookupByte(addr + uint32(i))
		if !ok {
			return nil, false
		}
		out[i] = b
	}
	return out, true
}

// S2: global erase, extended dialect.
func TestSessionS2GlobalEraseExtended(t *testing.T) {
	sim := newDeviceSimulator()
	sim.getBlock = getBlockAdvertising(true)
	sim.productID = 0x0410

	img, err := NewFirmwareImage([]Segment{{Address: frame.FlashBase, Bytes: 16, Data: fill(16, 0x5A)}})
	if err != nil {
		t.Fatalf("NewFirmwareImage: %v", err)
	}

	err = runSession(t, sim, &fakeScheduler{}, img, Options{EraseChip: true, Baud: 115200})
	if err != nil {
		t.Fatalf("run() = %v, want nil", err)
	}
	if len(sim.eraseCalls) != 1 || sim.eraseCalls[0] != "global" {
		t.Errorf("eraseCalls = %v, want [global]", sim.eraseCalls)
	}
}

// S3: oversize image is rejected in Phase 3, before any erase.
func TestSessionS3OversizeImage(t *testing.T) {
	sim := newDeviceSimulator()
	sim.getBlock = getBlockAdvertising(false)
	sim.productID = 0x0410 // flash size 131072

	img, err := NewFirmwareImage([]Segment{{Address: frame.FlashBase, Bytes: 131072, Data: fill(131072, 0x00)}})
	if err != nil {
		t.Fatalf("NewFirmwareImage: %v", err)
	}

	err = runSession(t, sim, &fakeScheduler{}, img, Options{Baud: 115200})
	var typed *Error
	if !errors.As(err, &typed) || typed.Kind != ImageTooLarge {
		t.Fatalf("run() = %v, want ImageTooLarge", err)
	}
	if len(sim.eraseCalls) != 0 {
		t.Errorf("eraseCalls = %v, want none", sim.eraseCalls)
	}
	if sim.closes != 1 {
		t.Errorf("closes = %d, want 1", sim.closes)
	}
}

// S4: a corrupted read-back is reported as VerifyMismatch with the right
// segment and offset.
func TestSessionS4VerifyMismatch(t *testing.T) {
	sim := newDeviceSimulator()
	sim.getBlock = getBlockAdvertising(false)
	sim.productID = 0x0410
	sim.corruptAddr = int64(frame.FlashBase) + 10

	img, err := NewFirmwareImage([]Segment{{Address: frame.FlashBase, Bytes: 32, Data: fill(32, 0x11)}})
	if err != nil {
		t.Fatalf("NewFirmwareImage: %v", err)
	}

	err = runSession(t, sim, &fakeScheduler{}, img, Options{Baud: 115200})
	var typed *Error
	if !errors.As(err, &typed) || typed.Kind != VerifyMismatch {
		t.Fatalf("run() = %v, want VerifyMismatch", err)
	}
	if typed.Segment != 0 || typed.Offset != 10 {
		t.Errorf("VerifyMismatch = {segment: %d, offset: %d}, want {0, 10}", typed.Segment, typed.Offset)
	}
}

// S5: a silent bootloader exhausts the four auto-baud attempts and is
// reported as BootloaderUnresponsive; teardown still runs exactly once.
func TestSessionS5BootloaderSilent(t *testing.T) {
	sim := newDeviceSimulator()
	sim.silent = true

	img, err := NewFirmwareImage([]Segment{{Address: frame.FlashBase, Bytes: 16, Data: fill(16, 0x00)}})
	if err != nil {
		t.Fatalf("NewFirmwareImage: %v", err)
	}

	err = runSession(t, sim, &fakeScheduler{}, img, Options{Baud: 115200})
	var typed *Error
	if !errors.As(err, &typed) || typed.Kind != BootloaderUnresponsive {
		t.Fatalf("run() = %v, want BootloaderUnresponsive", err)
	}
	if sim.closes != 1 {
		t.Errorf("closes = %d, want 1 (teardown must be idempotent)", sim.closes)
	}
}

// Property 2: chunking. A segment of length L is written as ceil(L/256)
// chunks whose lengths add up to L.
func TestWriteChunking(t *testing.T) {
	sim := newDeviceSimulator()
	sim.getBlock = getBlockAdvertising(false)
	sim.productID = 0x0410

	const length = 256*3 + 37
	img, err := NewFirmwareImage([]Segment{{Address: frame.FlashBase, Bytes: length, Data: fill(length, 0x7E)}})
	if err != nil {
		t.Fatalf("NewFirmwareImage: %v", err)
	}
	if err := runSession(t, sim, &fakeScheduler{}, img, Options{Baud: 115200}); err != nil {
		t.Fatalf("run() = %v, want nil", err)
	}
	if len(sim.written) != 4 {
		t.Fatalf("wrote %d chunks, want 4 (ceil(%d/256))", len(sim.written), length)
	}
	sizes := 0
	for _, data := range sim.written {
		sizes += len(data)
	}
	if sizes != length {
		t.Errorf("total written bytes = %d, want %d", sizes, length)
	}
}

// Property 4: erase page count for a single-segment image.
func TestErasePageCount(t *testing.T) {
	sim := newDeviceSimulator()
	sim.getBlock = getBlockAdvertising(false)
	sim.productID = 0x0410 // page size 1024

	const length = 1024*3 + 1 // needs 4 pages
	img, err := NewFirmwareImage([]Segment{{Address: frame.FlashBase, Bytes: length, Data: fill(length, 0x01)}})
	if err != nil {
		t.Fatalf("NewFirmwareImage: %v", err)
	}
	s := newSession(sim, &fakeScheduler{}, img, Options{Baud: 115200})
	if err := s.autoBaud(); err != nil {
		t.Fatalf("autoBaud: %v", err)
	}
	if err := s.get(); err != nil {
		t.Fatalf("get: %v", err)
	}
	if err := s.getID(); err != nil {
		t.Fatalf("getID: %v", err)
	}
	maxOffset := img.MaxOffset(frame.FlashBase)
	if maxOffset != length {
		t.Fatalf("MaxOffset = %d, want %d", maxOffset, length)
	}
	pages := int((maxOffset + uint32(s.chip.PageSize) - 1) / uint32(s.chip.PageSize))
	if pages != 4 {
		t.Fatalf("computed pages = %d, want 4", pages)
	}
}

// Property 6: calling teardown (phase 99) repeatedly closes the port only
// once.
func TestTeardownIdempotent(t *testing.T) {
	sim := newDeviceSimulator()
	img, err := NewFirmwareImage([]Segment{{Address: frame.FlashBase, Bytes: 4, Data: []byte{1, 2, 3, 4}}})
	if err != nil {
		t.Fatalf("NewFirmwareImage: %v", err)
	}
	s := newSession(sim, &fakeScheduler{}, img, Options{})
	s.wd = newWatchdog(s.sched, s.shim, func() {})
	s.teardown()
	s.teardown()
	s.teardown()
	if sim.closes != 1 {
		t.Errorf("closes = %d, want 1", sim.closes)
	}
}
