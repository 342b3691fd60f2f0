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
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/google/stm32boot/internal/chipdb"
	"github.com/google/stm32boot/internal/frame"
	"github.com/google/stm32boot/internal/portio"
)

const (
	autoBaudRetryTick = 250 * time.Millisecond
	autoBaudAttempts  = 4
)

// phase identifiers for the session state machine.
const (
	phaseAutoBaud = 1
	phaseGet      = 2
	phaseGetID    = 3
	phaseErase    = 4
	phaseWrite    = 5
	phaseVerify   = 6
	phaseGo       = 7
	phaseTeardown = 99
)

var errWatchdog = errors.New("watchdog timed out")

// session holds everything a single flashing attempt needs. It is
// constructed once by newSession and driven to completion by run; nothing
// outside this package observes it except through the port and the Flash
// completion callback.
type session struct {
	port  Port
	shim  *portio.Shim
	sched Scheduler

	image *FirmwareImage
	opts  Options

	chip             chipdb.Profile
	useExtendedErase bool
	verify           [][]byte

	phase int
	wd    *watchdog

	ctx    context.Context
	cancel context.CancelCauseFunc

	portClosed bool
}

func newSession(port Port, sched Scheduler, image *FirmwareImage, opts Options) *session {
	ctx, cancel := context.WithCancelCause(context.Background())
	s := &session{
		port:   port,
		sched:  sched,
		image:  image,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		verify: make([][]byte, len(image.Segments)),
	}
	s.shim = portio.New(port)
	return s
}

// run drives the session through every phase and returns the terminal
// error, or nil on success. It always ends by running teardown.
func (s *session) run() error {
	s.wd = newWatchdog(s.sched, s.shim, func() {
		s.cancel(errWatchdog)
	})

	err := s.driveToGo()
	s.teardown()
	if err == nil {
		return nil
	}
	return s.classify(err)
}

func (s *session) driveToGo() error {
	s.phase = phaseAutoBaud
	if err := s.autoBaud(); err != nil {
		return err
	}

	s.phase = phaseGet
	if err := s.get(); err != nil {
		return err
	}

	s.phase = phaseGetID
	if err := s.getID(); err != nil {
		return err
	}

	s.phase = phaseErase
	if err := s.erase(); err != nil {
		return err
	}

	s.phase = phaseWrite
	if err := s.writeAll(); err != nil {
		return err
	}

	s.phase = phaseVerify
	if err := s.verifyAll(); err != nil {
		return err
	}

	s.phase = phaseGo
	if err := s.goApp(); err != nil {
		return err
	}

	return nil
}

// classify turns an internal error into the exported *Error the caller
// sees. Errors already typed (e.g. from a nested phase constructing one
// directly) pass through unchanged; a context cancellation carrying
// errWatchdog is reported as Timeout regardless of which blocking call
// observed it first.
func (s *session) classify(err error) error {
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}
	if cause := context.Cause(s.ctx); errors.Is(cause, errWatchdog) {
		return newError(Timeout, err)
	}
	return newError(ProtocolMismatch, err)
}

func (s *session) teardown() {
	s.phase = phaseTeardown
	s.wd.disarm()
	if !s.portClosed {
		s.portClosed = true
		if err := s.port.Close(); err != nil {
			glog.Warningf("stm32boot: closing port: %v", err)
		}
	}
}

// withTick derives a context from the session context that is also
// cancelled when d elapses on s.sched — the Phase-1 retry tick and the
// per-attempt read deadline both go through the injected Scheduler so
// tests can drive them without sleeping in real time.
func (s *session) withTick(d time.Duration) (context.Context, func()) {
	ctx, cancel := context.WithCancel(s.ctx)
	stop := s.sched.After(d, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// autoBaud is Phase 1: probe with 0x7F every 250ms, accept 0x7F, ACK, or
// NACK as sync success, give up after four attempts.
func (s *session) autoBaud() error {
	for attempt := 1; attempt <= autoBaudAttempts; attempt++ {
		glog.V(1).Infof("stm32boot: auto-baud attempt %d/%d", attempt, autoBaudAttempts)
		if err := s.shim.Send([]byte{frame.AutoBaud}); err != nil {
			return err
		}
		ctx, done := s.withTick(autoBaudRetryTick)
		resp, err := s.shim.Retrieve(ctx, 1)
		done()
		if err == nil && (resp[0] == frame.AutoBaud || resp[0] == frame.ACK || resp[0] == frame.NACK) {
			return nil
		}
	}
	return newError(BootloaderUnresponsive, fmt.Errorf("no response after %d attempts", autoBaudAttempts))
}

// expectAck retrieves one status byte and requires it to be ACK.
func (s *session) expectAck() error {
	b, err := s.shim.Retrieve(s.ctx, 1)
	if err != nil {
		return err
	}
	switch b[0] {
	case frame.ACK:
		return nil
	case frame.NACK:
		return newError(ProtocolMismatch, fmt.Errorf("target NACKed"))
	default:
		return newError(ProtocolMismatch, fmt.Errorf("expected ACK, got %#x", b[0]))
	}
}

// get is Phase 2: GET. Records whether the bootloader supports extended
// erase (opcode 0x44) at index 7 of the retrieved command block. This
// index has not been cross-checked against a real device capture.
func (s *session) get() error {
	if err := s.shim.Send(frame.Command(frame.OpGet)); err != nil {
		return err
	}
	if err := s.expectAck(); err != nil {
		return err
	}
	lenByte, err := s.shim.Retrieve(s.ctx, 1)
	if err != nil {
		return err
	}
	blockLen := int(lenByte[0]) + 1
	block, err := s.shim.Retrieve(s.ctx, blockLen)
	if err != nil {
		return err
	}
	if err := s.expectAck(); err != nil {
		return err
	}
	if len(block) <= 7 {
		return newError(ProtocolMismatch, fmt.Errorf("GET command block too short (%d bytes) to inspect index 7", len(block)))
	}
	s.useExtendedErase = block[7] == frame.OpExtendedErase
	glog.V(1).Infof("stm32boot: bootloader version %#x, extended erase = %v", block[0], s.useExtendedErase)
	return nil
}

// getID is Phase 3: GET ID, then chip registry resolution and the
// image-too-large check.
func (s *session) getID() error {
	if err := s.shim.Send(frame.Command(frame.OpGetID)); err != nil {
		return err
	}
	if err := s.expectAck(); err != nil {
		return err
	}
	lenByte, err := s.shim.Retrieve(s.ctx, 1)
	if err != nil {
		return err
	}
	if lenByte[0] != 1 {
		return newError(ProtocolMismatch, fmt.Errorf("GET ID length byte = %d, want 1", lenByte[0]))
	}
	id, err := s.shim.Retrieve(s.ctx, 2)
	if err != nil {
		return err
	}
	if err := s.expectAck(); err != nil {
		return err
	}
	productID := uint16(id[0])<<8 | uint16(id[1])
	profile, ok := chipdb.Lookup(productID)
	if !ok || !profile.HasGeometry() {
		return newError(UnknownChip, fmt.Errorf("product id %#03x", productID))
	}
	if s.image.BytesTotal >= profile.FlashSize {
		return newError(ImageTooLarge, fmt.Errorf("image is %d bytes, flash is %d bytes", s.image.BytesTotal, profile.FlashSize))
	}
	s.chip = profile
	glog.Infof("stm32boot: identified %s (product id %#03x, %d bytes flash, %d byte pages)",
		profile.Family, productID, profile.FlashSize, profile.PageSize)
	return nil
}

// goApp is Phase 7: GO to the flash base address.
func (s *session) goApp() error {
	if err := s.shim.Send(frame.Command(frame.OpGo)); err != nil {
		return err
	}
	if err := s.expectAck(); err != nil {
		return err
	}
	if err := s.shim.Send(frame.Address(frame.FlashBase)); err != nil {
		return err
	}
	return s.expectAck()
}
