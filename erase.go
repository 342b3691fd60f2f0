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
	"fmt"

	"github.com/golang/glog"

	"github.com/google/stm32boot/internal/frame"
)

// erase is Phase 4. It always issues an erase, regardless of whether the
// image's flash sectors are known to overlap; use_extended_erase, latched
// during Phase 2, is never reconsidered.
func (s *session) erase() error {
	if s.opts.EraseChip {
		return s.eraseGlobal()
	}
	return s.erasePartial()
}

func (s *session) eraseGlobal() error {
	glog.Infof("stm32boot: erasing entire flash")
	op := frame.OpErase
	globalFrame := frame.ClassicEraseGlobal()
	if s.useExtendedErase {
		op = frame.OpExtendedErase
		globalFrame = frame.ExtendedEraseGlobal()
	}
	if err := s.shim.Send(frame.Command(op)); err != nil {
		return err
	}
	if err := s.expectAck(); err != nil {
		return err
	}
	if err := s.shim.Send(globalFrame); err != nil {
		return err
	}
	return s.expectAck()
}

// erasePartial erases pages 0..pages-1 where pages = ceil(max_offset /
// page_size) and max_offset is the image's end offset from the flash base
// (one past its last byte).
func (s *session) erasePartial() error {
	maxOffset := s.image.MaxOffset(frame.FlashBase)
	pages := int((maxOffset + uint32(s.chip.PageSize) - 1) / uint32(s.chip.PageSize))
	if pages < 1 {
		pages = 1
	}
	glog.Infof("stm32boot: erasing %d page(s) of %d bytes", pages, s.chip.PageSize)

	op := frame.OpErase
	var listFrame []byte
	var err error
	if s.useExtendedErase {
		op = frame.OpExtendedErase
		listFrame, err = frame.ExtendedErasePartial(pages)
	} else {
		op = frame.OpErase
		listFrame, err = frame.ClassicErasePartial(pages)
	}
	if err != nil {
		return fmt.Errorf("stm32boot: computing erase page list: %w", err)
	}

	if err := s.shim.Send(frame.Command(op)); err != nil {
		return err
	}
	if err := s.expectAck(); err != nil {
		return err
	}
	if err := s.shim.Send(listFrame); err != nil {
		return err
	}
	return s.expectAck()
}
