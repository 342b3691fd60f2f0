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

	"github.com/golang/glog"

	"github.com/google/stm32boot/internal/frame"
)

// writeAll is Phase 5: walk every segment in order, chunking each into
// pieces of at most 256 bytes, and stream a write-memory cycle per chunk.
func (s *session) writeAll() error {
	for _, seg := range s.image.Segments {
		if err := s.writeSegment(seg); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) writeSegment(seg Segment) error {
	addr := seg.Address
	data := seg.Data
	for len(data) > 0 {
		chunkLen := len(data)
		if chunkLen > frame.MaxChunk {
			chunkLen = frame.MaxChunk
		}
		chunk := data[:chunkLen]
		if err := s.writeChunk(addr, chunk); err != nil {
			return err
		}
		data = data[chunkLen:]
		addr += uint32(chunkLen)
	}
	return nil
}

// writeChunk performs the three-round-trip write-memory exchange: command
// frame, address frame, data frame, one ACK each.
func (s *session) writeChunk(addr uint32, chunk []byte) error {
	glog.V(2).Infof("stm32boot: writing %d bytes at %#08x", len(chunk), addr)
	dataFrame, err := frame.Data(chunk)
	if err != nil {
		return err
	}
	if err := s.shim.Send(frame.Command(frame.OpWriteMemory)); err != nil {
		return err
	}
	if err := s.expectAck(); err != nil {
		return err
	}
	if err := s.shim.Send(frame.Address(addr)); err != nil {
		return err
	}
	if err := s.expectAck(); err != nil {
		return err
	}
	if err := s.shim.Send(dataFrame); err != nil {
		return err
	}
	return s.expectAck()
}

// verifyAll is Phase 6: re-read every segment in the same shape it was
// written, then byte-compare against the original payload.
func (s *session) verifyAll() error {
	for i, seg := range s.image.Segments {
		buf, err := s.readSegment(seg)
		if err != nil {
			return err
		}
		s.verify[i] = buf
	}
	for i, seg := range s.image.Segments {
		if !bytes.Equal(seg.Data, s.verify[i]) {
			offset := mismatchOffset(seg.Data, s.verify[i])
			return newVerifyMismatch(i, offset)
		}
	}
	return nil
}

func mismatchOffset(want, got []byte) int {
	n := len(want)
	if len(got) < n {
		n = len(got)
	}
	for i := 0; i < n; i++ {
		if want[i] != got[i] {
			return i
		}
	}
	return n
}

func (s *session) readSegment(seg Segment) ([]byte, error) {
	out := make([]byte, 0, seg.Bytes)
	addr := seg.Address
	remaining := seg.Bytes
	for remaining > 0 {
		chunkLen := remaining
		if chunkLen > frame.MaxChunk {
			chunkLen = frame.MaxChunk
		}
		chunk, err := s.readChunk(addr, chunkLen)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
		addr += uint32(chunkLen)
		remaining -= chunkLen
	}
	return out, nil
}

// readChunk performs the read-memory exchange: command frame, address
// frame (each ACKed), then a read-count frame acknowledged by a single ACK
// that precedes the data — no ACK follows the data bytes themselves.
func (s *session) readChunk(addr uint32, n int) ([]byte, error) {
	glog.V(2).Infof("stm32boot: reading %d bytes at %#08x", n, addr)
	countFrame, err := frame.ReadCount(n)
	if err != nil {
		return nil, err
	}
	if err := s.shim.Send(frame.Command(frame.OpReadMemory)); err != nil {
		return nil, err
	}
	if err := s.expectAck(); err != nil {
		return nil, err
	}
	if err := s.shim.Send(frame.Address(addr)); err != nil {
		return nil, err
	}
	if err := s.expectAck(); err != nil {
		return nil, err
	}
	if err := s.shim.Send(countFrame); err != nil {
		return nil, err
	}
	if err := s.expectAck(); err != nil {
		return nil, err
	}
	return s.shim.Retrieve(s.ctx, n)
}
