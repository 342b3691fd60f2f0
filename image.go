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

import "fmt"

// Segment is a contiguous address/byte region of a firmware image.
type Segment struct {
	// Address is the 32-bit base address, expected to lie within the
	// target's flash window starting at 0x08000000.
	Address uint32
	// Bytes is the declared length of Data. Equal to len(Data).
	Bytes int
	Data   []byte
}

// FirmwareImage is the pre-parsed input Flash consumes: an ordered sequence
// of one or more Segments in ascending address order. Built once by a
// loader (see package imagesrc) and read-only thereafter.
type FirmwareImage struct {
	Segments []Segment
	// BytesTotal is the sum of every segment's byte count.
	BytesTotal int
}

// NewFirmwareImage validates segments and returns the FirmwareImage they
// describe. Segments must be non-empty, individually length-consistent
// (Bytes == len(Data)), and presented in strictly ascending address order.
func NewFirmwareImage(segments []Segment) (*FirmwareImage, error) {
	if len(segments) == 0 {
		return nil, fmt.Errorf("stm32boot: firmware image has no segments")
	}
	total := 0
	var prevEnd uint32
	for i, s := range segments {
		if s.Bytes != len(s.Data) {
			return nil, fmt.Errorf("stm32boot: segment %d declares %d bytes but carries %d", i, s.Bytes, len(s.Data))
		}
		if s.Bytes == 0 {
			return nil, fmt.Errorf("stm32boot: segment %d is empty", i)
		}
		if i > 0 && s.Address < prevEnd {
			return nil, fmt.Errorf("stm32boot: segment %d at %#x overlaps or precedes the previous segment ending at %#x", i, s.Address, prevEnd)
		}
		prevEnd = s.Address + uint32(s.Bytes)
		total += s.Bytes
	}
	return &FirmwareImage{Segments: segments, BytesTotal: total}, nil
}

// MaxOffset returns last_segment.address + last_segment.bytes - base, the
// end offset (relative to base, one past the last byte) of the image. Used
// by the erase engine to bound a partial erase.
func (f *FirmwareImage) MaxOffset(base uint32) uint32 {
	last := f.Segments[len(f.Segments)-1]
	return last.Address + uint32(last.Bytes) - base
}
