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

// Package imagesrc loads firmware images into the shape stm32boot.Flash
// consumes. LoadIntelHex accepts files whose records describe more than
// one contiguous run.
package imagesrc

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/marcinbor85/gohex"

	"github.com/google/stm32boot"
)

// LoadIntelHex parses r as an Intel HEX file and returns the FirmwareImage
// its segments describe, sorted into ascending address order as
// stm32boot.NewFirmwareImage requires.
func LoadIntelHex(r io.Reader) (*stm32boot.FirmwareImage, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return nil, fmt.Errorf("imagesrc: parsing intel hex: %w", err)
	}

	raw := mem.GetDataSegments()
	if len(raw) == 0 {
		return nil, fmt.Errorf("imagesrc: file contains no data segments")
	}
	sort.Slice(raw, func(i, j int) bool { return raw[i].Address < raw[j].Address })

	segments := make([]stm32boot.Segment, len(raw))
	for i, seg := range raw {
		segments[i] = stm32boot.Segment{
			Address: seg.Address,
			Bytes:   len(seg.Data),
			Data:    seg.Data,
		}
	}
	return stm32boot.NewFirmwareImage(segments)
}

// LoadIntelHexFile opens filename and delegates to LoadIntelHex.
func LoadIntelHexFile(filename string) (*stm32boot.FirmwareImage, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return LoadIntelHex(file)
}
