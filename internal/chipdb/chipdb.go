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

// Package chipdb maps the 12-bit product ID returned by the bootloader's
// GET ID command to flash geometry. Some product IDs are recognized by
// family but carry no known geometry; callers must treat those as
// unverifiable rather than guessing a size.
package chipdb

// Profile is the result of a product ID lookup.
type Profile struct {
	ProductID uint16
	Family    string
	// FlashSize and PageSize are in bytes. Zero means "recognized but
	// geometry unknown" — proceed to fail verification rather than erase or
	// write blind.
	FlashSize int
	PageSize  int
}

// HasGeometry reports whether FlashSize and PageSize are both known.
func (p Profile) HasGeometry() bool {
	return p.FlashSize > 0 && p.PageSize > 0
}

// known holds the product IDs whose flash geometry this package can state
// with confidence.
var known = map[uint16]Profile{
	0x410: {ProductID: 0x410, Family: "STM32F1 medium-density", FlashSize: 131072, PageSize: 1024},
	0x414: {ProductID: 0x414, Family: "STM32F1 high-density", FlashSize: 262144, PageSize: 2048},
	0x422: {ProductID: 0x422, Family: "STM32F3 30x/31x", FlashSize: 262144, PageSize: 2048},
}

// recognizedNoGeometry holds product IDs the bootloader is known to report
// for a real STM32 family, but for which this package has no flash/page
// geometry on file. A session that resolves to one of these must abort
// verification rather than proceed with an assumed size.
var recognizedNoGeometry = map[uint16]string{
	0x412: "STM32F1 low-density",
	0x418: "STM32F1 connectivity line",
	0x420: "STM32F1 value line",
	0x428: "STM32F1 value line (high-density)",
	0x430: "STM32F1 XL-density",
	0x416: "STM32L1 medium-density",
	0x436: "STM32L1 medium-density plus (cat.3)",
	0x427: "STM32L1 medium-density plus (cat.4)",
	0x411: "STM32F2",
	0x440: "STM32F0",
	0x444: "STM32F0 small",
	0x413: "STM32F4",
	0x419: "STM32F4 high-density",
	0x432: "STM32F3 37x/38x",
}

// Lookup resolves a 12-bit product ID to a Profile. The second return value
// is false when the ID corresponds to no known chip at all — distinct from
// a Profile with HasGeometry() == false, which is a recognized chip whose
// geometry simply isn't on file.
func Lookup(productID uint16) (Profile, bool) {
	if p, ok := known[productID]; ok {
		return p, true
	}
	if family, ok := recognizedNoGeometry[productID]; ok {
		return Profile{ProductID: productID, Family: family}, true
	}
	return Profile{}, false
}
