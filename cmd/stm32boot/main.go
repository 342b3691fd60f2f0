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

// Flashes firmware to an STM32 device sitting at its USART bootloader.
// Program identifies the target chip over GET ID and refuses to write an
// image that doesn't fit its flash.
package main

import (
	"errors"
	"flag"
	"path"

	"github.com/golang/glog"

	"github.com/google/stm32boot"
	"github.com/google/stm32boot/imagesrc"
	"github.com/google/stm32boot/serialport"
)

var (
	firmwareFile = flag.String("firmware", "", ".hex firmware file name")
	device       = flag.String("device", "", "serial device path, e.g. /dev/ttyUSB0")
	baud         = flag.Int("baud", 115200, "baud rate to program at")
	eraseChip    = flag.Bool("erase_chip", false, "erase the entire flash instead of only the pages the image touches")
)

func init() {
	flag.Parse()
}

func main() {
	defer glog.Flush()

	if len(*firmwareFile) == 0 {
		glog.Fatal("Missing --firmware argument")
	}
	if path.Ext(*firmwareFile) != ".hex" {
		glog.Fatal("Expected Intel-Hex firmware file")
	}
	if len(*device) == 0 {
		glog.Fatal("Missing --device argument")
	}

	image, err := imagesrc.LoadIntelHexFile(*firmwareFile)
	if err != nil {
		glog.Fatalf("Failed loading firmware: %v", err)
	}

	port, err := serialport.Open(serialport.Config{Device: *device, BaudRate: *baud})
	if err != nil {
		glog.Fatalf("Failed opening %s: %v", *device, err)
	}

	opts := stm32boot.Options{EraseChip: *eraseChip, Baud: *baud}

	var flashErr error
	stm32boot.Flash(port, *baud, image, opts, func(err error) {
		flashErr = err
	})

	if flashErr != nil {
		var typed *stm32boot.Error
		if errors.As(flashErr, &typed) {
			glog.Fatalf("Failed programming device: %s: %v", typed.Kind, typed.Err)
		}
		glog.Fatalf("Failed programming device: %v", flashErr)
	}

	glog.Info("Successfully programmed device")
}
