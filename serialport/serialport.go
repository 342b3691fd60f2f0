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

// Package serialport implements stm32boot.Port over a real UART using
// go.bug.st/serial. AN3155 requires even parity, one stop bit, and 8 data
// bits; only the baud rate and device path vary by call.
package serialport

import (
	"fmt"
	"sync"

	"github.com/golang/glog"
	"go.bug.st/serial"

	"github.com/google/stm32boot"
)

// Config selects the device and bit timing. Struct layout mirrors the
// teacher's UsartConfig: BaudRate is the only field callers normally set,
// the rest default to what AN3155 mandates.
type Config struct {
	Device   string
	BaudRate int
	Parity   serial.Parity
	StopBits serial.StopBits
	DataBits int
}

var defaultConfig = Config{
	BaudRate: 115200,
	Parity:   serial.EvenParity,
	StopBits: serial.OneStopBit,
	DataBits: 8,
}

// Port wraps an open go.bug.st/serial.Port. It satisfies stm32boot.Port.
type Port struct {
	dev serial.Port

	mu      sync.Mutex
	handler func([]byte)

	closeOnce sync.Once
	closeErr  error
}

var _ stm32boot.Port = (*Port)(nil)

// Open opens cfg.Device at cfg.BaudRate with AN3155's framing and returns a
// Port ready for stm32boot.Flash. Zero-valued fields other than Device and
// BaudRate fall back to defaultConfig.
func Open(cfg Config) (*Port, error) {
	if cfg.DataBits == 0 {
		cfg.DataBits = defaultConfig.DataBits
	}
	if cfg.Parity == 0 && defaultConfig.Parity != 0 {
		cfg.Parity = defaultConfig.Parity
	}
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		Parity:   cfg.Parity,
		StopBits: cfg.StopBits,
	}
	glog.Infof("serialport: opening %s at %d baud", cfg.Device, cfg.BaudRate)
	dev, err := serial.Open(cfg.Device, mode)
	if err != nil {
		return nil, fmt.Errorf("serialport: opening %s: %w", cfg.Device, err)
	}
	return &Port{dev: dev}, nil
}

// Write hands b to the underlying device.
func (p *Port) Write(b []byte) error {
	_, err := p.dev.Write(b)
	return err
}

// OnReceive registers handler and starts the background read loop that
// feeds it. Only ever called once, by portio.New.
func (p *Port) OnReceive(handler func([]byte)) {
	p.mu.Lock()
	p.handler = handler
	p.mu.Unlock()
	go p.readLoop()
}

func (p *Port) readLoop() {
	buf := make([]byte, 256)
	for {
		n, err := p.dev.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			p.mu.Lock()
			h := p.handler
			p.mu.Unlock()
			if h != nil {
				h(chunk)
			}
		}
		if err != nil {
			glog.V(1).Infof("serialport: read loop exiting: %v", err)
			return
		}
	}
}

// Close closes the underlying device. Safe to call multiple times.
func (p *Port) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.dev.Close()
	})
	return p.closeErr
}
