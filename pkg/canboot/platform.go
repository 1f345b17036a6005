// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package canboot

import (
	"fmt"
	"time"
)

// Platform brings the device up and back down around a session
type Platform interface {
	// Setup starts clocks and peripherals
	Setup() error
	// Teardown returns peripherals and clocks to reset defaults
	Teardown() error
	// UniqueID returns the 32-bit device identifier used for targeting
	UniqueID() uint32
	// ConfigurePin applies one entry of the persisted pin configuration
	ConfigurePin(pin PinDef) error
}

// Watchdog is an independent watchdog. Once started it cannot be stopped;
// missing a kick for a full period resets the device.
type Watchdog interface {
	Start(period time.Duration) error
	Kick()
}

// Transport sends frames to the host. Inbound frames are pushed into the
// Agent by the transport's receive path.
type Transport interface {
	Send(payload []byte) error
	Close() error
}

// CPU performs the final jump into the application
type CPU interface {
	// SetVectorTable relocates the interrupt vector table
	SetVectorTable(addr uint32)
	// Jump transfers control to entry. On hardware it never returns.
	Jump(entry uint32)
}

// Clock supplies time to the main loop
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock returns a Clock backed by the time package
func SystemClock() Clock {
	return systemClock{}
}

type nopWatchdog struct{}

func (nopWatchdog) Start(time.Duration) error { return nil }
func (nopWatchdog) Kick()                     {}

// Handoff starts the application at base. The first word of the image is
// the initial stack pointer, the second the reset handler.
func Handoff(flash FlashDriver, cpu CPU, base uint32) error {
	entry, err := flash.ReadWord(base + WordSize)
	if err != nil {
		return fmt.Errorf("read reset vector at 0x%08X: %w", base+WordSize, err)
	}
	cpu.SetVectorTable(base)
	cpu.Jump(entry)
	return nil
}
