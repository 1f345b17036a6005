// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package sim

import (
	"sync"
	"time"

	"github.com/Thermoquad/ember/pkg/canboot"
)

// Platform records bring-up, tear-down and pin configuration
type Platform struct {
	mu       sync.Mutex
	uid      uint32
	setups   int
	teardown int
	pins     []canboot.PinDef
}

// NewPlatform creates a platform reporting uid as its unique id
func NewPlatform(uid uint32) *Platform {
	return &Platform{uid: uid}
}

func (p *Platform) Setup() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setups++
	p.pins = nil
	return nil
}

func (p *Platform) Teardown() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.teardown++
	return nil
}

func (p *Platform) UniqueID() uint32 {
	return p.uid
}

func (p *Platform) ConfigurePin(pin canboot.PinDef) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pins = append(p.pins, pin)
	return nil
}

// Setups returns how many times the platform was brought up
func (p *Platform) Setups() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.setups
}

// Teardowns returns how many times the platform was torn down
func (p *Platform) Teardowns() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.teardown
}

// Pins returns the pins configured since the last Setup
func (p *Platform) Pins() []canboot.PinDef {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]canboot.PinDef(nil), p.pins...)
}

// CPU records the handoff instead of jumping
type CPU struct {
	mu          sync.Mutex
	vectorTable uint32
	entry       uint32
	jumped      bool
}

func (c *CPU) SetVectorTable(addr uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vectorTable = addr
}

func (c *CPU) Jump(entry uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entry = entry
	c.jumped = true
}

// Handoff returns the vector table base and entry point of the last jump
func (c *CPU) Handoff() (vectorTable, entry uint32, jumped bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.vectorTable, c.entry, c.jumped
}

// Watchdog is an independent watchdog backed by a timer. When a period
// passes without a kick it calls the reset function once.
type Watchdog struct {
	mu      sync.Mutex
	timer   *time.Timer
	period  time.Duration
	reset   func()
	kicks   int
	expired bool
}

// NewWatchdog creates a watchdog that calls reset on expiry
func NewWatchdog(reset func()) *Watchdog {
	return &Watchdog{reset: reset}
}

func (w *Watchdog) Start(period time.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		return nil
	}
	w.period = period
	w.timer = time.AfterFunc(period, w.fire)
	return nil
}

func (w *Watchdog) Kick() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer == nil || w.expired {
		return
	}
	w.kicks++
	w.timer.Reset(w.period)
}

func (w *Watchdog) fire() {
	w.mu.Lock()
	if w.expired {
		w.mu.Unlock()
		return
	}
	w.expired = true
	reset := w.reset
	w.mu.Unlock()

	if reset != nil {
		reset()
	}
}

// Stop disarms the watchdog. Real hardware cannot do this; the simulator
// needs it once the application is running.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

// Expired reports whether the watchdog fired
func (w *Watchdog) Expired() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.expired
}

// Kicks returns the number of kicks received
func (w *Watchdog) Kicks() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.kicks
}
