// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package sim provides a host-side simulation of a bootloader node: RAM
// backed flash, a timer watchdog, a recording CPU and in-memory links.
package sim

import (
	"context"

	"github.com/Thermoquad/ember/pkg/canboot"
	"github.com/sirupsen/logrus"
)

// Device is a simulated node. Flash contents persist across boots.
type Device struct {
	Profile  canboot.Profile
	Flash    *Flash
	Platform *Platform
	CPU      *CPU

	Bus  *Link // primary, frame oriented
	Line *Link // secondary, byte stream; nil when the profile has none

	Clock canboot.Clock
	Log   logrus.FieldLogger
	Trace *canboot.TraceWriter

	watchdog *Watchdog
}

// NewDevice creates a node with erased flash
func NewDevice(profile canboot.Profile, uid uint32) *Device {
	d := &Device{
		Profile:  profile,
		Flash:    NewFlash(profile),
		Platform: NewPlatform(uid),
		CPU:      &CPU{},
		Bus:      NewBus(),
		Log:      logrus.StandardLogger(),
	}
	if profile.Secondary {
		d.Line = NewLine()
	}
	return d
}

// Boot powers the node up and runs the bootloader once. It returns nil
// once the application has been started, canboot.ErrWatchdogReset if the
// watchdog fired, or the cause of the context's cancellation.
func (d *Device) Boot(ctx context.Context) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	wd := NewWatchdog(func() { cancel(canboot.ErrWatchdogReset) })
	defer wd.Stop()
	d.watchdog = wd

	opts := []canboot.Option{
		canboot.WithWatchdog(wd),
		canboot.WithLogger(d.Log),
		canboot.WithTrace(d.Trace),
	}
	if d.Clock != nil {
		opts = append(opts, canboot.WithClock(d.Clock))
	}
	if d.Line != nil {
		opts = append(opts, canboot.WithSecondary(d.Line.Node()))
	}

	agent, err := canboot.NewAgent(d.Profile, d.Flash, d.Platform, d.CPU, d.Bus.Node(), opts...)
	if err != nil {
		return err
	}

	d.Bus.Attach(agent)
	defer d.Bus.Attach(nil)
	if d.Line != nil {
		d.Line.Attach(agent)
		defer d.Line.Attach(nil)
	}

	return agent.Run(ctx)
}

// Watchdog returns the watchdog of the most recent boot
func (d *Device) Watchdog() *Watchdog {
	return d.watchdog
}
