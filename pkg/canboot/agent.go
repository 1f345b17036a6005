// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package canboot

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const rxQueueSize = 256

type rxItem struct {
	src     Source
	payload []byte
	b       byte
}

// Agent runs one boot of the bootloader: announce, wait for a handshake,
// receive and commit the image, hand off to the application.
//
// Inbound traffic enters through DeliverFrame and DeliverByte and is
// processed by a single receive goroutine, which stands in for the
// transport interrupt handlers. Flash is only touched by the goroutine
// calling Run.
type Agent struct {
	profile   Profile
	flash     FlashDriver
	platform  Platform
	cpu       CPU
	primary   Transport
	secondary Transport
	watchdog  Watchdog
	clock     Clock
	log       logrus.FieldLogger
	trace     *TraceWriter

	session *Session
	writer  *PageWriter
	reasm   *Reassembler

	rx       chan rxItem
	commitCh chan struct{}
	doneCh   chan struct{}
	doneOnce sync.Once
	stopped  chan struct{}

	sendMu   sync.Mutex
	lastRx   atomic.Int64
	doneSent atomic.Bool
	started  atomic.Bool
}

// Option configures an Agent
type Option func(*Agent)

// WithSecondary adds a byte-stream transport alongside the primary one
func WithSecondary(t Transport) Option {
	return func(a *Agent) { a.secondary = t }
}

// WithWatchdog sets the hardware watchdog
func WithWatchdog(w Watchdog) Option {
	return func(a *Agent) { a.watchdog = w }
}

// WithClock replaces the system clock
func WithClock(c Clock) Option {
	return func(a *Agent) { a.clock = c }
}

// WithLogger sets the logger
func WithLogger(l logrus.FieldLogger) Option {
	return func(a *Agent) { a.log = l }
}

// WithTrace records every frame sent and received
func WithTrace(t *TraceWriter) Option {
	return func(a *Agent) { a.trace = t }
}

// NewAgent creates an agent for one boot. An Agent cannot be reused.
func NewAgent(profile Profile, flash FlashDriver, platform Platform, cpu CPU, primary Transport, opts ...Option) (*Agent, error) {
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	if flash == nil || platform == nil || cpu == nil || primary == nil {
		return nil, fmt.Errorf("agent needs flash, platform, cpu and primary transport")
	}

	a := &Agent{
		profile:  profile,
		flash:    flash,
		platform: platform,
		cpu:      cpu,
		primary:  primary,
		watchdog: nopWatchdog{},
		clock:    SystemClock(),
		log:      logrus.StandardLogger(),
		rx:       make(chan rxItem, rxQueueSize),
		commitCh: make(chan struct{}, 1),
		doneCh:   make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}

	a.session = NewSession(profile, platform.UniqueID())
	a.writer = NewPageWriter(flash, profile)
	a.reasm = NewReassembler(profile.Challenge)
	return a, nil
}

// Session exposes the protocol state for inspection
func (a *Agent) Session() *Session {
	return a.session
}

// DeliverFrame hands a frame received on the primary transport to the agent
func (a *Agent) DeliverFrame(payload []byte) {
	a.deliver(rxItem{src: SourcePrimary, payload: append([]byte(nil), payload...)})
}

// DeliverByte hands a byte received on the secondary transport to the agent
func (a *Agent) DeliverByte(b byte) {
	a.deliver(rxItem{src: SourceSecondary, b: b})
}

func (a *Agent) deliver(item rxItem) {
	select {
	case a.rx <- item:
	case <-a.stopped:
	}
}

// Run executes the boot. It returns nil after handing off to the
// application, or an error if the boot was aborted before the handoff.
// Cancelling ctx aborts the boot; context.Cause is returned so a watchdog
// reset can be told apart from a shutdown.
func (a *Agent) Run(ctx context.Context) error {
	if !a.started.CompareAndSwap(false, true) {
		return fmt.Errorf("agent already ran")
	}
	defer close(a.stopped)

	if err := a.platform.Setup(); err != nil {
		return fmt.Errorf("platform setup: %w", err)
	}
	if err := a.watchdog.Start(a.profile.WatchdogPeriod); err != nil {
		return fmt.Errorf("start watchdog: %w", err)
	}
	a.applyPins()

	a.lastRx.Store(a.clock.Now().UnixNano())
	dctx, stopDispatch := context.WithCancel(ctx)
	dispatchDone := make(chan struct{})
	go a.dispatch(dctx, dispatchDone)

	a.announce()

	err := a.serve(ctx)
	stopDispatch()
	<-dispatchDone
	if err != nil {
		if lerr := a.flash.Lock(); lerr != nil {
			a.log.WithError(lerr).Warn("Failed to relock flash")
		}
		return err
	}

	if !a.doneSent.Load() {
		a.sendStatus(StatusDone)
	}

	select {
	case <-a.clock.After(a.profile.HandoffDelay):
	case <-ctx.Done():
		return context.Cause(ctx)
	}

	a.teardown()

	a.log.WithFields(logrus.Fields{
		"base":  fmt.Sprintf("0x%08X", a.profile.AppBase),
		"pages": a.session.Committed(),
	}).Info("Starting application")
	return Handoff(a.flash, a.cpu, a.profile.AppBase)
}

// serve waits out the handshake window, then runs the transfer if one
// was started.
func (a *Agent) serve(ctx context.Context) error {
	if err := a.awaitWindow(ctx); err != nil {
		return err
	}
	a.watchdog.Kick()

	if a.session.Abandon() {
		a.log.Debug("No handshake, skipping update")
		return nil
	}
	return a.transfer(ctx)
}

// awaitWindow sleeps through the handshake window in watchdog-sized
// steps, kicking after each one.
func (a *Agent) awaitWindow(ctx context.Context) error {
	deadline := a.clock.Now().Add(a.profile.HandshakeWindow)
	tick := a.kickInterval()
	for {
		left := deadline.Sub(a.clock.Now())
		if left <= 0 {
			return nil
		}
		if left > tick {
			left = tick
		}
		select {
		case <-a.clock.After(left):
		case <-ctx.Done():
			return context.Cause(ctx)
		}
		a.watchdog.Kick()
	}
}

func (a *Agent) kickInterval() time.Duration {
	tick := a.profile.WatchdogPeriod / 4
	if tick <= 0 {
		tick = 100 * time.Millisecond
	}
	return tick
}

func (a *Agent) transfer(ctx context.Context) error {
	if err := a.flash.Unlock(); err != nil {
		return fmt.Errorf("unlock flash: %w", err)
	}
	a.log.WithField("uid", fmt.Sprintf("0x%08X", a.session.uid)).Info("Update started")

	tick := a.kickInterval()

loop:
	for {
		select {
		case <-a.commitCh:
			if err := a.commitPage(); err != nil {
				return err
			}
			a.sendStatus(a.session.PageCommitted().Ack)

		case <-a.doneCh:
			break loop

		case <-a.clock.After(tick):

		case <-ctx.Done():
			return context.Cause(ctx)
		}
		a.service()
	}

	if a.session.FinalPending() {
		if err := a.commitPage(); err != nil {
			return err
		}
		a.session.FinalCommitted()
	}

	if err := a.flash.Lock(); err != nil {
		return fmt.Errorf("lock flash: %w", err)
	}
	a.log.WithField("pages", a.session.Committed()).Info("Update complete")
	return nil
}

func (a *Agent) commitPage() error {
	addr, words := a.session.Page()
	if err := a.writer.Commit(addr, words); err != nil {
		a.log.WithError(err).Error("Page commit failed")
		return err
	}
	a.log.WithFields(logrus.Fields{
		"addr": fmt.Sprintf("0x%08X", addr),
		"page": a.session.Committed() + 1,
	}).Debug("Page committed")
	return nil
}

// service kicks the watchdog while the host is alive. Once the link has
// been silent for StallTimeout the kicks stop and the watchdog resets the
// device back into the bootloader.
func (a *Agent) service() {
	if a.profile.StallTimeout > 0 {
		silent := a.clock.Now().Sub(time.Unix(0, a.lastRx.Load()))
		if silent > a.profile.StallTimeout {
			return
		}
	}
	a.watchdog.Kick()
}

// dispatch is the receive context. It owns the reassembler and the
// receive side of the session.
func (a *Agent) dispatch(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case item := <-a.rx:
			a.lastRx.Store(a.clock.Now().UnixNano())

			payload := item.payload
			if item.src == SourceSecondary {
				a.session.MarkSecondary()
				payload = a.reasm.Feed(a.session.State(), item.b)
				if payload == nil {
					continue
				}
			}
			a.record(DirRx, item.src, payload)

			before := a.session.State()
			res := a.session.HandleFrame(payload)
			if after := a.session.State(); after != before {
				a.log.WithFields(logrus.Fields{
					"from": before,
					"to":   after,
				}).Debug("State change")
			}
			a.handle(res)
		}
	}
}

func (a *Agent) handle(res Result) {
	if res.Ack != StatusNone {
		a.sendStatus(res.Ack)
	}
	if res.Commit {
		select {
		case a.commitCh <- struct{}{}:
		default:
		}
	}
	if res.Done {
		a.doneOnce.Do(func() { close(a.doneCh) })
	}
}

func (a *Agent) announce() {
	a.send(a.primary, SourcePrimary, EncodeHello(a.session.uid))
	if a.secondary != nil {
		a.send(a.secondary, SourceSecondary, []byte{VersionStream})
	}
}

// sendStatus acknowledges on the primary transport, and on the secondary
// once the host has been seen there.
func (a *Agent) sendStatus(s Status) {
	if s == StatusNone {
		return
	}
	if s == StatusDone {
		a.doneSent.Store(true)
	}
	frame := EncodeStatus(s)
	a.send(a.primary, SourcePrimary, frame)
	if a.secondary != nil && a.session.Fallback() {
		a.send(a.secondary, SourceSecondary, frame)
	}
}

func (a *Agent) send(t Transport, src Source, frame []byte) {
	a.sendMu.Lock()
	defer a.sendMu.Unlock()
	if err := t.Send(frame); err != nil {
		a.log.WithError(err).WithField("link", src).Warn("Send failed")
		return
	}
	a.record(DirTx, src, frame)
}

func (a *Agent) record(dir Direction, src Source, frame []byte) {
	if err := a.trace.Record(dir, src, frame); err != nil {
		a.log.WithError(err).Warn("Trace write failed")
	}
}

// applyPins configures GPIOs from the persisted block, if it is valid
func (a *Agent) applyPins() {
	cfg, err := ReadPinConfig(a.flash, a.profile)
	if err != nil {
		a.log.WithError(err).Debug("Pin configuration skipped")
		return
	}
	for _, pin := range cfg.Pins {
		if err := a.platform.ConfigurePin(pin); err != nil {
			a.log.WithError(err).WithField("pin", pin).Warn("Pin configuration failed")
		}
	}
}

func (a *Agent) teardown() {
	for _, t := range []Transport{a.primary, a.secondary} {
		if t == nil {
			continue
		}
		if err := t.Close(); err != nil {
			a.log.WithError(err).Warn("Transport close failed")
		}
	}
	if err := a.platform.Teardown(); err != nil {
		a.log.WithError(err).Warn("Platform teardown failed")
	}
}
