// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package updater drives the host side of the bootloader protocol: it
// finds a node, hands it an image page by page and retries rejected pages.
package updater

import (
	"context"
	"fmt"
	"time"

	"github.com/Thermoquad/ember/pkg/canboot"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Phase of a transfer, reported through the progress callback
type Phase int

// Transfer phases
const (
	PhaseWaiting Phase = iota
	PhaseHandshake
	PhasePage
	PhaseRetry
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseWaiting:
		return "waiting"
	case PhaseHandshake:
		return "handshake"
	case PhasePage:
		return "page"
	case PhaseRetry:
		return "retry"
	case PhaseDone:
		return "done"
	default:
		return fmt.Sprintf("phase%d", int(p))
	}
}

// Progress describes the state of a running transfer
type Progress struct {
	Phase   Phase
	Page    int // pages acknowledged so far
	Pages   int
	Retries int
	UID     uint32
	Elapsed time.Duration
}

// Updater flashes images over one link
type Updater struct {
	link    Link
	profile canboot.Profile
	log     logrus.FieldLogger
	trace   *canboot.TraceWriter

	uid      uint32
	targeted bool

	waitHello    bool
	helloTimeout time.Duration
	ackTimeout   time.Duration
	retries      int
	progress     func(Progress)
}

// Option configures an Updater
type Option func(*Updater)

// WithTarget addresses the handshake to one node id
func WithTarget(uid uint32) Option {
	return func(u *Updater) {
		u.uid = uid
		u.targeted = true
	}
}

// WithHello waits up to timeout for the node to announce itself before
// the handshake. Use it when the node is reset right before flashing.
func WithHello(timeout time.Duration) Option {
	return func(u *Updater) {
		u.waitHello = true
		u.helloTimeout = timeout
	}
}

// WithAckTimeout sets how long to wait for each acknowledgement
func WithAckTimeout(d time.Duration) Option {
	return func(u *Updater) { u.ackTimeout = d }
}

// WithRetries sets how many times a page is resent after a CRC error
func WithRetries(n int) Option {
	return func(u *Updater) { u.retries = n }
}

// WithProgress registers a progress callback
func WithProgress(fn func(Progress)) Option {
	return func(u *Updater) { u.progress = fn }
}

// WithLogger sets the logger
func WithLogger(l logrus.FieldLogger) Option {
	return func(u *Updater) { u.log = l }
}

// WithTrace records every frame sent and received
func WithTrace(t *canboot.TraceWriter) Option {
	return func(u *Updater) { u.trace = t }
}

// New creates an updater for nodes using profile
func New(link Link, profile canboot.Profile, opts ...Option) *Updater {
	u := &Updater{
		link:         link,
		profile:      profile,
		log:          logrus.StandardLogger(),
		helloTimeout: 10 * time.Second,
		ackTimeout:   2 * time.Second,
		retries:      3,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

func (u *Updater) source() canboot.Source {
	if u.link.Framed() {
		return canboot.SourcePrimary
	}
	return canboot.SourceSecondary
}

func (u *Updater) send(p []byte) error {
	if err := u.link.Send(p); err != nil {
		return err
	}
	if err := u.trace.Record(canboot.DirTx, u.source(), p); err != nil {
		u.log.WithError(err).Warn("Trace write failed")
	}
	return nil
}

func (u *Updater) recv(ctx context.Context) ([]byte, error) {
	p, err := u.link.Recv(ctx)
	if err != nil {
		return nil, err
	}
	if err := u.trace.Record(canboot.DirRx, u.source(), p); err != nil {
		u.log.WithError(err).Warn("Trace write failed")
	}
	return p, nil
}

func isStatus(b byte) bool {
	switch canboot.Status(b) {
	case canboot.StatusHandshake, canboot.StatusReady, canboot.StatusPageFull,
		canboot.StatusCRCError, canboot.StatusDone:
		return true
	}
	return false
}

// await reads until one of the wanted acknowledgements arrives. Hello
// frames and unknown bytes are skipped; any other status is an error.
func (u *Updater) await(ctx context.Context, want ...canboot.Status) (canboot.Status, error) {
	ctx, cancel := context.WithTimeout(ctx, u.ackTimeout)
	defer cancel()

	for {
		p, err := u.recv(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return canboot.StatusNone, errors.Wrapf(ErrTimeout, "waiting for %v", want)
			}
			return canboot.StatusNone, err
		}
		if len(p) != 1 || !isStatus(p[0]) {
			u.log.WithField("frame", fmt.Sprintf("% X", p)).Debug("Ignoring frame")
			continue
		}

		got := canboot.Status(p[0])
		for _, w := range want {
			if got == w {
				return got, nil
			}
		}
		return got, errors.Wrapf(ErrUnexpectedAck, "got %c, want %v", byte(got), want)
	}
}

// WaitHello waits for a node to announce itself. On a targeted updater
// announcements from other nodes are skipped.
func (u *Updater) WaitHello(ctx context.Context) (canboot.Hello, error) {
	ctx, cancel := context.WithTimeout(ctx, u.helloTimeout)
	defer cancel()

	for {
		p, err := u.recv(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return canboot.Hello{}, ErrNoDevice
			}
			return canboot.Hello{}, err
		}

		if !u.link.Framed() {
			if len(p) == 1 && p[0] == canboot.VersionStream {
				return canboot.Hello{Version: p[0]}, nil
			}
			continue
		}

		hello, ok := canboot.ParseHello(p)
		if !ok {
			continue
		}
		if u.targeted && hello.UID != u.uid {
			u.log.WithField("uid", fmt.Sprintf("0x%08X", hello.UID)).Debug("Skipping other node")
			continue
		}
		return hello, nil
	}
}

func (u *Updater) report(p Progress) {
	if u.progress != nil {
		u.progress(p)
	}
}

// Flash runs a complete transfer of img
func (u *Updater) Flash(ctx context.Context, img *Image) error {
	start := time.Now()
	total := len(img.Pages)
	prog := Progress{Pages: total, UID: u.uid}
	update := func(phase Phase) {
		prog.Phase = phase
		prog.Elapsed = time.Since(start)
		u.report(prog)
	}

	if u.waitHello {
		update(PhaseWaiting)
		hello, err := u.WaitHello(ctx)
		if err != nil {
			return err
		}
		if !u.targeted && u.link.Framed() && u.profile.Challenge == canboot.ChallengeRequired {
			u.uid = hello.UID
			u.targeted = true
		}
		prog.UID = hello.UID
		u.log.WithField("uid", fmt.Sprintf("0x%08X", hello.UID)).Info("Node announced")
	}

	update(PhaseHandshake)
	if err := u.send(canboot.EncodeHandshake(u.uid, u.targeted)); err != nil {
		return err
	}
	if _, err := u.await(ctx, canboot.StatusHandshake); err != nil {
		return errors.Wrap(err, "handshake")
	}

	if err := u.send([]byte{byte(total)}); err != nil {
		return err
	}
	if total == 0 {
		if _, err := u.await(ctx, canboot.StatusDone); err != nil {
			return errors.Wrap(err, "page count")
		}
		update(PhaseDone)
		return nil
	}
	if _, err := u.await(ctx, canboot.StatusReady); err != nil {
		return errors.Wrap(err, "page count")
	}

	for i, page := range img.Pages {
		last := i == total-1
		if err := u.flashPage(ctx, i, page, last, &prog, update); err != nil {
			return errors.Wrapf(err, "page %d/%d", i+1, total)
		}
		prog.Page = i + 1
		update(PhasePage)
	}

	u.log.WithFields(logrus.Fields{
		"pages":   total,
		"retries": prog.Retries,
		"elapsed": time.Since(start).Round(time.Millisecond),
	}).Info("Transfer complete")
	update(PhaseDone)
	return nil
}

func (u *Updater) flashPage(ctx context.Context, i int, page []byte, last bool, prog *Progress, update func(Phase)) error {
	crc := canboot.PageCRC(page)
	want := canboot.StatusReady
	if last {
		want = canboot.StatusDone
	}

	for attempt := 0; ; attempt++ {
		if attempt > u.retries {
			return ErrTooManyRetries
		}
		if err := u.sendPage(ctx, page); err != nil {
			return err
		}
		if err := u.send(canboot.EncodeCRC(crc)); err != nil {
			return err
		}

		st, err := u.await(ctx, want, canboot.StatusCRCError)
		if err != nil {
			return err
		}
		if st == want {
			return nil
		}

		prog.Retries++
		u.log.WithFields(logrus.Fields{
			"page":    i + 1,
			"attempt": attempt + 1,
			"crc":     fmt.Sprintf("0x%08X", crc),
		}).Warn("Page rejected, resending")
		update(PhaseRetry)
	}
}

// sendPage streams one page as word pairs. Frame links acknowledge every
// frame; stream links only the full page.
func (u *Updater) sendPage(ctx context.Context, page []byte) error {
	for off := 0; off < len(page); off += canboot.FrameSize {
		if err := u.send(page[off : off+canboot.FrameSize]); err != nil {
			return err
		}
		if !u.link.Framed() {
			continue
		}
		want := canboot.StatusReady
		if off+canboot.FrameSize == len(page) {
			want = canboot.StatusPageFull
		}
		if _, err := u.await(ctx, want); err != nil {
			return err
		}
	}
	if !u.link.Framed() {
		if _, err := u.await(ctx, canboot.StatusPageFull); err != nil {
			return err
		}
	}
	return nil
}
