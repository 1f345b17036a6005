// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package canboot

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

// ============================================================
// Test Doubles
// ============================================================

type testTransport struct {
	sent   chan []byte
	closed atomic.Bool
}

func newTestTransport() *testTransport {
	return &testTransport{sent: make(chan []byte, 4096)}
}

func (t *testTransport) Send(p []byte) error {
	t.sent <- append([]byte(nil), p...)
	return nil
}

func (t *testTransport) Close() error {
	t.closed.Store(true)
	return nil
}

// expect waits for the next frame sent to the host
func (t *testTransport) expect(tb testing.TB, want []byte) {
	tb.Helper()
	select {
	case got := <-t.sent:
		if !bytes.Equal(got, want) {
			tb.Fatalf("expected % X, got % X", want, got)
		}
	case <-time.After(2 * time.Second):
		tb.Fatalf("timed out waiting for % X", want)
	}
}

func (t *testTransport) expectStatus(tb testing.TB, s Status) {
	tb.Helper()
	t.expect(tb, EncodeStatus(s))
}

// drain returns everything sent so far
func (t *testTransport) drain() [][]byte {
	var out [][]byte
	for {
		select {
		case p := <-t.sent:
			out = append(out, p)
		default:
			return out
		}
	}
}

type testPlatform struct {
	mu        sync.Mutex
	uid       uint32
	setups    int
	teardowns int
	pins      []PinDef
}

func (p *testPlatform) Setup() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setups++
	return nil
}

func (p *testPlatform) Teardown() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.teardowns++
	return nil
}

func (p *testPlatform) UniqueID() uint32 {
	return p.uid
}

func (p *testPlatform) ConfigurePin(pin PinDef) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pins = append(p.pins, pin)
	return nil
}

type testWatchdog struct {
	period atomic.Int64
	kicks  atomic.Int32
}

func (w *testWatchdog) Start(period time.Duration) error {
	w.period.Store(int64(period))
	return nil
}

func (w *testWatchdog) Kick() {
	w.kicks.Add(1)
}

type agentRig struct {
	profile   Profile
	flash     *fakeFlash
	platform  *testPlatform
	cpu       *recordingCPU
	primary   *testTransport
	secondary *testTransport
	watchdog  *testWatchdog
	agent     *Agent
}

func testAgentProfile() Profile {
	p := DefaultProfile()
	p.HandshakeWindow = 50 * time.Millisecond
	p.HandoffDelay = time.Millisecond
	return p
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newAgentRig(t *testing.T, p Profile) *agentRig {
	t.Helper()
	r := &agentRig{
		profile:   p,
		flash:     newFakeFlash(p),
		platform:  &testPlatform{uid: testUID},
		cpu:       &recordingCPU{},
		primary:   newTestTransport(),
		secondary: newTestTransport(),
		watchdog:  &testWatchdog{},
	}
	opts := []Option{WithWatchdog(r.watchdog), WithLogger(quietLogger())}
	if p.Secondary {
		opts = append(opts, WithSecondary(r.secondary))
	}
	a, err := NewAgent(p, r.flash, r.platform, r.cpu, r.primary, opts...)
	if err != nil {
		t.Fatal(err)
	}
	r.agent = a
	return r
}

func (r *agentRig) run(ctx context.Context) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- r.agent.Run(ctx) }()
	return errc
}

func waitRun(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not finish")
		return nil
	}
}

// sendPage streams one page over the primary transport and checks the
// per-frame acknowledgements
func (r *agentRig) sendPage(t *testing.T, words []uint32) {
	t.Helper()
	for i := 0; i < len(words); i += 2 {
		r.agent.DeliverFrame(EncodeWords(words[i], words[i+1]))
		if i+2 < len(words) {
			r.primary.expectStatus(t, StatusReady)
		} else {
			r.primary.expectStatus(t, StatusPageFull)
		}
	}
}

// ============================================================
// Agent Tests
// ============================================================

func TestNewAgent_Rejects(t *testing.T) {
	p := DefaultProfile()
	f := newFakeFlash(p)
	pl := &testPlatform{}
	cpu := &recordingCPU{}
	tr := newTestTransport()

	if _, err := NewAgent(p, nil, pl, cpu, tr); err == nil {
		t.Error("expected error without flash")
	}
	if _, err := NewAgent(p, f, pl, cpu, nil); err == nil {
		t.Error("expected error without primary transport")
	}
	bad := p
	bad.PageWords = 3
	if _, err := NewAgent(bad, f, pl, cpu, tr); !errors.Is(err, ErrInvalidProfile) {
		t.Errorf("expected ErrInvalidProfile, got %v", err)
	}
}

func TestAgent_NoHandshakeStartsApplication(t *testing.T) {
	r := newAgentRig(t, testAgentProfile())
	r.flash.fill(r.profile.AppBase+WordSize, 1, 0x08001101)

	if err := waitRun(t, r.run(context.Background())); err != nil {
		t.Fatal(err)
	}

	r.primary.expect(t, EncodeHello(testUID))
	r.primary.expectStatus(t, StatusDone)
	r.secondary.expect(t, []byte{VersionStream})
	if extra := r.secondary.drain(); len(extra) != 0 {
		t.Errorf("secondary should stay silent until used, got %q", extra)
	}

	if !r.cpu.jumped || r.cpu.vtor != r.profile.AppBase || r.cpu.entry != 0x08001101 {
		t.Errorf("bad handoff: vtor=0x%08X entry=0x%08X", r.cpu.vtor, r.cpu.entry)
	}
	if r.flash.programs != 0 || len(r.flash.erases) != 0 {
		t.Error("flash modified without a transfer")
	}
	if !r.primary.closed.Load() || !r.secondary.closed.Load() {
		t.Error("transports not closed before handoff")
	}
	if r.platform.setups != 1 || r.platform.teardowns != 1 {
		t.Errorf("setups=%d teardowns=%d", r.platform.setups, r.platform.teardowns)
	}
	if time.Duration(r.watchdog.period.Load()) != r.profile.WatchdogPeriod {
		t.Error("watchdog not started with the profile period")
	}
	if r.agent.Run(context.Background()) == nil {
		t.Error("second Run should fail")
	}
}

// A handshake window longer than the watchdog period is served in steps
func TestAgent_WindowKicksWatchdog(t *testing.T) {
	p := testAgentProfile()
	p.HandshakeWindow = 80 * time.Millisecond
	p.WatchdogPeriod = 20 * time.Millisecond
	r := newAgentRig(t, p)

	if err := waitRun(t, r.run(context.Background())); err != nil {
		t.Fatal(err)
	}
	// 80ms window in 5ms steps
	if got := r.watchdog.kicks.Load(); got < 8 {
		t.Errorf("expected the window to be served in kicked steps, got %d kicks", got)
	}
	if !r.cpu.jumped {
		t.Error("application not started")
	}
}

func TestAgent_Transfer(t *testing.T) {
	r := newAgentRig(t, testAgentProfile())
	pages := [][]uint32{
		seqWords(r.profile.PageWords, 0x08001000),
		seqWords(r.profile.PageWords, 0x5000),
	}
	errc := r.run(context.Background())

	r.primary.expect(t, EncodeHello(testUID))
	r.agent.DeliverFrame([]byte{Magic})
	r.primary.expectStatus(t, StatusHandshake)
	r.agent.DeliverFrame([]byte{byte(len(pages))})
	r.primary.expectStatus(t, StatusReady)

	// First page: a corrupted checksum, then the resend
	r.sendPage(t, pages[0])
	r.agent.DeliverFrame(EncodeCRC(0xDEADBEEF))
	r.primary.expectStatus(t, StatusCRCError)
	r.sendPage(t, pages[0])
	r.agent.DeliverFrame(EncodeCRC(CalculateCRC(pages[0])))
	r.primary.expectStatus(t, StatusReady)

	r.sendPage(t, pages[1])
	r.agent.DeliverFrame(EncodeCRC(CalculateCRC(pages[1])))
	r.primary.expectStatus(t, StatusDone)

	if err := waitRun(t, errc); err != nil {
		t.Fatal(err)
	}
	for i, words := range pages {
		addr := r.profile.AppBase + uint32(i)*r.profile.PageBytes()
		if !equalWords(r.flash.read(addr, len(words)), words) {
			t.Errorf("page %d not in flash", i)
		}
	}
	if !r.flash.locked {
		t.Error("flash left unlocked")
	}
	if r.cpu.entry != pages[0][1] {
		t.Errorf("expected entry 0x%08X, got 0x%08X", pages[0][1], r.cpu.entry)
	}
	if extra := r.primary.drain(); len(extra) != 0 {
		t.Errorf("unexpected frames after D: % X", extra)
	}
}

func TestAgent_ZeroPageTransfer(t *testing.T) {
	r := newAgentRig(t, testAgentProfile())
	errc := r.run(context.Background())

	r.primary.expect(t, EncodeHello(testUID))
	r.agent.DeliverFrame(EncodeHandshake(testUID, true))
	r.primary.expectStatus(t, StatusHandshake)
	r.agent.DeliverFrame([]byte{0})
	r.primary.expectStatus(t, StatusDone)

	if err := waitRun(t, errc); err != nil {
		t.Fatal(err)
	}
	if r.flash.programs != 0 {
		t.Error("zero-page transfer programmed flash")
	}
	if !r.cpu.jumped {
		t.Error("no handoff")
	}
}

func TestAgent_SecondaryTransport(t *testing.T) {
	r := newAgentRig(t, testAgentProfile())
	words := seqWords(r.profile.PageWords, 0x700)
	errc := r.run(context.Background())

	r.secondary.expect(t, []byte{VersionStream})
	deliver := func(data []byte) {
		for _, b := range data {
			r.agent.DeliverByte(b)
		}
	}

	deliver([]byte{Magic})
	r.secondary.expectStatus(t, StatusHandshake)
	deliver([]byte{1})
	r.secondary.expectStatus(t, StatusReady)
	deliver(wordsBytes(words))
	r.secondary.expectStatus(t, StatusPageFull)
	deliver(EncodeCRC(CalculateCRC(words)))
	r.secondary.expectStatus(t, StatusDone)

	if err := waitRun(t, errc); err != nil {
		t.Fatal(err)
	}
	if !equalWords(r.flash.read(r.profile.AppBase, len(words)), words) {
		t.Error("page not in flash")
	}

	// Acknowledgements go out on both transports
	var primary []byte
	for _, p := range r.primary.drain() {
		if len(p) == 1 {
			primary = append(primary, p[0])
		}
	}
	if string(primary) != "SPCD" {
		t.Errorf("primary acknowledgements %q, expected \"SPCD\"", primary)
	}
}

func TestAgent_CommitErrorSkipsHandoff(t *testing.T) {
	p := testAgentProfile()
	p.VerifyWrites = true
	r := newAgentRig(t, p)
	r.flash.corrupt = map[uint32]uint32{p.AppBase + 40: 0}
	words := seqWords(p.PageWords, 1)
	errc := r.run(context.Background())

	r.primary.expect(t, EncodeHello(testUID))
	r.agent.DeliverFrame([]byte{Magic})
	r.primary.expectStatus(t, StatusHandshake)
	r.agent.DeliverFrame([]byte{1})
	r.primary.expectStatus(t, StatusReady)
	r.sendPage(t, words)
	r.agent.DeliverFrame(EncodeCRC(CalculateCRC(words)))

	err := waitRun(t, errc)
	var ve *VerifyError
	if !errors.As(err, &ve) {
		t.Fatalf("expected VerifyError, got %v", err)
	}
	if r.cpu.jumped {
		t.Error("must not jump into a partially written image")
	}
	if !r.flash.locked {
		t.Error("flash left unlocked after failure")
	}
	for _, f := range r.primary.drain() {
		if bytes.Equal(f, EncodeStatus(StatusDone)) {
			t.Error("D sent after a failed commit")
		}
	}
}

func TestAgent_StalledHostStarvesWatchdog(t *testing.T) {
	p := testAgentProfile()
	p.WatchdogPeriod = 40 * time.Millisecond
	p.StallTimeout = 30 * time.Millisecond
	r := newAgentRig(t, p)

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	errc := r.run(ctx)

	r.primary.expect(t, EncodeHello(testUID))
	r.agent.DeliverFrame([]byte{Magic})
	r.primary.expectStatus(t, StatusHandshake)

	time.Sleep(200 * time.Millisecond)
	stalled := r.watchdog.kicks.Load()
	time.Sleep(100 * time.Millisecond)
	if got := r.watchdog.kicks.Load(); got != stalled {
		t.Fatalf("watchdog kicked %d times while the host was silent", got-stalled)
	}

	// Traffic from the host brings the kicks back
	r.agent.DeliverFrame([]byte{3})
	r.primary.expectStatus(t, StatusReady)
	time.Sleep(50 * time.Millisecond)
	if r.watchdog.kicks.Load() == stalled {
		t.Error("watchdog not kicked after the host resumed")
	}

	cancel(ErrWatchdogReset)
	if err := waitRun(t, errc); !errors.Is(err, ErrWatchdogReset) {
		t.Errorf("expected ErrWatchdogReset, got %v", err)
	}
	if r.cpu.jumped {
		t.Error("no handoff after a reset")
	}
	if !r.flash.locked {
		t.Error("flash left unlocked after reset")
	}
}

func TestAgent_AppliesPinConfig(t *testing.T) {
	r := newAgentRig(t, testAgentProfile())
	pins := []PinDef{
		{Port: 0x40010800, Pin: 5, Output: true, Level: true},
		{Port: 0x40010C00, Pin: 12, Output: true},
	}
	raw, err := EncodePinConfig(pins)
	if err != nil {
		t.Fatal(err)
	}
	r.flash.load(r.profile.PinConfigAddr(), raw)

	if err := waitRun(t, r.run(context.Background())); err != nil {
		t.Fatal(err)
	}
	if len(r.platform.pins) != len(pins) {
		t.Fatalf("expected %d pins configured, got %d", len(pins), len(r.platform.pins))
	}
	for i := range pins {
		if r.platform.pins[i] != pins[i] {
			t.Errorf("pin %d: expected %+v, got %+v", i, pins[i], r.platform.pins[i])
		}
	}
}

func TestAgent_ErasedPinBlockIgnored(t *testing.T) {
	r := newAgentRig(t, testAgentProfile())
	if err := waitRun(t, r.run(context.Background())); err != nil {
		t.Fatal(err)
	}
	if len(r.platform.pins) != 0 {
		t.Errorf("erased block configured %d pins", len(r.platform.pins))
	}
}

func TestAgent_Trace(t *testing.T) {
	p := testAgentProfile()
	r := newAgentRig(t, p)
	var buf bytes.Buffer
	a, err := NewAgent(p, r.flash, r.platform, r.cpu, r.primary,
		WithLogger(quietLogger()), WithTrace(NewTraceWriter(&buf, SideNode)))
	if err != nil {
		t.Fatal(err)
	}
	r.agent = a
	errc := r.run(context.Background())

	r.primary.expect(t, EncodeHello(testUID))
	a.DeliverFrame([]byte{Magic})
	r.primary.expectStatus(t, StatusHandshake)
	a.DeliverFrame([]byte{0})
	r.primary.expectStatus(t, StatusDone)
	if err := waitRun(t, errc); err != nil {
		t.Fatal(err)
	}

	tr := NewTraceReader(&buf)
	var dirs []Direction
	for {
		rec, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		if rec.Side != SideNode {
			t.Errorf("record side %s", rec.Side)
		}
		dirs = append(dirs, rec.Dir)
	}
	want := []Direction{DirTx, DirRx, DirTx, DirRx, DirTx}
	if len(dirs) != len(want) {
		t.Fatalf("expected %d records, got %d", len(want), len(dirs))
	}
	for i := range want {
		if dirs[i] != want[i] {
			t.Errorf("record %d: expected %s, got %s", i, want[i], dirs[i])
		}
	}
}
