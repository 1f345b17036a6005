// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package canboot

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"testing"
)

// ============================================================
// Test Helpers
// ============================================================

// wordsBytes serialises words little endian, the way they travel on the wire
func wordsBytes(words []uint32) []byte {
	out := make([]byte, 0, len(words)*WordSize)
	for _, w := range words {
		out = binary.LittleEndian.AppendUint32(out, w)
	}
	return out
}

func seqWords(n int, start uint32) []uint32 {
	words := make([]uint32, n)
	for i := range words {
		words[i] = start + uint32(i)
	}
	return words
}

// ============================================================
// CRC Tests
// ============================================================

func TestCalculateCRC_Empty(t *testing.T) {
	if crc := CalculateCRC(nil); crc != crcInitial {
		t.Errorf("CRC of no words should be initial value, got 0x%08X", crc)
	}
}

func TestCalculateCRC_KnownValues(t *testing.T) {
	tests := []struct {
		name     string
		words    []uint32
		expected uint32
	}{
		{"single word 0x12345678", []uint32{0x12345678}, 0xDF8A8A2B},
		{"single zero word", []uint32{0}, 0xC704DD7B},
		{"counting page 0..255", seqWords(256, 0), 0x96670628},
		{"erased page", bytesToWords(bytes.Repeat([]byte{0xFF}, 1024)), 0xD000A3E2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if crc := CalculateCRC(tt.words); crc != tt.expected {
				t.Errorf("expected 0x%08X, got 0x%08X", tt.expected, crc)
			}
		})
	}
}

func bytesToWords(b []byte) []uint32 {
	words := make([]uint32, len(b)/WordSize)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(b[i*WordSize:])
	}
	return words
}

func TestCRC_IncrementalMatchesBatch(t *testing.T) {
	words := seqWords(64, 0xA5A50000)
	c := NewCRC()
	for _, w := range words {
		c.Update(w)
	}
	if c.Sum() != CalculateCRC(words) {
		t.Errorf("incremental 0x%08X != batch 0x%08X", c.Sum(), CalculateCRC(words))
	}

	c.Reset()
	if c.Sum() != crcInitial {
		t.Errorf("Reset should restore 0x%08X, got 0x%08X", uint32(crcInitial), c.Sum())
	}
}

func TestPageCRC_LittleEndianWords(t *testing.T) {
	data := []byte{0x04, 0x03, 0x02, 0x01, 0x08, 0x07, 0x06, 0x05}
	if got := PageCRC(data); got != 0x140B8DD8 {
		t.Errorf("expected 0x140B8DD8, got 0x%08X", got)
	}
	if PageCRC(append(data, 0xAA)) != PageCRC(data) {
		t.Error("trailing partial word should be ignored")
	}
}

// ============================================================
// Codec Tests
// ============================================================

func TestDecode_Handshake(t *testing.T) {
	const uid = 0x1A2B3C4D
	targeted := EncodeHandshake(uid, true)
	other := EncodeHandshake(0xDEADBEEF, true)
	bare := EncodeHandshake(0, false)

	tests := []struct {
		name    string
		payload []byte
		mode    ChallengeMode
		want    EventKind
	}{
		{"bare magic, optional", bare, ChallengeOptional, EventHandshake},
		{"targeted, optional", targeted, ChallengeOptional, EventHandshake},
		{"other node, optional", other, ChallengeOptional, EventNone},
		{"bare magic, required", bare, ChallengeRequired, EventNone},
		{"targeted, required", targeted, ChallengeRequired, EventHandshake},
		{"other node, required", other, ChallengeRequired, EventNone},
		{"bare magic, disabled", bare, ChallengeDisabled, EventHandshake},
		{"targeted, disabled", targeted, ChallengeDisabled, EventNone},
		{"wrong byte", []byte{0x55}, ChallengeOptional, EventNone},
		{"empty", nil, ChallengeOptional, EventNone},
		{"bad length", []byte{Magic, 0, 0, 0, 0x4D}, ChallengeOptional, EventNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := Decode(StateAwaitingMagic, tt.payload, uid, tt.mode)
			if ev.Kind != tt.want {
				t.Errorf("expected %s, got %s", tt.want, ev.Kind)
			}
		})
	}
}

func TestDecode_StateDependentAlphabet(t *testing.T) {
	frame := EncodeWords(0x000000AA, 0x1A2B3C4D)

	if ev := Decode(StateReceivingPage, frame, 0x1A2B3C4D, ChallengeOptional); ev.Kind != EventWords {
		t.Fatalf("expected WORDS in RECEIVING_PAGE, got %s", ev.Kind)
	} else if ev.Words != [2]uint32{0x000000AA, 0x1A2B3C4D} {
		t.Errorf("unexpected words %08X", ev.Words)
	}

	ev := Decode(StateAwaitingPageCount, frame, 0, ChallengeOptional)
	if ev.Kind != EventPageCount || ev.Count != 0xAA {
		t.Errorf("expected PAGE_COUNT 170, got %s", FormatEvent(ev))
	}

	ev = Decode(StateAwaitingCRC, EncodeCRC(0xCAFEBABE), 0, ChallengeOptional)
	if ev.Kind != EventCRC || ev.CRC != 0xCAFEBABE {
		t.Errorf("expected CRC 0xCAFEBABE, got %s", FormatEvent(ev))
	}

	for _, st := range []State{StateProgramPending, StateDone} {
		if ev := Decode(st, frame, 0, ChallengeOptional); ev.Kind != EventNone {
			t.Errorf("%s should take no input, got %s", st, ev.Kind)
		}
	}
}

func TestDecode_ShortFrames(t *testing.T) {
	if ev := Decode(StateReceivingPage, make([]byte, 7), 0, ChallengeOptional); ev.Kind != EventNone {
		t.Errorf("7-byte data frame should be dropped, got %s", ev.Kind)
	}
	if ev := Decode(StateAwaitingCRC, make([]byte, 3), 0, ChallengeOptional); ev.Kind != EventNone {
		t.Errorf("3-byte CRC frame should be dropped, got %s", ev.Kind)
	}
	if ev := Decode(StateAwaitingPageCount, nil, 0, ChallengeOptional); ev.Kind != EventNone {
		t.Errorf("empty count frame should be dropped, got %s", ev.Kind)
	}
}

func TestHello(t *testing.T) {
	frame := EncodeHello(0x1A2B3C4D)
	if !bytes.Equal(frame, []byte{'3', 0, 0, 0, 0x4D, 0x3C, 0x2B, 0x1A}) {
		t.Fatalf("unexpected hello frame % X", frame)
	}

	hello, ok := ParseHello(frame)
	if !ok || hello.UID != 0x1A2B3C4D || hello.Version != VersionFrame {
		t.Errorf("ParseHello = %+v, %v", hello, ok)
	}
	if _, ok := ParseHello([]byte{'P'}); ok {
		t.Error("status byte parsed as hello")
	}
}

// ============================================================
// Reassembler Tests
// ============================================================

func feedAll(r *Reassembler, st State, data []byte) [][]byte {
	var frames [][]byte
	for _, b := range data {
		if f := r.Feed(st, b); f != nil {
			frames = append(frames, f)
		}
	}
	return frames
}

func TestReassembler_FrameLengths(t *testing.T) {
	tests := []struct {
		state State
		mode  ChallengeMode
		input int
		want  int // frames produced
		size  int
	}{
		{StateAwaitingMagic, ChallengeOptional, 1, 1, 1},
		{StateAwaitingPageCount, ChallengeOptional, 1, 1, 1},
		{StateReceivingPage, ChallengeOptional, 16, 2, 8},
		{StateReceivingPage, ChallengeOptional, 15, 1, 8},
		{StateAwaitingCRC, ChallengeOptional, 4, 1, 4},
		{StateProgramPending, ChallengeOptional, 8, 0, 0},
		{StateDone, ChallengeOptional, 8, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			r := NewReassembler(tt.mode)
			data := bytes.Repeat([]byte{Magic}, tt.input)
			frames := feedAll(r, tt.state, data)
			if len(frames) != tt.want {
				t.Fatalf("expected %d frames, got %d", tt.want, len(frames))
			}
			for _, f := range frames {
				if len(f) != tt.size {
					t.Errorf("expected %d-byte frame, got %d", tt.size, len(f))
				}
			}
		})
	}
}

func TestReassembler_ResetsOnStateChange(t *testing.T) {
	r := NewReassembler(ChallengeOptional)
	feedAll(r, StateReceivingPage, []byte{1, 2, 3})
	if r.Pending() != 3 {
		t.Fatalf("expected 3 pending bytes, got %d", r.Pending())
	}

	frames := feedAll(r, StateAwaitingCRC, []byte{4, 5, 6, 7})
	if len(frames) != 1 || !bytes.Equal(frames[0], []byte{4, 5, 6, 7}) {
		t.Errorf("stale bytes leaked into CRC frame: %v", frames)
	}
}

func TestReassembler_ChallengeResync(t *testing.T) {
	r := NewReassembler(ChallengeRequired)
	hs := EncodeHandshake(0x01020304, true)
	input := append([]byte{0x00, 0x13}, hs...)

	frames := feedAll(r, StateAwaitingMagic, input)
	if len(frames) != 1 || !bytes.Equal(frames[0], hs) {
		t.Errorf("expected handshake after noise, got %v", frames)
	}
}

// ============================================================
// Profile Tests
// ============================================================

func TestProfiles_Valid(t *testing.T) {
	for _, name := range ProfileNames() {
		p, err := LookupProfile(name)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if err := p.Validate(); err != nil {
			t.Errorf("%s: %v", name, err)
		}
		if p.MaxPages() <= 0 {
			t.Errorf("%s: no room for pages", name)
		}
	}
}

func TestProfile_Geometry(t *testing.T) {
	p := DefaultProfile()
	if p.PageBytes() != 1024 {
		t.Errorf("expected 1024-byte pages, got %d", p.PageBytes())
	}
	if p.PinConfigAddr() != 0x08000000+128*1024-3*1024 {
		t.Errorf("unexpected pin block address 0x%08X", p.PinConfigAddr())
	}
	// 0x08001000..0x0801F400
	if p.MaxPages() != 121 {
		t.Errorf("expected 121 pages, got %d", p.MaxPages())
	}
}

func TestProfile_ValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Profile)
	}{
		{"odd page words", func(p *Profile) { p.PageWords = 255 }},
		{"zero erase unit", func(p *Profile) { p.EraseUnitWords = 0 }},
		{"app below flash", func(p *Profile) { p.AppBase = 0x07000000 }},
		{"app unaligned", func(p *Profile) { p.AppBase = 0x08001200 }},
		{"app unaligned to erase unit", func(p *Profile) { p.EraseUnitWords = 2048 }},
		{"no window", func(p *Profile) { p.HandshakeWindow = 0 }},
		{"no watchdog", func(p *Profile) { p.WatchdogPeriod = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultProfile()
			tt.mutate(&p)
			if err := p.Validate(); !errors.Is(err, ErrInvalidProfile) {
				t.Errorf("expected ErrInvalidProfile, got %v", err)
			}
		})
	}
}

func TestLookupProfile_Unknown(t *testing.T) {
	if _, err := LookupProfile("f4"); !errors.Is(err, ErrInvalidProfile) {
		t.Errorf("expected ErrInvalidProfile, got %v", err)
	}
}

// ============================================================
// Pin Configuration Tests
// ============================================================

func TestPinConfig_EncodeParse(t *testing.T) {
	pins := []PinDef{
		{Port: 0x40010C00, Pin: 0x0004, Output: true, Level: true},
		{Port: 0x40010800, Pin: 0x0100},
	}
	raw, err := EncodePinConfig(pins)
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) != PinConfigSize {
		t.Fatalf("expected %d bytes, got %d", PinConfigSize, len(raw))
	}

	cfg, err := ParsePinConfig(raw)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Pins) != 2 || cfg.Pins[0] != pins[0] || cfg.Pins[1] != pins[1] {
		t.Errorf("unexpected pins %+v", cfg.Pins)
	}
}

func TestPinConfig_Errors(t *testing.T) {
	raw, _ := EncodePinConfig([]PinDef{{Port: 1, Pin: 2}})

	if _, err := ParsePinConfig(raw[:40]); !errors.Is(err, ErrPinConfigLength) {
		t.Errorf("expected ErrPinConfigLength, got %v", err)
	}

	raw[5] ^= 0x01
	if _, err := ParsePinConfig(raw); !errors.Is(err, ErrPinConfigChecksum) {
		t.Errorf("expected ErrPinConfigChecksum, got %v", err)
	}

	erased := bytes.Repeat([]byte{0xFF}, PinConfigSize)
	if _, err := ParsePinConfig(erased); !errors.Is(err, ErrPinConfigChecksum) {
		t.Errorf("erased block should fail the checksum, got %v", err)
	}

	if _, err := EncodePinConfig(make([]PinDef, 11)); err == nil {
		t.Error("expected error for 11 pins")
	}
	if _, err := EncodePinConfig([]PinDef{{Port: 0}}); err == nil {
		t.Error("expected error for port 0")
	}
}

func TestReadPinConfig(t *testing.T) {
	p := DefaultProfile()
	f := newFakeFlash(p)
	raw, _ := EncodePinConfig([]PinDef{{Port: 0x40011000, Pin: 0x2000, Output: true}})
	f.load(p.PinConfigAddr(), raw)

	cfg, err := ReadPinConfig(f, p)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Pins) != 1 || cfg.Pins[0].Port != 0x40011000 {
		t.Errorf("unexpected config %+v", cfg)
	}
}

// ============================================================
// Trace and Formatter Tests
// ============================================================

func TestTrace_WriteRead(t *testing.T) {
	var buf bytes.Buffer
	w := NewTraceWriter(&buf, SideNode)
	w.Record(DirTx, SourcePrimary, EncodeHello(7))
	w.Record(DirRx, SourceSecondary, []byte{Magic})

	r := NewTraceReader(&buf)
	first, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if first.Dir != DirTx || first.Link != SourcePrimary || !first.FromNode() {
		t.Errorf("unexpected first record %+v", first)
	}
	second, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if second.FromNode() || !bytes.Equal(second.Data, []byte{Magic}) {
		t.Errorf("unexpected second record %+v", second)
	}
	if _, err := r.Next(); err != io.EOF {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestTrace_NilWriter(t *testing.T) {
	var w *TraceWriter
	if err := w.Record(DirTx, SourcePrimary, []byte{1}); err != nil {
		t.Errorf("nil writer should discard, got %v", err)
	}
}

func TestFormatFrame(t *testing.T) {
	tests := []struct {
		fromNode bool
		data     []byte
		contains string
	}{
		{true, EncodeHello(0x1A2B3C4D), "uid=0x1A2B3C4D"},
		{true, []byte{'2'}, "HELLO version=2"},
		{true, []byte{'E'}, "CRC_ERROR"},
		{true, []byte{'D'}, "DONE"},
		{false, []byte{Magic}, "HANDSHAKE"},
		{false, EncodeCRC(1), "DATA len=4"},
	}
	for _, tt := range tests {
		if got := FormatFrame(tt.fromNode, tt.data); !strings.Contains(got, tt.contains) {
			t.Errorf("FormatFrame(% X) = %q, want %q", tt.data, got, tt.contains)
		}
	}
}

func TestStatus_String(t *testing.T) {
	if StatusPageFull.String() != "PAGE_FULL" {
		t.Errorf("unexpected %q", StatusPageFull.String())
	}
	if State(42).String() != "UNKNOWN_42" {
		t.Errorf("unexpected %q", State(42).String())
	}
}

// ============================================================
// Statistics Tests
// ============================================================

func TestStatistics_Update(t *testing.T) {
	s := NewStatistics()
	frames := [][]byte{
		EncodeHello(1),
		{VersionStream},
		EncodeStatus(StatusHandshake),
		EncodeStatus(StatusReady),
		EncodeStatus(StatusPageFull),
		EncodeStatus(StatusCRCError),
		EncodeStatus(StatusPageFull),
		EncodeStatus(StatusDone),
		{'?'},
		{1, 2, 3},
	}
	for _, f := range frames {
		s.Update(f)
	}

	if s.TotalFrames != 10 || s.Hellos != 2 || s.Handshakes != 1 || s.Ready != 1 {
		t.Errorf("unexpected counters %+v", s)
	}
	if s.PagesFull != 2 || s.CRCErrors != 1 || s.Done != 1 || s.UnknownFrames != 2 {
		t.Errorf("unexpected counters %+v", s)
	}

	s.CalculateRates()
	if s.CRCErrorRate != 0.5 {
		t.Errorf("expected rejection ratio 0.5, got %f", s.CRCErrorRate)
	}
	if !strings.Contains(s.String(), "CRC Errors:") {
		t.Error("summary missing CRC errors")
	}

	s.Reset()
	if s.TotalFrames != 0 || s.CRCErrors != 0 {
		t.Error("counters not reset")
	}
}
