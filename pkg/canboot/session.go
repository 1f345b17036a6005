// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package canboot

import "sync/atomic"

// Result tells the caller what a transition requires
type Result struct {
	Ack    Status // acknowledgement to send, StatusNone for none
	Commit bool   // a verified page is waiting for the main loop
	Done   bool   // transfer finished, the main loop performs the final commit
}

// Session is the update state machine. It is shared by two contexts with
// disjoint ownership:
//
//   - the receive context (HandleFrame, Apply, MarkSecondary) owns the page
//     buffer, the fill index, the running CRC and the page counter;
//   - the main loop (Page, PageCommitted, FinalCommitted, Abandon) owns the
//     write cursor and reads the page buffer only while the state is
//     StateProgramPending or StateDone.
//
// The state itself is atomic and acts as the baton between the two. The
// receive context ignores all input in StateProgramPending and StateDone,
// so the buffer is never written while a commit reads it.
type Session struct {
	profile Profile
	uid     uint32

	state atomic.Int32

	// receive context
	remaining    int
	page         []uint32
	fill         int
	crc          CRC
	fallback     atomic.Bool
	finalPending bool

	// main loop
	cursor    uint32
	committed int
}

// NewSession creates a session in StateAwaitingMagic
func NewSession(profile Profile, uid uint32) *Session {
	s := &Session{
		profile: profile,
		uid:     uid,
		page:    make([]uint32, profile.PageWords),
		crc:     NewCRC(),
		cursor:  profile.AppBase,
	}
	s.state.Store(int32(StateAwaitingMagic))
	return s
}

// State returns the current protocol state
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// HandleFrame decodes a payload against the current state and applies it
func (s *Session) HandleFrame(payload []byte) Result {
	return s.Apply(Decode(s.State(), payload, s.uid, s.profile.Challenge))
}

// MarkSecondary records that the secondary transport is in use. From then
// on the per-frame P acknowledgements inside a page are suppressed.
func (s *Session) MarkSecondary() {
	s.fallback.Store(true)
}

// Apply advances the state machine by one event
func (s *Session) Apply(ev Event) Result {
	switch s.State() {
	case StateAwaitingMagic:
		if ev.Kind != EventHandshake {
			return Result{}
		}
		s.setState(StateAwaitingPageCount)
		return Result{Ack: StatusHandshake}

	case StateAwaitingPageCount:
		if ev.Kind != EventPageCount {
			return Result{}
		}
		// A count that would reach the pin configuration block is ignored
		if int(ev.Count) > s.profile.MaxPages() {
			return Result{}
		}
		s.remaining = int(ev.Count)
		s.fill = 0
		s.crc.Reset()
		if s.remaining == 0 {
			s.setState(StateDone)
			return Result{Done: true}
		}
		s.setState(StateReceivingPage)
		return Result{Ack: StatusReady}

	case StateReceivingPage:
		if ev.Kind != EventWords {
			return Result{}
		}
		s.page[s.fill] = ev.Words[0]
		s.page[s.fill+1] = ev.Words[1]
		s.fill += 2
		s.crc.Update(ev.Words[0])
		s.crc.Update(ev.Words[1])

		if s.fill == len(s.page) {
			s.setState(StateAwaitingCRC)
			return Result{Ack: StatusPageFull}
		}
		if s.fallback.Load() {
			return Result{}
		}
		return Result{Ack: StatusReady}

	case StateAwaitingCRC:
		if ev.Kind != EventCRC {
			return Result{}
		}
		match := ev.CRC == s.crc.Sum()
		s.fill = 0
		s.crc.Reset()

		if !match {
			s.setState(StateReceivingPage)
			return Result{Ack: StatusCRCError}
		}

		s.remaining--
		if s.remaining == 0 {
			s.finalPending = true
			s.setState(StateDone)
			res := Result{Done: true}
			if s.profile.AckOrder == AckBeforeCommit {
				res.Ack = StatusDone
			}
			return res
		}
		s.setState(StateProgramPending)
		return Result{Commit: true}
	}

	// StateProgramPending and StateDone take no input
	return Result{}
}

// Page returns the flash address and contents of the page waiting to be
// committed. Only valid in StateProgramPending and StateDone.
func (s *Session) Page() (uint32, []uint32) {
	return s.cursor, s.page
}

// PageCommitted is called by the main loop once the pending page is in
// flash. It advances the cursor and hands the buffer back to the receive
// context.
func (s *Session) PageCommitted() Result {
	if s.State() != StateProgramPending {
		return Result{}
	}
	s.cursor += s.profile.PageBytes()
	s.committed++
	s.setState(StateReceivingPage)
	return Result{Ack: StatusReady}
}

// FinalPending reports whether the last page still has to be written.
// Only meaningful in StateDone.
func (s *Session) FinalPending() bool {
	return s.State() == StateDone && s.finalPending
}

// FinalCommitted records that the last page is in flash
func (s *Session) FinalCommitted() {
	if !s.FinalPending() {
		return
	}
	s.finalPending = false
	s.cursor += s.profile.PageBytes()
	s.committed++
}

// Abandon ends a session that never saw a handshake. It returns false if
// the handshake won the race and a transfer is under way.
func (s *Session) Abandon() bool {
	return s.state.CompareAndSwap(int32(StateAwaitingMagic), int32(StateDone))
}

// Cursor returns the flash address of the next page
func (s *Session) Cursor() uint32 {
	return s.cursor
}

// Committed returns the number of pages written so far
func (s *Session) Committed() int {
	return s.committed
}

// Fallback reports whether the secondary transport has been seen
func (s *Session) Fallback() bool {
	return s.fallback.Load()
}

// Remaining returns the number of pages still expected. Receive context only.
func (s *Session) Remaining() int {
	return s.remaining
}

// Fill returns the number of words buffered in the current page. Receive
// context only.
func (s *Session) Fill() int {
	return s.fill
}

// RunningCRC returns the checksum of the words buffered so far. Receive
// context only.
func (s *Session) RunningCRC() uint32 {
	return s.crc.Sum()
}

// Capacity returns the page size in words
func (s *Session) Capacity() int {
	return len(s.page)
}
