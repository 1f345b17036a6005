// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package canboot

// Reassembler rebuilds protocol frames from a byte-oriented transport. The
// frame length is implied by the protocol state, so the caller passes the
// current state with every byte.
type Reassembler struct {
	buf   [FrameSize]byte
	n     int
	state State
	mode  ChallengeMode
}

// NewReassembler creates a reassembler for the given handshake mode
func NewReassembler(mode ChallengeMode) *Reassembler {
	return &Reassembler{mode: mode}
}

// Reset discards any partially received frame
func (r *Reassembler) Reset() {
	r.n = 0
}

// Pending returns the number of buffered bytes
func (r *Reassembler) Pending() int {
	return r.n
}

// Feed adds one byte and returns a complete frame, or nil while the frame
// is still incomplete. Bytes arriving in states that take no input are
// dropped.
func (r *Reassembler) Feed(state State, b byte) []byte {
	if state != r.state {
		r.n = 0
		r.state = state
	}

	want := r.frameLen(state)
	if want == 0 {
		return nil
	}

	// The id-carrying handshake must start with the magic byte
	if state == StateAwaitingMagic && want == FrameSize && r.n == 0 && b != Magic {
		return nil
	}

	r.buf[r.n] = b
	r.n++
	if r.n < want {
		return nil
	}

	frame := make([]byte, want)
	copy(frame, r.buf[:want])
	r.n = 0
	return frame
}

func (r *Reassembler) frameLen(state State) int {
	switch state {
	case StateAwaitingMagic:
		if r.mode == ChallengeRequired {
			return FrameSize
		}
		return 1
	case StateAwaitingPageCount:
		return 1
	case StateReceivingPage:
		return FrameSize
	case StateAwaitingCRC:
		return CRCFrameSize
	default:
		return 0
	}
}
