// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package canboot

import "encoding/binary"

// EventKind identifies a decoded protocol event
type EventKind int

// Event kinds
const (
	EventNone EventKind = iota
	EventHandshake
	EventPageCount
	EventWords
	EventCRC
)

// Event is a frame interpreted against the current protocol state
type Event struct {
	Kind  EventKind
	Count uint8     // EventPageCount
	Words [2]uint32 // EventWords
	CRC   uint32    // EventCRC
}

// Decode interprets a frame payload. The alphabet depends on the state:
// the same eight bytes are a handshake in StateAwaitingMagic and two data
// words in StateReceivingPage. Anything that does not fit the current state
// decodes to EventNone and is dropped without an acknowledgement.
func Decode(state State, payload []byte, uid uint32, mode ChallengeMode) Event {
	switch state {
	case StateAwaitingMagic:
		if isHandshake(payload, uid, mode) {
			return Event{Kind: EventHandshake}
		}

	case StateAwaitingPageCount:
		if len(payload) >= 1 {
			return Event{Kind: EventPageCount, Count: payload[0]}
		}

	case StateReceivingPage:
		if len(payload) >= FrameSize {
			return Event{
				Kind: EventWords,
				Words: [2]uint32{
					binary.LittleEndian.Uint32(payload[0:4]),
					binary.LittleEndian.Uint32(payload[4:8]),
				},
			}
		}

	case StateAwaitingCRC:
		if len(payload) >= CRCFrameSize {
			return Event{Kind: EventCRC, CRC: binary.LittleEndian.Uint32(payload[0:4])}
		}
	}

	return Event{Kind: EventNone}
}

func isHandshake(payload []byte, uid uint32, mode ChallengeMode) bool {
	switch len(payload) {
	case 1:
		return mode != ChallengeRequired && payload[0] == Magic
	case FrameSize:
		return mode != ChallengeDisabled &&
			payload[0] == Magic &&
			binary.LittleEndian.Uint32(payload[4:8]) == uid
	}
	return false
}

// EncodeStatus returns the wire form of an acknowledgement
func EncodeStatus(s Status) []byte {
	return []byte{byte(s)}
}

// EncodeHandshake builds a handshake frame, the 8-byte id-carrying form
// when targeted is set and the bare magic byte otherwise
func EncodeHandshake(uid uint32, targeted bool) []byte {
	if !targeted {
		return []byte{Magic}
	}
	frame := make([]byte, FrameSize)
	frame[0] = Magic
	binary.LittleEndian.PutUint32(frame[4:8], uid)
	return frame
}

// EncodeWords packs two words into a data frame
func EncodeWords(w0, w1 uint32) []byte {
	frame := make([]byte, FrameSize)
	binary.LittleEndian.PutUint32(frame[0:4], w0)
	binary.LittleEndian.PutUint32(frame[4:8], w1)
	return frame
}

// EncodeCRC builds the page checksum frame
func EncodeCRC(crc uint32) []byte {
	frame := make([]byte, CRCFrameSize)
	binary.LittleEndian.PutUint32(frame, crc)
	return frame
}

// Hello is the identification a node announces before the handshake
type Hello struct {
	Version byte
	UID     uint32
}

// EncodeHello builds the identification frame for frame transports
func EncodeHello(uid uint32) []byte {
	frame := make([]byte, FrameSize)
	frame[0] = VersionFrame
	binary.LittleEndian.PutUint32(frame[4:8], uid)
	return frame
}

// ParseHello recognises an identification frame
func ParseHello(frame []byte) (Hello, bool) {
	if len(frame) != FrameSize || frame[0] != VersionFrame {
		return Hello{}, false
	}
	return Hello{Version: frame[0], UID: binary.LittleEndian.Uint32(frame[4:8])}, true
}
