// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package canboot implements the device side of the Ember firmware update
// protocol: the update state machine, the frame codec and the flash page
// writer, plus the agent that ties them to a platform, a flash driver and
// one or two transports.
//
// The package never touches hardware directly. Everything below the
// protocol is reached through the Platform, Watchdog, FlashDriver, Transport
// and CPU interfaces so the protocol logic runs unchanged in tests and in
// the host simulator.
package canboot

// Protocol constants
const (
	Magic = 0xAA

	// FrameSize is the payload length of a full data frame (two words).
	FrameSize = 8
	// CRCFrameSize is the payload length of the page checksum frame.
	CRCFrameSize = 4
)

// Identification tags sent before the handshake
const (
	VersionFrame  = '3' // frame transports (CAN)
	VersionStream = '2' // byte transports (UART)
)

// CAN identifiers used on the bus and by the WebSocket CAN bridge
const (
	HostCANID = 0x7DD // host -> node
	NodeCANID = 0x7DE // node -> host
)

// Flash geometry
const (
	ErasedWord = 0xFFFFFFFF
	WordSize   = 4
)

// Pin configuration block layout
const (
	PinConfigBlocks     = 3    // third block from the end of flash
	PinConfigBlockSize  = 1024 // bytes
	PinConfigMaxEntries = 10
	pinDefSize          = 8
	PinConfigSize       = PinConfigMaxEntries*pinDefSize + 4
)

// CRC-32 configuration (STM32 CRC peripheral)
const (
	crcPolynomial = 0x04C11DB7
	crcInitial    = 0xFFFFFFFF
)

// Status is a single-byte acknowledgement sent to the host
type Status byte

// Status codes
const (
	StatusNone      Status = 0
	StatusHandshake Status = 'S' // handshake accepted
	StatusReady     Status = 'P' // ready for next word pair or page
	StatusPageFull  Status = 'C' // page buffered, send CRC
	StatusCRCError  Status = 'E' // CRC mismatch, resend page
	StatusDone      Status = 'D' // all pages committed, handing off
)

// State is the protocol state of a Session
type State int32

// Session states
const (
	StateAwaitingMagic State = iota
	StateAwaitingPageCount
	StateReceivingPage
	StateAwaitingCRC
	StateProgramPending
	StateDone
)

// Source identifies the transport a frame arrived on
type Source int

// Transport sources
const (
	SourcePrimary Source = iota
	SourceSecondary
)
