// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package canboot

import (
	"fmt"
	"sort"
	"time"
)

// ChallengeMode selects which handshake forms are accepted
type ChallengeMode int

// Challenge modes
const (
	// ChallengeOptional accepts the bare magic byte and the 8-byte form
	// carrying this device's unique id.
	ChallengeOptional ChallengeMode = iota
	// ChallengeRequired accepts only the 8-byte form.
	ChallengeRequired
	// ChallengeDisabled accepts only the bare magic byte.
	ChallengeDisabled
)

func (c ChallengeMode) String() string {
	switch c {
	case ChallengeOptional:
		return "optional"
	case ChallengeRequired:
		return "required"
	case ChallengeDisabled:
		return "disabled"
	default:
		return fmt.Sprintf("ChallengeMode(%d)", int(c))
	}
}

// AckOrder selects when the final D is sent relative to the last commit
type AckOrder int

// Ack orderings
const (
	// AckAfterCommit commits the last page first, then sends D.
	AckAfterCommit AckOrder = iota
	// AckBeforeCommit sends D as soon as the last CRC matches.
	AckBeforeCommit
)

func (a AckOrder) String() string {
	if a == AckBeforeCommit {
		return "ack-before-commit"
	}
	return "ack-after-commit"
}

// Profile describes one target: flash geometry, transport set and protocol
// options. Historical board variants are expressed as profiles rather than
// separate implementations.
type Profile struct {
	Name string

	FlashBase uint32 // first byte of program memory
	FlashSize uint32 // bytes
	AppBase   uint32 // application vector table

	PageWords      int // words buffered per page (logical page)
	EraseUnitWords int // words per physical erase unit

	Secondary    bool // byte-oriented fallback transport present
	Challenge    ChallengeMode
	AckOrder     AckOrder
	VerifyWrites bool

	HandshakeWindow time.Duration // how long to wait for the magic byte
	HandoffDelay    time.Duration // pause after D before teardown
	WatchdogPeriod  time.Duration
	StallTimeout    time.Duration // link silence before the watchdog is starved; 0 disables
}

// PageBytes returns the logical page size in bytes
func (p Profile) PageBytes() uint32 {
	return uint32(p.PageWords) * WordSize
}

// EraseUnitBytes returns the physical erase unit size in bytes
func (p Profile) EraseUnitBytes() uint32 {
	return uint32(p.EraseUnitWords) * WordSize
}

// FlashEnd returns the first address past program memory
func (p Profile) FlashEnd() uint32 {
	return p.FlashBase + p.FlashSize
}

// PinConfigAddr returns the address of the pin configuration block
func (p Profile) PinConfigAddr() uint32 {
	return p.FlashEnd() - PinConfigBlocks*PinConfigBlockSize
}

// MaxPages returns how many pages fit between the application base and the
// pin configuration block
func (p Profile) MaxPages() int {
	if p.PageWords <= 0 || p.PinConfigAddr() <= p.AppBase {
		return 0
	}
	return int((p.PinConfigAddr() - p.AppBase) / p.PageBytes())
}

// Validate checks the profile for internal consistency
func (p Profile) Validate() error {
	if p.PageWords <= 0 || p.PageWords%2 != 0 {
		return fmt.Errorf("%w: page words %d must be positive and even", ErrInvalidProfile, p.PageWords)
	}
	if p.EraseUnitWords <= 0 {
		return fmt.Errorf("%w: erase unit words %d must be positive", ErrInvalidProfile, p.EraseUnitWords)
	}
	if p.FlashSize == 0 {
		return fmt.Errorf("%w: flash size is zero", ErrInvalidProfile)
	}
	if p.AppBase < p.FlashBase || p.AppBase >= p.FlashEnd() {
		return fmt.Errorf("%w: application base 0x%08X outside flash 0x%08X-0x%08X",
			ErrInvalidProfile, p.AppBase, p.FlashBase, p.FlashEnd())
	}
	align := p.PageBytes()
	if p.EraseUnitBytes() > align {
		align = p.EraseUnitBytes()
	}
	if (p.AppBase-p.FlashBase)%align != 0 {
		return fmt.Errorf("%w: application base 0x%08X not aligned to %d bytes",
			ErrInvalidProfile, p.AppBase, align)
	}
	if p.HandshakeWindow <= 0 {
		return fmt.Errorf("%w: handshake window must be positive", ErrInvalidProfile)
	}
	if p.WatchdogPeriod <= 0 {
		return fmt.Errorf("%w: watchdog period must be positive", ErrInvalidProfile)
	}
	return nil
}

// DefaultProfile returns the profile of the reference board: 128 KiB
// STM32F103 with 1 KiB flash pages, CAN primary and UART fallback.
func DefaultProfile() Profile {
	return Profile{
		Name:            "f103",
		FlashBase:       0x08000000,
		FlashSize:       128 * 1024,
		AppBase:         0x08001000,
		PageWords:       256,
		EraseUnitWords:  256,
		Secondary:       true,
		Challenge:       ChallengeOptional,
		AckOrder:        AckAfterCommit,
		HandshakeWindow: 100 * time.Millisecond,
		HandoffDelay:    100 * time.Millisecond,
		WatchdogPeriod:  2 * time.Second,
		StallTimeout:    2 * time.Second,
	}
}

var profiles = map[string]func() Profile{
	"f103": DefaultProfile,

	// High density parts erase 2 KiB at a time. The first page of each
	// unit erases it, the second finds it already erased.
	"f103hd": func() Profile {
		p := DefaultProfile()
		p.Name = "f103hd"
		p.FlashSize = 512 * 1024
		p.EraseUnitWords = 512
		return p
	},

	// Older CAN-only build with 2 KiB logical pages spanning two 1 KiB
	// erase units. Only the id-carrying handshake is accepted.
	"f105": func() Profile {
		p := DefaultProfile()
		p.Name = "f105"
		p.FlashSize = 256 * 1024
		p.AppBase = 0x08002000
		p.PageWords = 512
		p.Secondary = false
		p.Challenge = ChallengeRequired
		return p
	},
}

// LookupProfile returns a built-in profile by name
func LookupProfile(name string) (Profile, error) {
	fn, ok := profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("%w: unknown profile %q", ErrInvalidProfile, name)
	}
	return fn(), nil
}

// ProfileNames lists the built-in profiles in sorted order
func ProfileNames() []string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
