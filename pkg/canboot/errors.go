// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package canboot

import (
	"errors"
	"fmt"
)

// Sentinel errors
var (
	ErrInvalidProfile    = errors.New("invalid profile")
	ErrFlashLocked       = errors.New("flash is locked")
	ErrNotErased         = errors.New("flash word not erased")
	ErrAddressRange      = errors.New("address outside program memory")
	ErrWatchdogReset     = errors.New("watchdog reset")
	ErrPinConfigLength   = errors.New("pin configuration block too short")
	ErrPinConfigChecksum = errors.New("pin configuration checksum mismatch")
	ErrPageSize          = errors.New("page word count mismatch")
)

// CommitError reports a failed page commit
type CommitError struct {
	Addr uint32
	Op   string // "erase", "program" or "read"
	Err  error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit page at 0x%08X: %s: %v", e.Addr, e.Op, e.Err)
}

func (e *CommitError) Unwrap() error {
	return e.Err
}

// VerifyError reports a word that read back differently after programming
type VerifyError struct {
	Addr     uint32
	Expected uint32
	Actual   uint32
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("verify failed at 0x%08X: expected 0x%08X, got 0x%08X",
		e.Addr, e.Expected, e.Actual)
}
