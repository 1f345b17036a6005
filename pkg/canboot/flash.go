// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package canboot

// FlashDriver is the raw program-memory interface of the target
type FlashDriver interface {
	Unlock() error
	Lock() error
	// ErasePage erases the physical erase unit containing addr
	ErasePage(addr uint32) error
	ProgramWord(addr, word uint32) error
	ReadWord(addr uint32) (uint32, error)
}

// PageWriter commits logical pages to flash, erasing only what is not
// already erased
type PageWriter struct {
	flash   FlashDriver
	profile Profile
}

// NewPageWriter creates a writer for the given flash and geometry
func NewPageWriter(flash FlashDriver, profile Profile) *PageWriter {
	return &PageWriter{flash: flash, profile: profile}
}

// Commit writes one page of words at addr.
//
// Every erase unit the page touches is checked separately. A unit that
// starts inside the page is scanned in full, a unit that started before
// the page (its first half was written by the previous commit) only over
// the overlap. Erase is issued only for ranges holding non-erased words.
// Pages must lie between the application base and the pin configuration
// block. The caller must hold the flash unlocked.
func (w *PageWriter) Commit(addr uint32, words []uint32) error {
	if len(words) != w.profile.PageWords {
		return &CommitError{Addr: addr, Op: "size", Err: ErrPageSize}
	}

	end := addr + w.profile.PageBytes()
	if addr < w.profile.AppBase || end > w.profile.PinConfigAddr() {
		return &CommitError{Addr: addr, Op: "range", Err: ErrAddressRange}
	}

	unit := w.profile.EraseUnitBytes()
	first := addr - (addr-w.profile.FlashBase)%unit

	for u := first; u < end; u += unit {
		scanStart, scanEnd := u, u+unit
		if u < addr {
			scanStart = addr
			if scanEnd > end {
				scanEnd = end
			}
		}

		erased, err := w.isErased(scanStart, scanEnd)
		if err != nil {
			return &CommitError{Addr: addr, Op: "read", Err: err}
		}
		if !erased {
			if err := w.flash.ErasePage(u); err != nil {
				return &CommitError{Addr: addr, Op: "erase", Err: err}
			}
		}
	}

	for i, word := range words {
		if err := w.flash.ProgramWord(addr+uint32(i)*WordSize, word); err != nil {
			return &CommitError{Addr: addr, Op: "program", Err: err}
		}
	}

	if w.profile.VerifyWrites {
		return w.verify(addr, words)
	}
	return nil
}

func (w *PageWriter) isErased(start, end uint32) (bool, error) {
	for a := start; a < end; a += WordSize {
		v, err := w.flash.ReadWord(a)
		if err != nil {
			return false, err
		}
		if v != ErasedWord {
			return false, nil
		}
	}
	return true, nil
}

func (w *PageWriter) verify(addr uint32, words []uint32) error {
	for i, want := range words {
		a := addr + uint32(i)*WordSize
		got, err := w.flash.ReadWord(a)
		if err != nil {
			return &CommitError{Addr: addr, Op: "read", Err: err}
		}
		if got != want {
			return &VerifyError{Addr: a, Expected: want, Actual: got}
		}
	}
	return nil
}
