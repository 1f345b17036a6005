// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package sim

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/Thermoquad/ember/pkg/canboot"
	"github.com/marcinbor85/gohex"
)

// Flash is program memory held in RAM. It behaves like STM32 flash: words
// can only be programmed while unlocked and only over erased cells, and
// erase works on whole erase units.
type Flash struct {
	mu sync.Mutex

	base  uint32
	unit  uint32
	words []uint32

	locked   bool
	erases   int
	programs int
	eraseLog []uint32
}

// NewFlash creates fully erased, locked flash with the profile's geometry
func NewFlash(profile canboot.Profile) *Flash {
	f := &Flash{
		base:   profile.FlashBase,
		unit:   profile.EraseUnitBytes(),
		words:  make([]uint32, profile.FlashSize/canboot.WordSize),
		locked: true,
	}
	for i := range f.words {
		f.words[i] = canboot.ErasedWord
	}
	return f
}

func (f *Flash) index(addr uint32) (int, error) {
	if addr%canboot.WordSize != 0 {
		return 0, fmt.Errorf("%w: 0x%08X not word aligned", canboot.ErrAddressRange, addr)
	}
	if addr < f.base || addr >= f.base+uint32(len(f.words))*canboot.WordSize {
		return 0, fmt.Errorf("%w: 0x%08X", canboot.ErrAddressRange, addr)
	}
	return int((addr - f.base) / canboot.WordSize), nil
}

// Unlock enables erase and program operations
func (f *Flash) Unlock() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locked = false
	return nil
}

// Lock disables erase and program operations
func (f *Flash) Lock() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locked = true
	return nil
}

// ErasePage erases the erase unit containing addr
func (f *Flash) ErasePage(addr uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locked {
		return canboot.ErrFlashLocked
	}
	start := addr - (addr-f.base)%f.unit
	i, err := f.index(start)
	if err != nil {
		return err
	}
	n := int(f.unit / canboot.WordSize)
	for j := i; j < i+n && j < len(f.words); j++ {
		f.words[j] = canboot.ErasedWord
	}
	f.erases++
	f.eraseLog = append(f.eraseLog, start)
	return nil
}

// ProgramWord writes one word into an erased cell
func (f *Flash) ProgramWord(addr, word uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locked {
		return canboot.ErrFlashLocked
	}
	i, err := f.index(addr)
	if err != nil {
		return err
	}
	if f.words[i] != canboot.ErasedWord {
		return fmt.Errorf("%w: 0x%08X holds 0x%08X", canboot.ErrNotErased, addr, f.words[i])
	}
	f.words[i] = word
	f.programs++
	return nil
}

// ReadWord reads one word
func (f *Flash) ReadWord(addr uint32) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i, err := f.index(addr)
	if err != nil {
		return 0, err
	}
	return f.words[i], nil
}

// Locked reports whether the flash is locked
func (f *Flash) Locked() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locked
}

// Erases returns the number of erase operations performed
func (f *Flash) Erases() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.erases
}

// Programs returns the number of words programmed
func (f *Flash) Programs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.programs
}

// EraseLog returns the start address of every erase, in order
func (f *Flash) EraseLog() []uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint32(nil), f.eraseLog...)
}

// ResetCounters clears the erase and program statistics
func (f *Flash) ResetCounters() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.erases = 0
	f.programs = 0
	f.eraseLog = nil
}

// Load writes data at addr directly, bypassing lock and erase rules. It
// stands in for a factory programmer. A trailing partial word is padded
// with 0xFF.
func (f *Flash) Load(addr uint32, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for off := 0; off < len(data); off += canboot.WordSize {
		var buf [canboot.WordSize]byte
		for k := range buf {
			buf[k] = 0xFF
		}
		copy(buf[:], data[off:])
		i, err := f.index(addr + uint32(off))
		if err != nil {
			return err
		}
		f.words[i] = binary.LittleEndian.Uint32(buf[:])
	}
	return nil
}

// Bytes returns n bytes starting at addr
func (f *Flash) Bytes(addr uint32, n int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]byte, 0, n+canboot.WordSize)
	for a := addr; len(out) < n; a += canboot.WordSize {
		i, err := f.index(a)
		if err != nil {
			return nil, err
		}
		out = binary.LittleEndian.AppendUint32(out, f.words[i])
	}
	return out[:n], nil
}

// WriteHex dumps the range [from, to) as Intel HEX
func (f *Flash) WriteHex(w io.Writer, from, to uint32) error {
	data, err := f.Bytes(from, int(to-from))
	if err != nil {
		return err
	}
	mem := gohex.NewMemory()
	if err := mem.AddBinary(from, data); err != nil {
		return fmt.Errorf("build hex image: %w", err)
	}
	return mem.DumpIntelHex(w, 16)
}

// LoadHex writes every data segment of an Intel HEX file into flash
func (f *Flash) LoadHex(r io.Reader) error {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return fmt.Errorf("parse hex image: %w", err)
	}
	for _, seg := range mem.GetDataSegments() {
		if err := f.Load(seg.Address, seg.Data); err != nil {
			return err
		}
	}
	return nil
}
