// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package canboot

import (
	"encoding/binary"
	"fmt"
)

// PinDef is one entry of the pin configuration block
type PinDef struct {
	Port   uint32
	Pin    uint16
	Output bool
	Level  bool
}

// PinConfig is a validated pin configuration block
type PinConfig struct {
	Pins []PinDef
	CRC  uint32
}

// ParsePinConfig deserialises and validates a pin configuration block.
//
// Layout: ten records of {port u32, pin u16, direction u8, level u8}, little
// endian, followed by a u32 checksum over the twenty record words. The list
// ends at the first record with port 0.
func ParsePinConfig(raw []byte) (*PinConfig, error) {
	if len(raw) < PinConfigSize {
		return nil, fmt.Errorf("%w: got %d bytes, need %d", ErrPinConfigLength, len(raw), PinConfigSize)
	}

	body := raw[:PinConfigMaxEntries*pinDefSize]
	stored := binary.LittleEndian.Uint32(raw[len(body):])
	if calc := PageCRC(body); calc != stored {
		return nil, fmt.Errorf("%w: stored 0x%08X, calculated 0x%08X", ErrPinConfigChecksum, stored, calc)
	}

	cfg := &PinConfig{CRC: stored}
	for i := 0; i < PinConfigMaxEntries; i++ {
		rec := body[i*pinDefSize:]
		port := binary.LittleEndian.Uint32(rec[0:4])
		if port == 0 {
			break
		}
		cfg.Pins = append(cfg.Pins, PinDef{
			Port:   port,
			Pin:    binary.LittleEndian.Uint16(rec[4:6]),
			Output: rec[6] != 0,
			Level:  rec[7] != 0,
		})
	}
	return cfg, nil
}

// ReadPinConfig loads the block from its fixed location near the top of
// flash and validates it
func ReadPinConfig(flash FlashDriver, profile Profile) (*PinConfig, error) {
	raw := make([]byte, PinConfigSize)
	base := profile.PinConfigAddr()
	for off := 0; off < PinConfigSize; off += WordSize {
		w, err := flash.ReadWord(base + uint32(off))
		if err != nil {
			return nil, fmt.Errorf("read pin configuration at 0x%08X: %w", base+uint32(off), err)
		}
		binary.LittleEndian.PutUint32(raw[off:], w)
	}
	return ParsePinConfig(raw)
}

// EncodePinConfig serialises up to PinConfigMaxEntries pins into a block
// with its checksum. Unused records are zero.
func EncodePinConfig(pins []PinDef) ([]byte, error) {
	if len(pins) > PinConfigMaxEntries {
		return nil, fmt.Errorf("%d pins, block holds %d", len(pins), PinConfigMaxEntries)
	}
	raw := make([]byte, PinConfigSize)
	for i, p := range pins {
		if p.Port == 0 {
			return nil, fmt.Errorf("pin %d: port 0 terminates the list", i)
		}
		rec := raw[i*pinDefSize:]
		binary.LittleEndian.PutUint32(rec[0:4], p.Port)
		binary.LittleEndian.PutUint16(rec[4:6], p.Pin)
		if p.Output {
			rec[6] = 1
		}
		if p.Level {
			rec[7] = 1
		}
	}
	body := raw[:PinConfigMaxEntries*pinDefSize]
	binary.LittleEndian.PutUint32(raw[len(body):], PageCRC(body))
	return raw, nil
}
