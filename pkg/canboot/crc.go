// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package canboot

import "encoding/binary"

// CRC is an incremental CRC-32 accumulator compatible with the STM32 CRC
// peripheral: MSB first, fed one 32-bit word at a time, no reflection and
// no final XOR. The zero value is not ready; call Reset first or use NewCRC.
type CRC struct {
	value uint32
}

// NewCRC returns an accumulator in its reset state
func NewCRC() CRC {
	return CRC{value: crcInitial}
}

// Reset restores the initial value
func (c *CRC) Reset() {
	c.value = crcInitial
}

// Update folds one word into the accumulator and returns the new value
func (c *CRC) Update(word uint32) uint32 {
	crc := c.value ^ word
	for i := 0; i < 32; i++ {
		if crc&0x80000000 != 0 {
			crc = (crc << 1) ^ crcPolynomial
		} else {
			crc <<= 1
		}
	}
	c.value = crc
	return crc
}

// Sum returns the current value
func (c *CRC) Sum() uint32 {
	return c.value
}

// CalculateCRC computes the checksum of a word slice
func CalculateCRC(words []uint32) uint32 {
	c := NewCRC()
	for _, w := range words {
		c.Update(w)
	}
	return c.Sum()
}

// PageCRC computes the checksum of a byte slice interpreted as little-endian
// words. A trailing partial word is ignored.
func PageCRC(data []byte) uint32 {
	c := NewCRC()
	for i := 0; i+WordSize <= len(data); i += WordSize {
		c.Update(binary.LittleEndian.Uint32(data[i:]))
	}
	return c.Sum()
}
