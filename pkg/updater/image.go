// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package updater

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/Thermoquad/ember/pkg/canboot"
	"github.com/marcinbor85/gohex"
	"github.com/pkg/errors"
)

// Image is an application image split into protocol pages
type Image struct {
	Base  uint32
	Size  int      // bytes before padding
	Pages [][]byte // each page is exactly PageBytes long
}

// CRCs returns the checksum of every page
func (img *Image) CRCs() []uint32 {
	out := make([]uint32, len(img.Pages))
	for i, p := range img.Pages {
		out[i] = canboot.PageCRC(p)
	}
	return out
}

// LoadImage reads a raw binary or, for .hex files, an Intel HEX image.
// HEX images are flattened starting at base; gaps are filled with 0xFF.
func LoadImage(path string, base uint32) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read image")
	}
	if strings.EqualFold(filepath.Ext(path), ".hex") || strings.EqualFold(filepath.Ext(path), ".ihex") {
		return FlattenHex(data, base)
	}
	return data, nil
}

// FlattenHex converts an Intel HEX image into a binary starting at base
func FlattenHex(data []byte, base uint32) ([]byte, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(bytes.NewReader(data)); err != nil {
		return nil, errors.Wrap(err, "parse hex image")
	}

	segments := mem.GetDataSegments()
	if len(segments) == 0 {
		return nil, ErrEmptyImage
	}

	var end uint32
	for _, seg := range segments {
		if seg.Address < base {
			return nil, errors.Wrapf(ErrImageRange, "segment at 0x%08X below base 0x%08X", seg.Address, base)
		}
		if e := seg.Address + uint32(len(seg.Data)); e > end {
			end = e
		}
	}
	return mem.ToBinary(base, end-base, 0xFF), nil
}

// Paginate pads data with 0xFF to whole pages and checks it fits the
// profile's application area and the one-byte page count
func Paginate(data []byte, profile canboot.Profile) (*Image, error) {
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}
	pageBytes := int(profile.PageBytes())
	n := (len(data) + pageBytes - 1) / pageBytes

	if n > MaxPages {
		return nil, errors.Wrapf(ErrImageTooLarge, "%d pages, protocol limit is %d", n, MaxPages)
	}
	if room := profile.MaxPages(); n > room {
		return nil, errors.Wrapf(ErrImageTooLarge, "%d pages, %s has room for %d", n, profile.Name, room)
	}

	img := &Image{Base: profile.AppBase, Size: len(data), Pages: make([][]byte, n)}
	for i := range img.Pages {
		page := bytes.Repeat([]byte{0xFF}, pageBytes)
		start := i * pageBytes
		end := start + pageBytes
		if end > len(data) {
			end = len(data)
		}
		copy(page, data[start:end])
		img.Pages[i] = page
	}
	return img, nil
}
