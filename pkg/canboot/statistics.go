// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package canboot

import (
	"fmt"
	"strings"
	"time"
)

// Statistics counts traffic seen from nodes on a link
type Statistics struct {
	StartTime      time.Time
	LastUpdateTime time.Time

	// Counters
	TotalFrames   uint64
	Hellos        uint64
	Handshakes    uint64
	Ready         uint64
	PagesFull     uint64
	CRCErrors     uint64
	Done          uint64
	UnknownFrames uint64

	// Rates (calculated)
	FrameRate    float64 // frames/sec
	CRCErrorRate float64 // share of full pages rejected, 0..1
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	now := time.Now()
	return &Statistics{
		StartTime:      now,
		LastUpdateTime: now,
	}
}

// Update counts one frame sent by a node
func (s *Statistics) Update(frame []byte) {
	s.TotalFrames++
	s.LastUpdateTime = time.Now()

	if _, ok := ParseHello(frame); ok {
		s.Hellos++
		return
	}
	if len(frame) == 1 && frame[0] == VersionStream {
		s.Hellos++
		return
	}
	if len(frame) != 1 {
		s.UnknownFrames++
		return
	}

	switch Status(frame[0]) {
	case StatusHandshake:
		s.Handshakes++
	case StatusReady:
		s.Ready++
	case StatusPageFull:
		s.PagesFull++
	case StatusCRCError:
		s.CRCErrors++
	case StatusDone:
		s.Done++
	default:
		s.UnknownFrames++
	}
}

// CalculateRates calculates the frame rate and page rejection ratio
func (s *Statistics) CalculateRates() {
	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed > 0 {
		s.FrameRate = float64(s.TotalFrames) / elapsed
	}
	if s.PagesFull > 0 {
		s.CRCErrorRate = float64(s.CRCErrors) / float64(s.PagesFull)
	}
}

// String returns a formatted statistics summary
func (s *Statistics) String() string {
	s.CalculateRates()
	elapsed := time.Since(s.StartTime)

	var b strings.Builder
	fmt.Fprintf(&b, "=== Statistics (%.0f seconds) ===\n", elapsed.Seconds())
	fmt.Fprintf(&b, "Total Frames:    %8d\n", s.TotalFrames)
	fmt.Fprintf(&b, "Announcements:   %8d\n", s.Hellos)
	fmt.Fprintf(&b, "Handshakes:      %8d\n", s.Handshakes)
	fmt.Fprintf(&b, "Pages Buffered:  %8d\n", s.PagesFull)
	if s.CRCErrors > 0 {
		fmt.Fprintf(&b, "CRC Errors:      %8d (%.1f%% of pages)\n", s.CRCErrors, s.CRCErrorRate*100)
	}
	fmt.Fprintf(&b, "Completed:       %8d\n", s.Done)
	if s.UnknownFrames > 0 {
		fmt.Fprintf(&b, "Unknown Frames:  %8d\n", s.UnknownFrames)
	}
	fmt.Fprintf(&b, "Frame Rate:      %8.1f frames/sec\n", s.FrameRate)
	b.WriteString("================================\n")
	return b.String()
}

// Reset resets all statistics counters
func (s *Statistics) Reset() {
	*s = *NewStatistics()
}
