// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package canboot

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Direction of a traced frame, seen from the side doing the recording
type Direction uint8

// Directions
const (
	DirRx Direction = iota
	DirTx
)

func (d Direction) String() string {
	if d == DirTx {
		return "TX"
	}
	return "RX"
}

// Side identifies who recorded a transcript
type Side uint8

// Sides
const (
	SideHost Side = iota
	SideNode
)

func (s Side) String() string {
	if s == SideNode {
		return "node"
	}
	return "host"
}

// TraceRecord is one frame of a session transcript. Records are stored as
// a sequence of CBOR maps with integer keys.
type TraceRecord struct {
	Nanos int64     `cbor:"0,keyasint"`
	Dir   Direction `cbor:"1,keyasint"`
	Link  Source    `cbor:"2,keyasint"`
	Data  []byte    `cbor:"3,keyasint"`
	Side  Side      `cbor:"4,keyasint"`
}

// FromNode reports whether the frame was sent by the node
func (r *TraceRecord) FromNode() bool {
	return (r.Side == SideNode) == (r.Dir == DirTx)
}

// Time returns the record timestamp
func (r *TraceRecord) Time() time.Time {
	return time.Unix(0, r.Nanos)
}

// TraceWriter appends records to a transcript. Safe for concurrent use.
type TraceWriter struct {
	mu   sync.Mutex
	enc  *cbor.Encoder
	side Side
	now  func() time.Time
}

// NewTraceWriter creates a writer for one side of the link that stamps
// records with the wall clock
func NewTraceWriter(w io.Writer, side Side) *TraceWriter {
	return &TraceWriter{enc: cbor.NewEncoder(w), side: side, now: time.Now}
}

// Record appends one frame. A nil writer discards it.
func (t *TraceWriter) Record(dir Direction, link Source, data []byte) error {
	if t == nil {
		return nil
	}
	rec := TraceRecord{
		Dir:  dir,
		Link: link,
		Data: append([]byte(nil), data...),
		Side: t.side,
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	rec.Nanos = t.now().UnixNano()
	if err := t.enc.Encode(rec); err != nil {
		return fmt.Errorf("write trace record: %w", err)
	}
	return nil
}

// TraceReader reads records back from a transcript
type TraceReader struct {
	dec *cbor.Decoder
}

// NewTraceReader creates a reader over r
func NewTraceReader(r io.Reader) *TraceReader {
	return &TraceReader{dec: cbor.NewDecoder(r)}
}

// Next returns the next record, or io.EOF at the end of the transcript
func (t *TraceReader) Next() (*TraceRecord, error) {
	var rec TraceRecord
	if err := t.dec.Decode(&rec); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read trace record: %w", err)
	}
	return &rec, nil
}
