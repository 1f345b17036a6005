// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package updater

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"
)

// Link is the host end of a connection to a node
type Link interface {
	Send(p []byte) error
	// Recv returns the next frame, or a single byte on stream links
	Recv(ctx context.Context) ([]byte, error)
	// Framed reports whether frame boundaries are preserved
	Framed() bool
	Close() error
}

// FrameConn is a message oriented connection carrying one frame per
// message, such as a WebSocket bridge to a CAN bus
type FrameConn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(p []byte) error
	Close() error
}

type pumpLink struct {
	framed bool
	write  func([]byte) error
	close  func() error

	rx   chan []byte
	done chan struct{}
	mu   sync.Mutex
	err  error
	once sync.Once
}

// NewFrameLink wraps a frame connection
func NewFrameLink(conn FrameConn) Link {
	l := &pumpLink{
		framed: true,
		write:  conn.WriteFrame,
		close:  conn.Close,
		rx:     make(chan []byte, 256),
		done:   make(chan struct{}),
	}
	go l.pump(conn.ReadFrame)
	return l
}

// NewStreamLink wraps a byte stream such as a serial port
func NewStreamLink(rwc io.ReadWriteCloser) Link {
	l := &pumpLink{
		framed: false,
		write: func(p []byte) error {
			_, err := rwc.Write(p)
			return err
		},
		close: rwc.Close,
		rx:    make(chan []byte, 1024),
		done:  make(chan struct{}),
	}
	buf := make([]byte, 64)
	var pending []byte
	go l.pump(func() ([]byte, error) {
		for len(pending) == 0 {
			n, err := rwc.Read(buf)
			if err != nil {
				return nil, err
			}
			pending = append(pending, buf[:n]...)
		}
		b := pending[0]
		pending = pending[1:]
		return []byte{b}, nil
	})
	return l
}

func (l *pumpLink) pump(read func() ([]byte, error)) {
	defer close(l.rx)
	for {
		p, err := read()
		if err != nil {
			l.mu.Lock()
			l.err = err
			l.mu.Unlock()
			return
		}
		select {
		case l.rx <- p:
		case <-l.done:
			l.mu.Lock()
			l.err = ErrLinkClosed
			l.mu.Unlock()
			return
		}
	}
}

func (l *pumpLink) Send(p []byte) error {
	return errors.Wrap(l.write(p), "send")
}

func (l *pumpLink) Recv(ctx context.Context) ([]byte, error) {
	select {
	case p, ok := <-l.rx:
		if !ok {
			l.mu.Lock()
			defer l.mu.Unlock()
			if l.err == nil {
				return nil, ErrLinkClosed
			}
			return nil, errors.Wrap(l.err, "receive")
		}
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *pumpLink) Framed() bool {
	return l.framed
}

func (l *pumpLink) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.close()
	})
	return err
}
