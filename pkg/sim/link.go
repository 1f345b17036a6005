// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package sim

import (
	"context"
	"errors"
	"sync"

	"github.com/Thermoquad/ember/pkg/canboot"
)

const hostQueueSize = 4096

// ErrLinkClosed is returned by a closed link
var ErrLinkClosed = errors.New("link closed")

// ErrOverrun is returned when the host side stops draining the link
var ErrOverrun = errors.New("link overrun")

// Receiver is the device end of a link. *canboot.Agent implements it.
type Receiver interface {
	DeliverFrame(payload []byte)
	DeliverByte(b byte)
}

// Link connects a host to a simulated node in memory. A frame link carries
// whole frames like a CAN bus; a stream link carries single bytes like a
// UART. The Link itself is the host end; Node returns the device end.
type Link struct {
	framed bool

	mu   sync.Mutex
	node Receiver

	toHost    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

// NewBus creates a frame link
func NewBus() *Link {
	return newLink(true)
}

// NewLine creates a byte stream link
func NewLine() *Link {
	return newLink(false)
}

func newLink(framed bool) *Link {
	return &Link{
		framed: framed,
		toHost: make(chan []byte, hostQueueSize),
		closed: make(chan struct{}),
	}
}

// Attach connects the device end to a receiver, replacing any previous
// one. A nil receiver detaches the node.
func (l *Link) Attach(r Receiver) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.node = r
}

// Node returns a device-side transport for this link
func (l *Link) Node() canboot.Transport {
	return &nodeEnd{link: l}
}

// Framed reports whether the link preserves frame boundaries
func (l *Link) Framed() bool {
	return l.framed
}

// Send delivers data from the host to the attached node. With no node
// attached the data is lost, as on a bus nobody listens to.
func (l *Link) Send(p []byte) error {
	select {
	case <-l.closed:
		return ErrLinkClosed
	default:
	}

	l.mu.Lock()
	node := l.node
	l.mu.Unlock()
	if node == nil {
		return nil
	}

	if l.framed {
		node.DeliverFrame(p)
		return nil
	}
	for _, b := range p {
		node.DeliverByte(b)
	}
	return nil
}

// Recv returns the next frame sent by the node, or a single byte on a
// stream link
func (l *Link) Recv(ctx context.Context) ([]byte, error) {
	select {
	case p := <-l.toHost:
		return p, nil
	case <-l.closed:
		return nil, ErrLinkClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close shuts the link down for both ends
func (l *Link) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

func (l *Link) push(p []byte) error {
	select {
	case <-l.closed:
		return ErrLinkClosed
	default:
	}
	select {
	case l.toHost <- p:
		return nil
	default:
		return ErrOverrun
	}
}

type nodeEnd struct {
	link *Link

	mu       sync.Mutex
	detached bool
}

func (n *nodeEnd) Send(p []byte) error {
	n.mu.Lock()
	detached := n.detached
	n.mu.Unlock()
	if detached {
		return ErrLinkClosed
	}

	if n.link.framed {
		return n.link.push(append([]byte(nil), p...))
	}
	for _, b := range p {
		if err := n.link.push([]byte{b}); err != nil {
			return err
		}
	}
	return nil
}

// Close detaches the device end. The link stays usable for the next boot.
func (n *nodeEnd) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.detached = true
	return nil
}
