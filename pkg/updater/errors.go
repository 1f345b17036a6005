// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package updater

import "github.com/pkg/errors"

// MaxPages is the largest page count the one-byte count frame can carry
const MaxPages = 255

var (
	ErrTimeout        = errors.New("timed out waiting for the device")
	ErrUnexpectedAck  = errors.New("unexpected acknowledgement")
	ErrTooManyRetries = errors.New("page rejected too many times")
	ErrImageTooLarge  = errors.New("image too large")
	ErrImageRange     = errors.New("image outside application area")
	ErrEmptyImage     = errors.New("image is empty")
	ErrNoDevice       = errors.New("no device announced itself")
	ErrLinkClosed     = errors.New("link closed")
)
