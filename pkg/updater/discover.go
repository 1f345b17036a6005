// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package updater

import (
	"context"

	"github.com/Thermoquad/ember/pkg/canboot"
	"github.com/pkg/errors"
)

// Discover listens for node announcements until ctx ends and calls fn for
// each one. Nodes only announce right after reset, so the caller resets
// them (or powers them up) while Discover runs.
func Discover(ctx context.Context, link Link, fn func(canboot.Hello)) error {
	for {
		p, err := link.Recv(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		if !link.Framed() {
			if len(p) == 1 && p[0] == canboot.VersionStream {
				fn(canboot.Hello{Version: p[0]})
			}
			continue
		}
		if hello, ok := canboot.ParseHello(p); ok {
			fn(hello)
		}
	}
}
