// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// Ember - field firmware updater
//
// Host tool and node simulator for the Thermoquad CAN/UART bootloader.

package main

import (
	"os"

	"github.com/Thermoquad/ember/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
