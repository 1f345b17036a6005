// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/Thermoquad/ember/pkg/updater"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	probeTimeout int
	probeTarget  string
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Check that a node enters the bootloader and accepts a handshake",
	Long: `Wait for a node to announce itself, perform the handshake and end the
session with an empty transfer (zero pages), so the node boots its existing
application untouched.

Useful for testing connectivity before a real update.

Exit codes:
  0 - Node answered the handshake
  1 - No node announced itself, or the handshake failed
  2 - Connection error`,
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)
	probeCmd.Flags().IntVar(&probeTimeout, "timeout", 10, "Timeout in seconds to wait for the node")
	probeCmd.Flags().StringVar(&probeTarget, "target", "", "Node unique id to address (hex), frame links only")
}

func runProbe(cmd *cobra.Command, args []string) error {
	profile, err := selectedProfile()
	if err != nil {
		return err
	}

	link, connInfo, err := OpenLink()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer link.Close()

	fmt.Printf("Ember - Probe\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Timeout: %d seconds\n", probeTimeout)
	fmt.Printf("Reset the node now...\n\n")

	opts := []updater.Option{
		updater.WithHello(time.Duration(probeTimeout) * time.Second),
		updater.WithLogger(logrus.StandardLogger()),
	}
	if probeTarget != "" {
		uid, err := parseUID(probeTarget)
		if err != nil {
			return err
		}
		opts = append(opts, updater.WithTarget(uid))
	}

	var uid uint32
	opts = append(opts, updater.WithProgress(func(p updater.Progress) { uid = p.UID }))

	if err := updater.New(link, profile, opts...).Flash(context.Background(), &updater.Image{}); err != nil {
		fmt.Fprintf(os.Stderr, "FAILED: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("SUCCESS: node answered the handshake\n")
	if link.Framed() {
		fmt.Printf("  UID: 0x%08X\n", uid)
	}
	return nil
}
