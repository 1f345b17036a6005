// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/Thermoquad/ember/pkg/canboot"
	"github.com/Thermoquad/ember/pkg/updater"
	"github.com/spf13/cobra"
)

var (
	discoveryTimeout int
)

var discoveryCmd = &cobra.Command{
	Use:   "discovery",
	Short: "List nodes announcing themselves",
	Long: `Listen for bootloader announcements until timeout.

Every node announces itself once right after reset: on a CAN bridge with an
8-byte frame carrying its unique id, on a UART with the single byte '2'.
Reset or power-cycle the nodes while this command is listening.

Examples:
  ember discovery --url ws://bridge.local/can --timeout 30

Exit codes:
  0 - At least one node found
  1 - No nodes found before timeout
  2 - Connection error`,
	RunE: runDiscovery,
}

func init() {
	rootCmd.AddCommand(discoveryCmd)
	discoveryCmd.Flags().IntVar(&discoveryTimeout, "timeout", 10, "Timeout in seconds for discovery")
}

func runDiscovery(cmd *cobra.Command, args []string) error {
	link, connInfo, err := OpenLink()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer link.Close()

	fmt.Printf("Ember - Node Discovery\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Timeout: %d seconds\n", discoveryTimeout)
	fmt.Printf("Reset the nodes now...\n")

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(discoveryTimeout)*time.Second)
	defer cancel()

	seen := make(map[uint32]bool)
	count := 0
	err = updater.Discover(ctx, link, func(h canboot.Hello) {
		count++
		if !link.Framed() {
			fmt.Printf("\nNode found (UART, protocol version %c)\n", h.Version)
			return
		}
		if seen[h.UID] {
			fmt.Printf("\nNode 0x%08X announced again\n", h.UID)
			return
		}
		seen[h.UID] = true
		fmt.Printf("\nNode found:\n")
		fmt.Printf("  UID: 0x%08X\n", h.UID)
		fmt.Printf("  Protocol version: %c\n", h.Version)
	})
	if err != nil {
		fmt.Printf("READ FAILED: %v\n", err)
		os.Exit(2)
	}

	fmt.Printf("\n--- Discovery summary ---\n")
	if link.Framed() {
		fmt.Printf("Nodes found: %d\n", len(seen))
	} else {
		fmt.Printf("Announcements: %d\n", count)
	}

	if count == 0 {
		fmt.Printf("No nodes discovered. Check connection and reset the node during the listen window.\n")
		os.Exit(1)
	}
	return nil
}
