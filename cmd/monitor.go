// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/Thermoquad/ember/pkg/canboot"
	"github.com/spf13/cobra"
)

var (
	monitorDuration int
	monitorTrace    string
	statsInterval   int
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Display bootloader traffic in human-readable format",
	Long: `Continuously decode and display frames sent by bootloader nodes.

Each frame is shown with a timestamp and its meaning: announcements with the
node id, acknowledgements by name. On a UART every byte is shown on its own.
Useful for watching another host flash a node, or for checking a link is
stable before flashing.

Exit codes:
  0 - Monitoring ended normally
  1 - Connection lost
  2 - Connection error`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().IntVar(&monitorDuration, "duration", 0, "Stop after this many seconds (0 runs until Ctrl+C)")
	monitorCmd.Flags().StringVar(&monitorTrace, "trace", "", "Record a CBOR transcript to this file")
	monitorCmd.Flags().IntVar(&statsInterval, "stats-interval", 0, "Print statistics every N seconds (0 prints them on exit only)")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	link, connInfo, err := OpenLink()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer link.Close()

	trace, closeTrace, err := openTrace(monitorTrace, canboot.SideHost)
	if err != nil {
		return err
	}
	defer closeTrace()

	fmt.Printf("Ember - Monitor\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if monitorDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(monitorDuration)*time.Second)
		defer cancel()
	}

	src := canboot.SourcePrimary
	if !link.Framed() {
		src = canboot.SourceSecondary
	}

	stats := canboot.NewStatistics()
	lastStats := time.Now()
	for {
		p, err := link.Recv(ctx)
		if err != nil {
			fmt.Printf("\n%s", stats)
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			fmt.Printf("Connection lost: %v\n", err)
			os.Exit(1)
		}

		stats.Update(p)
		if err := trace.Record(canboot.DirRx, src, p); err != nil {
			return err
		}
		// Frames from the node are its transmissions
		fmt.Printf("[%s] %s\n", time.Now().Format("15:04:05.000"), canboot.FormatFrame(true, p))

		if statsInterval > 0 && time.Since(lastStats) >= time.Duration(statsInterval)*time.Second {
			fmt.Printf("\n%s\n", stats)
			lastStats = time.Now()
		}
	}
}
