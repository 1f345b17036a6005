// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/Thermoquad/ember/pkg/canboot"
	"github.com/Thermoquad/ember/pkg/updater"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	flashTarget     string
	flashWait       time.Duration
	flashAckTimeout time.Duration
	flashRetries    int
	flashTUI        bool
	flashTrace      string
)

var flashCmd = &cobra.Command{
	Use:   "flash IMAGE",
	Short: "Flash an application image into a node",
	Long: `Flash a raw binary (.bin) or Intel HEX (.hex) image into a node.

The image is padded with 0xFF to whole pages and sent page by page; each page
is followed by its CRC-32 and resent when the node reports a mismatch. HEX
images are flattened from the application base of the selected profile.

The node only listens for a short window after reset. Start this command
first, then reset or power up the node.

Examples:
  # Over a CAN bridge, addressing one node
  ember flash app.hex --url ws://bridge.local/can --target 0x1A2B3C4D

  # Over UART
  ember flash app.bin --port /dev/ttyUSB0

Exit codes:
  0 - Image flashed, node started the application
  1 - Transfer failed`,
	Args: cobra.ExactArgs(1),
	RunE: runFlash,
}

func init() {
	rootCmd.AddCommand(flashCmd)
	flashCmd.Flags().StringVar(&flashTarget, "target", "", "Node unique id to address (hex), frame links only")
	flashCmd.Flags().DurationVar(&flashWait, "wait", 10*time.Second, "How long to wait for the node to announce itself (0 to skip)")
	flashCmd.Flags().DurationVar(&flashAckTimeout, "ack-timeout", 2*time.Second, "Timeout for each acknowledgement")
	flashCmd.Flags().IntVar(&flashRetries, "retries", 3, "Resend attempts per page after a CRC error")
	flashCmd.Flags().BoolVar(&flashTUI, "tui", false, "Show an interactive progress display")
	flashCmd.Flags().StringVar(&flashTrace, "trace", "", "Record a CBOR transcript of the session to this file")
}

func parseUID(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid node id %q: %w", s, err)
	}
	return uint32(v), nil
}

// openTrace creates a transcript file, or returns a nil writer for an
// empty path
func openTrace(path string, side canboot.Side) (*canboot.TraceWriter, func(), error) {
	if path == "" {
		return nil, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create trace file: %w", err)
	}
	return canboot.NewTraceWriter(f, side), func() { f.Close() }, nil
}

func runFlash(cmd *cobra.Command, args []string) error {
	profile, err := selectedProfile()
	if err != nil {
		return err
	}

	data, err := updater.LoadImage(args[0], profile.AppBase)
	if err != nil {
		return err
	}
	img, err := updater.Paginate(data, profile)
	if err != nil {
		return err
	}

	link, connInfo, err := OpenLink()
	if err != nil {
		return err
	}
	defer link.Close()

	trace, closeTrace, err := openTrace(flashTrace, canboot.SideHost)
	if err != nil {
		return err
	}
	defer closeTrace()

	opts := []updater.Option{
		updater.WithAckTimeout(flashAckTimeout),
		updater.WithRetries(flashRetries),
		updater.WithTrace(trace),
	}
	if flashWait > 0 {
		opts = append(opts, updater.WithHello(flashWait))
	}
	if flashTarget != "" {
		uid, err := parseUID(flashTarget)
		if err != nil {
			return err
		}
		opts = append(opts, updater.WithTarget(uid))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if flashTUI {
		return runFlashTUI(ctx, link, connInfo, profile, img, args[0], opts)
	}

	fmt.Printf("Ember - Flash\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Profile: %s (%d-word pages, base 0x%08X)\n", profile.Name, profile.PageWords, profile.AppBase)
	fmt.Printf("Image: %s (%d bytes, %d pages)\n", args[0], img.Size, len(img.Pages))
	if flashWait > 0 {
		fmt.Printf("Waiting up to %s for the node, reset it now...\n", flashWait)
	}
	fmt.Println()

	log := logrus.WithField("image", args[0])
	opts = append(opts,
		updater.WithLogger(log),
		updater.WithProgress(printProgress),
	)

	if err := updater.New(link, profile, opts...).Flash(ctx, img); err != nil {
		fmt.Println()
		return err
	}
	fmt.Printf("\nSUCCESS: node is starting the application\n")
	return nil
}

func printProgress(p updater.Progress) {
	switch p.Phase {
	case updater.PhaseHandshake:
		fmt.Printf("Handshake (uid 0x%08X)...\n", p.UID)
	case updater.PhasePage:
		fmt.Printf("\rPage %d/%d  retries %d  %s", p.Page, p.Pages, p.Retries, p.Elapsed.Round(time.Millisecond))
	case updater.PhaseDone:
		fmt.Printf("\nDone in %s\n", p.Elapsed.Round(time.Millisecond))
	}
}
