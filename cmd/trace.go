// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/Thermoquad/ember/pkg/canboot"
	"github.com/spf13/cobra"
)

var traceCmd = &cobra.Command{
	Use:   "trace FILE",
	Short: "Print a recorded session transcript",
	Long: `Print a CBOR transcript written by 'flash --trace', 'monitor --trace' or
'simulate --trace', one frame per line.

Directions are those of the side that recorded the transcript: a host
records the node's acknowledgements as RX, the simulator as TX.`,
	Args: cobra.ExactArgs(1),
	RunE: runTrace,
}

func init() {
	rootCmd.AddCommand(traceCmd)
}

func runTrace(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	r := canboot.NewTraceReader(bufio.NewReader(f))
	count := 0
	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("record %d: %w", count+1, err)
		}
		count++
		fmt.Println(canboot.FormatRecord(rec))
	}
	fmt.Printf("\n%d records\n", count)
	return nil
}
