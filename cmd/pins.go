// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Thermoquad/ember/pkg/canboot"
	"github.com/Thermoquad/ember/pkg/sim"
	"github.com/marcinbor85/gohex"
	"github.com/spf13/cobra"
)

var (
	pinsDumpBase string
	pinsSpecs    []string
	pinsOutput   string
)

var pinsCmd = &cobra.Command{
	Use:   "pins",
	Short: "Inspect or build the persisted pin configuration block",
	Long: `The bootloader applies up to ten GPIO settings from a checksummed block
stored 3 KiB below the end of flash, before it announces itself. Use these
commands to decode the block from a flash dump or to build one for the
factory programmer.`,
}

var pinsShowCmd = &cobra.Command{
	Use:   "show DUMP",
	Short: "Decode the pin block from a flash dump (.bin or .hex)",
	Args:  cobra.ExactArgs(1),
	RunE:  runPinsShow,
}

var pinsBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Write a pin block as Intel HEX",
	Long: `Write a pin block as Intel HEX, placed at the block address of the
selected profile.

Each --pin is PORT:PIN:DIR:LEVEL, for example 0x40010C00:0x0004:out:high.

Examples:
  ember pins build --pin 0x40010C00:0x0004:out:high -o pins.hex`,
	RunE: runPinsBuild,
}

func init() {
	rootCmd.AddCommand(pinsCmd)
	pinsCmd.AddCommand(pinsShowCmd, pinsBuildCmd)
	pinsShowCmd.Flags().StringVar(&pinsDumpBase, "dump-base", "", "Load address of a .bin dump (default: flash base)")
	pinsBuildCmd.Flags().StringArrayVar(&pinsSpecs, "pin", nil, "Pin setting PORT:PIN:DIR:LEVEL (repeatable)")
	pinsBuildCmd.Flags().StringVarP(&pinsOutput, "output", "o", "pins.hex", "Output file")
}

func runPinsShow(cmd *cobra.Command, args []string) error {
	profile, err := selectedProfile()
	if err != nil {
		return err
	}

	flash := sim.NewFlash(profile)
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(args[0]), ".hex") {
		err = flash.LoadHex(f)
	} else {
		base := profile.FlashBase
		if pinsDumpBase != "" {
			if base, err = parseUID(pinsDumpBase); err != nil {
				return err
			}
		}
		var data []byte
		if data, err = os.ReadFile(args[0]); err == nil {
			err = flash.Load(base, data)
		}
	}
	if err != nil {
		return fmt.Errorf("load dump: %w", err)
	}

	cfg, err := canboot.ReadPinConfig(flash, profile)
	if err != nil {
		return err
	}
	fmt.Printf("Block at 0x%08X\n", profile.PinConfigAddr())
	fmt.Print(canboot.FormatPinConfig(cfg))
	return nil
}

func parsePinSpec(s string) (canboot.PinDef, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 4 {
		return canboot.PinDef{}, fmt.Errorf("pin %q: want PORT:PIN:DIR:LEVEL", s)
	}
	port, err := strconv.ParseUint(parts[0], 0, 32)
	if err != nil {
		return canboot.PinDef{}, fmt.Errorf("pin %q: port: %v", s, err)
	}
	pin, err := strconv.ParseUint(parts[1], 0, 16)
	if err != nil {
		return canboot.PinDef{}, fmt.Errorf("pin %q: pin: %v", s, err)
	}

	def := canboot.PinDef{Port: uint32(port), Pin: uint16(pin)}
	switch strings.ToLower(parts[2]) {
	case "out", "output":
		def.Output = true
	case "in", "input":
	default:
		return canboot.PinDef{}, fmt.Errorf("pin %q: direction must be in or out", s)
	}
	switch strings.ToLower(parts[3]) {
	case "high", "1":
		def.Level = true
	case "low", "0":
	default:
		return canboot.PinDef{}, fmt.Errorf("pin %q: level must be high or low", s)
	}
	return def, nil
}

func runPinsBuild(cmd *cobra.Command, args []string) error {
	profile, err := selectedProfile()
	if err != nil {
		return err
	}

	pins := make([]canboot.PinDef, 0, len(pinsSpecs))
	for _, s := range pinsSpecs {
		def, err := parsePinSpec(s)
		if err != nil {
			return err
		}
		pins = append(pins, def)
	}

	raw, err := canboot.EncodePinConfig(pins)
	if err != nil {
		return err
	}

	mem := gohex.NewMemory()
	if err := mem.AddBinary(profile.PinConfigAddr(), raw); err != nil {
		return err
	}

	out, err := os.Create(pinsOutput)
	if err != nil {
		return err
	}
	defer out.Close()
	if err := mem.DumpIntelHex(out, 16); err != nil {
		return err
	}

	fmt.Printf("Wrote %d pins at 0x%08X to %s\n", len(pins), profile.PinConfigAddr(), pinsOutput)
	return nil
}
