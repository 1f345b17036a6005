// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"

	"github.com/Thermoquad/ember/pkg/canboot"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	// Serial connection flags
	portName string
	baudRate int

	// WebSocket connection flags
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool

	// Node flags
	profileName string
	logLevel    string
)

var rootCmd = &cobra.Command{
	Use:   "ember",
	Short: "Field firmware updater for Thermoquad bootloader nodes",
	Long: `Ember - flash application images into nodes running the Thermoquad
bootloader, over a CAN bridge or a UART.

The bootloader listens for a short window after every reset. Ember waits for
the node to announce itself, performs the handshake and streams the image
page by page, resending any page whose checksum does not match.

Connection modes:
  Serial:    --port /dev/ttyUSB0 [--baud 115200]      (UART, byte stream)
  WebSocket: --url ws://host/path [--username user]   (CAN bridge, one frame per message)

For WebSocket authentication, the password is read from the EMBER_PASSWORD
environment variable, or prompted interactively if not set. The --password
flag is intentionally not provided to avoid leaking credentials in shell history.`,
	Version:       "1.0.0",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		logrus.SetLevel(level)
		logrus.SetOutput(os.Stderr)
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
		return nil
	},
}

func init() {
	// Serial connection flags
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port device")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 115200, "Baud rate (serial only)")

	// WebSocket connection flags
	rootCmd.PersistentFlags().StringVarP(&wsURL, "url", "u", "", "WebSocket URL (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	rootCmd.PersistentFlags().BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	rootCmd.PersistentFlags().StringVar(&profileName, "profile", "f103", fmt.Sprintf("Node profile %v", canboot.ProfileNames()))
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
}

// selectedProfile resolves the --profile flag
func selectedProfile() (canboot.Profile, error) {
	return canboot.LookupProfile(profileName)
}

// Execute runs the root command
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		logrus.Error(err)
	}
	return err
}
