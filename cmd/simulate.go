// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/Thermoquad/ember/pkg/canboot"
	"github.com/Thermoquad/ember/pkg/sim"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	simListen string
	simPath   string
	simUID    string
	simImage  string
	simDump   string
	simWindow time.Duration
	simTrace  string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a simulated bootloader node",
	Long: `Run a bootloader node in memory, reachable as a CAN bridge over WebSocket
and, with --port, as a UART on a serial port.

Every WebSocket client session powers the node up: it announces itself, waits
for a handshake and runs a complete boot, ending in a simulated jump to the
application. A watchdog reset reboots the node within the same session.
Flash contents persist across sessions. The UART is only live while a
WebSocket session keeps the node powered.

Examples:
  # Terminal 1
  ember simulate --listen :8080 --uid 0x1A2B3C4D --dump flash.hex

  # Terminal 2
  ember flash app.bin --url ws://localhost:8080/can`,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)
	simulateCmd.Flags().StringVar(&simListen, "listen", ":8080", "Listen address for the WebSocket bridge")
	simulateCmd.Flags().StringVar(&simPath, "path", "/can", "WebSocket endpoint path")
	simulateCmd.Flags().StringVar(&simUID, "uid", "0x1A2B3C4D", "Unique id of the simulated node")
	simulateCmd.Flags().StringVar(&simImage, "image", "", "Intel HEX file preloaded into flash")
	simulateCmd.Flags().StringVar(&simDump, "dump", "", "Write flash as Intel HEX here after every update")
	simulateCmd.Flags().DurationVar(&simWindow, "window", 0, "Override the handshake window")
	simulateCmd.Flags().StringVar(&simTrace, "trace", "", "Record a CBOR transcript to this file")
}

type simulator struct {
	device *sim.Device
	log    logrus.FieldLogger
	busy   sync.Mutex
}

func runSimulate(cmd *cobra.Command, args []string) error {
	profile, err := selectedProfile()
	if err != nil {
		return err
	}
	if simWindow > 0 {
		profile.HandshakeWindow = simWindow
	}
	uid, err := parseUID(simUID)
	if err != nil {
		return err
	}

	device := sim.NewDevice(profile, uid)
	if simImage != "" {
		f, err := os.Open(simImage)
		if err != nil {
			return err
		}
		err = device.Flash.LoadHex(f)
		f.Close()
		if err != nil {
			return err
		}
	}

	trace, closeTrace, err := openTrace(simTrace, canboot.SideNode)
	if err != nil {
		return err
	}
	defer closeTrace()
	device.Trace = trace

	log := logrus.WithFields(logrus.Fields{
		"uid":     fmt.Sprintf("0x%08X", uid),
		"profile": profile.Name,
	})
	device.Log = log
	s := &simulator{device: device, log: log}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if portName != "" {
		if device.Line == nil {
			return fmt.Errorf("profile %s has no UART transport", profile.Name)
		}
		conn, err := OpenSerialConnection(portName, baudRate)
		if err != nil {
			return err
		}
		defer conn.Close()
		go s.bridgeSerial(ctx, conn)
		log.WithField("port", portName).Info("UART attached")
	}

	mux := http.NewServeMux()
	mux.HandleFunc(simPath, s.serveWS)
	srv := &http.Server{Addr: simListen, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdown)
	}()

	log.WithField("listen", simListen+simPath).Info("Simulated node ready")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  256,
	WriteBufferSize: 256,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *simulator) serveWS(w http.ResponseWriter, r *http.Request) {
	if !s.busy.TryLock() {
		http.Error(w, "node busy", http.StatusServiceUnavailable)
		return
	}
	defer s.busy.Unlock()

	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("Upgrade failed")
		return
	}
	conn := NewWebSocketConnection(c)
	defer conn.Close()

	log := s.log.WithField("client", r.RemoteAddr)
	log.Info("Host connected, powering up")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// host -> node
	go func() {
		defer cancel()
		for {
			frame, err := conn.ReadFrame()
			if err != nil {
				return
			}
			if err := s.device.Bus.Send(frame); err != nil {
				return
			}
		}
	}()

	// node -> host
	go func() {
		for {
			frame, err := s.device.Bus.Recv(ctx)
			if err != nil {
				return
			}
			if err := conn.WriteFrame(frame); err != nil {
				cancel()
				return
			}
		}
	}()

	s.powerCycle(ctx, log)
	log.Info("Host disconnected, powering down")
}

// powerCycle boots the node until the application starts, then idles in
// the application until ctx ends
func (s *simulator) powerCycle(ctx context.Context, log logrus.FieldLogger) {
	for {
		start := s.device.Flash.Programs()
		err := s.device.Boot(ctx)
		switch {
		case err == nil:
			_, entry, _ := s.device.CPU.Handoff()
			log.WithField("entry", fmt.Sprintf("0x%08X", entry)).Info("Application running")
			if s.device.Flash.Programs() != start {
				s.dump(log)
			}
			<-ctx.Done()
			return

		case errors.Is(err, canboot.ErrWatchdogReset):
			log.Warn("Watchdog reset, rebooting")
			continue

		case ctx.Err() != nil:
			return

		default:
			log.WithError(err).Error("Boot failed, node halted")
			<-ctx.Done()
			return
		}
	}
}

func (s *simulator) dump(log logrus.FieldLogger) {
	if simDump == "" {
		return
	}
	f, err := os.Create(simDump)
	if err != nil {
		log.WithError(err).Error("Flash dump failed")
		return
	}
	defer f.Close()

	p := s.device.Profile
	if err := s.device.Flash.WriteHex(f, p.FlashBase, p.FlashEnd()); err != nil {
		log.WithError(err).Error("Flash dump failed")
		return
	}
	log.WithField("file", simDump).Info("Flash dumped")
}

// bridgeSerial connects the node's UART to a real serial port
func (s *simulator) bridgeSerial(ctx context.Context, conn *SerialConnection) {
	go func() {
		buf := make([]byte, 64)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				s.log.WithError(err).Warn("Serial read failed")
				return
			}
			if err := s.device.Line.Send(buf[:n]); err != nil {
				return
			}
		}
	}()

	for {
		b, err := s.device.Line.Recv(ctx)
		if err != nil {
			return
		}
		if _, err := conn.Write(b); err != nil {
			s.log.WithError(err).Warn("Serial write failed")
			return
		}
	}
}
