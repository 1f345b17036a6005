// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package canboot

import (
	"encoding/binary"
	"fmt"
	"strings"
)

func (s State) String() string {
	switch s {
	case StateAwaitingMagic:
		return "AWAITING_MAGIC"
	case StateAwaitingPageCount:
		return "AWAITING_PAGE_COUNT"
	case StateReceivingPage:
		return "RECEIVING_PAGE"
	case StateAwaitingCRC:
		return "AWAITING_CRC"
	case StateProgramPending:
		return "PROGRAM_PENDING"
	case StateDone:
		return "DONE"
	default:
		return fmt.Sprintf("UNKNOWN_%d", int32(s))
	}
}

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "NONE"
	case StatusHandshake:
		return "HANDSHAKE_OK"
	case StatusReady:
		return "READY"
	case StatusPageFull:
		return "PAGE_FULL"
	case StatusCRCError:
		return "CRC_ERROR"
	case StatusDone:
		return "DONE"
	default:
		return fmt.Sprintf("UNKNOWN_0x%02X", byte(s))
	}
}

func (s Source) String() string {
	switch s {
	case SourcePrimary:
		return "primary"
	case SourceSecondary:
		return "secondary"
	default:
		return fmt.Sprintf("source%d", int(s))
	}
}

func (k EventKind) String() string {
	switch k {
	case EventNone:
		return "NONE"
	case EventHandshake:
		return "HANDSHAKE"
	case EventPageCount:
		return "PAGE_COUNT"
	case EventWords:
		return "WORDS"
	case EventCRC:
		return "CRC"
	default:
		return fmt.Sprintf("UNKNOWN_%d", int(k))
	}
}

// FormatEvent formats a decoded event
func FormatEvent(ev Event) string {
	switch ev.Kind {
	case EventPageCount:
		return fmt.Sprintf("PAGE_COUNT count=%d", ev.Count)
	case EventWords:
		return fmt.Sprintf("WORDS 0x%08X 0x%08X", ev.Words[0], ev.Words[1])
	case EventCRC:
		return fmt.Sprintf("CRC 0x%08X", ev.CRC)
	default:
		return ev.Kind.String()
	}
}

// FormatFrame describes a frame without protocol state. Node traffic is
// self describing; host frames are labelled by shape.
func FormatFrame(fromNode bool, data []byte) string {
	if fromNode {
		if hello, ok := ParseHello(data); ok {
			return fmt.Sprintf("HELLO version=%c uid=0x%08X", hello.Version, hello.UID)
		}
		if len(data) == 1 {
			if data[0] == VersionStream {
				return fmt.Sprintf("HELLO version=%c", data[0])
			}
			return fmt.Sprintf("STATUS %c (%s)", data[0], Status(data[0]))
		}
	}
	if len(data) == 1 && data[0] == Magic {
		return "HANDSHAKE"
	}
	if len(data) == FrameSize && data[0] == Magic {
		return fmt.Sprintf("HANDSHAKE uid=0x%08X (or DATA [% X])", binary.LittleEndian.Uint32(data[4:8]), data)
	}
	return fmt.Sprintf("DATA len=%d [% X]", len(data), data)
}

// FormatRecord formats one transcript record as a log line
func FormatRecord(rec *TraceRecord) string {
	var b strings.Builder
	origin := "host"
	if rec.FromNode() {
		origin = "node"
	}
	fmt.Fprintf(&b, "[%s] %s %-9s %s> ", rec.Time().Format("15:04:05.000"), rec.Dir, rec.Link, origin)
	b.WriteString(FormatFrame(rec.FromNode(), rec.Data))
	return b.String()
}

// FormatPinConfig formats a pin configuration block
func FormatPinConfig(cfg *PinConfig) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Pin configuration (crc=0x%08X, %d entries)\n", cfg.CRC, len(cfg.Pins))
	for i, p := range cfg.Pins {
		dir := "input"
		if p.Output {
			dir = "output"
		}
		level := "low"
		if p.Level {
			level = "high"
		}
		fmt.Fprintf(&b, "  %d: port=0x%08X pin=0x%04X %s %s\n", i, p.Port, p.Pin, dir, level)
	}
	return b.String()
}
