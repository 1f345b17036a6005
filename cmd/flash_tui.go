// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Thermoquad/ember/pkg/canboot"
	"github.com/Thermoquad/ember/pkg/updater"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/sirupsen/logrus"
)

// Event log entry
type flashLogEntry struct {
	timestamp time.Time
	message   string
	isError   bool
}

type flashModel struct {
	connInfo  string
	imageName string
	profile   canboot.Profile
	imageSize int

	spinner  spinner.Model
	bar      progress.Model
	last     updater.Progress
	log      []flashLogEntry
	maxLog   int
	finished bool
	err      error
	cancel   context.CancelFunc
	width    int
}

// Messages
type flashProgressMsg updater.Progress
type flashLogMsg flashLogEntry
type flashDoneMsg struct{ err error }

func newFlashModel(connInfo, imageName string, profile canboot.Profile, img *updater.Image, cancel context.CancelFunc) flashModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))

	return flashModel{
		connInfo:  connInfo,
		imageName: imageName,
		profile:   profile,
		imageSize: img.Size,
		spinner:   s,
		bar:       progress.New(progress.WithDefaultGradient()),
		last:      updater.Progress{Pages: len(img.Pages)},
		maxLog:    8,
		cancel:    cancel,
		width:     80,
	}
}

func (m flashModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m flashModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.cancel()
			if m.finished {
				return m, tea.Quit
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = msg.Width - 8
		if m.bar.Width > 60 {
			m.bar.Width = 60
		}

	case flashProgressMsg:
		m.last = updater.Progress(msg)

	case flashLogMsg:
		m.log = append(m.log, flashLogEntry(msg))
		if len(m.log) > m.maxLog {
			m.log = m.log[len(m.log)-m.maxLog:]
		}

	case flashDoneMsg:
		m.finished = true
		m.err = msg.err
		return m, tea.Quit

	default:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m flashModel) View() string {
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	labelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)

	valueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)

	warningStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("11"))

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	var s strings.Builder
	s.WriteString(titleStyle.Render("EMBER - FLASH"))
	s.WriteString("\n")
	s.WriteString(headerStyle.Render(fmt.Sprintf("%s | Press 'q' to abort", m.connInfo)))
	s.WriteString("\n\n")

	info := strings.Builder{}
	info.WriteString(fmt.Sprintf("%s %s   %s %s\n",
		labelStyle.Render("Image:"), valueStyle.Render(m.imageName),
		labelStyle.Render("Size:"), valueStyle.Render(fmt.Sprintf("%d bytes", m.imageSize)),
	))
	info.WriteString(fmt.Sprintf("%s %s   %s %s",
		labelStyle.Render("Profile:"), valueStyle.Render(m.profile.Name),
		labelStyle.Render("Base:"), valueStyle.Render(fmt.Sprintf("0x%08X", m.profile.AppBase)),
	))
	if m.last.UID != 0 {
		info.WriteString(fmt.Sprintf("   %s %s",
			labelStyle.Render("Node:"), valueStyle.Render(fmt.Sprintf("0x%08X", m.last.UID))))
	}
	s.WriteString(boxStyle.Render(info.String()))
	s.WriteString("\n\n")

	status := ""
	switch {
	case m.finished && m.err != nil:
		status = errorStyle.Render("✗ " + m.err.Error())
	case m.finished:
		status = valueStyle.Render("✓ Node is starting the application")
	case m.last.Phase == updater.PhaseWaiting:
		status = m.spinner.View() + warningStyle.Render(" Waiting for the node, reset it now...")
	default:
		status = m.spinner.View() + " " + m.last.Phase.String()
	}
	s.WriteString(status)
	s.WriteString("\n\n")

	pct := 0.0
	if m.last.Pages > 0 {
		pct = float64(m.last.Page) / float64(m.last.Pages)
	}
	s.WriteString(m.bar.ViewAs(pct))
	s.WriteString("\n")
	retries := valueStyle.Render("0")
	if m.last.Retries > 0 {
		retries = warningStyle.Render(fmt.Sprintf("%d", m.last.Retries))
	}
	s.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n\n",
		labelStyle.Render("Pages:"), valueStyle.Render(fmt.Sprintf("%d/%d", m.last.Page, m.last.Pages)),
		labelStyle.Render("Retries:"), retries,
		labelStyle.Render("Elapsed:"), valueStyle.Render(m.last.Elapsed.Round(time.Millisecond).String()),
	))

	s.WriteString(labelStyle.Render("Recent Events:"))
	s.WriteString("\n")
	logContent := strings.Builder{}
	if len(m.log) == 0 {
		logContent.WriteString(headerStyle.Render("  (no events yet)"))
	}
	for _, entry := range m.log {
		ts := headerStyle.Render(entry.timestamp.Format("15:04:05.000"))
		if entry.isError {
			logContent.WriteString(fmt.Sprintf("%s %s\n", ts, errorStyle.Render("✗ "+entry.message)))
		} else {
			logContent.WriteString(fmt.Sprintf("%s %s\n", ts, warningStyle.Render("ℹ "+entry.message)))
		}
	}
	s.WriteString(boxStyle.Width(m.width - 4).Render(logContent.String()))
	s.WriteString("\n")

	return s.String()
}

// tuiLogHook forwards log entries into the event box
type tuiLogHook struct {
	p *tea.Program
}

func (h *tuiLogHook) Levels() []logrus.Level {
	return []logrus.Level{logrus.ErrorLevel, logrus.WarnLevel, logrus.InfoLevel}
}

func (h *tuiLogHook) Fire(e *logrus.Entry) error {
	h.p.Send(flashLogMsg{
		timestamp: e.Time,
		message:   e.Message,
		isError:   e.Level <= logrus.WarnLevel,
	})
	return nil
}

func runFlashTUI(ctx context.Context, link updater.Link, connInfo string, profile canboot.Profile, img *updater.Image, imageName string, opts []updater.Option) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := newFlashModel(connInfo, imageName, profile, img, cancel)
	p := tea.NewProgram(m)

	// Log lines would tear the display; route them into the model instead
	log := logrus.New()
	log.SetOutput(io.Discard)
	log.SetLevel(logrus.InfoLevel)
	log.AddHook(&tuiLogHook{p: p})

	opts = append(opts,
		updater.WithLogger(log),
		updater.WithProgress(func(pr updater.Progress) { p.Send(flashProgressMsg(pr)) }),
	)

	go func() {
		err := updater.New(link, profile, opts...).Flash(ctx, img)
		p.Send(flashDoneMsg{err: err})
	}()

	final, err := p.Run()
	if err != nil {
		return err
	}
	if fm, ok := final.(flashModel); ok && fm.err != nil {
		return fm.err
	}
	return nil
}
