// Package tui is a terminal dashboard for a running indexer: stage
// counters, the LLM lock and the last scan.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"tributary/internal/api"
	"tributary/internal/changes"
	"tributary/internal/llmlock"
)

// Config holds configuration passed from the CLI layer.
type Config struct {
	Addr     string
	Interval time.Duration
	LockTTL  time.Duration
}

type statusMsg struct {
	resp api.StatusResponse
	err  error
	poll bool
}

type tickMsg struct{}

type lockMsg struct {
	res llmlock.SetResult
	err error
}

type scanMsg struct {
	report changes.ScanReport
	err    error
}

// Model is the top-level Bubble Tea model.
type Model struct {
	config  Config
	client  *api.Client
	spinner spinner.Model
	width   int
	height  int

	status  *api.StatusResponse
	err     error
	token   string
	notice  string
	updated time.Time
}

// New creates a dashboard model with the given config.
func New(cfg Config) Model {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = titleStyle
	return Model{config: cfg, client: api.NewClient(cfg.Addr), spinner: sp}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.fetch(true))
}

func (m Model) fetch(poll bool) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		resp, err := m.client.Status(ctx)
		return statusMsg{resp: resp, err: err, poll: poll}
	}
}

func (m Model) toggleLock() tea.Cmd {
	locked := m.status != nil && m.status.Lock.Locked
	token, ttl := m.token, m.config.LockTTL
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		res, err := m.client.SetLock(ctx, !locked, ttl, token)
		return lockMsg{res: res, err: err}
	}
}

func (m Model) scan() tea.Cmd {
	return func() tea.Msg {
		report, err := m.client.Scan(context.Background())
		return scanMsg{report: report, err: err}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "r":
			return m, m.fetch(false)
		case "l":
			return m, m.toggleLock()
		case "s":
			m.notice = "scan requested"
			return m, m.scan()
		}

	case statusMsg:
		m.err = msg.err
		if msg.err == nil {
			resp := msg.resp
			m.status = &resp
			m.updated = time.Now()
		}
		if msg.poll {
			return m, tea.Tick(m.config.Interval, func(time.Time) tea.Msg { return tickMsg{} })
		}
		return m, nil

	case tickMsg:
		return m, m.fetch(true)

	case lockMsg:
		if msg.err != nil {
			m.notice = "lock: " + msg.err.Error()
			return m, nil
		}
		if msg.res.State.Locked {
			m.token = msg.res.Token
			m.notice = "llm lock acquired"
		} else {
			m.token = ""
			m.notice = "llm lock released"
		}
		return m, m.fetch(false)

	case scanMsg:
		if msg.err != nil {
			m.notice = "scan: " + msg.err.Error()
		} else {
			r := msg.report
			m.notice = fmt.Sprintf("scan done: %d discovered, %d modified, %d deleted, %d backfilled",
				r.Discovered, r.Modified, r.Deleted, r.Backfilled)
		}
		return m, m.fetch(false)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(titleStyle.Render("  tributary") + subtitleStyle.Render("  "+m.client.BaseURL()) + "\n\n")

	if m.status == nil {
		if m.err != nil {
			b.WriteString(failStyle.Render("  "+m.err.Error()) + "\n")
		} else {
			b.WriteString(fmt.Sprintf("  %s connecting...\n", m.spinner.View()))
		}
		b.WriteString("\n" + helpStyle.Render("  q quit") + "\n")
		return b.String()
	}

	b.WriteString(renderLock(m.status.Lock, m.token != ""))
	b.WriteString("\n")
	if idx := m.status.Indexer; idx != nil {
		b.WriteString(renderStages(idx.Stages))
		b.WriteString("\n")
		b.WriteString(renderScan(idx.LastScan, idx.Scanning, m.spinner.View()))
		b.WriteString(fmt.Sprintf("  Files indexed %d, deleted %d, chunks written %d\n",
			idx.FilesIndexed, idx.FilesDeleted, idx.ChunksWritten))
	} else {
		b.WriteString(dimStyle.Render("  indexer not running") + "\n")
	}

	if m.err != nil {
		b.WriteString("\n" + heldStyle.Render("  stale: "+m.err.Error()) + "\n")
	}
	if m.notice != "" {
		b.WriteString("\n  " + m.notice + "\n")
	}
	b.WriteString("\n" + statusBarStyle.Render(fmt.Sprintf("updated %s", m.updated.Format("15:04:05"))))
	b.WriteString("\n" + helpStyle.Render("  l lock/unlock • s scan • r refresh • q quit") + "\n")
	return b.String()
}

// Run starts the dashboard.
func Run(cfg Config) error {
	p := tea.NewProgram(New(cfg), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
