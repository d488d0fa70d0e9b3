package cli

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"flashtransfer/network"
)

const maxStatusLines = 6

var errInterrupted = errors.New("interrupted")

// reporter shows transfer progress while a command works in the background.
type reporter interface {
	Progress(network.FileProgress)
	Status(format string, args ...any)
	// Done ends Run with err.
	Done(err error)
	// Run blocks until Done is called or the user quits.
	Run() error
}

func newReporter(out io.Writer) reporter {
	if plain {
		return newPlainReporter(out)
	}
	return newTeaReporter(out)
}

// plainReporter prints one line per status and per 10% of progress.
type plainReporter struct {
	mu       sync.Mutex
	out      io.Writer
	lastStep map[string]int
	done     chan error
	once     sync.Once
}

func newPlainReporter(out io.Writer) *plainReporter {
	return &plainReporter{
		out:      out,
		lastStep: make(map[string]int),
		done:     make(chan error, 1),
	}
}

func (r *plainReporter) Progress(p network.FileProgress) {
	step := p.Percent / 10
	if p.Completed {
		step = 10
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if last, ok := r.lastStep[p.MessageID]; ok && step <= last {
		return
	}
	r.lastStep[p.MessageID] = step
	fmt.Fprintf(r.out, "%s %s %3d%% (%d/%d bytes)\n", directionArrow(p.Direction), p.FileName, p.Percent, p.BytesTransferred, p.TotalBytes)
}

func (r *plainReporter) Status(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format+"\n", args...)
}

func (r *plainReporter) Done(err error) {
	r.once.Do(func() { r.done <- err })
}

func (r *plainReporter) Run() error {
	return <-r.done
}

func directionArrow(direction string) string {
	if direction == network.DirectionSend {
		return "->"
	}
	return "<-"
}

// teaReporter renders an interactive progress view.
type teaReporter struct {
	program *tea.Program
	result  chan error
	once    sync.Once
}

type progressMsg network.FileProgress
type statusMsg string
type doneMsg struct{ err error }

func newTeaReporter(out io.Writer) *teaReporter {
	r := &teaReporter{result: make(chan error, 1)}
	r.program = tea.NewProgram(newTransferModel(), tea.WithOutput(out))
	return r
}

func (r *teaReporter) Progress(p network.FileProgress) {
	r.program.Send(progressMsg(p))
}

func (r *teaReporter) Status(format string, args ...any) {
	r.program.Send(statusMsg(fmt.Sprintf(format, args...)))
}

func (r *teaReporter) Done(err error) {
	r.once.Do(func() {
		r.result <- err
		r.program.Send(doneMsg{err: err})
	})
}

func (r *teaReporter) Run() error {
	final, err := r.program.Run()
	if err != nil {
		return err
	}
	if model, ok := final.(transferModel); ok && model.interrupted {
		return errInterrupted
	}
	select {
	case err := <-r.result:
		return err
	default:
		return errInterrupted
	}
}

type transferEntry struct {
	progress network.FileProgress
	order    int
}

type transferModel struct {
	bar         progress.Model
	transfers   map[string]transferEntry
	status      []string
	finished    bool
	interrupted bool
	err         error
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	frameStyle  = lipgloss.NewStyle().Margin(1, 2)
)

func newTransferModel() transferModel {
	return transferModel{
		bar:       progress.New(progress.WithDefaultGradient()),
		transfers: make(map[string]transferEntry),
	}
}

func (m transferModel) Init() tea.Cmd {
	return nil
}

func (m transferModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.interrupted = true
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.bar.Width = max(msg.Width-40, 10)
	case progressMsg:
		entry, ok := m.transfers[msg.MessageID]
		if !ok {
			entry.order = len(m.transfers)
		}
		entry.progress = network.FileProgress(msg)
		m.transfers[msg.MessageID] = entry
	case statusMsg:
		m.status = append(m.status, string(msg))
		if len(m.status) > maxStatusLines {
			m.status = m.status[len(m.status)-maxStatusLines:]
		}
	case doneMsg:
		m.finished = true
		m.err = msg.err
		return m, tea.Quit
	}
	return m, nil
}

func (m transferModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("FlashTransfer"))
	b.WriteString("\n\n")

	entries := make([]transferEntry, 0, len(m.transfers))
	for _, entry := range m.transfers {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].order < entries[j].order })
	for _, entry := range entries {
		p := entry.progress
		fmt.Fprintf(&b, "%s %-24s %s %3d%%\n", directionArrow(p.Direction), truncate(p.FileName, 24), m.bar.ViewAs(float64(p.Percent)/100), p.Percent)
	}
	if len(entries) > 0 {
		b.WriteString("\n")
	}

	for _, line := range m.status {
		b.WriteString(statusStyle.Render(line))
		b.WriteString("\n")
	}
	if m.finished && m.err != nil {
		b.WriteString(errorStyle.Render("error: " + m.err.Error()))
		b.WriteString("\n")
	}
	if !m.finished {
		b.WriteString(statusStyle.Render("press q to quit"))
	}
	return frameStyle.Render(b.String())
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}
