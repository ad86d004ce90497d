package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/bnema/bsky-accounts-cli/internal/domain"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// elapsedAfter is how long an operation runs before its elapsed time shows.
const elapsedAfter = 2 * time.Second

type operationDoneMsg struct {
	err error
}

type operationOutcome int

const (
	outcomePending operationOutcome = iota
	outcomeDone
	outcomeSuperseded
	outcomeFailed
)

func outcomeOf(err error) operationOutcome {
	switch {
	case err == nil:
		return outcomeDone
	case errors.Is(err, domain.ErrOperationSuperseded):
		return outcomeSuperseded
	default:
		return outcomeFailed
	}
}

type progressStyles struct {
	spinner    lipgloss.Style
	elapsed    lipgloss.Style
	done       lipgloss.Style
	superseded lipgloss.Style
	failed     lipgloss.Style
}

func newProgressStyles() progressStyles {
	return progressStyles{
		spinner:    lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		elapsed:    lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		done:       lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		superseded: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		failed:     lipgloss.NewStyle().Foreground(lipgloss.Color("203")),
	}
}

// operationModel animates one account operation and leaves a single outcome
// line behind once it settles.
type operationModel struct {
	spinner spinner.Model
	styles  progressStyles
	label   string
	started time.Time
	now     func() time.Time
	run     tea.Cmd
	outcome operationOutcome
	err     error
}

func newOperationModel(label string, run tea.Cmd, now func() time.Time) operationModel {
	styles := newProgressStyles()

	return operationModel{
		spinner: spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(styles.spinner)),
		styles:  styles,
		label:   strings.TrimSuffix(label, "..."),
		started: now(),
		now:     now,
		run:     run,
	}
}

func (m operationModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.run)
}

func (m operationModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case operationDoneMsg:
		m.err = msg.err
		m.outcome = outcomeOf(msg.err)
		return m, tea.Quit
	default:
		return m, nil
	}
}

func (m operationModel) View() string {
	switch m.outcome {
	case outcomeDone:
		return m.styles.done.Render("✓") + " " + m.label + "\n"
	case outcomeSuperseded:
		return m.styles.superseded.Render("↷") + " " + m.label + ": superseded by a newer operation\n"
	case outcomeFailed:
		return m.styles.failed.Render("✗") + " " + m.label + " failed\n"
	}

	line := fmt.Sprintf("%s %s...", m.spinner.View(), m.label)
	if elapsed := m.now().Sub(m.started); elapsed >= elapsedAfter {
		line += " " + m.styles.elapsed.Render(fmt.Sprintf("(%ds)", int(elapsed.Seconds())))
	}
	return line
}

// runOperation shows label on output while fn runs and returns fn's error.
func runOperation(ctx context.Context, output io.Writer, label string, fn func(context.Context) error) error {
	run := func() tea.Msg {
		return operationDoneMsg{err: fn(ctx)}
	}

	p := tea.NewProgram(
		newOperationModel(label, run, time.Now),
		tea.WithInput(nil),
		tea.WithOutput(output),
		tea.WithContext(ctx),
	)

	finalModel, err := p.Run()
	if err != nil {
		return err
	}

	result, ok := finalModel.(operationModel)
	if !ok {
		return fmt.Errorf("unexpected final operation model type %T", finalModel)
	}

	return result.err
}
