package status

import (
	"context"
	"errors"
	"io"

	"github.com/bnema/bsky-accounts-cli/internal/application"
	tea "github.com/charmbracelet/bubbletea"
)

var ErrUnexpectedRenderModel = errors.New("unexpected final bubbletea model type")

type rosterMsg []application.Status

type rosterClosedMsg struct{}

// rosterModel redraws the roster every time a new one arrives on updates and
// quits once updates is closed.
type rosterModel struct {
	updates <-chan []application.Status
	opts    RenderOptions
	styles  styles
	output  string
}

func newRosterModel(updates <-chan []application.Status, opts RenderOptions) rosterModel {
	return rosterModel{
		updates: updates,
		opts:    opts,
		styles:  newStyles(),
	}
}

func nextRoster(updates <-chan []application.Status) tea.Cmd {
	return func() tea.Msg {
		statuses, ok := <-updates
		if !ok {
			return rosterClosedMsg{}
		}
		return rosterMsg(statuses)
	}
}

func (m rosterModel) Init() tea.Cmd {
	return nextRoster(m.updates)
}

func (m rosterModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case rosterMsg:
		m.output = renderView(msg, m.opts, m.styles)
		return m, nextRoster(m.updates)
	case rosterClosedMsg:
		return m, tea.Quit
	default:
		return m, nil
	}
}

func (m rosterModel) View() string {
	return m.output
}

// Render draws a single roster and returns it as a string.
func Render(statuses []application.Status, opts RenderOptions) (string, error) {
	updates := make(chan []application.Status, 1)
	updates <- statuses
	close(updates)

	return run(context.Background(), updates, opts, io.Discard)
}

// Stream redraws the roster on out for every update until updates is closed
// or ctx ends.
func Stream(ctx context.Context, updates <-chan []application.Status, opts RenderOptions, out io.Writer) error {
	_, err := run(ctx, updates, opts, out)
	if ctx.Err() != nil && (errors.Is(err, tea.ErrProgramKilled) || errors.Is(err, ctx.Err())) {
		return nil
	}
	return err
}

func run(ctx context.Context, updates <-chan []application.Status, opts RenderOptions, out io.Writer) (string, error) {
	p := tea.NewProgram(
		newRosterModel(updates, opts),
		tea.WithInput(nil),
		tea.WithOutput(out),
		tea.WithContext(ctx),
	)

	finalModel, err := p.Run()
	if err != nil {
		return "", err
	}

	rendered, ok := finalModel.(rosterModel)
	if !ok {
		return "", ErrUnexpectedRenderModel
	}

	return rendered.View(), nil
}
