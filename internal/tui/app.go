// Package tui renders the host window: a dashboard over the daemon control
// channel with a confirm-quit dialog driving the negotiated shutdown.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/harvestnet/harvest-host/internal/channel"
	"github.com/harvestnet/harvest-host/internal/pubsub"
	"github.com/harvestnet/harvest-host/internal/session"
	"github.com/harvestnet/harvest-host/internal/shutdown"
	"github.com/harvestnet/harvest-host/internal/wire"
)

const (
	pollInterval  = 5 * time.Second
	maxEventLines = 8
)

// eventEntry is one unsolicited daemon event shown in the dashboard log.
type eventEntry struct {
	at      time.Time
	origin  string
	command string
}

// App is the host window model.
type App struct {
	ctx   context.Context
	sess  *session.Session
	theme *Theme

	spinner spinner.Model
	width   int
	height  int
	ready   bool

	connState channel.State
	phase     shutdown.Phase
	services  map[string]bool
	events    []eventEntry

	showQuitDialog bool
	closing        bool
	quitting       bool

	states <-chan pubsub.Event[channel.StateChange]
	frames <-chan pubsub.Event[wire.Envelope]
	phases <-chan pubsub.Event[shutdown.Phase]
}

// NewApp builds the window model over a started session.
func NewApp(ctx context.Context, sess *session.Session) *App {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = DefaultTheme.Spinner

	return &App{
		ctx:       ctx,
		sess:      sess,
		theme:     DefaultTheme,
		spinner:   s,
		connState: sess.Channel().State(),
		phase:     shutdown.PhaseRunning,
		services:  map[string]bool{},
		states:    sess.Channel().States(ctx),
		frames:    sess.Broker().Events(ctx),
		phases:    sess.Coordinator().Phases(ctx),
	}
}

// Run starts the session's window and blocks until the user quits.
func Run(ctx context.Context, sess *session.Session) error {
	p := tea.NewProgram(NewApp(ctx, sess), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(
		a.spinner.Tick,
		a.tick(),
		a.pollServices(),
		waitStream(a.states, func(c channel.StateChange) tea.Msg { return ConnStateMsg{Change: c} }),
		waitStream(a.frames, func(env wire.Envelope) tea.Msg { return DaemonEventMsg{Envelope: env, Time: time.Now()} }),
		waitStream(a.phases, func(p shutdown.Phase) tea.Msg { return PhaseMsg{Phase: p} }),
	)
}

// waitStream turns the next pubsub event into a tea message.
func waitStream[T any](ch <-chan pubsub.Event[T], wrap func(T) tea.Msg) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return streamClosedMsg{}
		}
		return wrap(ev.Payload)
	}
}

func (a *App) tick() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return TickMsg{Time: t}
	})
}

// pollServices asks the daemon which services are up. Skipped while the
// channel is down; the dashboard keeps the last known answer.
func (a *App) pollServices() tea.Cmd {
	if a.connState != channel.StateConnected {
		return nil
	}
	sess := a.sess
	ctx := a.ctx
	return func() tea.Msg {
		callCtx, cancel := context.WithTimeout(ctx, pollInterval)
		defer cancel()

		running := map[string]bool{}
		for _, svc := range []string{wire.ServiceWallet, wire.ServiceFarmer, wire.ServiceFullNode} {
			reply, err := sess.ServiceStatus(callCtx, svc)
			if err != nil {
				continue
			}
			up, _ := reply["is_running"].(bool)
			running[svc] = up
		}
		return ServicesMsg{Running: running}
	}
}

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width, a.height = msg.Width, msg.Height
		a.ready = true
		return a, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd

	case TickMsg:
		return a, tea.Batch(a.tick(), a.pollServices())

	case ConnStateMsg:
		a.connState = msg.Change.To
		return a, waitStream(a.states, func(c channel.StateChange) tea.Msg { return ConnStateMsg{Change: c} })

	case DaemonEventMsg:
		a.events = append([]eventEntry{{
			at:      msg.Time,
			origin:  msg.Envelope.Origin,
			command: msg.Envelope.Command,
		}}, a.events...)
		if len(a.events) > maxEventLines {
			a.events = a.events[:maxEventLines]
		}
		return a, waitStream(a.frames, func(env wire.Envelope) tea.Msg { return DaemonEventMsg{Envelope: env, Time: time.Now()} })

	case PhaseMsg:
		a.phase = msg.Phase
		if msg.Phase == shutdown.PhaseTerminated {
			a.quitting = true
			return a, tea.Quit
		}
		return a, waitStream(a.phases, func(p shutdown.Phase) tea.Msg { return PhaseMsg{Phase: p} })

	case ServicesMsg:
		a.services = msg.Running

	case streamClosedMsg:
		// Stream ended; the closing flow owns teardown from here.
	}

	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	k := msg.String()

	// Once the shutdown handshake started, keys no longer apply.
	if a.closing {
		return a, nil
	}

	if a.showQuitDialog {
		switch k {
		case "y", "enter":
			a.showQuitDialog = false
			a.closing = true
			coord := a.sess.Coordinator()
			ctx := a.ctx
			return a, func() tea.Msg {
				coord.Confirm(ctx)
				return nil
			}
		case "n", "esc":
			a.showQuitDialog = false
			a.sess.Coordinator().Decline()
		}
		return a, nil
	}

	switch k {
	case "q", "ctrl+c":
		if a.sess.Coordinator().RequestClose() {
			a.showQuitDialog = true
		}
	}
	return a, nil
}

func (a *App) View() string {
	if !a.ready || a.quitting {
		return ""
	}
	if a.closing {
		return a.theme.App.Render(a.closingView())
	}

	body := lipgloss.JoinVertical(lipgloss.Left,
		a.headerView(),
		a.daemonView(),
		a.eventsView(),
		a.footerView(),
	)
	if a.showQuitDialog {
		body = lipgloss.JoinVertical(lipgloss.Left, body, "", a.quitDialogView())
	}
	return a.theme.App.Render(body)
}

func (a *App) headerView() string {
	logo := a.theme.Logo.Render("HARVEST HOST")
	sub := a.theme.Subtitle.Render("daemon control")
	return lipgloss.JoinHorizontal(lipgloss.Center, logo, "  ", sub) + "\n"
}

func (a *App) daemonView() string {
	var b strings.Builder

	b.WriteString(a.theme.Label.Render("Channel"))
	b.WriteString(a.connBadge())
	b.WriteString("\n")

	b.WriteString(a.theme.Label.Render("Daemon PID"))
	if pid := a.sess.DaemonPID(); pid > 0 {
		b.WriteString(a.theme.Value.Render(fmt.Sprintf("%d", pid)))
	} else {
		b.WriteString(a.theme.ValueDim.Render("-"))
	}
	b.WriteString("\n")

	for _, svc := range []string{wire.ServiceWallet, wire.ServiceFarmer, wire.ServiceFullNode} {
		b.WriteString(a.theme.Label.Render(svc))
		if a.services[svc] {
			b.WriteString(a.theme.BadgeRunning.Render("● running"))
		} else {
			b.WriteString(a.theme.BadgeStopped.Render("○ stopped"))
		}
		b.WriteString("\n")
	}

	return a.theme.Panel.Render(strings.TrimRight(b.String(), "\n")) + "\n"
}

func (a *App) connBadge() string {
	switch a.connState {
	case channel.StateConnected:
		return a.theme.StatusConnected.Render("● connected")
	case channel.StateConnecting:
		return a.theme.StatusConnecting.Render(a.spinner.View() + " connecting")
	case channel.StateClosing:
		return a.theme.StatusConnecting.Render("closing")
	default:
		return a.theme.StatusDisconnected.Render("● disconnected")
	}
}

func (a *App) eventsView() string {
	if len(a.events) == 0 {
		return a.theme.Panel.Render(a.theme.Subtitle.Render("no daemon events yet")) + "\n"
	}

	var b strings.Builder
	for i, ev := range a.events {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(a.theme.EventTime.Render(ev.at.Format("15:04:05")))
		b.WriteString("  ")
		b.WriteString(a.theme.EventName.Render(ev.command))
		b.WriteString(a.theme.Subtitle.Render(" from " + ev.origin))
	}
	return a.theme.Panel.Render(b.String()) + "\n"
}

func (a *App) footerView() string {
	return a.theme.FooterKey.Render("q") + a.theme.FooterLabel.Render(" quit")
}

func (a *App) quitDialogView() string {
	title := a.theme.DialogTitle.Render("Quit Harvest Host?")
	body := a.theme.DialogBody.Render("The daemon and all farming services will be stopped.")
	keys := a.theme.FooterKey.Render("y") + a.theme.FooterLabel.Render(" confirm   ") +
		a.theme.FooterKey.Render("n") + a.theme.FooterLabel.Render(" cancel")
	return a.theme.DialogContainer.Render(lipgloss.JoinVertical(lipgloss.Left, title, "", body, "", keys))
}

func (a *App) closingView() string {
	line := fmt.Sprintf("%s Shutting down harvestd", a.spinner.View())
	if pid := a.sess.DaemonPID(); pid > 0 {
		line = fmt.Sprintf("%s (pid %d)", line, pid)
	}
	detail := a.theme.Subtitle.Render("waiting for services to stop")
	return lipgloss.JoinVertical(lipgloss.Left, a.theme.Value.Render(line), detail)
}
