// Package shutdown orchestrates the exit handshake with the daemon.
//
// The sequence on a confirmed close: swap the host window to its closing
// presentation, ask the daemon to exit and wait a bounded time for the ack,
// then force-terminate the process regardless, and only then let the window
// close. Shutdown is bounded even against a wedged daemon.
package shutdown

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/harvestnet/harvest-host/internal/launcher"
	"github.com/harvestnet/harvest-host/internal/pubsub"
	"github.com/harvestnet/harvest-host/internal/wire"
)

// ExitAckWait bounds the wait for the daemon's exit acknowledgement.
const ExitAckWait = 15 * time.Second

// Phase is the shutdown state of the host.
type Phase int

const (
	PhaseRunning Phase = iota
	PhaseConfirmPending
	PhaseShuttingDown
	PhaseTerminated
)

func (p Phase) String() string {
	switch p {
	case PhaseRunning:
		return "running"
	case PhaseConfirmPending:
		return "confirm_pending"
	case PhaseShuttingDown:
		return "shutting_down"
	case PhaseTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

var legalPhases = map[Phase][]Phase{
	PhaseRunning:        {PhaseConfirmPending},
	PhaseConfirmPending: {PhaseRunning, PhaseShuttingDown},
	PhaseShuttingDown:   {PhaseTerminated},
}

// ExitBroker sends the exit command and awaits its ack.
type ExitBroker interface {
	CallTimeout(ctx context.Context, destination, command string, data map[string]any, timeout time.Duration) (map[string]any, error)
}

// ChannelCloser begins the control-channel closing sequence.
type ChannelCloser interface {
	BeginClose()
}

// Terminator force-terminates the daemon process.
type Terminator interface {
	Terminate(h *launcher.Handle) error
}

// Coordinator drives the shutdown state machine for one session.
type Coordinator struct {
	brk     ExitBroker
	ch      ChannelCloser
	proc    Terminator
	handle  *launcher.Handle
	ackWait time.Duration
	phases  *pubsub.Broker[Phase]
	log     *logrus.Entry

	mu    sync.Mutex
	phase Phase
}

// New creates a coordinator. handle may be nil when the daemon was never
// spawned; the exit handshake is then skipped.
func New(brk ExitBroker, ch ChannelCloser, proc Terminator, handle *launcher.Handle, logger *logrus.Logger) *Coordinator {
	if logger == nil {
		logger = logrus.New()
	}
	return &Coordinator{
		brk:     brk,
		ch:      ch,
		proc:    proc,
		handle:  handle,
		ackWait: ExitAckWait,
		phases:  pubsub.NewBroker[Phase](),
		log:     logger.WithField("component", "shutdown"),
	}
}

// RequestClose reacts to a user-initiated close. Reports whether the
// confirmation flow was entered.
func (c *Coordinator) RequestClose() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transitionLocked(PhaseConfirmPending)
}

// Decline cancels a pending close confirmation.
func (c *Coordinator) Decline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transitionLocked(PhaseRunning)
}

// Confirm runs the shutdown sequence to completion. It blocks until the
// daemon process has terminated; the window may close only after it returns.
// Errors along the way are logged, never fatal: the sequence always proceeds
// to forced termination.
func (c *Coordinator) Confirm(ctx context.Context) {
	c.mu.Lock()
	if !c.transitionLocked(PhaseShuttingDown) {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if c.handle != nil {
		if _, err := c.brk.CallTimeout(ctx, wire.ServiceDaemon, "exit", nil, c.ackWait); err != nil {
			c.log.WithError(err).Warn("daemon did not acknowledge exit, proceeding to termination")
		} else {
			c.log.Info("daemon acknowledged exit")
		}
	}

	if c.ch != nil {
		c.ch.BeginClose()
	}

	if c.handle != nil {
		if err := c.proc.Terminate(c.handle); err != nil {
			c.log.WithError(err).Error("daemon termination reported an error")
		}
	}

	c.mu.Lock()
	c.transitionLocked(PhaseTerminated)
	c.mu.Unlock()
	c.phases.Close()
}

// Phase returns the current shutdown phase.
func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Phases subscribes to phase changes; the host window reacts to
// PhaseShuttingDown by swapping to its closing presentation.
func (c *Coordinator) Phases(ctx context.Context) <-chan pubsub.Event[Phase] {
	return c.phases.Subscribe(ctx)
}

func (c *Coordinator) transitionLocked(to Phase) bool {
	allowed := false
	for _, t := range legalPhases[c.phase] {
		if t == to {
			allowed = true
			break
		}
	}
	if !allowed {
		c.log.WithFields(logrus.Fields{"from": c.phase, "to": to}).Warn("refusing illegal phase transition")
		return false
	}
	c.log.WithFields(logrus.Fields{"from": c.phase, "to": to}).Debug("shutdown phase changed")
	c.phase = to
	c.phases.Publish(to)
	return true
}
