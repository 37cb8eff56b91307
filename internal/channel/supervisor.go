package channel

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/harvestnet/harvest-host/internal/broker"
	"github.com/harvestnet/harvest-host/internal/launcher"
	"github.com/harvestnet/harvest-host/internal/pubsub"
	"github.com/harvestnet/harvest-host/internal/wire"
)

// RetryDelay is the fixed pause between reconnect attempts. There is
// deliberately no backoff growth and no attempt cap; the daemon is local and
// expected to come back.
const RetryDelay = 300 * time.Millisecond

// State is the connection state of one channel instance.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// legalTransitions is the full transition table. Anything absent here is a
// bug in the caller and is refused, not applied.
var legalTransitions = map[State][]State{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateConnected, StateDisconnected},
	StateConnected:    {StateClosing, StateDisconnected},
	StateClosing:      {StateDisconnected},
}

// StateChange is published to subscribers on every transition.
type StateChange struct {
	From   State
	To     State
	Reason error
}

// transport is the slice of Client the supervisor drives. Narrowed to an
// interface so tests can substitute a fake connection.
type transport interface {
	Send(env wire.Envelope) error
	Close() error
}

type dialFunc func(ctx context.Context, h Handlers) (transport, error)

// Supervisor drives the connect/retry state machine for one channel and
// publishes transitions so UI flows can react without polling.
type Supervisor struct {
	brk    *broker.Broker
	dial   dialFunc
	states *pubsub.Broker[StateChange]
	delay  time.Duration
	log    *logrus.Entry

	mu               sync.Mutex
	state            State
	retryScheduled   bool
	terminal         bool
	closedDuringDial bool
	closeReason      error
	client           transport
	ctx              context.Context
}

// NewSupervisor creates a supervisor dialing url with the daemon's bootstrap
// credential. Inbound frames and teardown flow into brk.
func NewSupervisor(url string, cred launcher.Credential, brk *broker.Broker, logger *logrus.Logger) *Supervisor {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Supervisor{
		brk:    brk,
		states: pubsub.NewBroker[StateChange](),
		delay:  RetryDelay,
		log:    logger.WithField("component", "supervisor"),
	}
	s.dial = func(ctx context.Context, h Handlers) (transport, error) {
		return Dial(ctx, url, cred, h, logger)
	}
	return s
}

// Connect starts a connection attempt unless one is already in flight.
// Failures reschedule automatically after the fixed retry delay.
func (s *Supervisor) Connect(ctx context.Context) {
	s.mu.Lock()
	if s.terminal || s.state != StateDisconnected {
		s.mu.Unlock()
		return
	}
	s.ctx = ctx
	s.transitionLocked(StateConnecting, nil)
	s.mu.Unlock()

	go s.attempt(ctx)
}

func (s *Supervisor) attempt(ctx context.Context) {
	t, err := s.dial(ctx, Handlers{
		OnFrame: s.brk.HandleFrame,
		OnClose: s.handleClose,
	})

	s.mu.Lock()
	if err != nil {
		s.log.WithError(err).Debug("connection attempt failed")
		s.closedDuringDial = false
		s.closeReason = nil
		s.transitionLocked(StateDisconnected, err)
		s.scheduleRetryLocked()
		s.mu.Unlock()
		return
	}
	if s.terminal {
		s.mu.Unlock()
		_ = t.Close()
		return
	}
	if s.closedDuringDial {
		// The read loop starts inside the dial, so the connection can die
		// before the result lands here. Never enter Connected over a dead
		// transport; retry instead.
		reason := s.closeReason
		s.closedDuringDial = false
		s.closeReason = nil
		s.transitionLocked(StateDisconnected, reason)
		s.scheduleRetryLocked()
		s.mu.Unlock()
		_ = t.Close()
		return
	}
	s.client = t
	s.transitionLocked(StateConnected, nil)
	s.mu.Unlock()

	s.brk.Attach(t)
}

// handleClose runs when a live connection dies, either from a transport
// failure or from BeginClose.
func (s *Supervisor) handleClose(reason error) {
	s.brk.FailAll(reason)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.client = nil

	switch s.state {
	case StateClosing:
		s.terminal = true
		s.transitionLocked(StateDisconnected, reason)
	case StateConnected:
		s.transitionLocked(StateDisconnected, reason)
		s.scheduleRetryLocked()
	default:
		// Still Connecting: the connection died before the attempt recorded
		// its result. Flag it so the attempt path retries instead of
		// entering Connected.
		s.closedDuringDial = true
		s.closeReason = reason
	}
}

// scheduleRetryLocked schedules exactly one future attempt. Repeated failures
// land here again; the retryScheduled flag keeps attempts from stacking up.
func (s *Supervisor) scheduleRetryLocked() {
	if s.retryScheduled || s.terminal {
		return
	}
	s.retryScheduled = true
	ctx := s.ctx

	time.AfterFunc(s.delay, func() {
		s.mu.Lock()
		s.retryScheduled = false
		s.mu.Unlock()
		if ctx.Err() == nil {
			s.Connect(ctx)
		}
	})
}

// BeginClose starts the closing sequence. The supervisor is terminal
// afterwards: no further attempts are scheduled for this instance.
func (s *Supervisor) BeginClose() {
	s.mu.Lock()
	if s.terminal {
		s.mu.Unlock()
		return
	}

	if s.state == StateConnected {
		s.transitionLocked(StateClosing, nil)
		client := s.client
		s.mu.Unlock()
		if client != nil {
			_ = client.Close()
		}
		return
	}

	// Not connected: nothing to hand-shake, just stop the machine.
	s.terminal = true
	if s.state == StateConnecting {
		s.transitionLocked(StateDisconnected, nil)
	}
	s.mu.Unlock()
	s.brk.FailAll(nil)
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// States subscribes to connection transitions.
func (s *Supervisor) States(ctx context.Context) <-chan pubsub.Event[StateChange] {
	return s.states.Subscribe(ctx)
}

// Shutdown releases the state stream. Call after the instance is terminal.
func (s *Supervisor) Shutdown() {
	s.states.Close()
}

func (s *Supervisor) transitionLocked(to State, reason error) {
	from := s.state
	allowed := false
	for _, t := range legalTransitions[from] {
		if t == to {
			allowed = true
			break
		}
	}
	if !allowed {
		s.log.WithFields(logrus.Fields{"from": from, "to": to}).Error("refusing illegal state transition")
		return
	}
	s.state = to
	s.log.WithFields(logrus.Fields{"from": from, "to": to}).Debug("connection state changed")
	s.states.Publish(StateChange{From: from, To: to, Reason: reason})
}
