// Package session composes the daemon lifecycle into one unit: spawn the
// daemon, open the control channel with its bootstrap credential, and drive
// the negotiated shutdown when the host exits.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/harvestnet/harvest-host/internal/broker"
	"github.com/harvestnet/harvest-host/internal/channel"
	"github.com/harvestnet/harvest-host/internal/config"
	"github.com/harvestnet/harvest-host/internal/launcher"
	"github.com/harvestnet/harvest-host/internal/pubsub"
	"github.com/harvestnet/harvest-host/internal/shutdown"
	"github.com/harvestnet/harvest-host/internal/wire"
)

// ErrDaemonAlreadyRunning means a harvestd instance from an earlier run still
// holds the pid file. The host owns its daemon and never adopts a foreign one.
var ErrDaemonAlreadyRunning = errors.New("harvestd is already running")

// connectWait bounds how long Start waits for the first successful channel
// connection before tearing the spawned daemon back down.
const connectWait = 30 * time.Second

// Session is one host run: a spawned daemon plus its control channel.
type Session struct {
	cfg *config.Config
	log *logrus.Logger

	proc   *launcher.Supervisor
	handle *launcher.Handle
	brk    *broker.Broker
	chn    *channel.Supervisor
	coord  *shutdown.Coordinator
}

func New(cfg *config.Config, logger *logrus.Logger) *Session {
	if logger == nil {
		logger = logrus.New()
	}
	return &Session{
		cfg:  cfg,
		log:  logger,
		proc: launcher.NewSupervisor(cfg, logger),
	}
}

// Start spawns the daemon, waits for its bootstrap credential, and connects
// the control channel. On any failure the spawned daemon is terminated so a
// failed start never leaks a process.
func (s *Session) Start(ctx context.Context) error {
	if launcher.IsRunning() {
		return ErrDaemonAlreadyRunning
	}

	handle, cred, err := s.proc.Spawn(ctx)
	if err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	s.handle = handle

	s.brk = broker.New(wire.OriginHostUI, s.log)
	s.chn = channel.NewSupervisor(s.cfg.DaemonURL(), cred, s.brk, s.log)

	states := s.chn.States(ctx)
	s.chn.Connect(ctx)
	if err := waitConnected(ctx, states, connectWait); err != nil {
		s.chn.BeginClose()
		_ = s.proc.Terminate(handle)
		s.release()
		return fmt.Errorf("connect to daemon: %w", err)
	}

	s.coord = shutdown.New(s.brk, s.chn, s.proc, handle, s.log)
	return nil
}

// waitConnected consumes state transitions until the channel reports
// Connected. Intermediate failures are expected while the daemon finishes
// binding its port; only the deadline ends the wait.
func waitConnected(ctx context.Context, states <-chan pubsub.Event[channel.StateChange], wait time.Duration) error {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()

	for {
		select {
		case ev, ok := <-states:
			if !ok {
				return broker.ErrChannelClosed
			}
			if ev.Payload.To == channel.StateConnected {
				return nil
			}
		case <-deadline.C:
			return fmt.Errorf("no connection within %s", wait)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close runs the negotiated shutdown end to end without a confirmation step.
// Used by the headless command path; the TUI drives the coordinator directly.
func (s *Session) Close(ctx context.Context) {
	if s.coord != nil {
		s.coord.RequestClose()
		s.coord.Confirm(ctx)
	}
	s.release()
}

// Release frees the session's streams after the shutdown coordinator has
// reached Terminated. The TUI path calls this once its closing view is done.
func (s *Session) Release() { s.release() }

func (s *Session) release() {
	if s.brk != nil {
		s.brk.Close()
	}
	if s.chn != nil {
		s.chn.Shutdown()
	}
}

// Ping round-trips a request to the daemon service.
func (s *Session) Ping(ctx context.Context) error {
	_, err := s.brk.Call(ctx, wire.ServiceDaemon, "ping", nil)
	return err
}

// ServiceStatus asks the daemon whether a registered service is running.
func (s *Session) ServiceStatus(ctx context.Context, service string) (map[string]any, error) {
	return s.brk.Call(ctx, wire.ServiceDaemon, "is_running", map[string]any{"service": service})
}

func (s *Session) Broker() *broker.Broker { return s.brk }

func (s *Session) Channel() *channel.Supervisor { return s.chn }

func (s *Session) Coordinator() *shutdown.Coordinator { return s.coord }

// DaemonPID reports the spawned daemon's pid, or zero before Start.
func (s *Session) DaemonPID() int {
	if s.handle == nil {
		return 0
	}
	return s.handle.PID()
}
