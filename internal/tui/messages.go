package tui

import (
	"time"

	"github.com/harvestnet/harvest-host/internal/channel"
	"github.com/harvestnet/harvest-host/internal/shutdown"
	"github.com/harvestnet/harvest-host/internal/wire"
)

// TickMsg drives the periodic service poll.
type TickMsg struct{ Time time.Time }

// ConnStateMsg reports a control-channel transition.
type ConnStateMsg struct{ Change channel.StateChange }

// PhaseMsg reports a shutdown phase change.
type PhaseMsg struct{ Phase shutdown.Phase }

// DaemonEventMsg carries an unsolicited envelope from the daemon.
type DaemonEventMsg struct {
	Envelope wire.Envelope
	Time     time.Time
}

// ServicesMsg carries the latest service running states.
type ServicesMsg struct{ Running map[string]bool }

// streamClosedMsg means one of the subscribed streams ended.
type streamClosedMsg struct{}
