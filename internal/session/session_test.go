package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harvestnet/harvest-host/internal/channel"
	"github.com/harvestnet/harvest-host/internal/pubsub"
)

func publishStates(transitions []channel.StateChange) <-chan pubsub.Event[channel.StateChange] {
	b := pubsub.NewBroker[channel.StateChange]()
	ch := b.Subscribe(context.Background())
	for _, tr := range transitions {
		b.Publish(tr)
	}
	return ch
}

func TestWaitConnectedSkipsFailedAttempts(t *testing.T) {
	states := publishStates([]channel.StateChange{
		{From: channel.StateDisconnected, To: channel.StateConnecting},
		{From: channel.StateConnecting, To: channel.StateDisconnected},
		{From: channel.StateDisconnected, To: channel.StateConnecting},
		{From: channel.StateConnecting, To: channel.StateConnected},
	})

	err := waitConnected(context.Background(), states, time.Second)
	require.NoError(t, err)
}

func TestWaitConnectedDeadline(t *testing.T) {
	states := publishStates([]channel.StateChange{
		{From: channel.StateDisconnected, To: channel.StateConnecting},
	})

	err := waitConnected(context.Background(), states, 50*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no connection")
}

func TestWaitConnectedContextCancel(t *testing.T) {
	b := pubsub.NewBroker[channel.StateChange]()
	states := b.Subscribe(context.Background())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := waitConnected(ctx, states, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSessionBeforeStart(t *testing.T) {
	s := New(nil, nil)

	assert.Zero(t, s.DaemonPID())
	assert.Nil(t, s.Coordinator())

	// Close before Start must not panic.
	s.Close(context.Background())
}
