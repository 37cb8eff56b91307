// Package broker correlates control-channel requests with daemon replies.
//
// Every outbound request carries a fresh 128-bit request id. The broker owns
// the pending-request table for one channel instance: a matching ack resolves
// the caller, expiry rejects it with ErrRequestTimeout, and channel teardown
// rejects everything outstanding with ErrChannelClosed. Inbound envelopes
// with no pending registration are republished to event subscribers.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/harvestnet/harvest-host/internal/pubsub"
	"github.com/harvestnet/harvest-host/internal/wire"
)

// DefaultCallTimeout bounds a request that the daemon never acknowledges.
const DefaultCallTimeout = 30 * time.Second

var (
	// ErrRequestTimeout is returned to a caller whose request exceeded its
	// deadline. Other in-flight requests are unaffected.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrChannelClosed is returned for requests outstanding when the channel
	// tears down, and immediately for sends while disconnected.
	ErrChannelClosed = errors.New("channel closed")
)

// Sender writes an envelope to the control channel.
type Sender interface {
	Send(env wire.Envelope) error
}

type callResult struct {
	data map[string]any
	err  error
}

type pendingRequest struct {
	id        string
	createdAt time.Time
	reply     chan callResult
	timer     *time.Timer
}

// Broker tracks in-flight requests for one control channel.
type Broker struct {
	origin string
	log    *logrus.Entry

	mu      sync.Mutex
	sender  Sender
	pending map[string]*pendingRequest

	events *pubsub.Broker[wire.Envelope]
}

// New creates a broker sending with the given origin service name.
func New(origin string, logger *logrus.Logger) *Broker {
	if logger == nil {
		logger = logrus.New()
	}
	return &Broker{
		origin:  origin,
		log:     logger.WithField("component", "broker"),
		pending: make(map[string]*pendingRequest),
		events:  pubsub.NewBroker[wire.Envelope](),
	}
}

// Attach binds the broker to a live channel. Called by the connection
// supervisor when a connection is established.
func (b *Broker) Attach(s Sender) {
	b.mu.Lock()
	b.sender = s
	b.mu.Unlock()
}

// Call sends command to destination and waits for the matching ack.
// Exactly one of three outcomes occurs: the reply payload, ErrRequestTimeout,
// or ErrChannelClosed. Cancelling ctx abandons the caller's wait but not the
// wire-level request; a late reply is then dropped.
func (b *Broker) Call(ctx context.Context, destination, command string, data map[string]any) (map[string]any, error) {
	return b.CallTimeout(ctx, destination, command, data, DefaultCallTimeout)
}

// CallTimeout is Call with an explicit deadline. The shutdown path uses a
// shorter bound than regular traffic.
func (b *Broker) CallTimeout(ctx context.Context, destination, command string, data map[string]any, timeout time.Duration) (map[string]any, error) {
	env := wire.Envelope{
		Command:     command,
		Origin:      b.origin,
		Destination: destination,
		Data:        data,
	}

	b.mu.Lock()
	if b.sender == nil {
		b.mu.Unlock()
		return nil, fmt.Errorf("send %s: %w", command, ErrChannelClosed)
	}

	// Fresh id, never colliding with an outstanding one.
	id := wire.NewRequestID()
	for b.pending[id] != nil {
		id = wire.NewRequestID()
	}
	env.RequestID = id

	req := &pendingRequest{
		id:        id,
		createdAt: time.Now(),
		reply:     make(chan callResult, 1),
	}
	req.timer = time.AfterFunc(timeout, func() {
		b.reject(id, fmt.Errorf("%s after %v: %w", command, timeout, ErrRequestTimeout))
	})
	b.pending[id] = req
	sender := b.sender
	b.mu.Unlock()

	if err := sender.Send(env); err != nil {
		b.remove(id)
		return nil, fmt.Errorf("send %s: %w", command, err)
	}

	select {
	case res := <-req.reply:
		return res.data, res.err
	case <-ctx.Done():
		b.remove(id)
		return nil, ctx.Err()
	}
}

// Notify sends a fire-and-forget command that takes no ack.
func (b *Broker) Notify(destination, command string, data map[string]any) error {
	b.mu.Lock()
	sender := b.sender
	b.mu.Unlock()
	if sender == nil {
		return fmt.Errorf("send %s: %w", command, ErrChannelClosed)
	}
	return sender.Send(wire.Envelope{
		Command:     command,
		Origin:      b.origin,
		Destination: destination,
		RequestID:   wire.NewRequestID(),
		Data:        data,
	})
}

// HandleFrame routes one decoded inbound frame. Acks resolve their pending
// request; non-matching acks are logged and dropped; everything else is an
// unsolicited event delivered to subscribers in arrival order.
func (b *Broker) HandleFrame(frame []byte) {
	env, err := wire.Decode(frame)
	if err != nil {
		var de *wire.DecodeError
		if errors.As(err, &de) && de.RequestID != "" && b.reject(de.RequestID, err) {
			return
		}
		b.log.WithError(err).Warn("dropping malformed frame")
		return
	}

	if env.Ack {
		b.mu.Lock()
		req, ok := b.pending[env.RequestID]
		if ok {
			delete(b.pending, env.RequestID)
			req.timer.Stop()
		}
		b.mu.Unlock()

		if !ok {
			b.log.WithFields(logrus.Fields{
				"command":    env.Command,
				"request_id": env.RequestID,
			}).Debug("dropping ack with no pending request")
			return
		}
		req.reply <- callResult{data: env.Data}
		return
	}

	b.events.Publish(env)
}

// Events subscribes to unsolicited daemon envelopes. The channel closes when
// ctx is cancelled or the broker shuts down.
func (b *Broker) Events(ctx context.Context) <-chan pubsub.Event[wire.Envelope] {
	return b.events.Subscribe(ctx)
}

// FailAll detaches the channel and rejects every outstanding request with
// ErrChannelClosed. Called on channel teardown; no request is left unresolved.
func (b *Broker) FailAll(reason error) {
	b.mu.Lock()
	b.sender = nil
	orphaned := b.pending
	b.pending = make(map[string]*pendingRequest)
	b.mu.Unlock()

	err := ErrChannelClosed
	if reason != nil {
		err = fmt.Errorf("%w: %v", ErrChannelClosed, reason)
	}
	for _, req := range orphaned {
		req.timer.Stop()
		req.reply <- callResult{err: err}
	}
	if len(orphaned) > 0 {
		b.log.WithField("count", len(orphaned)).Info("rejected in-flight requests on teardown")
	}
}

// Close tears the broker down for good: outstanding requests fail and the
// event stream ends.
func (b *Broker) Close() {
	b.FailAll(nil)
	b.events.Close()
}

// PendingCount reports the number of in-flight requests.
func (b *Broker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// reject fails one pending request. Reports whether it was still registered.
func (b *Broker) reject(id string, err error) bool {
	b.mu.Lock()
	req, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
		req.timer.Stop()
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	req.reply <- callResult{err: err}
	return true
}

// remove deregisters a pending request without resolving it. A late reply
// routed to the empty registration is dropped.
func (b *Broker) remove(id string) {
	b.mu.Lock()
	if req, ok := b.pending[id]; ok {
		delete(b.pending, id)
		req.timer.Stop()
	}
	b.mu.Unlock()
}
