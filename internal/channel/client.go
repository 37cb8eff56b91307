// Package channel owns the secure control connection to the daemon: a
// websocket client authenticated with the daemon's bootstrap credential, and
// a supervisor that drives the connect/retry state machine.
package channel

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/harvestnet/harvest-host/internal/broker"
	"github.com/harvestnet/harvest-host/internal/launcher"
	"github.com/harvestnet/harvest-host/internal/wire"
)

const (
	pingInterval  = 30 * time.Second
	writeDeadline = 10 * time.Second
	sendBuffer    = 100
)

// Handlers receives connection events. OnFrame is called for every inbound
// frame in arrival order; OnClose fires exactly once when the connection dies.
type Handlers struct {
	OnFrame func(frame []byte)
	OnClose func(reason error)
}

// Client is one live control connection.
type Client struct {
	conn    *websocket.Conn
	writeCh chan wire.Envelope
	closed  chan struct{}
	once    sync.Once
	h       Handlers
	log     *logrus.Entry
}

// Dial opens the control channel using the daemon's bootstrap credential for
// a mutually authenticated TLS handshake. The daemon issues its own
// certificate, so peer verification is relaxed, but only for a loopback
// endpoint; dialing a remote host with relaxed verification is refused.
func Dial(ctx context.Context, rawURL string, cred launcher.Credential, h Handlers, logger *logrus.Logger) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid daemon url %q: %w", rawURL, err)
	}
	if u.Scheme != "wss" {
		return nil, fmt.Errorf("daemon url %q: control channel requires wss", rawURL)
	}

	pair, err := tls.LoadX509KeyPair(cred.CertPath, cred.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load bootstrap credential: %w", err)
	}

	tlsCfg := &tls.Config{Certificates: []tls.Certificate{pair}}
	if isLoopback(u.Hostname()) {
		// Locally spawned daemon with a self-issued certificate.
		tlsCfg.InsecureSkipVerify = true
	}

	dialer := websocket.Dialer{
		TLSClientConfig:  tlsCfg,
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rawURL, err)
	}

	if logger == nil {
		logger = logrus.New()
	}
	c := &Client{
		conn:    conn,
		writeCh: make(chan wire.Envelope, sendBuffer),
		closed:  make(chan struct{}),
		h:       h,
		log:     logger.WithField("component", "channel"),
	}

	go c.readLoop()
	go c.writeLoop()
	return c, nil
}

// Send queues an envelope for the write loop. After the connection closes it
// fails fast instead of queuing silently.
func (c *Client) Send(env wire.Envelope) error {
	select {
	case <-c.closed:
		return fmt.Errorf("write %s: %w", env.Command, broker.ErrChannelClosed)
	default:
	}
	select {
	case c.writeCh <- env:
		return nil
	case <-c.closed:
		return fmt.Errorf("write %s: %w", env.Command, broker.ErrChannelClosed)
	}
}

// Close tears the connection down. Safe to call more than once.
func (c *Client) Close() error {
	deadline := time.Now().Add(writeDeadline)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	c.teardown(nil)
	return nil
}

func (c *Client) readLoop() {
	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			c.teardown(err)
			return
		}
		if c.h.OnFrame != nil {
			c.h.OnFrame(frame)
		}
	}
}

func (c *Client) writeLoop() {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case env := <-c.writeCh:
			frame, err := wire.Encode(env)
			if err != nil {
				c.log.WithError(err).WithField("command", env.Command).Error("dropping unencodable envelope")
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.WithError(err).Debug("write failed")
				c.teardown(err)
				return
			}

		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeDeadline)); err != nil {
				c.teardown(err)
				return
			}

		case <-c.closed:
			return
		}
	}
}

// teardown closes the socket and fires OnClose exactly once.
func (c *Client) teardown(reason error) {
	c.once.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
		if c.h.OnClose != nil {
			c.h.OnClose(reason)
		}
	})
}

func isLoopback(host string) bool {
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
