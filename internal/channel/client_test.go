package channel

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harvestnet/harvest-host/internal/broker"
	"github.com/harvestnet/harvest-host/internal/launcher"
	"github.com/harvestnet/harvest-host/internal/logging"
	"github.com/harvestnet/harvest-host/internal/wire"
)

// writeCredential generates a self-signed client certificate pair on disk,
// shaped like the credential the daemon hands out at bootstrap.
func writeCredential(t *testing.T) launcher.Credential {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: "harvest_host"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)

	dir := t.TempDir()
	certPath := filepath.Join(dir, "host.crt")
	keyPath := filepath.Join(dir, "host.key")
	require.NoError(t, os.WriteFile(certPath,
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyPath,
		pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}), 0o600))

	return launcher.Credential{CertPath: certPath, KeyPath: keyPath}
}

// startFakeDaemon serves one websocket connection per request over TLS on
// loopback and returns the wss endpoint.
func startFakeDaemon(t *testing.T, handle func(conn *websocket.Conn)) string {
	t.Helper()

	up := websocket.Upgrader{}
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(srv.Close)

	return "wss://" + strings.TrimPrefix(srv.URL, "https://")
}

// ackEachRequest replies to every decodable request with an ack carrying the
// same request_id.
func ackEachRequest(conn *websocket.Conn) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := wire.Decode(frame)
		if err != nil {
			continue
		}
		reply, _ := wire.Encode(wire.Envelope{
			Command:     env.Command,
			Ack:         true,
			Origin:      env.Destination,
			Destination: env.Origin,
			RequestID:   env.RequestID,
			Data:        map[string]any{"state": "farming"},
		})
		if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
			return
		}
	}
}

func TestDialRejectsNonWss(t *testing.T) {
	_, err := Dial(context.Background(), "ws://localhost:55400",
		writeCredential(t), Handlers{}, logging.Discard())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires wss")
}

func TestDialMissingCredential(t *testing.T) {
	cred := launcher.Credential{
		CertPath: "/nonexistent/host.crt",
		KeyPath:  "/nonexistent/host.key",
	}
	_, err := Dial(context.Background(), "wss://localhost:55400", cred, Handlers{}, logging.Discard())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bootstrap credential")
}

func TestRequestReplyThroughBroker(t *testing.T) {
	url := startFakeDaemon(t, ackEachRequest)

	brk := broker.New(wire.OriginHostUI, logging.Discard())
	defer brk.Close()

	client, err := Dial(context.Background(), url, writeCredential(t), Handlers{
		OnFrame: brk.HandleFrame,
		OnClose: brk.FailAll,
	}, logging.Discard())
	require.NoError(t, err)
	defer client.Close()
	brk.Attach(client)

	reply, err := brk.Call(context.Background(), wire.ServiceFarmer, "get_harvesters", nil)
	require.NoError(t, err)
	assert.Equal(t, "farming", reply["state"])
}

func TestUnsolicitedEventDelivery(t *testing.T) {
	url := startFakeDaemon(t, func(conn *websocket.Conn) {
		frame, _ := wire.Encode(wire.Envelope{
			Command:     "state_changed",
			Origin:      wire.ServiceFullNode,
			Destination: wire.OriginHostUI,
			RequestID:   wire.NewRequestID(),
			Data:        map[string]any{"sync_mode": true},
		})
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	brk := broker.New(wire.OriginHostUI, logging.Discard())
	defer brk.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := brk.Events(ctx)

	client, err := Dial(ctx, url, writeCredential(t), Handlers{
		OnFrame: brk.HandleFrame,
		OnClose: brk.FailAll,
	}, logging.Discard())
	require.NoError(t, err)
	defer client.Close()

	select {
	case ev := <-events:
		assert.Equal(t, "state_changed", ev.Payload.Command)
		assert.Equal(t, true, ev.Payload.Data["sync_mode"])
	case <-time.After(2 * time.Second):
		t.Fatal("unsolicited event never arrived")
	}
}

func TestSendAfterCloseFailsFast(t *testing.T) {
	url := startFakeDaemon(t, ackEachRequest)

	client, err := Dial(context.Background(), url, writeCredential(t), Handlers{}, logging.Discard())
	require.NoError(t, err)
	require.NoError(t, client.Close())

	err = client.Send(wire.Envelope{
		Command:     "ping",
		Origin:      wire.OriginHostUI,
		Destination: wire.ServiceDaemon,
		RequestID:   wire.NewRequestID(),
	})
	assert.ErrorIs(t, err, broker.ErrChannelClosed)
}

func TestServerCloseFiresOnClose(t *testing.T) {
	url := startFakeDaemon(t, func(conn *websocket.Conn) {
		// Accept the connection and immediately drop it.
	})

	closed := make(chan error, 1)
	client, err := Dial(context.Background(), url, writeCredential(t), Handlers{
		OnClose: func(reason error) { closed <- reason },
	}, logging.Discard())
	require.NoError(t, err)
	defer client.Close()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose never fired")
	}
}

func TestSupervisorReconnectsAgainstLiveServer(t *testing.T) {
	url := startFakeDaemon(t, ackEachRequest)

	brk := broker.New(wire.OriginHostUI, logging.Discard())
	defer brk.Close()

	s := NewSupervisor(url, writeCredential(t), brk, logging.Discard())
	s.delay = 20 * time.Millisecond
	defer s.Shutdown()

	ctx := context.Background()
	s.Connect(ctx)
	require.Eventually(t, func() bool { return s.State() == StateConnected },
		5*time.Second, 5*time.Millisecond)

	reply, err := brk.Call(ctx, wire.ServiceWallet, "get_sync_status", nil)
	require.NoError(t, err)
	assert.Equal(t, "farming", reply["state"])

	// Tear the socket down underneath the supervisor and verify it comes back.
	s.mu.Lock()
	live := s.client
	s.mu.Unlock()
	require.NotNil(t, live)
	_ = live.Close()

	require.Eventually(t, func() bool {
		if s.State() != StateConnected {
			return false
		}
		_, err := brk.CallTimeout(ctx, wire.ServiceWallet, "get_sync_status", nil, time.Second)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
}
