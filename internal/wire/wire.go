// Package wire implements the control-channel envelope codec.
// Envelopes are flat JSON records, one per websocket text frame.
package wire

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrMalformedEnvelope indicates a frame that could not be decoded into a
// valid envelope. The channel stays open; the frame is dropped.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// Service names used in envelope origin/destination fields. The daemon
// routes commands by destination.
const (
	OriginHostUI    = "host_ui"
	ServiceDaemon   = "daemon"
	ServiceWallet   = "wallet"
	ServiceFarmer   = "farmer"
	ServiceFullNode = "full_node"
)

// Envelope is the message unit exchanged with the daemon. A reply carries
// the same request_id as its request with Ack set.
type Envelope struct {
	Command     string         `json:"command"`
	Ack         bool           `json:"ack"`
	Origin      string         `json:"origin"`
	Destination string         `json:"destination"`
	RequestID   string         `json:"request_id"`
	Data        map[string]any `json:"data,omitempty"`
}

// DecodeError reports a malformed frame. RequestID is set when the frame
// carried a recoverable request_id, so the broker can fail that caller
// instead of letting it time out.
type DecodeError struct {
	RequestID string
	Reason    string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%v: %s", ErrMalformedEnvelope, e.Reason)
}

func (e *DecodeError) Unwrap() error { return ErrMalformedEnvelope }

// Encode serializes an envelope for the wire.
func Encode(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses a wire frame. The command, origin, and destination fields
// are required; a frame missing any of them fails with a *DecodeError that
// wraps ErrMalformedEnvelope.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, &DecodeError{Reason: err.Error()}
	}
	for _, f := range []struct{ name, value string }{
		{"command", env.Command},
		{"origin", env.Origin},
		{"destination", env.Destination},
	} {
		if f.value == "" {
			return Envelope{}, &DecodeError{
				RequestID: env.RequestID,
				Reason:    fmt.Sprintf("missing required field %q", f.name),
			}
		}
	}
	return env, nil
}

// NewRequestID returns a fresh 128-bit correlation id as 32 lowercase hex
// characters. IDs come from crypto/rand via uuid.
func NewRequestID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}
