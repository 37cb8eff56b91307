package wire

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	env := Envelope{
		Command:     "get_status",
		Origin:      OriginHostUI,
		Destination: ServiceDaemon,
		RequestID:   NewRequestID(),
		Data:        map[string]any{"verbose": true},
	}

	data, err := Encode(env)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, env.Command, got.Command)
	assert.Equal(t, env.RequestID, got.RequestID)
	assert.False(t, got.Ack)
	assert.Equal(t, true, got.Data["verbose"])
}

func TestDecodeMissingRequiredFields(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"missing command", `{"origin":"host_ui","destination":"daemon","request_id":"ab"}`},
		{"missing origin", `{"command":"ping","destination":"daemon","request_id":"ab"}`},
		{"missing destination", `{"command":"ping","origin":"host_ui","request_id":"ab"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.frame))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedEnvelope)

			var de *DecodeError
			require.True(t, errors.As(err, &de))
			assert.Equal(t, "ab", de.RequestID, "request_id should be recoverable")
		})
	}
}

func TestDecodeInvalidJSON(t *testing.T) {
	_, err := Decode([]byte("not json"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedEnvelope)

	var de *DecodeError
	require.True(t, errors.As(err, &de))
	assert.Empty(t, de.RequestID)
}

func TestDecodeReply(t *testing.T) {
	frame := `{"command":"get_status","ack":true,"origin":"daemon","destination":"host_ui","request_id":"deadbeef","data":{"synced":false}}`
	env, err := Decode([]byte(frame))
	require.NoError(t, err)
	assert.True(t, env.Ack)
	assert.Equal(t, "deadbeef", env.RequestID)
}

func TestNewRequestIDFormat(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewRequestID()
		require.Len(t, id, 32)
		for _, c := range id {
			require.True(t, (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f'), "non-hex char %q in %s", c, id)
		}
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestEncodeOmitsEmptyData(t *testing.T) {
	data, err := Encode(Envelope{Command: "ping", Origin: OriginHostUI, Destination: ServiceDaemon})
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	_, hasData := raw["data"]
	assert.False(t, hasData)
}
