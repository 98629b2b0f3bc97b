package protocol_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/homecast/homecast/internal/relay/protocol"
)

func TestDecodeFrame_Response(t *testing.T) {
	raw := []byte(`{"id":"abc","type":"response","payload":{"homes":[]}}`)
	f, err := protocol.DecodeFrame(raw)
	require.NoError(t, err)
	require.Equal(t, "abc", f.ID)
	require.Equal(t, protocol.TypeResponse, f.Type)
	require.Nil(t, f.Error)
	require.JSONEq(t, `{"homes":[]}`, string(f.Payload))
}

func TestDecodeFrame_ErrorResponse(t *testing.T) {
	raw := []byte(`{"id":"abc","type":"response","error":{"code":"HOME_NOT_FOUND","message":"no such home"}}`)
	f, err := protocol.DecodeFrame(raw)
	require.NoError(t, err)
	require.NotNil(t, f.Error)
	require.Equal(t, protocol.ErrHomeNotFound, f.Error.Code)
}

func TestEncodeFrame_PingOmitsEmptyFields(t *testing.T) {
	payload, _ := json.Marshal(protocol.PingPayload{ListenersActive: true})
	data, err := protocol.EncodeFrame(&protocol.Frame{Type: protocol.TypePing, Payload: payload})
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	require.NotContains(t, m, "id")
	require.NotContains(t, m, "error")
	require.Equal(t, "ping", m["type"])
}

func TestBusFrame_RequestRoundTrip(t *testing.T) {
	in := &protocol.BusFrame{
		Type:          protocol.BusTypeRequest,
		CorrelationID: "c1",
		SourceSlot:    "ab12",
		AgentID:       "agent-1",
		Action:        "homes.list",
		Payload:       json.RawMessage(`{}`),
	}
	data, err := protocol.EncodeBusFrame(in)
	require.NoError(t, err)

	out, err := protocol.DecodeBusFrame(data)
	require.NoError(t, err)
	require.Equal(t, in.CorrelationID, out.CorrelationID)
	require.Equal(t, in.SourceSlot, out.SourceSlot)
	require.Equal(t, in.AgentID, out.AgentID)
}

func TestDecodeBusFrame_Invalid(t *testing.T) {
	_, err := protocol.DecodeBusFrame([]byte(`{not json`))
	require.Error(t, err)
}
