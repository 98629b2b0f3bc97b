// Package protocol defines the JSON frame envelope spoken on agent and
// listener sockets, and the tagged frame union carried over the bus between
// relay instances.
package protocol

import "encoding/json"

// Frame types on the agent duplex socket.
const (
	TypeRequest  = "request"
	TypeResponse = "response"
	TypeEvent    = "event"
	TypePing     = "ping"
	TypePong     = "pong"
	TypeStatus   = "status"
	TypeConfig   = "config"
)

// WebSocket close codes.
const (
	CloseMissingParams = 4000 // missing token or agent id in connect
	CloseInvalidToken  = 4001
	CloseReplaced      = 4002 // replaced by a newer connect for the same agent
)

// Frame is the envelope for every message on an agent socket.
type Frame struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Action  string          `json:"action,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the error object attached to a response frame.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Agent-reported error codes, forwarded verbatim by the relay.
const (
	ErrInvalidRequest          = "INVALID_REQUEST"
	ErrUnknownAction           = "UNKNOWN_ACTION"
	ErrHomeNotFound            = "HOME_NOT_FOUND"
	ErrRoomNotFound            = "ROOM_NOT_FOUND"
	ErrAccessoryNotFound       = "ACCESSORY_NOT_FOUND"
	ErrSceneNotFound           = "SCENE_NOT_FOUND"
	ErrCharacteristicNotFound  = "CHARACTERISTIC_NOT_FOUND"
	ErrCharacteristicReadOnly  = "CHARACTERISTIC_NOT_WRITABLE"
	ErrAccessoryUnreachable    = "ACCESSORY_UNREACHABLE"
	ErrInvalidValue            = "INVALID_VALUE"
	ErrHomeKit                 = "HOMEKIT_ERROR"
	ErrInternal                = "INTERNAL_ERROR"
)

// Routing error codes produced by the relay itself.
const (
	ErrAgentUnreachable = "AGENT_UNREACHABLE"
	ErrTimeout          = "TIMEOUT"
	ErrNoHandler        = "NO_HANDLER"
	ErrBusPublishFailed = "BUS_PUBLISH_FAILED"
)

// PingPayload is the payload of the periodic server-initiated ping.
type PingPayload struct {
	ListenersActive bool `json:"listenersActive"`
}

// ListenersChangedPayload is the payload of the listeners_changed config frame.
type ListenersChangedPayload struct {
	ListenersActive bool `json:"listenersActive"`
}

// CharacteristicUpdate is the server-initiated frame pushed to listener
// sockets when an agent reports a characteristic change.
type CharacteristicUpdate struct {
	Type               string `json:"type"` // always "characteristic_update"
	AccessoryID        string `json:"accessoryId"`
	CharacteristicType string `json:"characteristicType"`
	Value              any    `json:"value"`
}

// Bus frame types.
const (
	BusTypeRequest          = "request"
	BusTypeResponse         = "response"
	BusTypeEvent            = "event"
	BusTypeListenersChanged = "listeners_changed"
)

// BusFrame is the tagged union carried on slot topics. Exactly one of the
// optional field groups is populated depending on Type.
type BusFrame struct {
	Type string `json:"type"`

	// request / response
	CorrelationID string          `json:"correlationID,omitempty"`
	SourceSlot    string          `json:"sourceSlot,omitempty"`
	AgentID       string          `json:"agentID,omitempty"`
	Action        string          `json:"action,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Error         *Error          `json:"error,omitempty"`

	// event / listeners_changed
	UserID             string `json:"userID,omitempty"`
	AccessoryID        string `json:"accessoryID,omitempty"`
	CharacteristicType string `json:"characteristicType,omitempty"`
	Value              any    `json:"value,omitempty"`
	Active             bool   `json:"active,omitempty"`
}

// EncodeFrame marshals a frame for the wire.
func EncodeFrame(f *Frame) ([]byte, error) {
	return json.Marshal(f)
}

// DecodeFrame parses a frame received from a socket.
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// EncodeBusFrame marshals a bus frame.
func EncodeBusFrame(f *BusFrame) ([]byte, error) {
	return json.Marshal(f)
}

// DecodeBusFrame parses a frame received from the bus.
func DecodeBusFrame(data []byte) (*BusFrame, error) {
	var f BusFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}
