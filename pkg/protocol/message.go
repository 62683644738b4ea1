// Package protocol defines the single wire schema shared by the signaling
// server, the media worker uplink, and browser clients. Every frame on every
// WebSocket connection is one JSON-encoded Message, discriminated by Type.
package protocol

import (
	"encoding/json"
	"errors"
)

// Version is the current wire format revision. A receiver that does not
// understand a Message's Version should reject it with an Error rather than
// guess at a compatible interpretation.
const Version = 1

// Type identifies the kind of signaling message carried by a Message.
type Type string

const (
	TypeServerRegister   Type = "server_register"   // worker -> signaling: announce capacity
	TypeServerRegistered Type = "server_registered"  // signaling -> worker: registration accepted
	TypeServerDisconnect Type = "server_disconnect"  // worker -> signaling: graceful shutdown
	TypeClientConnect    Type = "client_connect"     // client -> signaling: request a worker
	TypeClientConnected  Type = "client_connected"    // signaling -> client: bound worker assigned
	TypeClientDisconnect Type = "client_disconnect"   // client -> signaling: leaving
	TypeOffer            Type = "offer"               // SDP offer, either direction via signaling
	TypeAnswer            Type = "answer"              // SDP answer, either direction via signaling
	TypeIceCandidate      Type = "ice_candidate"        // ICE candidate, either direction via signaling
	TypeError             Type = "error"                // any -> any: rejection / fault
)

var (
	// ErrInvalidMessage is returned when a frame cannot be decoded as a Message.
	ErrInvalidMessage = errors.New("protocol: invalid message")
	// ErrNoPayload is returned by DecodePayload when the message carries none.
	ErrNoPayload = errors.New("protocol: message has no payload")
	// ErrUnsupportedVersion is returned when a frame names a Version this
	// build does not understand.
	ErrUnsupportedVersion = errors.New("protocol: unsupported version")
)

// Message is the envelope for every frame exchanged over /ws/server,
// /ws/client, and the worker uplink. From/To reference ids the Peer Registry
// knows about (a server_id, client_id, or bot_id depending on Type); a
// message whose From/To cannot be resolved is dropped and logged by the
// receiver.
type Message struct {
	Version int             `json:"version"`
	Type    Type            `json:"type"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ServerRegisterPayload announces a media worker's identity to the registry.
type ServerRegisterPayload struct {
	ServerID string `json:"server_id"`
	Capacity int    `json:"capacity,omitempty"`
}

// ServerRegisteredPayload acknowledges a ServerRegister.
type ServerRegisteredPayload struct {
	ServerID string `json:"server_id"`
}

// ClientConnectPayload is sent by a client requesting a worker assignment.
type ClientConnectPayload struct {
	ClientID string `json:"client_id"`
}

// ClientConnectedPayload tells a client which worker (by server_id) it was
// bound to. The signaling server reports a missing worker with a TypeError
// frame and does not set Error.
type ClientConnectedPayload struct {
	ServerID string `json:"server_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

// SDPPayload carries a WebRTC session description (offer or answer).
type SDPPayload struct {
	SDP string `json:"sdp"`
}

// ICECandidatePayload carries a single WebRTC ICE candidate. SDPMLineIndex
// is a pointer because 0 is a valid line index and must round-trip
// distinctly from "absent".
type ICECandidatePayload struct {
	Candidate     string  `json:"candidate"`
	SDPMid        string  `json:"sdp_mid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdp_mline_index,omitempty"`
}

// ErrorPayload carries a machine-readable code and human-readable message.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// New builds a Message with the current Version and a JSON-marshaled payload.
func New(typ Type, from, to string, payload interface{}) (*Message, error) {
	msg := &Message{Version: Version, Type: typ, From: from, To: to}
	if payload == nil {
		return msg, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	msg.Payload = raw
	return msg, nil
}

// NewError builds a TypeError Message addressed to 'to'.
func NewError(from, to, code, message string) *Message {
	msg, _ := New(TypeError, from, to, ErrorPayload{Code: code, Message: message})
	return msg
}

// Encode marshals the Message to JSON.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode unmarshals a JSON frame into a Message. A frame whose Version is
// not this build's Version is rejected with ErrUnsupportedVersion.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, ErrInvalidMessage
	}
	if m.Version != Version {
		return nil, ErrUnsupportedVersion
	}
	return &m, nil
}

// DecodePayload unmarshals the Message's payload into v.
func (m *Message) DecodePayload(v interface{}) error {
	if len(m.Payload) == 0 {
		return ErrNoPayload
	}
	return json.Unmarshal(m.Payload, v)
}
