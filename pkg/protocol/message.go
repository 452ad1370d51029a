// Package protocol defines the JSON messages exchanged between peers and the relay.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MessageType is the value of the "type" discriminator of a wire message.
type MessageType string

const (
	MessageTypeRegister    MessageType = "register"
	MessageTypeRegistered  MessageType = "registered"
	MessageTypePeersUpdate MessageType = "peers_update"
	MessageTypeSignal      MessageType = "signal"
	MessageTypeError       MessageType = "error"
	MessageTypePing        MessageType = "ping"
	MessageTypePong        MessageType = "pong"
)

// ErrInvalidPayload is returned by Encode when Data is not valid JSON.
var ErrInvalidPayload = errors.New("protocol: invalid data payload")

// String returns the string representation of MessageType
func (mt MessageType) String() string {
	if mt == "" {
		return "UNKNOWN"
	}
	return string(mt)
}

// Known reports whether the relay understands the message type.
func (mt MessageType) Known() bool {
	switch mt {
	case MessageTypeRegister, MessageTypeRegistered, MessageTypePeersUpdate,
		MessageTypeSignal, MessageTypeError, MessageTypePing, MessageTypePong:
		return true
	default:
		return false
	}
}

// Message is a single wire message. Only the fields relevant to Type are set.
type Message struct {
	Type      MessageType     `json:"type"`
	PeerID    string          `json:"peer_id,omitempty"`
	Peers     []string        `json:"peers,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	To        string          `json:"to,omitempty"`
	From      string          `json:"from,omitempty"`
	Message   string          `json:"message,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Encode encodes the message into a JSON object.
//
// Data is appended verbatim, so a forwarded payload reaches the target
// byte for byte as the sender wrote it.
func (m *Message) Encode() ([]byte, error) {
	head := *m
	head.Data = nil
	out, err := json.Marshal(&head)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	if len(m.Data) == 0 {
		return out, nil
	}
	if !json.Valid(m.Data) {
		return nil, ErrInvalidPayload
	}

	buf := make([]byte, 0, len(out)+len(m.Data)+len(`,"data":`))
	buf = append(buf, out[:len(out)-1]...)
	buf = append(buf, `,"data":`...)
	buf = append(buf, m.Data...)
	buf = append(buf, '}')
	return buf, nil
}

// Decode decodes a JSON object into the message.
func (m *Message) Decode(data []byte) error {
	*m = Message{}
	if err := json.Unmarshal(data, m); err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}
	return nil
}

// HasData reports whether the message carries a payload. An explicit JSON
// null counts as no payload.
func (m *Message) HasData() bool {
	trimmed := bytes.TrimSpace(m.Data)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// Time parses the timestamp of a peers_update message.
func (m *Message) Time() (time.Time, error) {
	return time.Parse(time.RFC3339Nano, m.Timestamp)
}

func NewRegister(peerID string) Message {
	return Message{Type: MessageTypeRegister, PeerID: peerID}
}

func NewRegistered(peerID string) Message {
	return Message{Type: MessageTypeRegistered, PeerID: peerID}
}

// NewPeersUpdate builds the directory broadcast for the given snapshot.
func NewPeersUpdate(peers []string, at time.Time) Message {
	return Message{
		Type:      MessageTypePeersUpdate,
		Peers:     peers,
		Timestamp: at.UTC().Format(time.RFC3339Nano),
	}
}

// NewSignalRequest builds the message a peer sends to have data forwarded to another peer.
func NewSignalRequest(to string, data json.RawMessage) Message {
	return Message{Type: MessageTypeSignal, To: to, Data: data}
}

// NewSignal builds the message delivered to the target of a forwarded signal.
func NewSignal(from string, data json.RawMessage) Message {
	return Message{Type: MessageTypeSignal, From: from, Data: data}
}

func NewError(message string) Message {
	return Message{Type: MessageTypeError, Message: message}
}

func NewPing() Message {
	return Message{Type: MessageTypePing}
}

func NewPong() Message {
	return Message{Type: MessageTypePong}
}

// SignalFailure is the notice sent back to a sender whose signal could not be delivered.
func SignalFailure(to string) string {
	return fmt.Sprintf("Failed to send signal to %s", to)
}
