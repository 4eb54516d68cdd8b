// Package protocol defines the wire message model exchanged between the
// coordinator and its agents, and the request/response correlation layer on
// top of a framed transport.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType tags a message with its dispatch class.
type MessageType string

const (
	TypeTaskRequest  MessageType = "task_request"
	TypeTaskResponse MessageType = "task_response"
	TypeStatusUpdate MessageType = "status_update"
	TypeCoordination MessageType = "coordination"
	TypeHeartbeat    MessageType = "heartbeat"
	TypeError        MessageType = "error"
)

// BroadcastReceiver addresses every connected peer except the sender.
const BroadcastReceiver = "broadcast"

// CoordinatorID is the peer id of the broker's own coordinator endpoint;
// agents address status and heartbeat frames to it.
const CoordinatorID = "coordinator"

// ErrUnknownType reports a message whose message_type is not part of the protocol.
var ErrUnknownType = errors.New("protocol: unknown message type")

// ErrDuplicateMessage reports a repeated message_id from the same sender.
var ErrDuplicateMessage = errors.New("protocol: duplicate message id")

// Message is one frame on the broker socket. Payload keys are opaque to the
// transport; unknown keys are preserved and forwarded untouched.
type Message struct {
	MessageID     string         `json:"message_id"`
	SenderID      string         `json:"sender_id"`
	ReceiverID    string         `json:"receiver_id"`
	Type          MessageType    `json:"message_type"`
	Payload       map[string]any `json:"payload,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// New constructs a message with a fresh message_id and the current timestamp.
func New(sender, receiver string, t MessageType, payload map[string]any) Message {
	return Message{
		MessageID:  uuid.NewString(),
		SenderID:   sender,
		ReceiverID: receiver,
		Type:       t,
		Payload:    payload,
		Timestamp:  time.Now().UTC(),
	}
}

// Validate checks the structural invariants of a decoded message.
func (m Message) Validate() error {
	if m.MessageID == "" {
		return fmt.Errorf("protocol: empty message_id")
	}
	if m.SenderID == "" {
		return fmt.Errorf("protocol: empty sender_id")
	}
	switch m.Type {
	case TypeTaskRequest, TypeTaskResponse, TypeStatusUpdate, TypeCoordination, TypeHeartbeat, TypeError:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
}

// Encode serializes the message to its JSON wire form.
func (m Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

// Decode parses a JSON wire frame into a Message. Unknown payload keys are
// kept; an unknown message_type fails validation.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}
