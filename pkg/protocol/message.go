// Package protocol defines the wire model shared by the chat client and server.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Event names carried in Frame.Event.
//
// EventConnect, EventDisconnect and EventConnectError are synthesized by the
// client transport and never travel over the wire.
const (
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventConnectError = "connect_error"

	EventJoin    = "connect:chat"
	EventJoined  = "message:notification"
	EventSend    = "message:send"
	EventReceive = "message:recieve"
)

// Disconnect reasons reported with EventDisconnect.
const (
	ReasonTransportClose   = "transport close"
	ReasonTransportError   = "transport error"
	ReasonServerDisconnect = "io server disconnect"
)

// User is the sender reference attached to a message.
type User struct {
	Username  string `json:"username"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Email     string `json:"email,omitempty"`
}

// MessageID identifies a message. Servers may encode it as a JSON number or
// a JSON string; both decode to the same textual form.
type MessageID string

// UnmarshalJSON accepts numbers and strings.
func (id *MessageID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("failed to decode message id: %w", err)
		}
		*id = MessageID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("failed to decode message id: %w", err)
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return fmt.Errorf("failed to decode message id: %w", err)
	}
	*id = MessageID(n.String())
	return nil
}

// Message is a chat message. It is immutable once received.
type Message struct {
	ID        MessageID `json:"id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
	Sender    User      `json:"sender"`
}

// Frame is one event envelope exchanged over the transport.
type Frame struct {
	Event   string   `json:"event"`
	ChatID  string   `json:"chat_id,omitempty"`
	Sender  string   `json:"sender,omitempty"`
	Text    string   `json:"message,omitempty"`
	Message *Message `json:"data,omitempty"`
	Notice  string   `json:"msg,omitempty"`
	Reason  string   `json:"reason,omitempty"`
}

// JoinFrame builds a room-join request.
func JoinFrame(chatID string) Frame {
	return Frame{Event: EventJoin, ChatID: chatID}
}

// JoinedFrame builds a room-join acknowledgement.
func JoinedFrame(chatID string) Frame {
	return Frame{Event: EventJoined, ChatID: chatID, Notice: "Entered the room"}
}

// SendFrame builds an outbound text message.
func SendFrame(chatID, sender, text string) Frame {
	return Frame{Event: EventSend, ChatID: chatID, Sender: sender, Text: text}
}

// ReceiveFrame builds an inbound message delivery.
func ReceiveFrame(chatID string, msg Message) Frame {
	return Frame{Event: EventReceive, ChatID: chatID, Message: &msg}
}
