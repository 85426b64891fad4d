// Package protocol defines the JSON message envelope exchanged between
// signaling clients and the server.
//
// One `type` field selects the rest of the shape. SDP payloads and ICE
// candidates are carried as opaque JSON: the server relays them verbatim and
// never interprets their contents.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"unicode/utf8"
)

type MessageType string

const (
	// Client -> server.
	TypeJoinRoom           MessageType = "join-room"
	TypeLeaveRoom          MessageType = "leave-room"
	TypeOffer              MessageType = "offer"
	TypeAnswer             MessageType = "answer"
	TypeICECandidate       MessageType = "ice-candidate"
	TypeChatMessage        MessageType = "chat-message"
	TypeTyping             MessageType = "typing"
	TypeReaction           MessageType = "reaction"
	TypeScreenShareStarted MessageType = "screen-share-started"
	TypeScreenShareStopped MessageType = "screen-share-stopped"
	TypePing               MessageType = "ping"

	// Server -> client.
	TypeConnected  MessageType = "connected"
	TypeRoomJoined MessageType = "room-joined"
	TypeRoomLeft   MessageType = "room-left"
	TypeUserJoined MessageType = "user-joined"
	TypeUserLeft   MessageType = "user-left"
	TypePong       MessageType = "pong"
	TypeError      MessageType = "error"
)

const (
	// MaxChatTextLen bounds chat-message text, in characters.
	MaxChatTextLen = 500
	// MaxReactionLen bounds reaction tokens, in runes (emoji are multi-byte).
	MaxReactionLen = 10
)

// Participant describes one room member as reported in room-joined replies.
type Participant struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	Username     string `json:"username"`
}

// ClientMessage is the inbound (client -> server) envelope. Parsing is strict:
// unknown fields and trailing data are rejected, and each message type allows
// only its own fields.
type ClientMessage struct {
	Type          MessageType `json:"type"`
	CorrelationID string      `json:"correlationId,omitempty"`

	RoomID   string `json:"roomId,omitempty"`
	Username string `json:"username,omitempty"`

	TargetUserID       string `json:"targetUserId,omitempty"`
	TargetConnectionID string `json:"targetConnectionId,omitempty"`

	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`

	Text     string `json:"text,omitempty"`
	IsTyping *bool  `json:"isTyping,omitempty"`
	Emoji    string `json:"emoji,omitempty"`
}

// ServerMessage is the outbound (server -> client) envelope. Fields are
// omitted when empty, so one struct covers every server-originated shape.
type ServerMessage struct {
	Type          MessageType `json:"type"`
	CorrelationID string      `json:"correlationId,omitempty"`

	UserID       string `json:"userId,omitempty"`
	Username     string `json:"username,omitempty"`
	ConnectionID string `json:"connectionId,omitempty"`
	RoomID       string `json:"roomId,omitempty"`

	Participants []Participant `json:"participants,omitempty"`

	FromUserID       string `json:"fromUserId,omitempty"`
	FromUsername     string `json:"fromUsername,omitempty"`
	FromConnectionID string `json:"fromConnectionId,omitempty"`

	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`

	MessageID string `json:"messageId,omitempty"`
	Text      string `json:"text,omitempty"`
	IsTyping  *bool  `json:"isTyping,omitempty"`
	Emoji     string `json:"emoji,omitempty"`

	// Timestamp is unix milliseconds, stamped by the server on pong,
	// chat-message and reaction.
	Timestamp int64 `json:"timestamp,omitempty"`

	// Code and Message describe error messages; Code is a stable
	// machine-readable token.
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ParseClientMessage decodes and validates one inbound envelope.
func ParseClientMessage(data []byte) (ClientMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg ClientMessage
	if err := dec.Decode(&msg); err != nil {
		return ClientMessage{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return ClientMessage{}, fmt.Errorf("unexpected trailing data")
	}
	if err := msg.Validate(); err != nil {
		return ClientMessage{}, err
	}
	return msg, nil
}

// Validate checks structural invariants per message type. Policy checks that
// need server state (room membership, capacity, rate limits) happen in the
// handlers, not here.
func (m ClientMessage) Validate() error {
	switch m.Type {
	case TypeJoinRoom:
		if m.RoomID == "" {
			return fmt.Errorf("join-room message missing roomId")
		}
	case TypeLeaveRoom, TypeScreenShareStarted, TypeScreenShareStopped, TypePing:
		// Only the type tag (and optional correlationId).
	case TypeOffer:
		if len(m.Offer) == 0 {
			return fmt.Errorf("offer message missing offer")
		}
		if m.TargetUserID == "" && m.TargetConnectionID == "" {
			return fmt.Errorf("offer message missing target")
		}
	case TypeAnswer:
		if len(m.Answer) == 0 {
			return fmt.Errorf("answer message missing answer")
		}
		if m.TargetUserID == "" && m.TargetConnectionID == "" {
			return fmt.Errorf("answer message missing target")
		}
	case TypeICECandidate:
		if len(m.Candidate) == 0 {
			return fmt.Errorf("ice-candidate message missing candidate")
		}
		if m.TargetUserID == "" && m.TargetConnectionID == "" {
			return fmt.Errorf("ice-candidate message missing target")
		}
	case TypeChatMessage:
		if m.Text == "" {
			return fmt.Errorf("chat-message missing text")
		}
		if utf8.RuneCountInString(m.Text) > MaxChatTextLen {
			return fmt.Errorf("chat-message text exceeds %d characters", MaxChatTextLen)
		}
	case TypeTyping:
		if m.IsTyping == nil {
			return fmt.Errorf("typing message missing isTyping")
		}
	case TypeReaction:
		if m.Emoji == "" {
			return fmt.Errorf("reaction message missing emoji")
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}

// TruncateRunes returns s cut to at most n runes. Used for reaction tokens,
// which must not be split mid-emoji.
func TruncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
