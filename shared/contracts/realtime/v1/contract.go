// Package v1 defines the Herald Realtime Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the server gateway and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session (client -> server). It carries the last offset the client has seen.
	TypeHello = "hello"
	// TypeHelloAck confirms the session identity (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeNameSet sets the session display name (client -> server).
	TypeNameSet = "name_set"

	// TypeRoomJoin joins a room (client -> server).
	TypeRoomJoin = "room_join"
	// TypeRoomJoined confirms a join (server -> client).
	TypeRoomJoined = "room_joined"
	// TypeRoomLeave leaves a room (client -> server).
	TypeRoomLeave = "room_leave"
	// TypeRoomLeft confirms a leave (server -> client).
	TypeRoomLeft = "room_left"

	// TypeMessageSend requests appending a message to the log (client -> server).
	TypeMessageSend = "message_send"
	// TypeMessageAck acknowledges a send request, including duplicates (server -> client).
	TypeMessageAck = "message_ack"
	// TypeMessageNew delivers an accepted record in realtime (server -> subscribers).
	TypeMessageNew = "message_new"

	// TypeSync requests replay of everything after an offset (client -> server).
	TypeSync = "sync"
	// TypeCatchUpBatch delivers replayed records in offset order (server -> client).
	TypeCatchUpBatch = "catch_up_batch"
	// TypeSyncReset tells the client its offset is older than retained history (server -> client).
	TypeSyncReset = "sync_reset"

	// TypePresenceSnapshot carries identity -> display name for everyone online (server -> client).
	TypePresenceSnapshot = "presence_snapshot"

	// TypeTyping is an ephemeral typing indicator (both directions).
	TypeTyping = "typing"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeNameSet,
		TypeRoomJoin,
		TypeRoomJoined,
		TypeRoomLeave,
		TypeRoomLeft,
		TypeMessageSend,
		TypeMessageAck,
		TypeMessageNew,
		TypeSync,
		TypeCatchUpBatch,
		TypeSyncReset,
		TypePresenceSnapshot,
		TypeTyping,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload is sent by the client to start a session.
// Identity is optional (server assigns one); LastOffset absent means full replay.
type HelloPayload struct {
	Identity   string `json:"identity,omitempty"`
	LastOffset *int64 `json:"last_offset,omitempty"`
}

// HelloAckPayload carries the identity the session runs under.
type HelloAckPayload struct {
	Identity  string `json:"identity"`
	SessionID string `json:"session_id"`
}

// NameSetPayload sets the display name shown in presence.
type NameSetPayload struct {
	Name string `json:"name"`
}

// RoomPayload is used by room_join, room_joined, room_leave and room_left.
type RoomPayload struct {
	Room string `json:"room"`
}

// MessageSendPayload requests appending a message.
//
// Topic is "global", "room:<id>" or "direct". Direct messages require Recipient
// (or "direct:<identity>").
type MessageSendPayload struct {
	IdempotencyKey string `json:"idempotency_key"`
	Content        string `json:"content"`
	Recipient      string `json:"recipient,omitempty"`
	Topic          string `json:"topic,omitempty"`
}

// MessageAckPayload acknowledges a send. Duplicate is true when the key was already stored.
type MessageAckPayload struct {
	IdempotencyKey string `json:"idempotency_key"`
	Offset         int64  `json:"offset"`
	Duplicate      bool   `json:"duplicate"`
}

// MessageNewPayload is one stored record.
type MessageNewPayload struct {
	Offset         int64     `json:"offset"`
	IdempotencyKey string    `json:"idempotency_key"`
	Content        string    `json:"content"`
	Sender         string    `json:"sender"`
	SenderName     string    `json:"sender_name,omitempty"`
	Recipient      string    `json:"recipient,omitempty"`
	Topic          string    `json:"topic"`
	CreatedAt      time.Time `json:"created_at"`
}

// SyncPayload requests replay of records with offset > LastOffset.
type SyncPayload struct {
	LastOffset int64 `json:"last_offset"`
}

// CatchUpBatchPayload is one page of replayed records.
// Watermark is the offset the client is synced up to once HasMore is false.
type CatchUpBatchPayload struct {
	Messages  []MessageNewPayload `json:"messages"`
	Watermark int64               `json:"watermark"`
	HasMore   bool                `json:"has_more"`
}

// SyncResetPayload signals that history before Floor is gone and local state must be rebuilt.
type SyncResetPayload struct {
	Floor int64 `json:"floor"`
}

// PresenceSnapshotPayload maps identity -> display name.
type PresenceSnapshotPayload struct {
	Online map[string]string `json:"online"`
}

// TypingPayload is an ephemeral typing indicator.
// Clients send Topic + IsTyping; the server fills Identity and DisplayName.
type TypingPayload struct {
	Topic       string `json:"topic"`
	Identity    string `json:"identity,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	IsTyping    bool   `json:"is_typing"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
