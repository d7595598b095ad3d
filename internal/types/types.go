package types

import (
	"encoding/json"

	pub "github.com/DoyleJ11/arena-backend/pkg/types"
)

// Client -> server frame types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeJoinQueue   = "join-queue"
	TypeLeaveQueue  = "leave-queue"
	TypeReady       = "ready"
	TypeAction      = "action"
	TypeForfeit     = "forfeit"
	TypeResync      = "resync"
	TypeAck         = "ack"
	TypePing        = "ping"
)

// Server -> client frame types.
const (
	TypeEvent          = "event"
	TypeReply          = "reply"
	TypeResyncRequired = "resync-required"
)

// Error codes that are not owned by a domain package.
const (
	CodeBadRequest  = "bad-request"
	CodeUnknownType = "unknown-type"
	CodeNotFound    = "not-found"
	CodeInternal    = "internal"
)

type ClientMessage struct {
	ID      string            `json:"id,omitempty"` // echoed in the reply; doubles as the event id
	Type    string            `json:"type"`
	Topic   string            `json:"topic,omitempty"`
	Mode    pub.Mode          `json:"mode,omitempty"`
	Variant pub.Variant       `json:"variant,omitempty"`
	Player  *pub.Player       `json:"player,omitempty"`
	RoomID  string            `json:"roomId,omitempty"`
	Action  *pub.BattleAction `json:"action,omitempty"`
}

type ServerMessage struct {
	Type  string          `json:"type"` // "event" | "reply" | "resync-required"
	Topic string          `json:"topic,omitempty"`
	Event json.RawMessage `json:"event,omitempty"`

	ID    string          `json:"id,omitempty"`
	OK    bool            `json:"ok,omitempty"`
	Code  string          `json:"code,omitempty"`
	Error string          `json:"error,omitempty"`
	Entry *pub.QueueEntry `json:"entry,omitempty"`
	Room  *pub.RoomView   `json:"room,omitempty"`
}
