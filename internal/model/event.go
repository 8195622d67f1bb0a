package model

import (
	"encoding/json"
	"strings"
)

// ChangeOp is a row-change operation emitted by a database trigger.
type ChangeOp string

const (
	OpInsert ChangeOp = "INSERT"
	OpUpdate ChangeOp = "UPDATE"
	OpDelete ChangeOp = "DELETE"
)

// ChangeEvent is the payload a table trigger publishes on <table>_changes.
// Data carries the new row for INSERT/UPDATE; OldData the previous row for
// UPDATE/DELETE. Row values are plain JSON (UUIDs as strings, timestamps
// as RFC 3339).
type ChangeEvent struct {
	Operation ChangeOp        `json:"operation"`
	Table     string          `json:"table"`
	Data      json.RawMessage `json:"data,omitempty"`
	OldData   json.RawMessage `json:"old_data,omitempty"`

	// Channel is the LISTEN channel the event arrived on. Filled by the
	// bridge, not part of the trigger payload.
	Channel string `json:"-"`
}

// ChannelSuffix is appended to a table name to form its LISTEN channel.
const ChannelSuffix = "_changes"

// WildcardSubscription matches change events from every managed table.
const WildcardSubscription = "tables" + ChannelSuffix

// ChannelForTable returns the LISTEN channel carrying a table's changes.
func ChannelForTable(table string) string { return table + ChannelSuffix }

// TableForChannel inverts ChannelForTable; ok is false for non-change channels.
func TableForChannel(channel string) (table string, ok bool) {
	return strings.CutSuffix(channel, ChannelSuffix)
}

// Client → server WebSocket message types.
const (
	MsgAuthenticate = "authenticate"
	MsgSubscribe    = "subscribe"
	MsgUnsubscribe  = "unsubscribe"
)

// ClientMessage is any frame a realtime client sends.
type ClientMessage struct {
	Type           string            `json:"type"`
	Token          string            `json:"token,omitempty"`
	SubscriptionID string            `json:"subscription_id,omitempty"`
	Data           *SubscriptionData `json:"data,omitempty"`
}

// SubscriptionData carries the optional table filter of a subscribe frame.
type SubscriptionData struct {
	Table string `json:"table,omitempty"`
}

// Server → client WebSocket frame types.
const (
	FrameDatabaseChange = "database_change"
	FrameAuthenticated  = "authenticated"
	FrameSubscribed     = "subscribed"
	FrameUnsubscribed   = "unsubscribed"
	FrameError          = "error"
)

// ServerFrame is any frame the realtime router sends.
type ServerFrame struct {
	Type           string       `json:"type"`
	SubscriptionID string       `json:"subscription_id,omitempty"`
	Data           *ChangeEvent `json:"data,omitempty"`
	Message        string       `json:"message,omitempty"`
}
