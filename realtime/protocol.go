// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package realtime

import "encoding/json"

// Socket message types shared by the secondary transport and the relay hub.
const (
	MsgSubscribeMatch  = "subscribe-match"
	MsgMatchDataUpdate = "match-data-update"
	MsgMatchFullData   = "match-full-data"
)

// Message is the JSON envelope of the secondary transport protocol.
// Client to server: {type: "subscribe-match", matchId}. Server to client:
// {type: "match-data-update" | "match-full-data", matchId, data}. Both kinds
// of inbound data message are equivalent refetch triggers for subscribers.
type Message struct {
	Type    string          `json:"type"`
	MatchID string          `json:"matchId,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}
