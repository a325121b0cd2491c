// Package outbound builds and delivers the closed set of server->client
// frames (spec.md §4.6). Grounded directly on notify/notify.go's
// New*-constructor + Send*-helper shape, generalized from Nakama's
// NotificationSend(ctx, userID, title, content, code, ...) to writing a JSON
// frame onto a hub.Peer's connection.
package outbound

import (
	"encoding/json"

	"github.com/shipurjan/openchess/internal/hub"
)

// Type is the closed set of outbound frame discriminators.
type Type string

const (
	TypeGameState           Type = "game_state"
	TypeMove                Type = "move"
	TypeError               Type = "error"
	TypeResign              Type = "resign"
	TypeDrawOffer           Type = "draw_offer"
	TypeDrawDeclined        Type = "draw_declined"
	TypeDrawAccepted        Type = "draw_accepted"
	TypeDrawCancelled       Type = "draw_cancelled"
	TypeOpponentConnected   Type = "opponent_connected"
	TypeOpponentDisconnected Type = "opponent_disconnected"
	TypeConnectionStatus    Type = "connection_status"
	TypeSpectatorCount      Type = "spectator_count"
	TypeGameUpdate          Type = "game_update"
	TypeRematchOffer        Type = "rematch_offer"
	TypeRematchAccepted     Type = "rematch_accepted"
	TypeRematchCancelled    Type = "rematch_cancelled"
	TypeFlag                Type = "flag"
	TypeClockSync           Type = "clock_sync"
	TypeGameAbandoned       Type = "game_abandoned"
)

// Frame is a typed outbound payload; Encode builds the wire bytes by merging
// Type into payload's own JSON object, mirroring RewardPayload's
// "one struct marshaled as the whole notification content" shape.
type Frame struct {
	Type    Type
	Payload interface{}
}

// New builds a Frame. Payload must marshal to a JSON object (a struct or a
// map[string]interface{}); for a payload that does not, Encode returns the
// JSON decoding error. A nil payload encodes as a frame with only "type".
func New(t Type, payload interface{}) Frame { return Frame{Type: t, Payload: payload} }

// Encode renders the frame to wire bytes: {"type": "...", <payload fields>}.
func (f Frame) Encode() ([]byte, error) {
	payloadBytes, err := json.Marshal(f.Payload)
	if err != nil {
		return nil, err
	}
	var merged map[string]interface{}
	if err := json.Unmarshal(payloadBytes, &merged); err != nil {
		return nil, err
	}
	if merged == nil {
		merged = map[string]interface{}{}
	}
	merged["type"] = f.Type
	return json.Marshal(merged)
}

// Broadcaster delivers frames through a hub.Hub.
type Broadcaster struct {
	Hub *hub.Hub
}

// NewBroadcaster builds a Broadcaster.
func NewBroadcaster(h *hub.Hub) *Broadcaster { return &Broadcaster{Hub: h} }

// Broadcast sends frame to every peer in roomID except excludePeerID.
func (b *Broadcaster) Broadcast(roomID string, f Frame, excludePeerID string) error {
	raw, err := f.Encode()
	if err != nil {
		return err
	}
	b.Hub.Broadcast(roomID, raw, excludePeerID)
	return nil
}

// SendTo delivers frame to exactly one peer (per-sender errors, individually
// addressed rematch tokens).
func (b *Broadcaster) SendTo(roomID, peerID string, f Frame) error {
	raw, err := f.Encode()
	if err != nil {
		return err
	}
	return b.Hub.SendTo(roomID, peerID, raw)
}

// ErrorPayload is the body of a TypeError frame.
type ErrorPayload struct {
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}

// Error builds a TypeError frame for a single recipient.
func Error(message, kind string) Frame {
	return New(TypeError, ErrorPayload{Message: message, Kind: kind})
}
