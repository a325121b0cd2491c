// Package protocol is the Protocol Dispatcher (C6): it validates every
// inbound frame against the closed set and whitelisted fields spec.md §4.6
// defines, routes accepted frames to internal/lifecycle, and emits typed
// outbound frames through internal/outbound. Unknown frames and malformed
// payloads are rejected fail-closed — no handler ever falls through a
// `default` case (spec.md §9).
package protocol

import (
	"bytes"
	"encoding/json"
	"regexp"

	"github.com/shipurjan/openchess/internal/apperr"
)

// MaxFrameBytes is the largest raw inbound frame accepted (spec.md §4.6, §6).
const MaxFrameBytes = 1024

// MaxTypeLength bounds the "type" field before it is ever switched on.
const MaxTypeLength = 20

// InType is the closed set of inbound frame discriminators.
type InType string

const (
	InJoin          InType = "join"
	InMove          InType = "move"
	InResign        InType = "resign"
	InDrawOffer     InType = "draw_offer"
	InDrawAccept    InType = "draw_accept"
	InDrawDecline   InType = "draw_decline"
	InDrawCancel    InType = "draw_cancel"
	InRematchOffer  InType = "rematch_offer"
	InRematchAccept InType = "rematch_accept"
	InRematchCancel InType = "rematch_cancel"
	InFlag          InType = "flag"
	InClaimWin      InType = "claim_win"
)

// forbiddenTypes guards against prototype-pollution-flavored type strings
// even though Go has no prototype chain — the spec requires rejecting them
// explicitly as a defense-in-depth, closed-set rule (spec.md §4.6).
var forbiddenTypes = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
}

var squarePattern = regexp.MustCompile(`^[a-h][1-8]$`)

// envelope is decoded once per frame to read "type" before deciding which
// strict struct to re-decode the raw bytes into.
type envelope struct {
	Type InType `json:"type"`
}

// joinPayload is the only field join accepts.
type joinPayload struct {
	GameID string `json:"gameId"`
}

// movePayload is the only set of fields move accepts.
type movePayload struct {
	From      string  `json:"from"`
	To        string  `json:"to"`
	Promotion *string `json:"promotion,omitempty"`
}

// noFieldsPayload is used by frame types that carry no body fields at all
// (resign, draw_accept, draw_decline, draw_cancel, rematch_accept,
// rematch_cancel, flag, claim_win, draw_offer, rematch_offer).
type noFieldsPayload struct{}

// ParseEnvelope runs the (1) size check, (2) JSON parse, (3) type-shape
// checks spec.md §4.6 requires, in that order, fail-closed throughout.
func ParseEnvelope(raw []byte) (InType, json.RawMessage, error) {
	if len(raw) > MaxFrameBytes {
		return "", nil, apperr.New(apperr.ValidationError, "frame exceeds maximum size of 1024 bytes")
	}

	var env envelope
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&env); err != nil {
		return "", nil, apperr.Wrap(apperr.ValidationError, "malformed frame", err)
	}

	if len(env.Type) == 0 || len(env.Type) > MaxTypeLength {
		return "", nil, apperr.New(apperr.ValidationError, "frame type has invalid length")
	}
	if forbiddenTypes[string(env.Type)] {
		return "", nil, apperr.New(apperr.ValidationError, "unknown frame type")
	}

	switch env.Type {
	case InJoin, InMove, InResign, InDrawOffer, InDrawAccept, InDrawDecline, InDrawCancel,
		InRematchOffer, InRematchAccept, InRematchCancel, InFlag, InClaimWin:
		return env.Type, raw, nil
	default:
		return "", nil, apperr.New(apperr.ValidationError, "unknown frame type")
	}
}

func decodeStrict(raw []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// ParseJoin validates a join frame's gameId field.
func ParseJoin(raw json.RawMessage) (string, error) {
	var p struct {
		Type   InType `json:"type"`
		GameID string `json:"gameId"`
	}
	if err := decodeStrict(raw, &p); err != nil {
		return "", apperr.Wrap(apperr.ValidationError, "join frame has unexpected fields", err)
	}
	if !canonicalUUID.MatchString(p.GameID) {
		return "", apperr.New(apperr.ValidationError, "gameId must be a canonical UUID")
	}
	return p.GameID, nil
}

var canonicalUUID = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// ParseMove validates a move frame's from/to/promotion fields.
func ParseMove(raw json.RawMessage) (from, to string, promo *string, err error) {
	var p struct {
		Type      InType  `json:"type"`
		From      string  `json:"from"`
		To        string  `json:"to"`
		Promotion *string `json:"promotion,omitempty"`
	}
	if err := decodeStrict(raw, &p); err != nil {
		return "", "", nil, apperr.Wrap(apperr.ValidationError, "move frame has unexpected fields", err)
	}
	if !squarePattern.MatchString(p.From) || !squarePattern.MatchString(p.To) {
		return "", "", nil, apperr.New(apperr.ValidationError, "from/to must be squares like e2, e4")
	}
	if p.Promotion != nil {
		switch *p.Promotion {
		case "q", "r", "b", "n":
		default:
			return "", "", nil, apperr.New(apperr.ValidationError, "promotion must be one of q, r, b, n")
		}
	}
	return p.From, p.To, p.Promotion, nil
}

// ParseNoFields validates that a frame carries only its "type" field.
func ParseNoFields(raw json.RawMessage) error {
	var p struct {
		Type InType `json:"type"`
	}
	if err := decodeStrict(raw, &p); err != nil {
		return apperr.Wrap(apperr.ValidationError, "frame accepts no additional fields", err)
	}
	return nil
}
