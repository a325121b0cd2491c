package session

import (
	"net"
	"regexp"
	"strings"

	"github.com/shipurjan/openchess/internal/apperr"
)

// canonicalUUID matches the canonical 8-4-4-4-12 hex UUID shape with no
// colon, asterisk, question mark, bracket, whitespace or control character
// — the store-key-injection defense spec.md §4.4 requires.
var canonicalUUID = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// ValidateID rejects anything that is not a canonical UUID string.
func ValidateID(id string) error {
	if !canonicalUUID.MatchString(id) {
		return apperr.New(apperr.ValidationError, "game id must be a canonical UUID")
	}
	return nil
}

// ValidateIP rejects anything that does not parse as IPv4 or IPv6, and
// returns a key-safe form with colons substituted (IPv6 addresses contain
// colons, which would otherwise collide with Redis key-segment separators).
func ValidateIP(ip string) (string, error) {
	if net.ParseIP(ip) == nil {
		return "", apperr.New(apperr.ValidationError, "creator ip is not a parseable address")
	}
	return strings.ReplaceAll(ip, ":", "_"), nil
}

func gameKey(id string) string         { return "game:" + id }
func seatsKey(id string) string        { return "seats:" + id }
func movesKey(id string) string        { return "moves:" + id }
func drawOfferKey(id string) string    { return "drawoffer:" + id }
func rematchOfferKey(id string) string { return "rematchoffer:" + id }
func abandonTimerKey(id string) string { return "abandontimer:" + id }
func spectatorKey(id string) string    { return "spectators:" + id }
func ipActiveKey(ip string) string     { return "ipactive:" + ip }

const lobbyKey = "lobby:public"

func allSubkeys(id string) []string {
	return []string{gameKey(id), seatsKey(id), movesKey(id), drawOfferKey(id), rematchOfferKey(id), abandonTimerKey(id), spectatorKey(id)}
}
