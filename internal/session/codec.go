package session

import (
	"encoding/json"
	"strconv"
)

func encodeTimer(t AbandonmentTimer) (string, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeTimer(raw string) (AbandonmentTimer, error) {
	var t AbandonmentTimer
	err := json.Unmarshal([]byte(raw), &t)
	return t, err
}

func decodeMoveEntry(raw string) (MoveLogEntry, error) {
	var e MoveLogEntry
	err := json.Unmarshal([]byte(raw), &e)
	return e, err
}

// toHash encodes a GameRecord into the flat string-map a Redis hash holds.
func (g GameRecord) toHash() map[string]interface{} {
	return map[string]interface{}{
		"id":              g.ID,
		"status":          string(g.Status),
		"result":          string(g.Result),
		"currentFen":      g.CurrentFEN,
		"isPublic":        boolStr(g.IsPublic),
		"creatorColor":    string(g.CreatorColor),
		"creatorIp":       g.CreatorIP,
		"createdByUa":     g.CreatedByUA,
		"timeInitialMs":   strconv.FormatInt(g.TimeInitialMs, 10),
		"timeIncrementMs": strconv.FormatInt(g.TimeIncrementMs, 10),
		"whiteTimeMs":     strconv.FormatInt(g.WhiteTimeMs, 10),
		"blackTimeMs":     strconv.FormatInt(g.BlackTimeMs, 10),
		"lastMoveAt":      strconv.FormatInt(g.LastMoveAt, 10),
		"createdAt":       strconv.FormatInt(g.CreatedAt, 10),
		"updatedAt":       strconv.FormatInt(g.UpdatedAt, 10),
		"rematchOfId":     g.RematchOfID,
	}
}

func gameFromHash(h map[string]string) GameRecord {
	return GameRecord{
		ID:              h["id"],
		Status:          Status(h["status"]),
		Result:          Result(h["result"]),
		CurrentFEN:      h["currentFen"],
		IsPublic:        h["isPublic"] == "1",
		CreatorColor:    Color(h["creatorColor"]),
		CreatorIP:       h["creatorIp"],
		CreatedByUA:     h["createdByUa"],
		TimeInitialMs:   parseInt64(h["timeInitialMs"]),
		TimeIncrementMs: parseInt64(h["timeIncrementMs"]),
		WhiteTimeMs:     parseInt64(h["whiteTimeMs"]),
		BlackTimeMs:     parseInt64(h["blackTimeMs"]),
		LastMoveAt:      parseInt64(h["lastMoveAt"]),
		CreatedAt:       parseInt64(h["createdAt"]),
		UpdatedAt:       parseInt64(h["updatedAt"]),
		RematchOfID:     h["rematchOfId"],
	}
}

func (s Seats) toHash() map[string]interface{} {
	return map[string]interface{}{
		"whiteToken":     s.WhiteToken,
		"blackToken":     s.BlackToken,
		"whiteConnected": boolStr(s.WhiteConnected),
		"blackConnected": boolStr(s.BlackConnected),
	}
}

func seatsFromHash(h map[string]string) Seats {
	return Seats{
		WhiteToken:     h["whiteToken"],
		BlackToken:     h["blackToken"],
		WhiteConnected: h["whiteConnected"] == "1",
		BlackConnected: h["blackConnected"] == "1",
	}
}

func boolStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func parseInt64(s string) int64 {
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
