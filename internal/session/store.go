package session

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/google/uuid"

	"github.com/shipurjan/openchess/internal/apperr"
	"github.com/shipurjan/openchess/internal/kv"
)

// Store is the Session Store (C4). It owns every mutation of a room's
// durable state; callers never write to kv directly.
type Store struct {
	kv               *kv.Store
	now              Clock
	maxActiveGamesIP int
}

// New builds a Store. maxActiveGamesPerIP enforces spec.md §6's
// MAX_ACTIVE_GAMES_PER_IP quota in createGame.
func New(store *kv.Store, maxActiveGamesPerIP int) *Store {
	return &Store{kv: store, now: defaultClock, maxActiveGamesIP: maxActiveGamesPerIP}
}

// WithClock overrides the time source, for deterministic tests.
func (s *Store) WithClock(c Clock) *Store {
	s.now = c
	return s
}

func (s *Store) nowMs() int64 { return s.now().UnixMilli() }

// CreateGameParams are the validated, clamped inputs to CreateGame.
type CreateGameParams struct {
	IsPublic        bool
	CreatorIP       string
	TimeInitialMs   int64
	TimeIncrementMs int64
	CreatorColor    Color
	CreatedByUA     string
}

// CreateGame mints a new WAITING room. Fails with apperr.RateLimited if the
// creator IP is already at its active-game quota.
func (s *Store) CreateGame(ctx context.Context, p CreateGameParams) (id string, whiteToken string, err error) {
	safeIP := ""
	if p.CreatorIP != "" {
		safeIP, err = ValidateIP(p.CreatorIP)
		if err != nil {
			return "", "", err
		}
		count, cerr := s.kv.SCard(ctx, ipActiveKey(safeIP))
		if cerr != nil {
			return "", "", apperr.Wrap(apperr.Internal, "check ip quota", cerr)
		}
		if int(count) >= s.maxActiveGamesIP {
			return "", "", apperr.RateLimit("too many active games for this ip", 0)
		}
	}

	id = uuid.NewString()
	whiteToken = uuid.NewString()
	now := s.nowMs()

	rec := GameRecord{
		ID:           id,
		Status:       StatusWaiting,
		Result:       ResultNone,
		CurrentFEN:   "", // empty means "standard start"; resolved by callers via chesscore.StartFEN
		IsPublic:     p.IsPublic,
		CreatorColor: p.CreatorColor,
		CreatorIP:    safeIP,
		CreatedByUA:     p.CreatedByUA,
		TimeInitialMs:   p.TimeInitialMs,
		TimeIncrementMs: p.TimeIncrementMs,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	seats := Seats{WhiteToken: whiteToken}

	if err := s.kv.HSet(ctx, gameKey(id), rec.toHash()); err != nil {
		return "", "", apperr.Wrap(apperr.Internal, "write game record", err)
	}
	if err := s.kv.HSet(ctx, seatsKey(id), seats.toHash()); err != nil {
		return "", "", apperr.Wrap(apperr.Internal, "write seats", err)
	}
	ttl := ttlFor(StatusWaiting)
	for _, k := range []string{gameKey(id), seatsKey(id)} {
		_ = s.kv.Expire(ctx, k, ttl)
	}
	if p.IsPublic {
		_ = s.kv.ZAdd(ctx, lobbyKey, float64(now), id)
	}
	if safeIP != "" {
		_ = s.kv.SAdd(ctx, ipActiveKey(safeIP), id)
	}
	return id, whiteToken, nil
}

// GetGame returns the full record, or (nil, nil) if absent.
func (s *Store) GetGame(ctx context.Context, id string) (*GameRecord, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	h, err := s.kv.HGetAll(ctx, gameKey(id))
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "read game record", err)
	}
	if len(h) == 0 {
		return nil, nil
	}
	rec := gameFromHash(h)
	return &rec, nil
}

// GetSeats returns the current seat/token bindings.
func (s *Store) GetSeats(ctx context.Context, id string) (*Seats, error) {
	h, err := s.kv.HGetAll(ctx, seatsKey(id))
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "read seats", err)
	}
	if len(h) == 0 {
		return nil, nil
	}
	seats := seatsFromHash(h)
	return &seats, nil
}

// resolveColor collapses "random" to "white" or "black" with an unbiased
// coin flip. Kept in Go rather than Lua per DESIGN.md's Open Question
// decision, and seeded from crypto/rand so the flip cannot be predicted or
// biased by room id or IP (the two candidates the spec explicitly rejects
// biasing against).
func resolveColor(c Color) Color {
	if c != ColorRandom {
		return c
	}
	n, err := rand.Int(rand.Reader, big.NewInt(2))
	if err != nil || n.Int64() == 0 {
		return ColorWhite
	}
	return ColorBlack
}

// JoinResult is returned by Join.
type JoinResult struct {
	Token string
	Role  Color
}

// Join runs joinScript. creatorColor is read from the game record so the
// caller never has to pass it separately.
func (s *Store) Join(ctx context.Context, id string) (JoinResult, error) {
	rec, err := s.GetGame(ctx, id)
	if err != nil {
		return JoinResult{}, err
	}
	if rec == nil {
		return JoinResult{}, apperr.New(apperr.NotFound, "game not found")
	}

	resolved := resolveColor(rec.CreatorColor)
	joinerToken := uuid.NewString()
	ttl := int(ttlFor(StatusInProgress).Seconds())

	out, err := s.kv.Join(ctx, gameKey(id), seatsKey(id), joinerToken, s.nowMs(), ttl, string(resolved))
	if err != nil {
		switch err {
		case kv.ErrNotWaiting:
			return JoinResult{}, apperr.New(apperr.PreconditionFailed, "game is not waiting for a second player")
		case kv.ErrAlreadyFull:
			return JoinResult{}, apperr.New(apperr.Conflict, "game already has two seats")
		default:
			return JoinResult{}, apperr.Wrap(apperr.Internal, "join", err)
		}
	}
	return JoinResult{Token: joinerToken, Role: Color(out.JoinerRole)}, nil
}

// GetMoves returns the full move log for a room.
func (s *Store) GetMoves(ctx context.Context, id string) ([]MoveLogEntry, error) {
	raw, err := s.kv.LRange(ctx, movesKey(id), 0, -1)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "read moves", err)
	}
	out := make([]MoveLogEntry, 0, len(raw))
	for _, r := range raw {
		e, err := decodeMoveEntry(r)
		if err != nil {
			// Corrupted entries are handled by the caller's replay-recovery
			// path (spec.md §7); surface them as a StoreCorruption error
			// rather than silently dropping here.
			return out, apperr.Wrap(apperr.StoreCorruption, "decode move log entry", err)
		}
		out = append(out, e)
	}
	return out, nil
}

// MoveParams are the inputs to DeductTimeAndMove.
type MoveParams struct {
	Mover Color
	SAN   string
	FEN   string
}

// MoveOutcome is returned by DeductTimeAndMove.
type MoveOutcome struct {
	TimedOut     bool
	Loser        Color
	NewBalanceMs int64
}

// DeductTimeAndMove runs deductTimeScript (spec.md §4.8): computes the
// mover's elapsed time against their clock balance, rejecting the move as a
// flag if exhausted, else crediting the increment and appending the move.
func (s *Store) DeductTimeAndMove(ctx context.Context, id string, p MoveParams, clockMsAfter int64) (MoveOutcome, error) {
	moves, err := s.kv.LRange(ctx, movesKey(id), 0, -1)
	if err != nil {
		return MoveOutcome{}, apperr.Wrap(apperr.Internal, "read move count", err)
	}
	moveNumber := len(moves) + 1
	ttl := int(ttlFor(StatusInProgress).Seconds())

	out, err := s.kv.DeductTimeAndMove(ctx, gameKey(id), movesKey(id), string(p.Mover), s.nowMs(), p.SAN, p.FEN, moveNumber, clockMsAfter, ttl)
	if err != nil {
		return MoveOutcome{}, apperr.New(apperr.PreconditionFailed, "game is not in progress")
	}
	if out.Status == "timeout" {
		return MoveOutcome{TimedOut: true, Loser: Color(out.TimedOutMover)}, nil
	}
	return MoveOutcome{NewBalanceMs: out.NewBalanceMs}, nil
}

// SetGameResult transitions a room to FINISHED.
func (s *Store) SetGameResult(ctx context.Context, id string, result Result) error {
	return s.finalize(ctx, id, StatusFinished, result)
}

// SetGameAbandoned transitions a room to ABANDONED.
func (s *Store) SetGameAbandoned(ctx context.Context, id string, result Result) error {
	return s.finalize(ctx, id, StatusAbandoned, result)
}

func (s *Store) finalize(ctx context.Context, id string, status Status, result Result) error {
	if err := s.kv.HSet(ctx, gameKey(id), map[string]interface{}{
		"status":    string(status),
		"result":    string(result),
		"updatedAt": fmt.Sprintf("%d", s.nowMs()),
	}); err != nil {
		return apperr.Wrap(apperr.Internal, "finalize game", err)
	}
	ttl := ttlFor(status)
	for _, k := range allSubkeys(id) {
		_ = s.kv.Expire(ctx, k, ttl)
	}
	_ = s.kv.ZRem(ctx, lobbyKey, id)
	return nil
}

// SetPlayerConnected mirrors C5's live membership into the seats record, so
// sweep/abandonment logic can query connectivity without touching the hub.
func (s *Store) SetPlayerConnected(ctx context.Context, id string, color Color, connected bool) error {
	field := "whiteConnected"
	if color == ColorBlack {
		field = "blackConnected"
	}
	if err := s.kv.HSet(ctx, seatsKey(id), map[string]interface{}{field: boolStr(connected)}); err != nil {
		return apperr.Wrap(apperr.Internal, "set player connected", err)
	}
	if err := s.kv.HSet(ctx, gameKey(id), map[string]interface{}{"updatedAt": fmt.Sprintf("%d", s.nowMs())}); err != nil {
		return apperr.Wrap(apperr.Internal, "touch game record", err)
	}
	return nil
}

// --- single-slot offers (draw / rematch), §4.7 ---

// SetDrawOffer records the offering color, replacing any existing offer.
func (s *Store) SetDrawOffer(ctx context.Context, id string, by Color) error {
	return s.kv.Set(ctx, drawOfferKey(id), string(by), TTLInProgress)
}

// GetDrawOffer returns the offering color, or "" if none.
func (s *Store) GetDrawOffer(ctx context.Context, id string) (Color, error) {
	v, ok, err := s.kv.Get(ctx, drawOfferKey(id))
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, "get draw offer", err)
	}
	if !ok {
		return "", nil
	}
	return Color(v), nil
}

// ClearDrawOffer removes the draw offer slot.
func (s *Store) ClearDrawOffer(ctx context.Context, id string) error {
	return s.kv.Del(ctx, drawOfferKey(id))
}

// SetRematchOffer records the offering color.
func (s *Store) SetRematchOffer(ctx context.Context, id string, by Color) error {
	return s.kv.Set(ctx, rematchOfferKey(id), string(by), TTLTerminal)
}

// GetRematchOffer returns the offering color, or "" if none.
func (s *Store) GetRematchOffer(ctx context.Context, id string) (Color, error) {
	v, ok, err := s.kv.Get(ctx, rematchOfferKey(id))
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, "get rematch offer", err)
	}
	if !ok {
		return "", nil
	}
	return Color(v), nil
}

// ClearRematchOffer removes the rematch offer slot.
func (s *Store) ClearRematchOffer(ctx context.Context, id string) error {
	return s.kv.Del(ctx, rematchOfferKey(id))
}

// --- abandonment / claim-win, §4.8 ---

// SetAbandonmentTimer records a disconnect deadline, unless a live one
// already exists for this room (pre-condition documented in spec.md §4.4).
func (s *Store) SetAbandonmentTimer(ctx context.Context, id string, disconnected Color, timeoutSeconds int) error {
	if existing, err := s.GetAbandonmentTimer(ctx, id); err == nil && existing != nil && s.nowMs() < existing.DeadlineMs {
		return nil
	}
	timer := AbandonmentTimer{DisconnectedColor: disconnected, DeadlineMs: s.nowMs() + int64(timeoutSeconds)*1000}
	raw, err := encodeTimer(timer)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "encode abandonment timer", err)
	}
	return s.kv.Set(ctx, abandonTimerKey(id), raw, TTLInProgress)
}

// ClearAbandonmentTimer removes the disconnect timer (on reconnect).
func (s *Store) ClearAbandonmentTimer(ctx context.Context, id string) error {
	return s.kv.Del(ctx, abandonTimerKey(id))
}

// GetAbandonmentTimer returns the active timer, or nil if none.
func (s *Store) GetAbandonmentTimer(ctx context.Context, id string) (*AbandonmentTimer, error) {
	v, ok, err := s.kv.Get(ctx, abandonTimerKey(id))
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "get abandonment timer", err)
	}
	if !ok {
		return nil, nil
	}
	t, err := decodeTimer(v)
	if err != nil {
		return nil, apperr.Wrap(apperr.StoreCorruption, "decode abandonment timer", err)
	}
	return &t, nil
}

// AbandonmentOutcome is returned by CheckAndProcessAbandonment.
type AbandonmentOutcome struct {
	Abandoned bool
	Result    Result
}

// CheckAndProcessAbandonment finalizes a room as ABANDONED if its timer's
// deadline has passed. Its only caller is the sweeper's zombie-room pass; the
// protocol dispatcher does not call it, so an expired timer is finalized on
// the next sweep.
func (s *Store) CheckAndProcessAbandonment(ctx context.Context, id string) (AbandonmentOutcome, error) {
	timer, err := s.GetAbandonmentTimer(ctx, id)
	if err != nil || timer == nil {
		return AbandonmentOutcome{}, err
	}
	if s.nowMs() < timer.DeadlineMs {
		return AbandonmentOutcome{}, nil
	}
	winner := timer.DisconnectedColor.Opponent()
	result := ResultBlackWins
	if winner == ColorWhite {
		result = ResultWhiteWins
	}
	if err := s.SetGameAbandoned(ctx, id, result); err != nil {
		return AbandonmentOutcome{}, err
	}
	_ = s.kv.Del(ctx, abandonTimerKey(id))
	return AbandonmentOutcome{Abandoned: true, Result: result}, nil
}

// ClaimWin runs claimWinScript: the opponent of a disconnected player may
// claim victory only once the deadline recorded by SetAbandonmentTimer has
// passed and the disconnected side has not reconnected.
func (s *Store) ClaimWin(ctx context.Context, id string, claimant Color) (AbandonmentOutcome, error) {
	ttl := int(TTLTerminal.Seconds())
	out, err := s.kv.ClaimWin(ctx, gameKey(id), seatsKey(id), abandonTimerKey(id), string(claimant), s.nowMs(), ttl)
	if err != nil {
		return AbandonmentOutcome{}, apperr.Wrap(apperr.Internal, "claim win", err)
	}
	switch out.Status {
	case "ok":
		return AbandonmentOutcome{Abandoned: true, Result: Result(out.Result)}, nil
	case "NoTimer":
		return AbandonmentOutcome{}, apperr.New(apperr.PreconditionFailed, "no disconnect timer is active")
	case "NotOpponent":
		return AbandonmentOutcome{}, apperr.New(apperr.Unauthorized, "only the opponent of the disconnected side may claim")
	case "DeadlineNotPassed":
		return AbandonmentOutcome{}, apperr.New(apperr.PreconditionFailed, "claim deadline has not passed yet")
	case "OpponentReconnected":
		return AbandonmentOutcome{}, apperr.New(apperr.PreconditionFailed, "opponent has reconnected")
	default:
		return AbandonmentOutcome{}, apperr.New(apperr.Internal, "unexpected claim win status: "+out.Status)
	}
}

// --- rematch, §4.7 ---

// RematchResult is returned by CreateRematchGame.
type RematchResult struct {
	NewID         string
	WhiteToken    string // token of the peer now seated white
	BlackToken    string // token of the peer now seated black
}

// CreateRematchGame mints a new IN_PROGRESS room with colors swapped
// relative to the previous game: the holder of the previous white token is
// now seated black, and vice versa (spec.md §4.4, §8 round-trip law).
func (s *Store) CreateRematchGame(ctx context.Context, prevID, prevWhiteToken, prevBlackToken string, timeInitialMs, timeIncrementMs int64) (RematchResult, error) {
	newID := uuid.NewString()
	now := s.nowMs()

	rec := GameRecord{
		ID:              newID,
		Status:          StatusInProgress,
		Result:          ResultNone,
		CurrentFEN:      "",
		IsPublic:        false,
		CreatorColor:    ColorWhite,
		TimeInitialMs:   timeInitialMs,
		TimeIncrementMs: timeIncrementMs,
		CreatedAt:       now,
		UpdatedAt:       now,
		RematchOfID:     prevID,
	}
	if timeInitialMs > 0 {
		rec.WhiteTimeMs = timeInitialMs
		rec.BlackTimeMs = timeInitialMs
		rec.LastMoveAt = now
	}
	seats := Seats{
		WhiteToken:     prevBlackToken,
		BlackToken:     prevWhiteToken,
		WhiteConnected: true,
		BlackConnected: true,
	}

	batch := NewBatch(ctx).
		HSet(gameKey(newID), rec.toHash()).
		HSet(seatsKey(newID), seats.toHash()).
		Expire(gameKey(newID), TTLInProgress).
		Expire(seatsKey(newID), TTLInProgress)

	err := s.kv.Pipeline(ctx, batch.commit)
	if err != nil {
		return RematchResult{}, apperr.Wrap(apperr.Internal, "create rematch game", err)
	}

	return RematchResult{NewID: newID, WhiteToken: prevBlackToken, BlackToken: prevWhiteToken}, nil
}

// --- archive, §4.4 / §4.3 ---

// ArchiveRecord is the projection of a room handed to internal/archive.
type ArchiveRecord struct {
	Game  GameRecord
	Seats Seats
	Moves []MoveLogEntry
}

// Snapshot reads everything needed to archive a room, including the seat
// tokens: the archive schema keeps them for the lifetime of the game row
// (spec.md §6), even though the hot seats:* key is deleted alongside it.
func (s *Store) Snapshot(ctx context.Context, id string) (*ArchiveRecord, error) {
	rec, err := s.GetGame(ctx, id)
	if err != nil || rec == nil {
		return nil, err
	}
	seats, err := s.GetSeats(ctx, id)
	if err != nil {
		return nil, err
	}
	if seats == nil {
		seats = &Seats{}
	}
	moves, err := s.GetMoves(ctx, id)
	if err != nil && !apperr.Is(err, apperr.StoreCorruption) {
		return nil, err
	}
	return &ArchiveRecord{Game: *rec, Seats: *seats, Moves: moves}, nil
}

// Delete removes every hot key for a room and its ip/lobby index entries.
// Called after an archive write commits (invariant 6, spec.md §3) or when a
// WAITING room's creator disconnects from an empty room (spec.md §4.8).
func (s *Store) Delete(ctx context.Context, id string) error {
	rec, err := s.GetGame(ctx, id)
	if err != nil {
		return err
	}
	if err := s.kv.Del(ctx, allSubkeys(id)...); err != nil {
		return apperr.Wrap(apperr.Internal, "delete room keys", err)
	}
	_ = s.kv.ZRem(ctx, lobbyKey, id)
	if rec != nil && rec.CreatorIP != "" {
		_ = s.kv.SRem(ctx, ipActiveKey(rec.CreatorIP), id)
	}
	return nil
}

// ScanRoomIDs performs one cursored SCAN step over game:* keys, returning
// canonical-UUID ids only (spec.md §4.9 injection defense).
func (s *Store) ScanRoomIDs(ctx context.Context, cursor uint64, count int64) (ids []string, next uint64, err error) {
	keys, next, err := s.kv.Scan(ctx, cursor, "game:*", count)
	if err != nil {
		return nil, 0, err
	}
	for _, k := range keys {
		id := k[len("game:"):]
		if canonicalUUID.MatchString(id) {
			ids = append(ids, id)
		}
	}
	return ids, next, nil
}

// SpectatorCount/SetSpectatorCount store a per-room spectator count under its
// own key. The lobby listing in internal/transport reads the live count from
// the hub instead, and nothing in this module calls SetSpectatorCount.
func (s *Store) SetSpectatorCount(ctx context.Context, id string, n int) error {
	return s.kv.Set(ctx, spectatorKey(id), fmt.Sprintf("%d", n), ttlFor(StatusInProgress))
}

func (s *Store) SpectatorCount(ctx context.Context, id string) (int, error) {
	v, ok, err := s.kv.Get(ctx, spectatorKey(id))
	if err != nil || !ok {
		return 0, err
	}
	var n int
	fmt.Sscanf(v, "%d", &n)
	return n, nil
}

// LobbyListing returns up to count public WAITING/IN_PROGRESS room ids,
// newest first.
func (s *Store) LobbyListing(ctx context.Context, offset, count int64) ([]string, error) {
	return s.kv.ZRevRangeByScore(ctx, lobbyKey, offset, count)
}
