package protocol

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/shipurjan/openchess/internal/apperr"
	"github.com/shipurjan/openchess/internal/archive"
	"github.com/shipurjan/openchess/internal/chesscore"
	"github.com/shipurjan/openchess/internal/hub"
	"github.com/shipurjan/openchess/internal/lifecycle"
	"github.com/shipurjan/openchess/internal/outbound"
	"github.com/shipurjan/openchess/internal/session"
)

// ConnState is the per-connection state the dispatcher threads through every
// call: which peer, which room (once joined), its bearer token and resolved
// role. Transport owns the struct's lifetime; the dispatcher only mutates it.
type ConnState struct {
	PeerID string
	Token  string
	GameID string
	Role   hub.Role
	Conn   hub.Sender
}

// Dispatcher is the Protocol Dispatcher (C6).
type Dispatcher struct {
	Facade  *lifecycle.Facade
	Store   *session.Store
	Archive archive.Store
	Hub     *hub.Hub
	Out     *outbound.Broadcaster
	Log     *zap.Logger

	ClaimWinTimeoutSeconds    int
	AbandonmentTimeoutSeconds int
}

// Dispatch is the single entrypoint transport calls for every inbound
// message. Validation failures are replied to the sender only and never
// abort the connection (spec.md §4.6, §7). Errors are addressed through the
// joined room, so an error raised before a successful join is not sent.
func (d *Dispatcher) Dispatch(ctx context.Context, cs *ConnState, raw []byte) {
	t, payload, err := ParseEnvelope(raw)
	if err != nil {
		d.sendError(cs, err)
		return
	}

	if t != InJoin && cs.GameID == "" {
		d.sendError(cs, apperr.New(apperr.PreconditionFailed, "must join before sending other frames"))
		return
	}

	switch t {
	case InJoin:
		d.handleJoin(ctx, cs, payload)
	case InMove:
		d.handleMove(ctx, cs, payload)
	case InResign:
		d.handleResign(ctx, cs, payload)
	case InDrawOffer:
		d.handleDrawOffer(ctx, cs, payload)
	case InDrawAccept:
		d.handleDrawAccept(ctx, cs, payload)
	case InDrawDecline:
		d.handleDrawDecline(ctx, cs, payload)
	case InDrawCancel:
		d.handleDrawCancel(ctx, cs, payload)
	case InRematchOffer:
		d.handleRematchOffer(ctx, cs, payload)
	case InRematchAccept:
		d.handleRematchAccept(ctx, cs, payload)
	case InRematchCancel:
		d.handleRematchCancel(ctx, cs, payload)
	case InFlag:
		d.handleFlag(ctx, cs, payload)
	case InClaimWin:
		d.handleClaimWin(ctx, cs, payload)
	default:
		// Unreachable: ParseEnvelope already rejects anything outside the
		// closed set. Kept explicit rather than omitted, per §9's
		// "never fall through a default" rule for every switch on frame type.
		d.sendError(cs, apperr.New(apperr.ValidationError, "unknown frame type"))
	}
}

func (d *Dispatcher) sendError(cs *ConnState, err error) {
	var message, kind string
	if ae, ok := err.(*apperr.Error); ok {
		message = ae.Message
		kind = ae.Kind.String()
	} else {
		message = "internal error"
		kind = apperr.Internal.String()
	}
	frame := outbound.Error(message, kind)
	if cs.GameID == "" {
		return
	}
	_ = d.Out.SendTo(cs.GameID, cs.PeerID, frame)
}

func (d *Dispatcher) requirePlayer(cs *ConnState) error {
	if cs.Role != hub.RoleWhite && cs.Role != hub.RoleBlack {
		return apperr.New(apperr.Unauthorized, "you are not a player in this game")
	}
	return nil
}

func colorOf(role hub.Role) session.Color {
	if role == hub.RoleBlack {
		return session.ColorBlack
	}
	return session.ColorWhite
}

// --- join (attach this connection to the room; NOT seat assignment) ---

func (d *Dispatcher) handleJoin(ctx context.Context, cs *ConnState, payload json.RawMessage) {
	gameID, err := ParseJoin(payload)
	if err != nil {
		d.sendError(cs, err)
		return
	}

	seats, err := d.Store.GetSeats(ctx, gameID)
	if err != nil || seats == nil {
		d.sendError(cs, apperr.New(apperr.NotFound, "game not found"))
		return
	}

	role := hub.RoleSpectator
	switch cs.Token {
	case seats.WhiteToken:
		role = hub.RoleWhite
	case seats.BlackToken:
		role = hub.RoleBlack
	}

	cs.GameID = gameID
	cs.Role = role

	d.Hub.Attach(cs.PeerID, gameID, cs.Token, cs.Conn)

	if role == hub.RoleWhite || role == hub.RoleBlack {
		wasDisconnected := (role == hub.RoleWhite && !seats.WhiteConnected) || (role == hub.RoleBlack && !seats.BlackConnected)
		_ = d.Store.SetPlayerConnected(ctx, gameID, colorOf(role), true)
		if wasDisconnected {
			_ = d.Store.ClearAbandonmentTimer(ctx, gameID)
			_ = d.Out.Broadcast(gameID, outbound.New(outbound.TypeOpponentConnected, map[string]interface{}{"color": colorOf(role)}), cs.PeerID)
		}
	}

	d.Hub.SetRole(gameID, cs.PeerID, role)
	d.emitGameState(ctx, cs)
}

// emitGameState reconciles the move log against currentFen by replaying SAN
// through the chess rules oracle (spec.md §7 recovery policy) and sends the
// result to the joining peer only.
func (d *Dispatcher) emitGameState(ctx context.Context, cs *ConnState) {
	// A join/reconnect is the same observation point as an explicit flag
	// claim (§4.8): if the side to move has already busted its clock, the
	// server finalizes right here instead of handing back a live game_state
	// with stale time fields.
	if busted, result, err := d.Facade.FlagOpponent(ctx, cs.GameID); err == nil && busted {
		_ = d.Out.Broadcast(cs.GameID, outbound.New(outbound.TypeFlag, map[string]interface{}{"result": result}), "")
		d.finalizeTerminal(ctx, cs.GameID)
		return
	}

	rec, err := d.Store.GetGame(ctx, cs.GameID)
	if err != nil || rec == nil {
		d.sendError(cs, apperr.New(apperr.NotFound, "game not found"))
		return
	}
	moves, moveErr := d.Store.GetMoves(ctx, cs.GameID)

	sanSeq := make([]string, 0, len(moves))
	for _, m := range moves {
		sanSeq = append(sanSeq, m.SAN)
	}
	pos, failIdx := chesscore.Replay(sanSeq)

	corrupted := apperr.Is(moveErr, apperr.StoreCorruption) || failIdx != nil
	visibleMoves := moves
	fen := rec.CurrentFEN
	if fen == "" {
		fen = chesscore.StartFEN
	}
	if failIdx != nil {
		visibleMoves = moves[:*failIdx]
		fen = pos.FEN()
		d.Log.Warn("move log failed to replay; truncating", zap.String("game_id", cs.GameID), zap.Int("failed_at", *failIdx))
	} else if pos != nil {
		fen = pos.FEN()
	}

	payload := map[string]interface{}{
		"gameId":             rec.ID,
		"status":             rec.Status,
		"result":             rec.Result,
		"fen":                fen,
		"moves":               visibleMoves,
		"isPublic":           rec.IsPublic,
		"whiteTimeMs":        rec.WhiteTimeMs,
		"blackTimeMs":        rec.BlackTimeMs,
		"lastMoveAt":         rec.LastMoveAt,
		"gameStateCorrupted": corrupted,
	}
	_ = d.Out.SendTo(cs.GameID, cs.PeerID, outbound.New(outbound.TypeGameState, payload))
}

// NotifyGameUpdate is called by the HTTP collaborator (internal/transport)
// after a successful seat-assignment join, to re-resolve every already-
// attached peer's role against the now-final seats and broadcast
// clock_sync for timed games (spec.md §4.5, §4.8).
func (d *Dispatcher) NotifyGameUpdate(ctx context.Context, gameID string) {
	seats, err := d.Store.GetSeats(ctx, gameID)
	if err != nil || seats == nil {
		return
	}
	for _, p := range d.Hub.Peers(gameID) {
		role := hub.RoleSpectator
		switch p.BearerToken {
		case seats.WhiteToken:
			role = hub.RoleWhite
		case seats.BlackToken:
			role = hub.RoleBlack
		}
		d.Hub.SetRole(gameID, p.ID, role)
	}
	_ = d.Out.Broadcast(gameID, outbound.New(outbound.TypeGameUpdate, map[string]interface{}{"gameId": gameID}), "")

	rec, err := d.Store.GetGame(ctx, gameID)
	if err == nil && rec != nil && rec.TimeInitialMs > 0 {
		_ = d.Out.Broadcast(gameID, outbound.New(outbound.TypeClockSync, map[string]interface{}{
			"whiteTimeMs": rec.WhiteTimeMs,
			"blackTimeMs": rec.BlackTimeMs,
			"lastMoveAt":  rec.LastMoveAt,
		}), "")
	}
}

// --- move ---

func (d *Dispatcher) handleMove(ctx context.Context, cs *ConnState, payload json.RawMessage) {
	if err := d.requirePlayer(cs); err != nil {
		d.sendError(cs, err)
		return
	}
	from, to, promoStr, err := ParseMove(payload)
	if err != nil {
		d.sendError(cs, err)
		return
	}
	var promo *chesscore.Promotion
	if promoStr != nil {
		p := chesscore.Promotion(*promoStr)
		promo = &p
	}

	outcome, err := d.Facade.MakeMove(ctx, cs.GameID, colorOf(cs.Role), from, to, promo)
	if err != nil {
		d.sendError(cs, err)
		return
	}

	if outcome.TimedOut {
		_ = d.Out.Broadcast(cs.GameID, outbound.New(outbound.TypeFlag, map[string]interface{}{
			"result": outcome.Result,
		}), "")
		d.finalizeTerminal(ctx, cs.GameID)
		return
	}

	_ = d.Out.Broadcast(cs.GameID, outbound.New(outbound.TypeMove, map[string]interface{}{
		"san":       outcome.Move.SAN,
		"fen":       outcome.Move.FEN,
		"captured":  outcome.Move.Captured,
		"check":     outcome.Move.Check,
		"mate":      outcome.Move.Mate,
		"gameOver":  outcome.GameOver,
		"result":    outcome.Result,
	}), "")

	if outcome.GameOver {
		d.finalizeTerminal(ctx, cs.GameID)
	}
}

// --- resign ---

func (d *Dispatcher) handleResign(ctx context.Context, cs *ConnState, payload json.RawMessage) {
	if err := d.requirePlayer(cs); err != nil {
		d.sendError(cs, err)
		return
	}
	if err := ParseNoFields(payload); err != nil {
		d.sendError(cs, err)
		return
	}
	result, err := d.Facade.Resign(ctx, cs.GameID, colorOf(cs.Role))
	if err != nil {
		d.sendError(cs, err)
		return
	}
	_ = d.Out.Broadcast(cs.GameID, outbound.New(outbound.TypeResign, map[string]interface{}{
		"by": colorOf(cs.Role), "result": result,
	}), "")
	d.finalizeTerminal(ctx, cs.GameID)
}

// --- draw negotiation ---

func (d *Dispatcher) handleDrawOffer(ctx context.Context, cs *ConnState, payload json.RawMessage) {
	if err := d.requirePlayer(cs); err != nil {
		d.sendError(cs, err)
		return
	}
	if err := ParseNoFields(payload); err != nil {
		d.sendError(cs, err)
		return
	}
	implicit, err := d.Facade.OfferDraw(ctx, cs.GameID, colorOf(cs.Role))
	if err != nil {
		d.sendError(cs, err)
		return
	}
	if implicit {
		_ = d.Out.Broadcast(cs.GameID, outbound.New(outbound.TypeDrawAccepted, map[string]interface{}{"result": session.ResultDraw}), "")
		d.finalizeTerminal(ctx, cs.GameID)
		return
	}
	_ = d.Out.Broadcast(cs.GameID, outbound.New(outbound.TypeDrawOffer, map[string]interface{}{"from": colorOf(cs.Role)}), "")
}

func (d *Dispatcher) handleDrawAccept(ctx context.Context, cs *ConnState, payload json.RawMessage) {
	if err := d.requirePlayer(cs); err != nil {
		d.sendError(cs, err)
		return
	}
	if err := ParseNoFields(payload); err != nil {
		d.sendError(cs, err)
		return
	}
	if _, err := d.Facade.AcceptDraw(ctx, cs.GameID, colorOf(cs.Role)); err != nil {
		d.sendError(cs, err)
		return
	}
	_ = d.Out.Broadcast(cs.GameID, outbound.New(outbound.TypeDrawAccepted, map[string]interface{}{"result": session.ResultDraw}), "")
	d.finalizeTerminal(ctx, cs.GameID)
}

func (d *Dispatcher) handleDrawDecline(ctx context.Context, cs *ConnState, payload json.RawMessage) {
	if err := d.requirePlayer(cs); err != nil {
		d.sendError(cs, err)
		return
	}
	if err := ParseNoFields(payload); err != nil {
		d.sendError(cs, err)
		return
	}
	if err := d.Facade.DeclineDraw(ctx, cs.GameID); err != nil {
		d.sendError(cs, err)
		return
	}
	_ = d.Out.Broadcast(cs.GameID, outbound.New(outbound.TypeDrawDeclined, nil), "")
}

func (d *Dispatcher) handleDrawCancel(ctx context.Context, cs *ConnState, payload json.RawMessage) {
	if err := d.requirePlayer(cs); err != nil {
		d.sendError(cs, err)
		return
	}
	if err := ParseNoFields(payload); err != nil {
		d.sendError(cs, err)
		return
	}
	if err := d.Facade.CancelDraw(ctx, cs.GameID, colorOf(cs.Role)); err != nil {
		d.sendError(cs, err)
		return
	}
	_ = d.Out.Broadcast(cs.GameID, outbound.New(outbound.TypeDrawCancelled, nil), "")
}

// --- rematch negotiation ---

func (d *Dispatcher) handleRematchOffer(ctx context.Context, cs *ConnState, payload json.RawMessage) {
	if err := d.requirePlayer(cs); err != nil {
		d.sendError(cs, err)
		return
	}
	if err := ParseNoFields(payload); err != nil {
		d.sendError(cs, err)
		return
	}
	if err := d.Facade.OfferRematch(ctx, cs.GameID, colorOf(cs.Role)); err != nil {
		d.sendError(cs, err)
		return
	}
	_ = d.Out.Broadcast(cs.GameID, outbound.New(outbound.TypeRematchOffer, map[string]interface{}{"from": colorOf(cs.Role)}), "")
}

func (d *Dispatcher) handleRematchAccept(ctx context.Context, cs *ConnState, payload json.RawMessage) {
	if err := d.requirePlayer(cs); err != nil {
		d.sendError(cs, err)
		return
	}
	if err := ParseNoFields(payload); err != nil {
		d.sendError(cs, err)
		return
	}
	result, err := d.Facade.AcceptRematch(ctx, cs.GameID, colorOf(cs.Role))
	if err != nil {
		d.sendError(cs, err)
		return
	}
	for _, p := range d.Hub.Peers(cs.GameID) {
		var token string
		switch p.Role {
		case hub.RoleWhite:
			// Colors swap: the old white peer is seated black in the new room.
			token = result.BlackToken
		case hub.RoleBlack:
			token = result.WhiteToken
		}
		_ = d.Out.SendTo(cs.GameID, p.ID, outbound.New(outbound.TypeRematchAccepted, map[string]interface{}{
			"newGameId": result.NewID, "token": token,
		}))
	}
}

func (d *Dispatcher) handleRematchCancel(ctx context.Context, cs *ConnState, payload json.RawMessage) {
	if err := d.requirePlayer(cs); err != nil {
		d.sendError(cs, err)
		return
	}
	if err := ParseNoFields(payload); err != nil {
		d.sendError(cs, err)
		return
	}
	if err := d.Facade.CancelRematch(ctx, cs.GameID, colorOf(cs.Role)); err != nil {
		d.sendError(cs, err)
		return
	}
	_ = d.Out.Broadcast(cs.GameID, outbound.New(outbound.TypeRematchCancelled, nil), "")
}

// --- clock: flag / claim_win ---

func (d *Dispatcher) handleFlag(ctx context.Context, cs *ConnState, payload json.RawMessage) {
	if err := ParseNoFields(payload); err != nil {
		d.sendError(cs, err)
		return
	}
	busted, result, err := d.Facade.FlagOpponent(ctx, cs.GameID)
	if err != nil {
		d.sendError(cs, err)
		return
	}
	if !busted {
		d.sendError(cs, apperr.New(apperr.PreconditionFailed, "side to move has not exhausted their clock"))
		return
	}
	_ = d.Out.Broadcast(cs.GameID, outbound.New(outbound.TypeFlag, map[string]interface{}{"result": result}), "")
	d.finalizeTerminal(ctx, cs.GameID)
}

func (d *Dispatcher) handleClaimWin(ctx context.Context, cs *ConnState, payload json.RawMessage) {
	if err := d.requirePlayer(cs); err != nil {
		d.sendError(cs, err)
		return
	}
	if err := ParseNoFields(payload); err != nil {
		d.sendError(cs, err)
		return
	}
	outcome, err := d.Facade.ClaimWin(ctx, cs.GameID, colorOf(cs.Role))
	if err != nil {
		d.sendError(cs, err)
		return
	}
	_ = d.Out.Broadcast(cs.GameID, outbound.New(outbound.TypeGameAbandoned, map[string]interface{}{"result": outcome.Result}), "")
	d.finalizeTerminal(ctx, cs.GameID)
}

// --- disconnect policy (§4.8) ---

// HandleDisconnect is called by transport when a connection closes.
func (d *Dispatcher) HandleDisconnect(ctx context.Context, cs *ConnState) {
	if cs.GameID == "" {
		return
	}
	empty := d.Hub.Detach(cs.GameID, cs.PeerID)

	rec, err := d.Store.GetGame(ctx, cs.GameID)
	if err != nil || rec == nil {
		return
	}

	if cs.Role == hub.RoleWhite || cs.Role == hub.RoleBlack {
		color := colorOf(cs.Role)
		_ = d.Store.SetPlayerConnected(ctx, cs.GameID, color, false)

		if rec.Status == session.StatusWaiting && empty {
			_ = d.Store.Delete(ctx, cs.GameID)
			return
		}

		if rec.Status == session.StatusInProgress {
			timeout := d.AbandonmentTimeoutSeconds
			if rec.TimeInitialMs > 0 {
				timeout = d.ClaimWinTimeoutSeconds
			}
			_ = d.Store.SetAbandonmentTimer(ctx, cs.GameID, color, timeout)
			timer, _ := d.Store.GetAbandonmentTimer(ctx, cs.GameID)
			payload := map[string]interface{}{"color": color}
			if timer != nil {
				payload["claimDeadlineMs"] = timer.DeadlineMs
			}
			_ = d.Out.Broadcast(cs.GameID, outbound.New(outbound.TypeOpponentDisconnected, payload), cs.PeerID)
		}
	}

	if empty && (rec.Status == session.StatusFinished || rec.Status == session.StatusAbandoned) {
		_ = d.Store.Delete(ctx, cs.GameID)
	}
}

// finalizeTerminal archives a room the instant it becomes FINISHED or
// ABANDONED (spec.md §4.6: "terminal transitions trigger archive then
// deletion, gated on the room becoming empty"). Hot-key deletion itself is
// deferred to HandleDisconnect/the sweeper, once the last peer leaves.
func (d *Dispatcher) finalizeTerminal(ctx context.Context, gameID string) {
	snap, err := d.Store.Snapshot(ctx, gameID)
	if err != nil || snap == nil {
		return
	}
	if snap.Game.Status != session.StatusFinished && snap.Game.Status != session.StatusAbandoned {
		return
	}
	row, moveRows := toArchiveRows(snap)
	if err := d.Archive.InsertGame(ctx, row, moveRows); err != nil {
		d.Log.Error("archive terminal game failed", zap.String("game_id", gameID), zap.Error(err))
	}
}

func toArchiveRows(snap *session.ArchiveRecord) (archive.GameRow, []archive.MoveRow) {
	row := archive.GameRow{
		ID:              snap.Game.ID,
		Status:          string(snap.Game.Status),
		Result:          string(snap.Game.Result),
		WhiteToken:      snap.Seats.WhiteToken,
		BlackToken:      snap.Seats.BlackToken,
		CreatedByUA:     snap.Game.CreatedByUA,
		IsPublic:        snap.Game.IsPublic,
		TimeInitialMs:   snap.Game.TimeInitialMs,
		TimeIncrementMs: snap.Game.TimeIncrementMs,
		CreatedAt:       time.UnixMilli(snap.Game.CreatedAt),
		UpdatedAt:       time.UnixMilli(snap.Game.UpdatedAt),
	}
	moves := make([]archive.MoveRow, 0, len(snap.Moves))
	for _, m := range snap.Moves {
		moves = append(moves, archive.MoveRow{
			GameID:     snap.Game.ID,
			MoveNumber: m.MoveNumber,
			Notation:   m.SAN,
			FEN:        m.FEN,
		})
	}
	return row, moves
}
