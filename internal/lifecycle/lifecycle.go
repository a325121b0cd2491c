// Package lifecycle is the Lifecycle Façade (C9): it composes the Chess
// Rules Oracle (C1), the Session Store (C4) and the Clock Engine (C8) into
// the dozen primitives spec.md §4.10 names, each returning either a
// broadcast-ready result or a typed *apperr.Error. Grounded on
// items/match_result.go's RpcNotifyMatchStart/RpcSubmitMatchResult pair as
// the shape of a façade call that validates, mutates storage, and returns a
// single outcome object for the caller (here internal/protocol) to render.
package lifecycle

import (
	"context"
	"time"

	"github.com/shipurjan/openchess/internal/apperr"
	"github.com/shipurjan/openchess/internal/chesscore"
	"github.com/shipurjan/openchess/internal/clock"
	"github.com/shipurjan/openchess/internal/session"
)

// Facade is the composed entrypoint used by internal/protocol.
type Facade struct {
	Sessions *session.Store

	ClaimWinTimeoutSeconds    int
	AbandonmentTimeoutSeconds int
}

// New builds a Facade.
func New(sessions *session.Store, claimWinTimeoutSeconds, abandonmentTimeoutSeconds int) *Facade {
	return &Facade{Sessions: sessions, ClaimWinTimeoutSeconds: claimWinTimeoutSeconds, AbandonmentTimeoutSeconds: abandonmentTimeoutSeconds}
}

func effectiveFEN(rec *session.GameRecord) string {
	if rec.CurrentFEN == "" {
		return chesscore.StartFEN
	}
	return rec.CurrentFEN
}

// CreateGame mints a new WAITING room.
func (f *Facade) CreateGame(ctx context.Context, p session.CreateGameParams) (id, whiteToken string, err error) {
	return f.Sessions.CreateGame(ctx, p)
}

// JoinGame seats a second player.
func (f *Facade) JoinGame(ctx context.Context, id string) (session.JoinResult, error) {
	return f.Sessions.Join(ctx, id)
}

// MoveOutcome is the result of a successfully (or unsuccessfully) attempted move.
type MoveOutcome struct {
	Move        chesscore.MoveResult
	GameOver    bool
	Result      session.Result
	TimedOut    bool
	TimedOutWho session.Color
}

// MakeMove validates turn order and legality, then commits the move via the
// atomic deductTimeScript. A flag (clock exhaustion) is reported as
// TimedOut rather than an error, since it is a normal game-ending outcome,
// not a client mistake.
func (f *Facade) MakeMove(ctx context.Context, id string, mover session.Color, from, to string, promo *chesscore.Promotion) (MoveOutcome, error) {
	rec, err := f.Sessions.GetGame(ctx, id)
	if err != nil {
		return MoveOutcome{}, err
	}
	if rec == nil {
		return MoveOutcome{}, apperr.New(apperr.NotFound, "game not found")
	}
	if rec.Status != session.StatusInProgress {
		return MoveOutcome{}, apperr.New(apperr.PreconditionFailed, "game is not in progress")
	}

	pos, err := chesscore.FromFEN(effectiveFEN(rec))
	if err != nil {
		return MoveOutcome{}, apperr.Wrap(apperr.StoreCorruption, "current fen is invalid", err)
	}
	if pos.Turn() != string(mover) {
		return MoveOutcome{}, apperr.New(apperr.PreconditionFailed, "not your turn")
	}

	mv, _, err := chesscore.LegalMove(pos, from, to, promo)
	if err != nil {
		return MoveOutcome{}, apperr.Wrap(apperr.IllegalMove, "illegal move", err)
	}

	clockMsAfter := int64(0)
	if mover == session.ColorWhite {
		clockMsAfter = rec.WhiteTimeMs
	} else {
		clockMsAfter = rec.BlackTimeMs
	}

	out, err := f.Sessions.DeductTimeAndMove(ctx, id, session.MoveParams{Mover: mover, SAN: mv.SAN, FEN: mv.FEN}, clockMsAfter)
	if err != nil {
		return MoveOutcome{}, err
	}
	if out.TimedOut {
		loserResult := session.ResultBlackWins
		if out.Loser == session.ColorBlack {
			loserResult = session.ResultWhiteWins
		}
		if err := f.Sessions.SetGameResult(ctx, id, loserResult); err != nil {
			return MoveOutcome{}, err
		}
		return MoveOutcome{TimedOut: true, TimedOutWho: out.Loser, GameOver: true, Result: loserResult}, nil
	}

	// Any accepted move clears a pending draw offer unless the move itself
	// ends the game (spec.md §4.7) — clearing unconditionally is equivalent
	// since a finished game has no further moves to clear offers for.
	_ = f.Sessions.ClearDrawOffer(ctx, id)

	outcome := chesscore.OutcomeOf(mv.FEN)
	result := MoveOutcome{Move: mv}
	if outcome.Over {
		result.GameOver = true
		switch {
		case outcome.WhiteWins:
			result.Result = session.ResultWhiteWins
		case outcome.BlackWins:
			result.Result = session.ResultBlackWins
		default:
			result.Result = session.ResultDraw
		}
		if err := f.Sessions.SetGameResult(ctx, id, result.Result); err != nil {
			return MoveOutcome{}, err
		}
	}
	return result, nil
}

// Resign ends the game in favor of the non-resigning color.
func (f *Facade) Resign(ctx context.Context, id string, resigning session.Color) (session.Result, error) {
	rec, err := f.Sessions.GetGame(ctx, id)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", apperr.New(apperr.NotFound, "game not found")
	}
	if rec.Status != session.StatusInProgress {
		return "", apperr.New(apperr.PreconditionFailed, "game is not in progress")
	}
	result := session.ResultBlackWins
	if resigning == session.ColorBlack {
		result = session.ResultWhiteWins
	}
	return result, f.Sessions.SetGameResult(ctx, id, result)
}

// OfferDraw records X's offer, or — per §4.7 — is treated as an implicit
// accept if Y already has an outstanding offer.
func (f *Facade) OfferDraw(ctx context.Context, id string, by session.Color) (implicitAccept bool, err error) {
	existing, err := f.Sessions.GetDrawOffer(ctx, id)
	if err != nil {
		return false, err
	}
	if existing != "" && existing != by {
		_, err := f.AcceptDraw(ctx, id, by)
		return true, err
	}
	return false, f.Sessions.SetDrawOffer(ctx, id, by)
}

// AcceptDraw requires an outstanding offer from the opponent.
func (f *Facade) AcceptDraw(ctx context.Context, id string, by session.Color) (bool, error) {
	offer, err := f.Sessions.GetDrawOffer(ctx, id)
	if err != nil {
		return false, err
	}
	if offer == "" || offer == by {
		return false, apperr.New(apperr.PreconditionFailed, "no pending draw offer to accept")
	}
	if err := f.Sessions.SetGameResult(ctx, id, session.ResultDraw); err != nil {
		return false, err
	}
	_ = f.Sessions.ClearDrawOffer(ctx, id)
	return true, nil
}

// DeclineDraw clears the offer.
func (f *Facade) DeclineDraw(ctx context.Context, id string) error {
	return f.Sessions.ClearDrawOffer(ctx, id)
}

// CancelDraw requires the caller to be the offer's owner.
func (f *Facade) CancelDraw(ctx context.Context, id string, by session.Color) error {
	offer, err := f.Sessions.GetDrawOffer(ctx, id)
	if err != nil {
		return err
	}
	if offer != by {
		return apperr.New(apperr.PreconditionFailed, "no pending draw offer to cancel")
	}
	return f.Sessions.ClearDrawOffer(ctx, id)
}

// OfferRematch follows the identical single-slot pattern as draw offers,
// valid only once the game is FINISHED (or ABANDONED — a rematch after an
// abandonment is a reasonable continuation the distilled spec does not
// forbid; spec.md §4.6's state diagram only shows rematch from FINISHED, so
// this stays FINISHED-only to match the diagram exactly).
func (f *Facade) OfferRematch(ctx context.Context, id string, by session.Color) error {
	rec, err := f.Sessions.GetGame(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return apperr.New(apperr.NotFound, "game not found")
	}
	if rec.Status != session.StatusFinished {
		return apperr.New(apperr.PreconditionFailed, "game is not finished")
	}
	return f.Sessions.SetRematchOffer(ctx, id, by)
}

// AcceptRematch mints the new room with swapped colors and deletes the old
// record, per spec.md §4.7.
func (f *Facade) AcceptRematch(ctx context.Context, id string, by session.Color) (session.RematchResult, error) {
	offer, err := f.Sessions.GetRematchOffer(ctx, id)
	if err != nil {
		return session.RematchResult{}, err
	}
	if offer == "" || offer == by {
		return session.RematchResult{}, apperr.New(apperr.PreconditionFailed, "no pending rematch offer to accept")
	}
	rec, err := f.Sessions.GetGame(ctx, id)
	if err != nil {
		return session.RematchResult{}, err
	}
	if rec == nil {
		return session.RematchResult{}, apperr.New(apperr.NotFound, "game not found")
	}
	seats, err := f.Sessions.GetSeats(ctx, id)
	if err != nil {
		return session.RematchResult{}, err
	}
	if seats == nil {
		return session.RematchResult{}, apperr.New(apperr.NotFound, "seats not found")
	}

	result, err := f.Sessions.CreateRematchGame(ctx, id, seats.WhiteToken, seats.BlackToken, rec.TimeInitialMs, rec.TimeIncrementMs)
	if err != nil {
		return session.RematchResult{}, err
	}
	_ = f.Sessions.ClearRematchOffer(ctx, id)
	_ = f.Sessions.Delete(ctx, id)
	return result, nil
}

// CancelRematch requires the caller to be the offer's owner.
func (f *Facade) CancelRematch(ctx context.Context, id string, by session.Color) error {
	offer, err := f.Sessions.GetRematchOffer(ctx, id)
	if err != nil {
		return err
	}
	if offer != by {
		return apperr.New(apperr.PreconditionFailed, "no pending rematch offer to cancel")
	}
	return f.Sessions.ClearRematchOffer(ctx, id)
}

// FlagOpponent lets any peer assert that the side to move has busted its
// clock; the server re-derives the same elapsed-vs-balance formula rather
// than trusting the claim (spec.md §4.8).
func (f *Facade) FlagOpponent(ctx context.Context, id string) (busted bool, result session.Result, err error) {
	rec, err := f.Sessions.GetGame(ctx, id)
	if err != nil {
		return false, "", err
	}
	if rec == nil {
		return false, "", apperr.New(apperr.NotFound, "game not found")
	}
	if rec.Status != session.StatusInProgress || rec.TimeInitialMs == 0 {
		return false, "", nil
	}
	toMove, balance := f.toMoveBalance(rec)
	now := time.Now().UnixMilli()
	if !clock.HasBusted(balance, rec.LastMoveAt, now) {
		return false, "", nil
	}
	winnerResult := session.ResultBlackWins
	if toMove == session.ColorBlack {
		winnerResult = session.ResultWhiteWins
	}
	if err := f.Sessions.SetGameResult(ctx, id, winnerResult); err != nil {
		return false, "", err
	}
	return true, winnerResult, nil
}

func (f *Facade) toMoveBalance(rec *session.GameRecord) (session.Color, int64) {
	pos, err := chesscore.FromFEN(effectiveFEN(rec))
	if err != nil {
		return session.ColorWhite, rec.WhiteTimeMs
	}
	if pos.Turn() == string(session.ColorWhite) {
		return session.ColorWhite, rec.WhiteTimeMs
	}
	return session.ColorBlack, rec.BlackTimeMs
}

// ClaimWin runs the opponent's manual claim once the disconnect deadline has
// elapsed (spec.md §4.8).
func (f *Facade) ClaimWin(ctx context.Context, id string, claimant session.Color) (session.AbandonmentOutcome, error) {
	return f.Sessions.ClaimWin(ctx, id, claimant)
}
