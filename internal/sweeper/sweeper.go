// Package sweeper is the background Sweeper (C7): it periodically scans
// game:* keys for orphaned WAITING rooms, zombie IN_PROGRESS rooms and stale
// terminal rooms, per spec.md §4.9. Scheduling is grounded on
// github.com/robfig/cron/v3 (present in the tibfox-okinoko-in_a_row
// dependency tree for its own periodic chain polling; adopted here for the
// matching "schedule a periodic background scan" concern).
package sweeper

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/shipurjan/openchess/internal/archive"
	"github.com/shipurjan/openchess/internal/hub"
	"github.com/shipurjan/openchess/internal/session"
)

// Sweeper owns the cron schedule and the three sweep passes.
type Sweeper struct {
	Store   *session.Store
	Archive archive.Store
	Hub     *hub.Hub
	Log     *zap.Logger

	WaitingGameMaxAgeMs int64
	ScanCount           int64

	ClaimWinTimeoutSeconds    int
	AbandonmentTimeoutSeconds int

	cron *cron.Cron
}

// New builds a Sweeper whose scheduler parses seconds-first cron specs and
// "@every <duration>" descriptors; the spec itself is passed to Start
// (cmd/openchess-server builds an "@every" spec from SWEEP_INTERVAL_MS).
// claimWinTimeoutSeconds/abandonmentTimeoutSeconds mirror the same operator
// tunables protocol.Dispatcher uses, so a zombie room nobody has armed a
// timer for yet (e.g. a crash between the two disconnect writes) gets the
// same deadline a live disconnect would have armed.
func New(store *session.Store, arc archive.Store, h *hub.Hub, log *zap.Logger, waitingGameMaxAgeMs int64, claimWinTimeoutSeconds, abandonmentTimeoutSeconds int) *Sweeper {
	return &Sweeper{
		Store:                     store,
		Archive:                   arc,
		Hub:                       h,
		Log:                       log,
		WaitingGameMaxAgeMs:       waitingGameMaxAgeMs,
		ScanCount:                 200,
		ClaimWinTimeoutSeconds:    claimWinTimeoutSeconds,
		AbandonmentTimeoutSeconds: abandonmentTimeoutSeconds,
		cron:                      cron.New(cron.WithSeconds()),
	}
}

// Start registers the sweep on intervalCronSpec and runs one pass
// immediately (spec.md §4.9: "runs on process start and every
// SWEEP_INTERVAL_MS"), before the cron scheduler itself begins.
func (s *Sweeper) Start(ctx context.Context, intervalCronSpec string) error {
	s.RunOnce(ctx)
	_, err := s.cron.AddFunc(intervalCronSpec, func() { s.RunOnce(ctx) })
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any in-flight sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// RunOnce performs the three passes over every active room id. Each pass is
// isolated: a panic or error in one room never prevents the rest of the scan
// from proceeding (spec.md §4.9: "the sweep as a whole never aborts").
func (s *Sweeper) RunOnce(ctx context.Context) {
	ids, err := s.allRoomIDs(ctx)
	if err != nil {
		s.Log.Error("sweeper: failed to enumerate rooms", zap.Error(err))
		return
	}
	s.Log.Debug("sweeper: starting pass", zap.Int("rooms", len(ids)))

	for _, id := range ids {
		s.safely(id, func() error { return s.sweepOne(ctx, id) })
	}
}

func (s *Sweeper) safely(roomID string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			s.Log.Error("sweeper: recovered panic sweeping room", zap.String("game_id", roomID), zap.Any("panic", r))
		}
	}()
	if err := fn(); err != nil {
		s.Log.Warn("sweeper: error sweeping room", zap.String("game_id", roomID), zap.Error(err))
	}
}

func (s *Sweeper) allRoomIDs(ctx context.Context) ([]string, error) {
	var out []string
	var cursor uint64
	for {
		ids, next, err := s.Store.ScanRoomIDs(ctx, cursor, s.ScanCount)
		if err != nil {
			return out, err
		}
		out = append(out, ids...)
		if next == 0 {
			break
		}
		cursor = next
	}
	return out, nil
}

func (s *Sweeper) sweepOne(ctx context.Context, id string) error {
	rec, err := s.Store.GetGame(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}

	switch rec.Status {
	case session.StatusWaiting:
		return s.sweepOrphanedWaiting(ctx, id, rec)
	case session.StatusInProgress:
		return s.sweepZombieInProgress(ctx, id, rec)
	case session.StatusFinished, session.StatusAbandoned:
		return s.sweepStaleTerminal(ctx, id, rec)
	}
	return nil
}

// sweepOrphanedWaiting deletes any WAITING record older than
// WAITING_GAME_MAX_AGE_MS — nobody ever joined, and it has outlived its
// usefulness as a lobby advertisement.
func (s *Sweeper) sweepOrphanedWaiting(ctx context.Context, id string, rec *session.GameRecord) error {
	age := time.Now().UnixMilli() - rec.CreatedAt
	if age < s.WaitingGameMaxAgeMs {
		return nil
	}
	s.Log.Info("sweeper: deleting orphaned waiting room", zap.String("game_id", id), zap.Int64("age_ms", age))
	return s.Store.Delete(ctx, id)
}

// sweepZombieInProgress arms an abandonment timer for a room nobody is
// connected to, or finalizes one whose timer has already expired.
func (s *Sweeper) sweepZombieInProgress(ctx context.Context, id string, rec *session.GameRecord) error {
	seats, err := s.Store.GetSeats(ctx, id)
	if err != nil || seats == nil {
		return err
	}

	timer, err := s.Store.GetAbandonmentTimer(ctx, id)
	if err != nil {
		return err
	}
	if timer == nil {
		if seats.WhiteConnected || seats.BlackConnected {
			return nil
		}
		// Both sides disconnected with no timer armed: canonical tie-break
		// is disconnectedColor=white (spec.md §4.8), fixed but arbitrary.
		timeout := s.claimOrAbandonTimeout(rec)
		return s.Store.SetAbandonmentTimer(ctx, id, session.ColorWhite, timeout)
	}

	outcome, err := s.Store.CheckAndProcessAbandonment(ctx, id)
	if err != nil || !outcome.Abandoned {
		return err
	}
	s.Log.Info("sweeper: finalized zombie room as abandoned", zap.String("game_id", id), zap.String("result", string(outcome.Result)))
	return nil
}

func (s *Sweeper) claimOrAbandonTimeout(rec *session.GameRecord) int {
	if rec.TimeInitialMs > 0 {
		return s.ClaimWinTimeoutSeconds
	}
	return s.AbandonmentTimeoutSeconds
}

// sweepStaleTerminal archives-and-deletes a FINISHED/ABANDONED room once
// both connection bits are false (every peer has since navigated away).
func (s *Sweeper) sweepStaleTerminal(ctx context.Context, id string, rec *session.GameRecord) error {
	seats, err := s.Store.GetSeats(ctx, id)
	if err != nil {
		return err
	}
	if seats != nil && (seats.WhiteConnected || seats.BlackConnected) {
		return nil
	}
	if s.Hub != nil && len(s.Hub.Peers(id)) > 0 {
		return nil
	}

	snap, err := s.Store.Snapshot(ctx, id)
	if err != nil || snap == nil {
		return err
	}
	row := archive.GameRow{
		ID:              snap.Game.ID,
		Status:          string(snap.Game.Status),
		Result:          string(snap.Game.Result),
		WhiteToken:      seats.WhiteToken,
		BlackToken:      seats.BlackToken,
		CreatedByUA:     snap.Game.CreatedByUA,
		IsPublic:        snap.Game.IsPublic,
		TimeInitialMs:   snap.Game.TimeInitialMs,
		TimeIncrementMs: snap.Game.TimeIncrementMs,
		CreatedAt:       time.UnixMilli(snap.Game.CreatedAt),
		UpdatedAt:       time.UnixMilli(snap.Game.UpdatedAt),
	}
	moves := make([]archive.MoveRow, 0, len(snap.Moves))
	for _, m := range snap.Moves {
		moves = append(moves, archive.MoveRow{GameID: id, MoveNumber: m.MoveNumber, Notation: m.SAN, FEN: m.FEN})
	}
	if err := s.Archive.InsertGame(ctx, row, moves); err != nil {
		return err
	}
	s.Log.Info("sweeper: archived and deleted stale terminal room", zap.String("game_id", id))
	return s.Store.Delete(ctx, id)
}
