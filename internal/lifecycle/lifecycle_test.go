package lifecycle_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shipurjan/openchess/internal/apperr"
	"github.com/shipurjan/openchess/internal/kv"
	"github.com/shipurjan/openchess/internal/lifecycle"
	"github.com/shipurjan/openchess/internal/session"
)

func newTestFacade(t *testing.T) *lifecycle.Facade {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	kvStore, err := kv.New(context.Background(), rdb)
	require.NoError(t, err)
	sessions := session.New(kvStore, 10)
	return lifecycle.New(sessions, 60, 300)
}

func newUntimedGame(t *testing.T, f *lifecycle.Facade) string {
	t.Helper()
	ctx := context.Background()
	id, _, err := f.CreateGame(ctx, session.CreateGameParams{CreatorColor: session.ColorWhite})
	require.NoError(t, err)
	_, err = f.JoinGame(ctx, id)
	require.NoError(t, err)
	return id
}

func TestMakeMove_ScholarsMateEndsGame(t *testing.T) {
	ctx := context.Background()
	f := newTestFacade(t)
	id := newUntimedGame(t, f)

	moves := [][2]string{
		{"e2", "e4"}, {"e7", "e5"},
		{"f1", "c4"}, {"b8", "c6"},
		{"d1", "h5"}, {"g8", "f6"},
	}
	for i, mv := range moves {
		mover := session.ColorWhite
		if i%2 == 1 {
			mover = session.ColorBlack
		}
		out, err := f.MakeMove(ctx, id, mover, mv[0], mv[1], nil)
		require.NoError(t, err)
		require.False(t, out.GameOver)
	}

	out, err := f.MakeMove(ctx, id, session.ColorWhite, "h5", "f7", nil)
	require.NoError(t, err)
	assert.True(t, out.GameOver)
	assert.Equal(t, session.ResultWhiteWins, out.Result)

	rec, err := f.Sessions.GetGame(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusFinished, rec.Status)
}

func TestMakeMove_RejectsOutOfTurn(t *testing.T) {
	ctx := context.Background()
	f := newTestFacade(t)
	id := newUntimedGame(t, f)

	_, err := f.MakeMove(ctx, id, session.ColorBlack, "e7", "e5", nil)
	require.Error(t, err)
	assert.Equal(t, apperr.PreconditionFailed, apperr.KindOf(err))
}

func TestMakeMove_RejectsIllegalMove(t *testing.T) {
	ctx := context.Background()
	f := newTestFacade(t)
	id := newUntimedGame(t, f)

	_, err := f.MakeMove(ctx, id, session.ColorWhite, "e2", "e5", nil)
	require.Error(t, err)
	assert.Equal(t, apperr.IllegalMove, apperr.KindOf(err))
}

func TestResign_AwardsOpponent(t *testing.T) {
	ctx := context.Background()
	f := newTestFacade(t)
	id := newUntimedGame(t, f)

	result, err := f.Resign(ctx, id, session.ColorWhite)
	require.NoError(t, err)
	assert.Equal(t, session.ResultBlackWins, result)
}

func TestDrawOffer_AcceptEndsGameAsDraw(t *testing.T) {
	ctx := context.Background()
	f := newTestFacade(t)
	id := newUntimedGame(t, f)

	implicit, err := f.OfferDraw(ctx, id, session.ColorWhite)
	require.NoError(t, err)
	assert.False(t, implicit)

	accepted, err := f.AcceptDraw(ctx, id, session.ColorBlack)
	require.NoError(t, err)
	assert.True(t, accepted)

	rec, err := f.Sessions.GetGame(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusFinished, rec.Status)
	assert.Equal(t, session.ResultDraw, rec.Result)
}

func TestDrawOffer_BothSidesOfferingIsImplicitAccept(t *testing.T) {
	ctx := context.Background()
	f := newTestFacade(t)
	id := newUntimedGame(t, f)

	_, err := f.OfferDraw(ctx, id, session.ColorWhite)
	require.NoError(t, err)

	implicit, err := f.OfferDraw(ctx, id, session.ColorBlack)
	require.NoError(t, err)
	assert.True(t, implicit)

	rec, err := f.Sessions.GetGame(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.ResultDraw, rec.Result)
}

func TestAcceptDraw_RejectsOwnOffer(t *testing.T) {
	ctx := context.Background()
	f := newTestFacade(t)
	id := newUntimedGame(t, f)

	_, err := f.OfferDraw(ctx, id, session.ColorWhite)
	require.NoError(t, err)

	_, err = f.AcceptDraw(ctx, id, session.ColorWhite)
	require.Error(t, err)
	assert.Equal(t, apperr.PreconditionFailed, apperr.KindOf(err))
}

func TestCancelDraw_RequiresOwnership(t *testing.T) {
	ctx := context.Background()
	f := newTestFacade(t)
	id := newUntimedGame(t, f)

	_, err := f.OfferDraw(ctx, id, session.ColorWhite)
	require.NoError(t, err)

	err = f.CancelDraw(ctx, id, session.ColorBlack)
	require.Error(t, err)

	err = f.CancelDraw(ctx, id, session.ColorWhite)
	require.NoError(t, err)
}

func TestRematch_SwapsColors(t *testing.T) {
	ctx := context.Background()
	f := newTestFacade(t)
	id := newUntimedGame(t, f)

	_, err := f.Resign(ctx, id, session.ColorWhite)
	require.NoError(t, err)

	seats, err := f.Sessions.GetSeats(ctx, id)
	require.NoError(t, err)

	require.NoError(t, f.OfferRematch(ctx, id, session.ColorBlack))
	result, err := f.AcceptRematch(ctx, id, session.ColorWhite)
	require.NoError(t, err)

	newSeats, err := f.Sessions.GetSeats(ctx, result.NewID)
	require.NoError(t, err)
	assert.Equal(t, seats.BlackToken, newSeats.WhiteToken)
	assert.Equal(t, seats.WhiteToken, newSeats.BlackToken)

	oldRec, err := f.Sessions.GetGame(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, oldRec)
}

func TestClaimWin_DelegatesToStore(t *testing.T) {
	ctx := context.Background()
	f := newTestFacade(t)
	id := newUntimedGame(t, f)

	_, err := f.ClaimWin(ctx, id, session.ColorBlack)
	require.Error(t, err)
	assert.Equal(t, apperr.PreconditionFailed, apperr.KindOf(err))
}
