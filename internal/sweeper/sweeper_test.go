package sweeper_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shipurjan/openchess/internal/archive"
	"github.com/shipurjan/openchess/internal/hub"
	"github.com/shipurjan/openchess/internal/kv"
	"github.com/shipurjan/openchess/internal/session"
	"github.com/shipurjan/openchess/internal/sweeper"
)

func newTestSweeper(t *testing.T, fixedNow time.Time) (*sweeper.Sweeper, *session.Store, *archive.FakeStore) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	kvStore, err := kv.New(context.Background(), rdb)
	require.NoError(t, err)
	store := session.New(kvStore, 10).WithClock(func() time.Time { return fixedNow })
	fake := archive.NewFake()
	h := hub.New()
	sw := sweeper.New(store, fake, h, zap.NewNop(), 30_000, 60, 300)
	return sw, store, fake
}

func TestRunOnce_DeletesOrphanedWaitingRoomPastMaxAge(t *testing.T) {
	ctx := context.Background()
	start := time.UnixMilli(1_000_000)
	sw, store, _ := newTestSweeper(t, start)

	id, _, err := store.CreateGame(ctx, session.CreateGameParams{CreatorColor: session.ColorWhite})
	require.NoError(t, err)

	store.WithClock(func() time.Time { return start.Add(31 * time.Second) })
	sw.RunOnce(ctx)

	rec, err := store.GetGame(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRunOnce_KeepsFreshWaitingRoom(t *testing.T) {
	ctx := context.Background()
	start := time.UnixMilli(1_000_000)
	sw, store, _ := newTestSweeper(t, start)

	id, _, err := store.CreateGame(ctx, session.CreateGameParams{CreatorColor: session.ColorWhite})
	require.NoError(t, err)

	sw.RunOnce(ctx)

	rec, err := store.GetGame(ctx, id)
	require.NoError(t, err)
	assert.NotNil(t, rec)
}

func TestRunOnce_ArmsTimerForDisconnectedInProgressRoom(t *testing.T) {
	ctx := context.Background()
	start := time.UnixMilli(1_000_000)
	sw, store, _ := newTestSweeper(t, start)

	id, _, err := store.CreateGame(ctx, session.CreateGameParams{CreatorColor: session.ColorWhite})
	require.NoError(t, err)
	_, err = store.Join(ctx, id)
	require.NoError(t, err)

	sw.RunOnce(ctx)

	timer, err := store.GetAbandonmentTimer(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, timer)
	assert.Equal(t, session.ColorWhite, timer.DisconnectedColor)
}

func TestRunOnce_FinalizesZombieRoomOnceTimerExpires(t *testing.T) {
	ctx := context.Background()
	start := time.UnixMilli(1_000_000)
	sw, store, _ := newTestSweeper(t, start)

	id, _, err := store.CreateGame(ctx, session.CreateGameParams{CreatorColor: session.ColorWhite})
	require.NoError(t, err)
	_, err = store.Join(ctx, id)
	require.NoError(t, err)

	require.NoError(t, store.SetAbandonmentTimer(ctx, id, session.ColorWhite, 60))

	store.WithClock(func() time.Time { return start.Add(61 * time.Second) })
	sw.RunOnce(ctx)

	rec, err := store.GetGame(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, session.StatusAbandoned, rec.Status)
}

func TestRunOnce_SkipsZombiePassWhenAPlayerIsConnected(t *testing.T) {
	ctx := context.Background()
	start := time.UnixMilli(1_000_000)
	sw, store, _ := newTestSweeper(t, start)

	id, _, err := store.CreateGame(ctx, session.CreateGameParams{CreatorColor: session.ColorWhite})
	require.NoError(t, err)
	_, err = store.Join(ctx, id)
	require.NoError(t, err)
	require.NoError(t, store.SetPlayerConnected(ctx, id, session.ColorWhite, true))

	sw.RunOnce(ctx)

	timer, err := store.GetAbandonmentTimer(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, timer)
}

func TestRunOnce_ArchivesAndDeletesStaleTerminalRoom(t *testing.T) {
	ctx := context.Background()
	start := time.UnixMilli(1_000_000)
	sw, store, fake := newTestSweeper(t, start)

	id, _, err := store.CreateGame(ctx, session.CreateGameParams{CreatorColor: session.ColorWhite})
	require.NoError(t, err)
	_, err = store.Join(ctx, id)
	require.NoError(t, err)
	require.NoError(t, store.SetGameResult(ctx, id, session.ResultWhiteWins))

	sw.RunOnce(ctx)

	rec, err := store.GetGame(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, rec)

	row, _, err := fake.FindGame(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "WHITE_WINS", row.Result)
	assert.NotEmpty(t, row.WhiteToken)
	assert.NotEmpty(t, row.BlackToken)
	assert.False(t, row.CreatedAt.IsZero())
	assert.False(t, row.UpdatedAt.IsZero())
}

func TestRunOnce_KeepsStaleTerminalRoomWhilePeerConnected(t *testing.T) {
	ctx := context.Background()
	start := time.UnixMilli(1_000_000)
	sw, store, fake := newTestSweeper(t, start)

	id, _, err := store.CreateGame(ctx, session.CreateGameParams{CreatorColor: session.ColorWhite})
	require.NoError(t, err)
	_, err = store.Join(ctx, id)
	require.NoError(t, err)
	require.NoError(t, store.SetGameResult(ctx, id, session.ResultWhiteWins))
	require.NoError(t, store.SetPlayerConnected(ctx, id, session.ColorBlack, true))

	sw.RunOnce(ctx)

	rec, err := store.GetGame(ctx, id)
	require.NoError(t, err)
	assert.NotNil(t, rec)

	row, _, err := fake.FindGame(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, row)
}
