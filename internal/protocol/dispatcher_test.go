package protocol_test

import (
	"context"
	"encoding/json"
	"sync"
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
	"github.com/shipurjan/openchess/internal/lifecycle"
	"github.com/shipurjan/openchess/internal/outbound"
	"github.com/shipurjan/openchess/internal/protocol"
	"github.com/shipurjan/openchess/internal/session"
)

type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
}

func (f *fakeConn) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeConn) Close() error { return nil }

func (f *fakeConn) last(t *testing.T) map[string]interface{} {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.frames)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(f.frames[len(f.frames)-1], &decoded))
	return decoded
}

func (f *fakeConn) types(t *testing.T) []string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.frames))
	for _, raw := range f.frames {
		var decoded map[string]interface{}
		require.NoError(t, json.Unmarshal(raw, &decoded))
		out = append(out, decoded["type"].(string))
	}
	return out
}

type testRig struct {
	d   *protocol.Dispatcher
	h   *hub.Hub
	arc *archive.FakeStore
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	kvStore, err := kv.New(context.Background(), rdb)
	require.NoError(t, err)
	sessions := session.New(kvStore, 10)
	arc := archive.NewFake()
	h := hub.New()
	facade := lifecycle.New(sessions, 60, 300)
	out := outbound.NewBroadcaster(h)

	d := &protocol.Dispatcher{
		Facade:                    facade,
		Store:                     sessions,
		Archive:                   arc,
		Hub:                       h,
		Out:                       out,
		Log:                       zap.NewNop(),
		ClaimWinTimeoutSeconds:    60,
		AbandonmentTimeoutSeconds: 300,
	}
	return &testRig{d: d, h: h, arc: arc}
}

// join attaches a fakeConn as a peer in gameID with token, driving the
// dispatcher's actual handleJoin path rather than poking the hub directly.
func (r *testRig) join(ctx context.Context, t *testing.T, peerID, gameID, token string) (*fakeConn, *protocol.ConnState) {
	t.Helper()
	conn := &fakeConn{}
	cs := &protocol.ConnState{PeerID: peerID, Token: token, Conn: conn}
	raw, err := json.Marshal(map[string]string{"type": "join", "gameId": gameID})
	require.NoError(t, err)
	r.d.Dispatch(ctx, cs, raw)
	return conn, cs
}

func send(ctx context.Context, d *protocol.Dispatcher, cs *protocol.ConnState, body map[string]interface{}) {
	raw, _ := json.Marshal(body)
	d.Dispatch(ctx, cs, raw)
}

func TestDispatch_JoinSeatsPlayersAndEmitsGameState(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)

	id, whiteToken, err := rig.d.Facade.CreateGame(ctx, session.CreateGameParams{CreatorColor: session.ColorWhite})
	require.NoError(t, err)
	joinResult, err := rig.d.Facade.JoinGame(ctx, id)
	require.NoError(t, err)

	whiteConn, whiteCS := rig.join(ctx, t, "p-white", id, whiteToken)
	assert.Equal(t, hub.RoleWhite, whiteCS.Role)
	assert.Equal(t, "game_state", whiteConn.last(t)["type"])

	blackConn, blackCS := rig.join(ctx, t, "p-black", id, joinResult.Token)
	assert.Equal(t, hub.RoleBlack, blackCS.Role)
	assert.Equal(t, "game_state", blackConn.last(t)["type"])
}

func TestDispatch_JoinAfterOpponentClockBustFinalizesInsteadOfGameState(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)

	id, whiteToken, err := rig.d.Facade.CreateGame(ctx, session.CreateGameParams{
		CreatorColor:  session.ColorWhite,
		TimeInitialMs: 1,
	})
	require.NoError(t, err)
	joinResult, err := rig.d.Facade.JoinGame(ctx, id)
	require.NoError(t, err)

	// White's 1ms clock is long expired by the time anyone joins; the
	// white peer's own join must observe the bust and finalize rather
	// than hand back a game_state with a clock that's already dead.
	time.Sleep(5 * time.Millisecond)

	whiteConn, whiteCS := rig.join(ctx, t, "p-white", id, whiteToken)
	assert.Equal(t, hub.RoleWhite, whiteCS.Role)
	assert.Equal(t, "flag", whiteConn.last(t)["type"])
	assert.Equal(t, string(session.ResultBlackWins), whiteConn.last(t)["result"])

	rec, err := rig.d.Store.GetGame(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, session.StatusFinished, rec.Status)

	row, _, err := rig.arc.FindGame(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "BLACK_WINS", row.Result)

	_ = joinResult
}

func TestDispatch_JoinUnknownTokenIsSpectator(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)

	id, _, err := rig.d.Facade.CreateGame(ctx, session.CreateGameParams{CreatorColor: session.ColorWhite})
	require.NoError(t, err)
	_, err = rig.d.Facade.JoinGame(ctx, id)
	require.NoError(t, err)

	_, cs := rig.join(ctx, t, "p-watch", id, "not-a-real-token")
	assert.Equal(t, hub.RoleSpectator, cs.Role)
}

func TestDispatch_MoveBroadcastsToBothPlayers(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)

	id, whiteToken, err := rig.d.Facade.CreateGame(ctx, session.CreateGameParams{CreatorColor: session.ColorWhite})
	require.NoError(t, err)
	joinResult, err := rig.d.Facade.JoinGame(ctx, id)
	require.NoError(t, err)

	whiteConn, whiteCS := rig.join(ctx, t, "p-white", id, whiteToken)
	blackConn, blackCS := rig.join(ctx, t, "p-black", id, joinResult.Token)

	send(ctx, rig.d, whiteCS, map[string]interface{}{"type": "move", "from": "e2", "to": "e4"})

	assert.Equal(t, "move", whiteConn.last(t)["type"])
	assert.Equal(t, "move", blackConn.last(t)["type"])
	assert.Equal(t, "e4", whiteConn.last(t)["san"])
	_ = blackCS
}

func TestDispatch_MoveOutOfTurnSendsErrorOnlyToSender(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)

	id, whiteToken, err := rig.d.Facade.CreateGame(ctx, session.CreateGameParams{CreatorColor: session.ColorWhite})
	require.NoError(t, err)
	joinResult, err := rig.d.Facade.JoinGame(ctx, id)
	require.NoError(t, err)

	_, whiteCS := rig.join(ctx, t, "p-white", id, whiteToken)
	blackConn, blackCS := rig.join(ctx, t, "p-black", id, joinResult.Token)

	send(ctx, rig.d, blackCS, map[string]interface{}{"type": "move", "from": "e7", "to": "e5"})

	assert.Equal(t, "error", blackConn.last(t)["type"])
	_ = whiteCS
}

func TestDispatch_ResignArchivesAndBroadcasts(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)

	id, whiteToken, err := rig.d.Facade.CreateGame(ctx, session.CreateGameParams{CreatorColor: session.ColorWhite})
	require.NoError(t, err)
	joinResult, err := rig.d.Facade.JoinGame(ctx, id)
	require.NoError(t, err)

	whiteConn, whiteCS := rig.join(ctx, t, "p-white", id, whiteToken)
	blackConn, blackCS := rig.join(ctx, t, "p-black", id, joinResult.Token)
	_ = blackConn

	send(ctx, rig.d, whiteCS, map[string]interface{}{"type": "resign"})

	assert.Equal(t, "resign", whiteConn.last(t)["type"])
	assert.Equal(t, string(session.ResultBlackWins), whiteConn.last(t)["result"])

	row, _, err := rig.arc.FindGame(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "BLACK_WINS", row.Result)
	assert.Equal(t, whiteToken, row.WhiteToken)
	assert.Equal(t, joinResult.Token, row.BlackToken)
	assert.False(t, row.CreatedAt.IsZero())
	assert.False(t, row.UpdatedAt.IsZero())

	_ = blackCS
}

func TestDispatch_DrawOfferThenAcceptEndsGame(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)

	id, whiteToken, err := rig.d.Facade.CreateGame(ctx, session.CreateGameParams{CreatorColor: session.ColorWhite})
	require.NoError(t, err)
	joinResult, err := rig.d.Facade.JoinGame(ctx, id)
	require.NoError(t, err)

	_, whiteCS := rig.join(ctx, t, "p-white", id, whiteToken)
	blackConn, blackCS := rig.join(ctx, t, "p-black", id, joinResult.Token)

	send(ctx, rig.d, whiteCS, map[string]interface{}{"type": "draw_offer"})
	assert.Contains(t, blackConn.types(t), "draw_offer")

	send(ctx, rig.d, blackCS, map[string]interface{}{"type": "draw_accept"})
	assert.Equal(t, "draw_accepted", blackConn.last(t)["type"])

	row, _, err := rig.arc.FindGame(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "DRAW", row.Result)
}

func TestDispatch_MutualDrawOfferIsImplicitAccept(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)

	id, whiteToken, err := rig.d.Facade.CreateGame(ctx, session.CreateGameParams{CreatorColor: session.ColorWhite})
	require.NoError(t, err)
	joinResult, err := rig.d.Facade.JoinGame(ctx, id)
	require.NoError(t, err)

	_, whiteCS := rig.join(ctx, t, "p-white", id, whiteToken)
	blackConn, blackCS := rig.join(ctx, t, "p-black", id, joinResult.Token)

	send(ctx, rig.d, whiteCS, map[string]interface{}{"type": "draw_offer"})
	send(ctx, rig.d, blackCS, map[string]interface{}{"type": "draw_offer"})

	assert.Equal(t, "draw_accepted", blackConn.last(t)["type"])
}

func TestDispatch_RematchAcceptAddressesTokensPerPeer(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)

	id, whiteToken, err := rig.d.Facade.CreateGame(ctx, session.CreateGameParams{CreatorColor: session.ColorWhite})
	require.NoError(t, err)
	joinResult, err := rig.d.Facade.JoinGame(ctx, id)
	require.NoError(t, err)

	whiteConn, whiteCS := rig.join(ctx, t, "p-white", id, whiteToken)
	blackConn, blackCS := rig.join(ctx, t, "p-black", id, joinResult.Token)

	send(ctx, rig.d, whiteCS, map[string]interface{}{"type": "resign"})

	send(ctx, rig.d, blackCS, map[string]interface{}{"type": "rematch_offer"})
	send(ctx, rig.d, whiteCS, map[string]interface{}{"type": "rematch_accept"})

	whiteLast := whiteConn.last(t)
	blackLast := blackConn.last(t)
	assert.Equal(t, "rematch_accepted", whiteLast["type"])
	assert.Equal(t, "rematch_accepted", blackLast["type"])
	assert.NotEqual(t, whiteLast["token"], blackLast["token"])
	assert.Equal(t, whiteLast["newGameId"], blackLast["newGameId"])
}

func TestDispatch_ClaimWinRequiresOpponentDisconnected(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)

	id, whiteToken, err := rig.d.Facade.CreateGame(ctx, session.CreateGameParams{CreatorColor: session.ColorWhite})
	require.NoError(t, err)
	joinResult, err := rig.d.Facade.JoinGame(ctx, id)
	require.NoError(t, err)

	whiteConn, whiteCS := rig.join(ctx, t, "p-white", id, whiteToken)
	_, blackCS := rig.join(ctx, t, "p-black", id, joinResult.Token)

	send(ctx, rig.d, whiteCS, map[string]interface{}{"type": "claim_win"})
	assert.Equal(t, "error", whiteConn.last(t)["type"])

	_ = blackCS
}

func TestDispatch_DisconnectArmsAbandonmentTimerForInProgressGame(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)

	id, whiteToken, err := rig.d.Facade.CreateGame(ctx, session.CreateGameParams{CreatorColor: session.ColorWhite})
	require.NoError(t, err)
	joinResult, err := rig.d.Facade.JoinGame(ctx, id)
	require.NoError(t, err)

	_, whiteCS := rig.join(ctx, t, "p-white", id, whiteToken)
	_, blackCS := rig.join(ctx, t, "p-black", id, joinResult.Token)
	_ = blackCS

	rig.d.HandleDisconnect(ctx, whiteCS)

	timer, err := rig.d.Store.GetAbandonmentTimer(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, timer)
	assert.Equal(t, session.ColorWhite, timer.DisconnectedColor)
}

func TestDispatch_DisconnectDeletesEmptyWaitingRoom(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)

	id, whiteToken, err := rig.d.Facade.CreateGame(ctx, session.CreateGameParams{CreatorColor: session.ColorWhite})
	require.NoError(t, err)

	_, whiteCS := rig.join(ctx, t, "p-white", id, whiteToken)
	rig.d.HandleDisconnect(ctx, whiteCS)

	rec, err := rig.d.Store.GetGame(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestDispatch_MustJoinBeforeOtherFrames(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)

	conn := &fakeConn{}
	cs := &protocol.ConnState{PeerID: "p", Token: "x", Conn: conn}

	raw, _ := json.Marshal(map[string]interface{}{"type": "resign"})
	rig.d.Dispatch(ctx, cs, raw)

	assert.Empty(t, conn.frames)
}
