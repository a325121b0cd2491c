package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shipurjan/openchess/internal/apperr"
	"github.com/shipurjan/openchess/internal/archive"
	"github.com/shipurjan/openchess/internal/config"
	"github.com/shipurjan/openchess/internal/hub"
	"github.com/shipurjan/openchess/internal/kv"
	"github.com/shipurjan/openchess/internal/lifecycle"
	"github.com/shipurjan/openchess/internal/outbound"
	"github.com/shipurjan/openchess/internal/protocol"
	"github.com/shipurjan/openchess/internal/session"
)

// Server wires the chi router, the websocket upgrade, and the REST
// collaborator endpoints spec.md §6 names onto internal/lifecycle.
type Server struct {
	Config     config.Config
	Facade     *lifecycle.Facade
	Store      *session.Store
	Archive    archive.Store
	Hub        *hub.Hub
	Out        *outbound.Broadcaster
	Dispatcher *protocol.Dispatcher
	KV         *kv.Store
	Log        *zap.Logger
	IsDev      bool

	PingArchive func(ctx context.Context) error

	router chi.Router
}

// New builds a Server and mounts its routes.
func New(s *Server) *Server {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.corsOrigins(),
		AllowedMethods:   []string{"GET", "POST"},
		AllowCredentials: true,
	}))

	r.Post("/games", s.handleCreateGame)
	r.Post("/games/{id}/join", s.handleJoinGame)
	r.Post("/games/{id}/claim", s.handleClaimToken)
	r.Get("/games/public", s.handleLobby)
	r.Get("/games/archive", s.handleArchiveList)
	r.Get("/games/{id}/pgn", s.handlePGN)
	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.handleWS)

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) corsOrigins() []string {
	if len(s.Config.CORSAllowedOrigins) > 0 {
		return s.Config.CORSAllowedOrigins
	}
	if s.IsDev {
		return []string{"*"}
	}
	return nil
}

func tokenCookieName(gameID string) string { return "chess_token_" + gameID }

func setTokenCookie(w http.ResponseWriter, gameID, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     tokenCookieName(gameID),
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   7 * 24 * 60 * 60,
	})
}

func readTokenCookie(r *http.Request, gameID string) string {
	c, err := r.Cookie(tokenCookieName(gameID))
	if err != nil {
		return ""
	}
	return c.Value
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAppErr(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case apperr.ValidationError:
		status = http.StatusBadRequest
	case apperr.NotFound:
		status = http.StatusNotFound
	case apperr.PreconditionFailed:
		status = http.StatusConflict
	case apperr.Conflict:
		status = http.StatusConflict
	case apperr.Unauthorized:
		status = http.StatusForbidden
	case apperr.RateLimited:
		status = http.StatusTooManyRequests
	}
	msg := err.Error()
	if ae, ok := err.(*apperr.Error); ok {
		msg = ae.Message
		if ae.Kind == apperr.RateLimited && ae.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(ae.RetryAfter))
		}
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

// --- REST handlers ---

type createGameRequest struct {
	IsPublic        bool   `json:"isPublic"`
	TimeInitialMs   int64  `json:"timeInitialMs"`
	TimeIncrementMs int64  `json:"timeIncrementMs"`
	CreatorColor    string `json:"creatorColor"`
}

func (s *Server) handleCreateGame(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	limit, err := s.KV.RateLimit(r.Context(), "ratelimit:create:"+ip, s.Config.RateLimitGameCreateWindow, s.Config.RateLimitGameCreateMax)
	if err == nil && !limit.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(limit.RetryAfter))
		writeAppErr(w, apperr.RateLimit("too many game-creation attempts", limit.RetryAfter))
		return
	}

	var req createGameRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	initial, increment := config.ClampTimeControl(req.TimeInitialMs, req.TimeIncrementMs)
	color := session.Color(req.CreatorColor)
	if color == "" {
		color = session.ColorRandom
	}

	id, token, err := s.Facade.CreateGame(r.Context(), session.CreateGameParams{
		IsPublic:        req.IsPublic,
		CreatorIP:       clientIP(r),
		TimeInitialMs:   initial,
		TimeIncrementMs: increment,
		CreatorColor:    color,
		CreatedByUA:     r.UserAgent(),
	})
	if err != nil {
		writeAppErr(w, err)
		return
	}
	setTokenCookie(w, id, token)
	writeJSON(w, http.StatusCreated, map[string]string{"id": id, "token": token})
}

func (s *Server) handleJoinGame(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	result, err := s.Facade.JoinGame(r.Context(), id)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	setTokenCookie(w, id, result.Token)
	s.Dispatcher.NotifyGameUpdate(r.Context(), id)
	writeJSON(w, http.StatusOK, map[string]string{"role": string(result.Role)})
}

type claimTokenRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleClaimToken(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req claimTokenRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	seats, err := s.Store.GetSeats(r.Context(), id)
	if err != nil || seats == nil {
		writeAppErr(w, apperr.New(apperr.NotFound, "game not found"))
		return
	}
	role := "spectator"
	switch req.Token {
	case seats.WhiteToken:
		role = "white"
	case seats.BlackToken:
		role = "black"
	}
	setTokenCookie(w, id, req.Token)
	writeJSON(w, http.StatusOK, map[string]string{"role": role})
}

func (s *Server) handleLobby(w http.ResponseWriter, r *http.Request) {
	ids, err := s.Store.LobbyListing(r.Context(), 0, 100)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	type entry struct {
		ID              string `json:"id"`
		Status          string `json:"status"`
		Players         int    `json:"players"`
		Spectators      int    `json:"spectators"`
		TimeInitial     int64  `json:"timeInitial"`
		TimeIncrement   int64  `json:"timeIncrement"`
		CreatedAt       int64  `json:"createdAt"`
	}
	games := make([]entry, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Store.GetGame(r.Context(), id)
		if err != nil || rec == nil {
			continue
		}
		seats, _ := s.Store.GetSeats(r.Context(), id)
		players := 0
		if seats != nil {
			if seats.WhiteToken != "" {
				players++
			}
			if seats.BlackToken != "" {
				players++
			}
		}
		games = append(games, entry{
			ID: rec.ID, Status: string(rec.Status), Players: players,
			Spectators: s.Hub.CountSpectators(id), TimeInitial: rec.TimeInitialMs,
			TimeIncrement: rec.TimeIncrementMs, CreatedAt: rec.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"games": games})
}

func (s *Server) handleArchiveList(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	const limit = 20
	offset := (page - 1) * limit
	status := r.URL.Query().Get("status")

	pageResult, err := s.Archive.ListTerminal(r.Context(), limit, offset, status)
	if err != nil {
		writeAppErr(w, apperr.Wrap(apperr.Internal, "list archive", err))
		return
	}
	writeJSON(w, http.StatusOK, pageResult)
}

func (s *Server) handlePGN(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, err := s.Store.Snapshot(r.Context(), id)
	if err != nil || snap == nil {
		row, moves, ferr := s.Archive.FindGame(r.Context(), id)
		if ferr != nil || row == nil {
			writeAppErr(w, apperr.New(apperr.NotFound, "game not found"))
			return
		}
		writePGN(w, id, row.Result, movesFromRows(moves))
		return
	}
	writePGN(w, id, string(snap.Game.Result), snap.Moves)
}

func movesFromRows(rows []archive.MoveRow) []session.MoveLogEntry {
	out := make([]session.MoveLogEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, session.MoveLogEntry{MoveNumber: r.MoveNumber, SAN: r.Notation, FEN: r.FEN})
	}
	return out
}

func writePGN(w http.ResponseWriter, id, result string, moves []session.MoveLogEntry) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[Event \"Casual Game\"]\n[Site \"openchess\"]\n[GameId \"%s\"]\n[Result \"%s\"]\n\n", id, pgnResult(result))
	for i, m := range moves {
		if i%2 == 0 {
			fmt.Fprintf(&sb, "%d. %s", i/2+1, m.SAN)
		} else {
			fmt.Fprintf(&sb, "%s", m.SAN)
		}
		if m.ClockMsAfter > 0 {
			fmt.Fprintf(&sb, " {[%%clk %s]}", clockTag(m.ClockMsAfter))
		}
		sb.WriteString(" ")
	}
	sb.WriteString(pgnResult(result))
	sb.WriteString("\n")

	w.Header().Set("Content-Type", "application/x-chess-pgn")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".pgn"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(sb.String()))
}

// clockTag renders a remaining-time balance as PGN's [%clk h:mm:ss] convention.
func clockTag(ms int64) string {
	total := ms / 1000
	h := total / 3600
	m := (total % 3600) / 60
	sec := total % 60
	return fmt.Sprintf("%d:%02d:%02d", h, m, sec)
}

func pgnResult(result string) string {
	switch session.Result(result) {
	case session.ResultWhiteWins:
		return "1-0"
	case session.ResultBlackWins:
		return "0-1"
	case session.ResultDraw:
		return "1/2-1/2"
	default:
		return "*"
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]map[string]interface{}{}
	healthy := true

	start := time.Now()
	_, err := s.KV.Exists(ctx, "openchess:healthcheck")
	checks["redis"] = map[string]interface{}{"up": err == nil, "latencyMs": time.Since(start).Milliseconds()}
	if err != nil {
		healthy = false
	}

	if s.PingArchive != nil {
		start = time.Now()
		err = s.PingArchive(ctx)
		checks["archive"] = map[string]interface{}{"up": err == nil, "latencyMs": time.Since(start).Milliseconds()}
		if err != nil {
			healthy = false
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{"healthy": healthy, "checks": checks})
}

// --- websocket upgrade ---

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if !s.Config.AllowOrigin(origin, s.IsDev) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ip := clientIP(r)
	limit, err := s.KV.RateLimit(r.Context(), "ratelimit:ws:"+ip, s.Config.RateLimitWSConnectWindow, s.Config.RateLimitWSConnectMax)
	if err == nil && !limit.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(limit.RetryAfter))
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	gameID := r.URL.Query().Get("gameId")
	token := readTokenCookie(r, gameID)

	ws, err := upgrade(w, r)
	if err != nil {
		s.Log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	conn := NewConn(ws)

	cs := &protocol.ConnState{PeerID: uuid.NewString(), Token: token, Conn: conn}
	ctx := context.Background()

	conn.ReadLoop(
		func(raw []byte) { s.Dispatcher.Dispatch(ctx, cs, raw) },
		func() { s.Dispatcher.HandleDisconnect(ctx, cs) },
	)
}

// RunHeartbeat drives the hub's 30s ping cadence; intended to run in its own
// goroutine from cmd/openchess-server, the one process-wide heartbeat ticker
// spec.md §5 requires.
func (s *Server) RunHeartbeat(stop <-chan struct{}) {
	ticker := time.NewTicker(s.Hub.HeartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.Hub.Ping(func(p *hub.Peer) bool {
				c, ok := p.Conn().(*Conn)
				if !ok {
					return false
				}
				return c.Ping() == nil
			})
		}
	}
}
