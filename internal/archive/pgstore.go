package archive

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore is the production Store, backed by a pgx connection pool.
type PGStore struct {
	pool *pgxpool.Pool
}

// Open dials dsn and verifies connectivity, matching the teacher's pattern
// of failing fast at startup rather than on first use.
func Open(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

// Migrate creates the Game/Move tables if they do not exist yet. A real
// deployment runs this via the migration-runner collaborator named in
// spec.md §1 "out of scope"; it is kept here only so tests and the local
// dev entrypoint can stand the schema up without an external tool.
func (p *PGStore) Migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS games (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	result TEXT NOT NULL,
	white_token TEXT NOT NULL,
	black_token TEXT NOT NULL,
	created_by_ua TEXT NOT NULL DEFAULT '',
	is_public BOOLEAN NOT NULL,
	time_initial_ms BIGINT NOT NULL,
	time_increment_ms BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS moves (
	id BIGSERIAL PRIMARY KEY,
	game_id TEXT NOT NULL REFERENCES games(id),
	move_number INT NOT NULL,
	notation TEXT NOT NULL,
	fen TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS moves_game_id_idx ON moves(game_id);
`)
	return err
}

// InsertGame writes the terminal record and its moves. The unique-id
// conflict is swallowed (ON CONFLICT DO NOTHING) so a retried archive call —
// the sweeper and an explicit termination handler can both race to archive
// the same room — never double-inserts (invariant 6, spec.md §3).
func (p *PGStore) InsertGame(ctx context.Context, g GameRow, moves []MoveRow) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
INSERT INTO games (id, status, result, white_token, black_token, created_by_ua, is_public, time_initial_ms, time_increment_ms, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (id) DO NOTHING`,
		g.ID, g.Status, g.Result, g.WhiteToken, g.BlackToken, g.CreatedByUA, g.IsPublic,
		g.TimeInitialMs, g.TimeIncrementMs, g.CreatedAt, g.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Already archived by a concurrent caller; idempotent success.
		return tx.Commit(ctx)
	}

	for _, m := range moves {
		if _, err := tx.Exec(ctx, `
INSERT INTO moves (game_id, move_number, notation, fen, created_at)
VALUES ($1,$2,$3,$4,$5)`, g.ID, m.MoveNumber, m.Notation, m.FEN, m.CreatedAt); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// FindGame returns the archived record and its moves, or (nil, nil, nil) if absent.
func (p *PGStore) FindGame(ctx context.Context, id string) (*GameRow, []MoveRow, error) {
	row := p.pool.QueryRow(ctx, `
SELECT id, status, result, white_token, black_token, created_by_ua, is_public, time_initial_ms, time_increment_ms, created_at, updated_at
FROM games WHERE id = $1`, id)

	var g GameRow
	err := row.Scan(&g.ID, &g.Status, &g.Result, &g.WhiteToken, &g.BlackToken, &g.CreatedByUA, &g.IsPublic,
		&g.TimeInitialMs, &g.TimeIncrementMs, &g.CreatedAt, &g.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	rows, err := p.pool.Query(ctx, `
SELECT id, game_id, move_number, notation, fen, created_at FROM moves
WHERE game_id = $1 ORDER BY move_number ASC`, id)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var moves []MoveRow
	for rows.Next() {
		var m MoveRow
		if err := rows.Scan(&m.ID, &m.GameID, &m.MoveNumber, &m.Notation, &m.FEN, &m.CreatedAt); err != nil {
			return nil, nil, err
		}
		moves = append(moves, m)
	}
	return &g, moves, rows.Err()
}

// ListTerminal paginates archived games, optionally filtered by status.
func (p *PGStore) ListTerminal(ctx context.Context, limit, offset int, statusFilter string) (Page, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows pgxRows
	var err error
	if statusFilter != "" {
		rows, err = p.pool.Query(ctx, `
SELECT id, status, result, white_token, black_token, created_by_ua, is_public, time_initial_ms, time_increment_ms, created_at, updated_at,
       COUNT(*) OVER() AS total
FROM games WHERE status = $1
ORDER BY created_at DESC LIMIT $2 OFFSET $3`, statusFilter, limit, offset)
	} else {
		rows, err = p.pool.Query(ctx, `
SELECT id, status, result, white_token, black_token, created_by_ua, is_public, time_initial_ms, time_increment_ms, created_at, updated_at,
       COUNT(*) OVER() AS total
FROM games
ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	}
	if err != nil {
		return Page{}, err
	}
	defer rows.Close()

	var games []GameRow
	total := 0
	for rows.Next() {
		var g GameRow
		if err := rows.Scan(&g.ID, &g.Status, &g.Result, &g.WhiteToken, &g.BlackToken, &g.CreatedByUA, &g.IsPublic,
			&g.TimeInitialMs, &g.TimeIncrementMs, &g.CreatedAt, &g.UpdatedAt, &total); err != nil {
			return Page{}, err
		}
		games = append(games, g)
	}
	if err := rows.Err(); err != nil {
		return Page{}, err
	}

	totalPages := (total + limit - 1) / limit
	if totalPages == 0 {
		totalPages = 1
	}
	return Page{Games: games, Total: total, Page: offset/limit + 1, TotalPages: totalPages}, nil
}

// Close releases the connection pool.
func (p *PGStore) Close() { p.pool.Close() }

// Ping verifies connectivity, used by the transport health-check endpoint.
func (p *PGStore) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

// pgxRows is the narrow subset of pgx.Rows used above, named to keep the
// two Query call sites' return type explicit.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
	Close()
}
