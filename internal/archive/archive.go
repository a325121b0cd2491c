// Package archive is the Archive Store Adapter (C3): an append-only durable
// sink for terminal games, backed by github.com/jackc/pgx/v5.
package archive

import (
	"context"
	"time"
)

// GameRow is the durable record of one terminal game (spec.md §6 schema).
type GameRow struct {
	ID              string    `json:"id"`
	Status          string    `json:"status"`
	Result          string    `json:"result"`
	WhiteToken      string    `json:"-"`
	BlackToken      string    `json:"-"`
	CreatedByUA     string    `json:"createdByUa"`
	IsPublic        bool      `json:"isPublic"`
	TimeInitialMs   int64     `json:"timeInitialMs"`
	TimeIncrementMs int64     `json:"timeIncrementMs"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// MoveRow is one durable move row, indexed by GameID.
type MoveRow struct {
	ID         int64     `json:"-"`
	GameID     string    `json:"gameId"`
	MoveNumber int       `json:"moveNumber"`
	Notation   string    `json:"notation"`
	FEN        string    `json:"fen"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Page is one page of a paginated listTerminal query.
type Page struct {
	Games      []GameRow `json:"games"`
	Total      int       `json:"total"`
	Page       int       `json:"page"`
	TotalPages int       `json:"totalPages"`
}

// Store is the narrow interface internal/session and internal/sweeper
// depend on; satisfied by *PGStore in production and *FakeStore in tests.
type Store interface {
	InsertGame(ctx context.Context, g GameRow, moves []MoveRow) error
	FindGame(ctx context.Context, id string) (*GameRow, []MoveRow, error)
	ListTerminal(ctx context.Context, limit, offset int, statusFilter string) (Page, error)
	Close()
}
