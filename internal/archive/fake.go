package archive

import (
	"context"
	"sort"
	"sync"
)

// FakeStore is an in-memory Store used by unit tests in place of Postgres,
// satisfying the same narrow Store interface as PGStore.
type FakeStore struct {
	mu    sync.Mutex
	games map[string]GameRow
	moves map[string][]MoveRow
}

// NewFake builds an empty FakeStore.
func NewFake() *FakeStore {
	return &FakeStore{
		games: make(map[string]GameRow),
		moves: make(map[string][]MoveRow),
	}
}

func (f *FakeStore) InsertGame(ctx context.Context, g GameRow, moves []MoveRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.games[g.ID]; exists {
		return nil
	}
	f.games[g.ID] = g
	cp := make([]MoveRow, len(moves))
	copy(cp, moves)
	f.moves[g.ID] = cp
	return nil
}

func (f *FakeStore) FindGame(ctx context.Context, id string) (*GameRow, []MoveRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.games[id]
	if !ok {
		return nil, nil, nil
	}
	return &g, f.moves[id], nil
}

func (f *FakeStore) ListTerminal(ctx context.Context, limit, offset int, statusFilter string) (Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit <= 0 {
		limit = 20
	}
	var all []GameRow
	for _, g := range f.games {
		if statusFilter == "" || g.Status == statusFilter {
			all = append(all, g)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	total := len(all)
	end := offset + limit
	if offset > total {
		offset = total
	}
	if end > total {
		end = total
	}
	page := append([]GameRow{}, all[offset:end]...)

	totalPages := (total + limit - 1) / limit
	if totalPages == 0 {
		totalPages = 1
	}
	return Page{Games: page, Total: total, Page: offset/limit + 1, TotalPages: totalPages}, nil
}

func (f *FakeStore) Close() {}
