// Package chesscore is the pure Chess Rules Oracle (C1): move legality,
// SAN encoding, check/mate/stalemate detection and FEN round-trip. It wraps
// github.com/notnil/chess and never touches the network or the store.
package chesscore

import (
	"fmt"

	"github.com/notnil/chess"
)

// Position wraps a validated FEN string plus enough state to apply a move.
type Position struct {
	fen string
	pos *chess.Position
}

// FenError reports a FEN string that notnil/chess could not parse.
type FenError struct {
	FEN string
	Err error
}

func (e *FenError) Error() string { return fmt.Sprintf("invalid fen %q: %v", e.FEN, e.Err) }
func (e *FenError) Unwrap() error { return e.Err }

// IllegalMoveError reports a syntactically well-formed move that is not
// legal in the given position.
type IllegalMoveError struct {
	From, To string
	Reason   string
}

func (e *IllegalMoveError) Error() string {
	return fmt.Sprintf("illegal move %s%s: %s", e.From, e.To, e.Reason)
}

// StartFEN is the FEN of the standard starting position.
const StartFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

// FromFEN validates fen and returns a Position usable with LegalMove.
func FromFEN(fen string) (*Position, error) {
	opt, err := chess.FEN(fen)
	if err != nil {
		return nil, &FenError{FEN: fen, Err: err}
	}
	g := chess.NewGame(opt)
	return &Position{fen: fen, pos: g.Position()}, nil
}

// FEN returns the canonical FEN string of the position.
func (p *Position) FEN() string { return p.pos.String() }

// Turn reports which color is to move, "white" or "black".
func (p *Position) Turn() string {
	if p.pos.Turn() == chess.White {
		return "white"
	}
	return "black"
}

// MoveResult is the outcome of a single accepted move.
type MoveResult struct {
	SAN                   string
	FEN                   string
	Captured              bool
	Check                 bool
	Mate                  bool
	Stalemate             bool
	InsufficientMaterial  bool
	FiftyMoveRule         bool
	ThreefoldRepetition   bool
}

// Promotion is restricted to the four promotable pieces.
type Promotion string

const (
	PromoQueen  Promotion = "q"
	PromoRook   Promotion = "r"
	PromoBishop Promotion = "b"
	PromoKnight Promotion = "n"
)

func promoToPieceType(p *Promotion) chess.PieceType {
	if p == nil {
		return chess.NoPieceType
	}
	switch *p {
	case PromoQueen:
		return chess.Queen
	case PromoRook:
		return chess.Rook
	case PromoBishop:
		return chess.Bishop
	case PromoKnight:
		return chess.Knight
	default:
		return chess.NoPieceType
	}
}

// LegalMove applies the move from->to (algebraic squares, e.g. "e2","e4")
// with an optional promotion, returning the SAN and resulting position, or
// an *IllegalMoveError if no legal move matches.
func LegalMove(p *Position, from, to string, promo *Promotion) (MoveResult, *Position, error) {
	fromSq := chess.Square(parseSquareName(from))
	toSq := chess.Square(parseSquareName(to))
	if fromSq == chess.NoSquare || toSq == chess.NoSquare {
		return MoveResult{}, nil, &IllegalMoveError{From: from, To: to, Reason: "malformed square"}
	}

	promoPT := promoToPieceType(promo)

	g := chess.NewGame(mustFEN(p.fen))
	pos := g.Position()

	var match *chess.Move
	for _, m := range pos.ValidMoves() {
		if m.S1() == fromSq && m.S2() == toSq {
			if promoPT == chess.NoPieceType || m.Promo() == promoPT {
				match = m
				break
			}
		}
	}
	if match == nil {
		return MoveResult{}, nil, &IllegalMoveError{From: from, To: to, Reason: "not a legal move in this position"}
	}

	san := chess.AlgebraicNotation{}.Encode(pos, match)
	captured := match.HasTag(chess.Capture)

	if err := g.Move(match); err != nil {
		return MoveResult{}, nil, &IllegalMoveError{From: from, To: to, Reason: err.Error()}
	}

	newPos := g.Position()
	outcome := g.Outcome()
	method := g.Method()

	res := MoveResult{
		SAN:                  san,
		FEN:                  newPos.String(),
		Captured:             captured,
		Check:                match.HasTag(chess.Check),
		Mate:                 outcome != chess.NoOutcome && method == chess.Checkmate,
		Stalemate:            method == chess.Stalemate,
		InsufficientMaterial: method == chess.InsufficientMaterial,
		FiftyMoveRule:        method == chess.FiftyMoveRule,
		ThreefoldRepetition:  method == chess.ThreefoldRepetition,
	}
	return res, &Position{fen: newPos.String(), pos: newPos}, nil
}

// Outcome reports whether the game at this position has concluded and, if
// so, who won.
type Outcome struct {
	Over        bool
	WhiteWins   bool
	BlackWins   bool
	Draw        bool
}

// OutcomeOf derives game-ending status from a position reached via LegalMove.
func OutcomeOf(fen string) Outcome {
	g := chess.NewGame(mustFEN(fen))
	switch g.Outcome() {
	case chess.WhiteWon:
		return Outcome{Over: true, WhiteWins: true}
	case chess.BlackWon:
		return Outcome{Over: true, BlackWins: true}
	case chess.Draw:
		return Outcome{Over: true, Draw: true}
	default:
		return Outcome{}
	}
}

// Replay re-applies a sequence of SAN moves starting from the standard
// position, stopping at the first move that fails to replay. Used by the
// corrupted-move-log recovery path (spec §7): on failure, firstFailureIndex
// names the first bad entry so the caller can truncate the log there.
func Replay(sanMoves []string) (pos *Position, firstFailureIndex *int) {
	g := chess.NewGame()
	for i, san := range sanMoves {
		if err := g.MoveStr(san); err != nil {
			idx := i
			return &Position{fen: g.Position().String(), pos: g.Position()}, &idx
		}
	}
	p := g.Position()
	return &Position{fen: p.String(), pos: p}, nil
}

func mustFEN(fen string) func(*chess.Game) {
	opt, err := chess.FEN(fen)
	if err != nil {
		// fen was already validated by FromFEN/LegalMove's own output; a
		// failure here means an internal invariant broke upstream.
		panic(fmt.Sprintf("chesscore: re-parsing previously valid fen failed: %v", err))
	}
	return opt
}

func parseSquareName(s string) int8 {
	if len(s) != 2 {
		return int8(chess.NoSquare)
	}
	file := s[0]
	rank := s[1]
	if file < 'a' || file > 'h' || rank < '1' || rank > '8' {
		return int8(chess.NoSquare)
	}
	f := int8(file - 'a')
	r := int8(rank - '1')
	return r*8 + f
}
