// Package chess wraps the dragontoothmg move generator with the game
// history an MCTS search needs: repetition counting, a cache fingerprint
// that covers the no-progress counter, terminal classification and UCI
// move encoding.
package chess

import (
	"fmt"
	"math/bits"
	"strings"

	dragon "github.com/Bubblyworld/dragontoothmg"
)

// Startpos is the standard initial position FEN.
const Startpos = dragon.Startpos

// Move re-exports the generator's move type. The zero value is no move.
type Move = dragon.Move

// NoMove is the absent move (used for empty ponder, unset best move).
const NoMove Move = 0

// Outcome of a finished position, from the side to move.
type Outcome int8

const (
	OutcomeNone Outcome = iota // not terminal
	OutcomeDraw
	OutcomeLoss // side to move is checkmated
)

// Position is an immutable snapshot of the game: the board plus the hash
// history since the last irreversible move. Apply returns a new Position
// and never mutates the receiver, so borrowed copies are safe to keep
// during a tree descent.
type Position struct {
	board dragon.Board
	// Hashes of positions since the last capture or pawn move, most
	// recent last. Does not include the current position.
	history []uint64
	ply     int
}

// NewPosition parses a FEN. dragontoothmg panics on malformed input, so
// the parse is fenced and reported as an error instead.
func NewPosition(fen string) (pos Position, err error) {
	fen = strings.TrimSpace(fen)
	if len(strings.Fields(fen)) < 4 {
		return Position{}, fmt.Errorf("chess: bad fen %q", fen)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("chess: bad fen %q: %v", fen, r)
		}
	}()
	pos.board = dragon.ParseFen(fen)
	return pos, nil
}

// MustPosition is NewPosition for known-good FENs (tests, startpos).
func MustPosition(fen string) Position {
	p, err := NewPosition(fen)
	if err != nil {
		panic(err)
	}
	return p
}

// Board exposes the underlying bitboards for input-plane encoding.
func (p *Position) Board() *dragon.Board { return &p.board }

// WhiteToMove reports whether white is the side to move.
func (p *Position) WhiteToMove() bool { return p.board.Colortomove == dragon.White }

// Ply is the number of half-moves applied since this Position's root FEN.
func (p *Position) Ply() int { return p.ply }

// Rule50 is the half-move clock of the no-progress rule.
func (p *Position) Rule50() int { return int(p.board.Halfmoveclock) }

// IsCheck reports whether the side to move is in check.
func (p *Position) IsCheck() bool { return p.board.OurKingInCheck() }

// PieceCount counts all men on the board, kings included.
func (p *Position) PieceCount() int {
	occ := p.board.Bbs[dragon.White][dragon.All] | p.board.Bbs[dragon.Black][dragon.All]
	return bits.OnesCount64(occ)
}

// Hash is the zobrist key of the board alone.
func (p *Position) Hash() uint64 { return p.board.Hash() }

// Fingerprint keys the evaluation cache. Two positions with equal
// fingerprints produce identical network inputs, so the zobrist key is
// mixed with the no-progress counter (which feeds an input plane).
func (p *Position) Fingerprint() uint64 {
	return mix64(p.board.Hash() ^ (uint64(p.board.Halfmoveclock) * 0x9e3779b97f4a7c15))
}

func mix64(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}

// LegalMoves generates all legal moves, sorted by move encoding so that
// tie-breaks in selection are reproducible.
func (p *Position) LegalMoves() []Move {
	moves := p.board.GenerateLegalMoves()
	sortMoves(moves)
	return moves
}

func sortMoves(moves []Move) {
	// Insertion sort: move lists are short and mostly random order.
	for i := 1; i < len(moves); i++ {
		m := moves[i]
		j := i - 1
		for j >= 0 && moves[j] > m {
			moves[j+1] = moves[j]
			j--
		}
		moves[j+1] = m
	}
}

// Apply plays a legal move and returns the resulting Position. The
// history is pruned on irreversible moves so repetition scans stay short.
func (p *Position) Apply(m Move) Position {
	next := Position{board: p.board, ply: p.ply + 1}
	beforeClock := p.board.Halfmoveclock
	hash := p.board.Hash()
	next.board.Apply(m)
	if next.board.Halfmoveclock > beforeClock {
		// Reversible move: the previous position stays reachable.
		next.history = make([]uint64, len(p.history)+1)
		copy(next.history, p.history)
		next.history[len(p.history)] = hash
	}
	return next
}

// Repetitions counts how many times the current position already occurred
// in the game history.
func (p *Position) Repetitions() int {
	h := p.board.Hash()
	n := 0
	for _, prev := range p.history {
		if prev == h {
			n++
		}
	}
	return n
}

// Outcome classifies the position: checkmate, stalemate, the 50-move rule
// and threefold repetition. It generates moves, so callers that already
// hold the move list should use OutcomeWithMoves.
func (p *Position) Outcome() Outcome {
	return p.OutcomeWithMoves(p.board.GenerateLegalMoves())
}

// OutcomeWithMoves is Outcome with the legal move list supplied.
func (p *Position) OutcomeWithMoves(moves []Move) Outcome {
	if len(moves) == 0 {
		if p.board.OurKingInCheck() {
			return OutcomeLoss
		}
		return OutcomeDraw
	}
	if p.board.Halfmoveclock >= 100 {
		return OutcomeDraw
	}
	if p.Repetitions() >= 2 {
		return OutcomeDraw
	}
	return OutcomeNone
}

// FEN renders the position.
func (p *Position) FEN() string { return p.board.ToFen() }

// MoveToUCI encodes a move in long algebraic form. Castling comes out of
// the generator in the legacy king-two-squares form; chess960 mode
// rewrites it as king-takes-rook.
func (p *Position) MoveToUCI(m Move, chess960 bool) string {
	if !chess960 || !p.isCastling(m) {
		return m.String()
	}
	from := uint8(m.From())
	var rookFile uint8
	if m.To() > m.From() {
		rookFile = 7
	}
	rookSq := from/8*8 + rookFile
	return squareName(from) + squareName(rookSq)
}

func (p *Position) isCastling(m Move) bool {
	kings := p.board.Bbs[dragon.White][dragon.King] | p.board.Bbs[dragon.Black][dragon.King]
	if kings&(uint64(1)<<m.From()) == 0 {
		return false
	}
	df := int(m.To()%8) - int(m.From()%8)
	return df == 2 || df == -2
}

func squareName(sq uint8) string {
	return string([]byte{'a' + sq%8, '1' + sq/8})
}

// FindMove resolves a UCI move string against the legal moves, accepting
// both the legacy and the king-takes-rook castling spellings.
func (p *Position) FindMove(s string) (Move, bool) {
	for _, m := range p.board.GenerateLegalMoves() {
		if m.String() == s || p.MoveToUCI(m, true) == s {
			return m, true
		}
	}
	return NoMove, false
}
