package network

import (
	"math"

	dragon "github.com/Bubblyworld/dragontoothmg"

	"corvid/internal/chess"
)

// Material is a deterministic CPU backend: value from material and
// mobility, policy favoring captures and promotions. It exists so the
// engine runs without a weights file and so tests have a reproducible
// evaluator; it plays club-level chess at best.
type Material struct{}

// NewMaterial returns the material backend.
func NewMaterial() *Material { return &Material{} }

func (*Material) Name() string { return "material" }
func (*Material) Close() error { return nil }

func (m *Material) NewComputation() Computation {
	return &materialComputation{}
}

type materialSample struct {
	wdl       [3]float32
	movesLeft float32
	// Sparse logits keyed by policy index; unset indices read as 0.
	logits map[int]float32
}

type materialComputation struct {
	positions []chess.Position
	samples   []materialSample
}

func (c *materialComputation) AddInput(pos *chess.Position) {
	c.positions = append(c.positions, *pos)
}

func (c *materialComputation) BatchSize() int { return len(c.positions) }

var pieceValue = [7]float32{
	dragon.Pawn:   1,
	dragon.Knight: 3,
	dragon.Bishop: 3.15,
	dragon.Rook:   5,
	dragon.Queen:  9,
}

func (c *materialComputation) ComputeBlocking() error {
	c.samples = make([]materialSample, len(c.positions))
	for i := range c.positions {
		c.evalOne(i)
	}
	return nil
}

func (c *materialComputation) evalOne(i int) {
	pos := &c.positions[i]
	b := pos.Board()

	us, them := dragon.White, dragon.Black
	if !pos.WhiteToMove() {
		us, them = them, us
	}
	var diff float32
	for piece, v := range pieceValue {
		if v == 0 {
			continue
		}
		diff += v * float32(popcount(b.Bbs[us][dragon.Piece(piece)]))
		diff -= v * float32(popcount(b.Bbs[them][dragon.Piece(piece)]))
	}

	moves := pos.LegalMoves()
	mobility := float32(len(moves))

	v := float32(math.Tanh(float64(diff*0.25 + mobility*0.004)))
	if pos.IsCheck() {
		v -= 0.1
	}
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}

	s := &c.samples[i]
	d := 0.4 * (1 - abs32(v))
	s.wdl[0] = (1+v)/2 - d/2
	s.wdl[1] = d
	s.wdl[2] = (1-v)/2 - d/2
	s.movesLeft = float32(pos.PieceCount()*3 + 10)

	s.logits = make(map[int]float32, len(moves))
	occ := b.Bbs[dragon.White][dragon.All] | b.Bbs[dragon.Black][dragon.All]
	for _, mv := range moves {
		var logit float32
		if occ&(uint64(1)<<mv.To()) != 0 {
			logit += 1.0
		}
		if mv.Promote() == dragon.Queen {
			logit += 1.5
		}
		// Deterministic jitter so moves do not tie exactly.
		logit += float32(chess.Move(mv)%97) * 0.003
		s.logits[PolicyIndex(mv)] = logit
	}
}

func (c *materialComputation) WDL(i int) (w, d, l float32) {
	s := &c.samples[i]
	return s.wdl[0], s.wdl[1], s.wdl[2]
}

func (c *materialComputation) MovesLeft(i int) float32 {
	return c.samples[i].movesLeft
}

func (c *materialComputation) PolicyAt(i int, policyIndex int) float32 {
	return c.samples[i].logits[policyIndex]
}

func popcount(bb uint64) int {
	n := 0
	for bb != 0 {
		bb &= bb - 1
		n++
	}
	return n
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
