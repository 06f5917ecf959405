// Package network defines the evaluation backend contract: a Network
// produces Computations, a Computation gathers a batch of positions and
// evaluates them in one blocking call.
package network

import (
	"fmt"
	"math/bits"
	"strings"

	dragon "github.com/Bubblyworld/dragontoothmg"

	"corvid/internal/chess"
)

const (
	// Input planes: 12 piece planes from the mover's perspective, 4
	// castling rights, side to move, rule-50 fill, all-ones.
	InputPlanes = 19
	PlaneSize   = 64
	InputSize   = InputPlanes * PlaneSize

	// Policy head: from*64+to for every move (queen promotions share
	// their from-to slot), plus three 64-wide planes keyed by the
	// destination square for knight/bishop/rook under-promotions.
	PolicySize = 4096 + 3*64
)

// Network is an evaluation backend. Implementations must allow
// NewComputation to be called concurrently from many workers.
type Network interface {
	// NewComputation returns an empty batch bound to this backend.
	NewComputation() Computation
	Name() string
	Close() error
}

// Computation is a single batch. AddInput and the readers are only ever
// called by the worker that owns the batch; ComputeBlocking may block.
type Computation interface {
	AddInput(pos *chess.Position)
	ComputeBlocking() error
	BatchSize() int
	// WDL returns win/draw/loss probabilities from the side to move of
	// sample i. They sum to 1.
	WDL(i int) (w, d, l float32)
	MovesLeft(i int) float32
	// PolicyAt returns the raw policy logit of sample i at a policy
	// index (see PolicyIndex). Callers softmax over legal moves.
	PolicyAt(i int, policyIndex int) float32
}

// PolicyIndex maps a move to its slot in the policy head.
func PolicyIndex(m chess.Move) int {
	switch m.Promote() {
	case dragon.Knight:
		return 4096 + int(m.To())
	case dragon.Bishop:
		return 4096 + 64 + int(m.To())
	case dragon.Rook:
		return 4096 + 128 + int(m.To())
	default:
		return int(m.From())<<6 | int(m.To())
	}
}

var pieceOrder = [6]dragon.Piece{
	dragon.Pawn, dragon.Knight, dragon.Bishop,
	dragon.Rook, dragon.Queen, dragon.King,
}

// EncodePosition fills dst (length InputSize) with the input planes of
// pos. The board is always oriented so the side to move plays "up":
// with black to move, ranks are mirrored and colors swapped.
func EncodePosition(pos *chess.Position, dst []float32) {
	_ = dst[InputSize-1]
	for i := range dst[:InputSize] {
		dst[i] = 0
	}

	b := pos.Board()
	us, them := dragon.White, dragon.Black
	var flip uint8
	if !pos.WhiteToMove() {
		us, them = dragon.Black, dragon.White
		flip = 56
	}

	for pi, piece := range pieceOrder {
		fillPlane(dst[pi*PlaneSize:], b.Bbs[us][piece], flip)
		fillPlane(dst[(pi+6)*PlaneSize:], b.Bbs[them][piece], flip)
	}

	k, q, kt, qt := castlingRights(pos.FEN())
	if !pos.WhiteToMove() {
		k, kt = kt, k
		q, qt = qt, q
	}
	setFill(dst[12*PlaneSize:], boolToFloat(k))
	setFill(dst[13*PlaneSize:], boolToFloat(q))
	setFill(dst[14*PlaneSize:], boolToFloat(kt))
	setFill(dst[15*PlaneSize:], boolToFloat(qt))
	setFill(dst[16*PlaneSize:], boolToFloat(pos.WhiteToMove()))
	setFill(dst[17*PlaneSize:], float32(pos.Rule50())/100.0)
	setFill(dst[18*PlaneSize:], 1.0)
}

func fillPlane(dst []float32, bb uint64, flip uint8) {
	for bb != 0 {
		sq := uint8(bits.TrailingZeros64(bb))
		bb &= bb - 1
		dst[sq^flip] = 1.0
	}
}

func setFill(dst []float32, v float32) {
	for i := 0; i < PlaneSize; i++ {
		dst[i] = v
	}
}

func boolToFloat(b bool) float32 {
	if b {
		return 1.0
	}
	return 0.0
}

// castlingRights reads the third FEN field. The generator keeps its
// castling state private, so the FEN is the stable way at it.
func castlingRights(fen string) (wk, wq, bk, bq bool) {
	fields := strings.Fields(fen)
	if len(fields) < 3 {
		return
	}
	for _, c := range fields[2] {
		switch c {
		case 'K':
			wk = true
		case 'Q':
			wq = true
		case 'k':
			bk = true
		case 'q':
			bq = true
		}
	}
	return
}

// New builds a backend by name: "material", or "onnx" (requires a model
// path). Grown as backends are added, like the teacher's provider list.
func New(backend, modelPath, libPath string) (Network, error) {
	switch backend {
	case "material", "":
		return NewMaterial(), nil
	case "onnx":
		if modelPath == "" {
			return nil, fmt.Errorf("network: onnx backend needs a model path")
		}
		return NewONNX(modelPath, libPath)
	default:
		return nil, fmt.Errorf("network: unknown backend %q", backend)
	}
}
