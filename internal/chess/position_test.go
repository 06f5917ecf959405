package chess

import (
	"testing"
)

func TestStartposBasics(t *testing.T) {
	pos, err := NewPosition(Startpos)
	if err != nil {
		t.Fatalf("NewPosition(startpos): %v", err)
	}
	if !pos.WhiteToMove() {
		t.Error("startpos: white should be to move")
	}
	if got := len(pos.LegalMoves()); got != 20 {
		t.Errorf("startpos legal moves = %d, want 20", got)
	}
	if got := pos.PieceCount(); got != 32 {
		t.Errorf("startpos piece count = %d, want 32", got)
	}
	if pos.Outcome() != OutcomeNone {
		t.Error("startpos should not be terminal")
	}
}

func TestBadFen(t *testing.T) {
	for _, fen := range []string{"", "garbage", "8/8/8/8"} {
		if _, err := NewPosition(fen); err == nil {
			t.Errorf("NewPosition(%q): expected error", fen)
		}
	}
}

func TestApplyAndFindMove(t *testing.T) {
	pos := MustPosition(Startpos)
	m, ok := pos.FindMove("e2e4")
	if !ok {
		t.Fatal("e2e4 not found in startpos")
	}
	next := pos.Apply(m)
	if next.WhiteToMove() {
		t.Error("after e2e4 black should be to move")
	}
	if next.Ply() != 1 {
		t.Errorf("ply = %d, want 1", next.Ply())
	}
	// The original is untouched.
	if !pos.WhiteToMove() || pos.Ply() != 0 {
		t.Error("Apply mutated the receiver")
	}
	if _, ok := pos.FindMove("e2e5"); ok {
		t.Error("e2e5 should not resolve")
	}
}

func TestLegalMovesSorted(t *testing.T) {
	pos := MustPosition(Startpos)
	moves := pos.LegalMoves()
	for i := 1; i < len(moves); i++ {
		if moves[i-1] > moves[i] {
			t.Fatalf("moves not sorted at %d: %v > %v", i, moves[i-1], moves[i])
		}
	}
}

func TestFingerprintCoversRule50(t *testing.T) {
	a := MustPosition("8/8/8/8/8/5k2/8/5K1R w - - 0 1")
	b := MustPosition("8/8/8/8/8/5k2/8/5K1R w - - 40 1")
	if a.Fingerprint() == b.Fingerprint() {
		t.Error("fingerprint should depend on the no-progress counter")
	}
	if a.Fingerprint() != MustPosition("8/8/8/8/8/5k2/8/5K1R w - - 0 1").Fingerprint() {
		t.Error("equal positions should have equal fingerprints")
	}
}

func applyUCI(t *testing.T, pos Position, moves ...string) Position {
	t.Helper()
	for _, ms := range moves {
		m, ok := pos.FindMove(ms)
		if !ok {
			t.Fatalf("move %s not legal in %s", ms, pos.FEN())
		}
		pos = pos.Apply(m)
	}
	return pos
}

func TestRepetitionCounting(t *testing.T) {
	pos := MustPosition(Startpos)
	pos = applyUCI(t, pos, "g1f3", "g8f6", "f3g1", "f6g8")
	if got := pos.Repetitions(); got != 1 {
		t.Fatalf("after one knight shuffle: repetitions = %d, want 1", got)
	}
	if pos.Outcome() != OutcomeNone {
		t.Error("single repetition should not be terminal")
	}
	pos = applyUCI(t, pos, "g1f3", "g8f6", "f3g1", "f6g8")
	if got := pos.Repetitions(); got != 2 {
		t.Fatalf("after two shuffles: repetitions = %d, want 2", got)
	}
	if pos.Outcome() != OutcomeDraw {
		t.Error("threefold position should be a draw")
	}
}

func TestRepetitionHistoryPrunedByPawnMove(t *testing.T) {
	pos := MustPosition(Startpos)
	pos = applyUCI(t, pos, "g1f3", "g8f6", "f3g1", "f6g8", "e2e4")
	if got := pos.Repetitions(); got != 0 {
		t.Errorf("pawn move should reset the repetition history, got %d", got)
	}
}

func TestOutcomes(t *testing.T) {
	cases := []struct {
		name string
		fen  string
		want Outcome
	}{
		{"foolsmate", "rnb1kbnr/pppp1ppp/8/4p3/6Pq/5P2/PPPPP2P/RNBQKBNR w KQkq - 1 3", OutcomeLoss},
		{"stalemate", "7k/5Q2/6K1/8/8/8/8/8 b - - 0 1", OutcomeDraw},
		{"rule50", "8/8/8/8/8/5k2/8/5K1R w - - 100 80", OutcomeDraw},
		{"ongoing", Startpos, OutcomeNone},
	}
	for _, tc := range cases {
		pos := MustPosition(tc.fen)
		if got := pos.Outcome(); got != tc.want {
			t.Errorf("%s: outcome = %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestCastlingEncoding(t *testing.T) {
	pos := MustPosition("r3k2r/8/8/8/8/8/8/R3K2R w KQkq - 0 1")
	m, ok := pos.FindMove("e1g1")
	if !ok {
		t.Fatal("short castling not legal")
	}
	if got := pos.MoveToUCI(m, false); got != "e1g1" {
		t.Errorf("legacy castling = %q, want e1g1", got)
	}
	if got := pos.MoveToUCI(m, true); got != "e1h1" {
		t.Errorf("chess960 castling = %q, want e1h1", got)
	}
	// King-takes-rook spelling resolves too.
	if _, ok := pos.FindMove("e1h1"); !ok {
		t.Error("e1h1 should resolve to short castling")
	}
	long, ok := pos.FindMove("e1c1")
	if !ok {
		t.Fatal("long castling not legal")
	}
	if got := pos.MoveToUCI(long, true); got != "e1a1" {
		t.Errorf("chess960 long castling = %q, want e1a1", got)
	}
	// A plain king move is never rewritten.
	km, ok := pos.FindMove("e1d1")
	if !ok {
		t.Fatal("e1d1 not legal")
	}
	if got := pos.MoveToUCI(km, true); got != "e1d1" {
		t.Errorf("king move = %q, want e1d1", got)
	}
}
