package search

import (
	"corvid/internal/chess"
)

// GoParams mirror the UCI `go` command. Durations are milliseconds;
// -1 means the field was absent.
type GoParams struct {
	WTimeMs     int64
	BTimeMs     int64
	WIncMs      int64
	BIncMs      int64
	MovesToGo   int
	MoveTimeMs  int64
	Nodes       int64
	Depth       int
	Infinite    bool
	Ponder      bool
	SearchMoves []string
}

// NewGoParams returns GoParams with every field marked absent.
func NewGoParams() GoParams {
	return GoParams{
		WTimeMs:    -1,
		BTimeMs:    -1,
		WIncMs:     -1,
		BIncMs:     -1,
		MoveTimeMs: -1,
		Nodes:      -1,
	}
}

// TimeManager turns clock state into a configured stopper chain and
// carries spared time between moves. The bank is settled only when the
// clock-derived budget stopper is the one that ends the search: the
// unused part of the allotment is banked (capped), an overrun draws the
// bank down. A search ended by another stopper (smart pruning, KLD gain,
// a node or depth limit, movetime) or by an external stop leaves the
// bank unchanged.
type TimeManager struct {
	params *Params
	// Banked milliseconds; only the budget stopper's OnSearchDone and
	// ResetGame mutate it, and searches are serialized by the controller.
	sparedMs int64
}

// NewTimeManager builds a time manager over the shared search params.
func NewTimeManager(params *Params) *TimeManager {
	return &TimeManager{params: params}
}

// ResetGame zeroes the spared-time bank.
func (tm *TimeManager) ResetGame() {
	tm.sparedMs = 0
}

// SparedMs is the current bank, for logging and tests.
func (tm *TimeManager) SparedMs() int64 { return tm.sparedMs }

// GetStopper assembles the stopper chain for one `go` request.
// Infinite and ponder searches get no time or smart-pruning stoppers:
// they run until stopped or until an explicit visit/depth limit fires.
func (tm *TimeManager) GetStopper(g GoParams, pos *chess.Position) Stopper {
	p := tm.params
	chain := &ChainedStopper{}

	if g.Nodes > 0 {
		chain.Add(&VisitsStopper{Limit: g.Nodes})
	}
	if g.Depth > 0 {
		chain.Add(&DepthStopper{Depth: g.Depth})
	}

	if g.Infinite || g.Ponder {
		return chain
	}

	if g.MoveTimeMs >= 0 {
		budget := g.MoveTimeMs - p.MoveOverheadMs
		if budget < 1 {
			budget = 1
		}
		chain.Add(&TimeLimitStopper{BudgetMs: budget})
	}

	remaining, inc := int64(-1), int64(0)
	if pos.WhiteToMove() {
		remaining, inc = g.WTimeMs, max64(g.WIncMs, 0)
	} else {
		remaining, inc = g.BTimeMs, max64(g.BIncMs, 0)
	}
	if remaining >= 0 {
		allot := tm.allotMs(remaining, inc, g.MovesToGo, pos)
		budget := allot + tm.sparedMs - p.MoveOverheadMs
		if budget < 1 {
			budget = 1
		}
		chain.Add(&budgetStopper{
			TimeLimitStopper: TimeLimitStopper{BudgetMs: budget},
			tm:               tm,
			allotMs:          allot,
		})
	}

	if p.SmartPruningFactor > 0 {
		chain.Add(&SmartPruningStopper{Factor: p.SmartPruningFactor})
	}
	if p.MinimumKLDGainPerNode > 0 {
		chain.Add(&KLDGainStopper{
			MinGain:  p.MinimumKLDGainPerNode,
			Interval: p.KLDGainAverageInterval,
		})
	}
	return chain
}

// allotMs is this move's own time slice, before the bank is applied:
// base = remaining/movestogo + inc, capped by both the slowmover-scaled
// base and a hard fraction of the remaining clock.
func (tm *TimeManager) allotMs(remaining, inc int64, movesToGo int, pos *chess.Position) int64 {
	p := tm.params
	moves := int64(movesToGo)
	if moves <= 0 {
		moves = movesLeftEstimate(pos)
	}
	base := remaining/moves + inc
	cap1 := int64(float64(base) * p.Slowmover)
	cap2 := int64(float64(remaining) * p.MaxTimeFraction)
	allot := cap1
	if cap2 < allot {
		allot = cap2
	}
	if allot < 1 {
		allot = 1
	}
	return allot
}

// movesLeftEstimate guesses the remaining move count from the game ply:
// long early, never below a dozen.
func movesLeftEstimate(pos *chess.Position) int64 {
	est := int64(32 - pos.Ply()/4)
	if est < 12 {
		est = 12
	}
	return est
}

// budgetStopper is the clock-derived time limit; when it ends a search
// it settles the spared-time bank.
type budgetStopper struct {
	TimeLimitStopper
	tm      *TimeManager
	allotMs int64
}

func (s *budgetStopper) OnSearchDone(stats *IterationStats) {
	tm := s.tm
	spared := tm.sparedMs + s.allotMs - stats.TimeSinceMovestart.Milliseconds()
	if spared < 0 {
		spared = 0
	}
	if limit := tm.params.TimeSpareCapMs; spared > limit {
		spared = limit
	}
	tm.sparedMs = spared
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
