package search

import (
	"testing"
	"time"
)

func TestHintsTakeMinimum(t *testing.T) {
	var h Hints
	h.Reset()
	h.UpdateEstimatedRemainingTimeMs(500)
	h.UpdateEstimatedRemainingTimeMs(900)
	if got := h.EstimatedRemainingTimeMs(); got != 500 {
		t.Errorf("remaining time = %d, want 500", got)
	}
	h.UpdateEstimatedRemainingPlayouts(100)
	h.UpdateEstimatedRemainingPlayouts(50)
	if got := h.EstimatedRemainingPlayouts(); got != 50 {
		t.Errorf("remaining playouts = %d, want 50", got)
	}
	h.Reset()
	if h.EstimatedRemainingTimeMs() != hintUnknown {
		t.Error("reset should loosen the estimate")
	}
}

func TestVisitsStopper(t *testing.T) {
	s := &VisitsStopper{Limit: 100}
	var h Hints
	h.Reset()
	if s.ShouldStop(&IterationStats{TotalNodes: 99}, &h) {
		t.Error("stopped below the limit")
	}
	if got := h.EstimatedRemainingPlayouts(); got != 1 {
		t.Errorf("hint = %d, want 1", got)
	}
	if !s.ShouldStop(&IterationStats{TotalNodes: 100}, &h) {
		t.Error("did not stop at the limit")
	}
}

func TestPlayoutsAndDepthStoppers(t *testing.T) {
	var h Hints
	h.Reset()
	p := &PlayoutsStopper{Limit: 10}
	if p.ShouldStop(&IterationStats{NodesSinceMovestart: 9}, &h) {
		t.Error("playouts: stopped early")
	}
	if !p.ShouldStop(&IterationStats{NodesSinceMovestart: 10}, &h) {
		t.Error("playouts: did not stop")
	}
	d := &DepthStopper{Depth: 8}
	if d.ShouldStop(&IterationStats{AverageDepth: 7}, &h) {
		t.Error("depth: stopped early")
	}
	if !d.ShouldStop(&IterationStats{AverageDepth: 8}, &h) {
		t.Error("depth: did not stop")
	}
}

func TestTimeLimitStopper(t *testing.T) {
	s := &TimeLimitStopper{BudgetMs: 1000}
	var h Hints
	h.Reset()
	if s.ShouldStop(&IterationStats{TimeSinceMovestart: 400 * time.Millisecond}, &h) {
		t.Error("stopped inside the budget")
	}
	if got := h.EstimatedRemainingTimeMs(); got != 600 {
		t.Errorf("hint = %d, want 600", got)
	}
	if !s.ShouldStop(&IterationStats{TimeSinceMovestart: time.Second}, &h) {
		t.Error("did not stop at the budget")
	}
}

func TestSmartPruningSingleMove(t *testing.T) {
	s := &SmartPruningStopper{Factor: 1.33}
	var h Hints
	h.Reset()
	stats := &IterationStats{NodesSinceMovestart: 1, EdgeN: []uint32{1}}
	if !s.ShouldStop(stats, &h) {
		t.Error("single legal move should stop immediately")
	}
}

func TestSmartPruningOvertake(t *testing.T) {
	s := &SmartPruningStopper{Factor: 1.33}
	var h Hints

	// Best lead 800 with only 100 playouts left: nothing can catch up.
	stats := &IterationStats{
		NodesSinceMovestart: 1000,
		TimeSinceMovestart:  time.Second,
		EdgeN:               []uint32{900, 100, 0},
	}
	h.Reset()
	h.UpdateEstimatedRemainingPlayouts(100)
	if s.ShouldStop(stats, &h) {
		t.Error("first poll only arms the stopper")
	}
	if !s.ShouldStop(stats, &h) {
		t.Error("should stop when the lead is unassailable")
	}

	// Plenty of playouts left: keep searching.
	s2 := &SmartPruningStopper{Factor: 1.33}
	h.Reset()
	h.UpdateEstimatedRemainingPlayouts(10000)
	if s2.ShouldStop(stats, &h) {
		t.Error("arming poll stopped")
	}
	if s2.ShouldStop(stats, &h) {
		t.Error("stopped although the second move can still overtake")
	}
}

func TestKLDGainStopper(t *testing.T) {
	s := &KLDGainStopper{MinGain: 0.001, Interval: 100}
	var h Hints
	h.Reset()

	if s.ShouldStop(&IterationStats{EdgeN: []uint32{50, 50}}, &h) {
		t.Error("first sample should only arm the stopper")
	}
	// Distribution barely moved over 200 new visits: gain is tiny.
	if !s.ShouldStop(&IterationStats{EdgeN: []uint32{150, 150}}, &h) {
		t.Error("unchanged distribution should stop")
	}

	s2 := &KLDGainStopper{MinGain: 0.001, Interval: 100}
	if s2.ShouldStop(&IterationStats{EdgeN: []uint32{50, 50}}, &h) {
		t.Error("arming poll stopped")
	}
	// The search changed its mind hard: large divergence, keep going.
	if s2.ShouldStop(&IterationStats{EdgeN: []uint32{650, 50}}, &h) {
		t.Error("diverging distribution should not stop")
	}
}

type recordingStopper struct {
	stop bool
	done int
}

func (r *recordingStopper) ShouldStop(*IterationStats, *Hints) bool { return r.stop }
func (r *recordingStopper) OnSearchDone(*IterationStats)            { r.done++ }

func TestChainedStopperTriggersFirst(t *testing.T) {
	quiet := &recordingStopper{}
	loud := &recordingStopper{stop: true}
	after := &recordingStopper{stop: true}

	c := &ChainedStopper{}
	c.Add(quiet)
	c.Add(loud)
	c.Add(after)

	var h Hints
	h.Reset()
	if !c.ShouldStop(&IterationStats{}, &h) {
		t.Fatal("chain should stop when a child stops")
	}
	c.OnSearchDone(&IterationStats{})
	if quiet.done != 0 || loud.done != 1 || after.done != 0 {
		t.Errorf("OnSearchDone fanout = %d/%d/%d, want only the trigger",
			quiet.done, loud.done, after.done)
	}
}

func TestChainedStopperEmpty(t *testing.T) {
	c := &ChainedStopper{}
	var h Hints
	h.Reset()
	if c.ShouldStop(&IterationStats{TotalNodes: 1 << 40}, &h) {
		t.Error("empty chain must never stop")
	}
	c.OnSearchDone(&IterationStats{})
}
