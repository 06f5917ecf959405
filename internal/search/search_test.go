package search

import (
	"math"
	"testing"
	"time"

	"corvid/internal/chess"
	"corvid/internal/network"
	"corvid/internal/nncache"
	"corvid/internal/syzygy"
)

// runSearch drives a search to completion over fen with a playout limit.
func runSearch(t *testing.T, fen string, playouts int64, threads int, tweak func(*Options)) (*Search, *NodeTree) {
	t.Helper()
	tree := NewTree()
	if _, err := tree.ResetToPosition(fen, nil); err != nil {
		t.Fatal(err)
	}
	stopper := &ChainedStopper{}
	stopper.Add(&PlayoutsStopper{Limit: playouts})
	opts := Options{
		Tree:    tree,
		Network: network.NewMaterial(),
		Cache:   nncache.New(10000),
		Params:  DefaultParams(),
		Stopper: stopper,
	}
	if tweak != nil {
		tweak(&opts)
	}
	s := NewSearch(opts)
	s.StartThreads(threads)
	s.Wait()
	return s, tree
}

// checkTreeInvariants walks the quiescent tree checking the §8 laws:
// no in-flight visits, consistent visit sums, bounded statistics.
func checkTreeInvariants(t *testing.T, nd *Node) (subtreeVisits int64) {
	t.Helper()
	if got := nd.Inflight(); got != 0 {
		t.Errorf("quiescent node has inflight = %d", got)
	}
	n := int64(nd.N())
	w, d := nd.WSum(), nd.DSum()
	if math.Abs(w) > float64(n)+1e-6 {
		t.Errorf("|W| = %v exceeds N = %d", w, n)
	}
	if d < -1e-6 || d > float64(n)+1e-6 {
		t.Errorf("D = %v outside [0, N = %d]", d, n)
	}
	ea := nd.Edges()
	if ea == nil || len(ea.edges) == 0 {
		return n
	}
	var childSum int64
	for i := range ea.edges {
		if c := ea.childIfAny(i); c != nil {
			childSum += checkTreeInvariants(t, c)
		}
	}
	if !nd.IsTerminal() && n > 0 && childSum != n-1 {
		t.Errorf("expanded node: sum(children.N) = %d, want N-1 = %d", childSum, n-1)
	}
	return n
}

func TestSearchInvariantsAfterQuiescence(t *testing.T) {
	for _, threads := range []int{1, 4} {
		s, tree := runSearch(t, chess.Startpos, 400, threads, nil)
		if s.TotalPlayouts() < 400 {
			t.Errorf("threads=%d: playouts = %d, want >= 400", threads, s.TotalPlayouts())
		}
		checkTreeInvariants(t, tree.Root())
	}
}

func TestTerminalRootSingleVisit(t *testing.T) {
	// Stalemate: one visit returns the exact terminal value.
	s, tree := runSearch(t, "7k/5Q2/6K1/8/8/8/8/8 b - - 0 1", 1, 1, nil)
	root := tree.Root()
	if root.TerminalState() != TerminalDraw {
		t.Fatalf("stalemate root terminal = %d, want draw", root.TerminalState())
	}
	if root.N() < 1 {
		t.Fatal("no visit recorded")
	}
	if root.WSum() != 0 || root.DSum() != float64(root.N()) {
		t.Errorf("draw stats: W = %v, D = %v, N = %d", root.WSum(), root.DSum(), root.N())
	}
	bm := s.bestMoveInfo()
	if bm.Move != chess.NoMove {
		t.Errorf("terminal root best move = %v, want none", bm.Move)
	}
}

func TestCheckmateRootValue(t *testing.T) {
	_, tree := runSearch(t, "rnb1kbnr/pppp1ppp/8/4p3/6Pq/5P2/PPPPP2P/RNBQKBNR w KQkq - 1 3", 1, 1, nil)
	root := tree.Root()
	if root.TerminalState() != TerminalLoss {
		t.Fatalf("checkmated root terminal = %d, want loss", root.TerminalState())
	}
	if root.Q() != -1 {
		t.Errorf("checkmated root Q = %v, want -1", root.Q())
	}
}

func TestKvKConvergesToDraw(t *testing.T) {
	s, tree := runSearch(t, "7k/8/8/8/8/8/8/K7 w - - 0 1", 200, 2, func(o *Options) {
		o.Tablebase = syzygy.New()
	})
	root := tree.Root()
	n := float64(root.N())
	if n < 1 {
		t.Fatal("no visits")
	}
	if q := math.Abs(root.WSum() / n); q >= 0.05 {
		t.Errorf("KvK |W/N| = %v, want < 0.05", q)
	}
	// Every child probes as a tablebase draw, so the root is proved
	// drawn as soon as all three king moves have been visited.
	if root.TerminalState() != TerminalDraw {
		lower, upper, _ := root.Bounds()
		t.Errorf("KvK root not proved drawn: bounds [%d, %d]", lower, upper)
	}
	if d := root.DSum() / n; d <= 0.75 {
		t.Errorf("KvK D/N = %v, want > 0.75", d)
	}
	if s.tbHits.Load() == 0 {
		t.Error("expected tablebase hits in KvK")
	}
}

func TestMateInOneIsProved(t *testing.T) {
	s, tree := runSearch(t, "6k1/5ppp/8/8/8/8/8/4R1K1 w - - 0 1", 600, 2, nil)
	root := tree.Root()
	lower, _, plies := root.Bounds()
	if lower != 1 {
		t.Fatalf("mate in 1 not proved: lower bound = %d", lower)
	}
	if plies != 1 {
		t.Errorf("proof distance = %d plies, want 1", plies)
	}
	bm := s.bestMoveInfo()
	if bm.Move.String() != "e1e8" {
		t.Errorf("best move = %v, want e1e8", bm.Move)
	}
	info := s.thinkingInfo(s.collectStats())
	if !info.HasMate || info.MateIn != 1 {
		t.Errorf("score = mate %d (hasMate=%v), want mate 1", info.MateIn, info.HasMate)
	}
}

func TestSingleThreadDeterminism(t *testing.T) {
	collect := func() []RootMove {
		s, _ := runSearch(t, chess.Startpos, 200, 1, func(o *Options) {
			o.Params.MiniBatchSize = 1
		})
		return s.RootMoves()
	}
	a, b := collect(), collect()
	if len(a) != len(b) {
		t.Fatalf("root move counts differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].Move != b[i].Move || a[i].Visits != b[i].Visits {
			t.Errorf("visit distribution differs at %d: %v/%d vs %v/%d",
				i, a[i].Move, a[i].Visits, b[i].Move, b[i].Visits)
		}
	}
}

func TestSearchMovesRestriction(t *testing.T) {
	tree := NewTree()
	pos := tree.HeadPosition()
	m1, _ := pos.FindMove("e2e4")
	m2, _ := pos.FindMove("d2d4")

	stopper := &ChainedStopper{}
	stopper.Add(&PlayoutsStopper{Limit: 300})
	s := NewSearch(Options{
		Tree:        tree,
		Network:     network.NewMaterial(),
		Cache:       nncache.New(10000),
		Params:      DefaultParams(),
		Stopper:     stopper,
		SearchMoves: []chess.Move{m1, m2},
	})
	s.StartThreads(2)
	s.Wait()

	ea := tree.Root().Edges()
	if ea == nil {
		t.Fatal("root not expanded")
	}
	for i := range ea.edges {
		m := ea.edges[i].Move
		c := ea.childIfAny(i)
		if m == m1 || m == m2 {
			continue
		}
		if c != nil && c.N() != 0 {
			t.Errorf("filtered move %v has N = %d, want 0", m, c.N())
		}
	}
	bm := s.bestMoveInfo()
	if bm.Move != m1 && bm.Move != m2 {
		t.Errorf("best move %v escaped the searchmoves filter", bm.Move)
	}
}

func TestInfiniteStopEmitsBestMove(t *testing.T) {
	tree := NewTree()
	bestCh := make(chan BestMoveInfo, 1)
	s := NewSearch(Options{
		Tree:     tree,
		Network:  network.NewMaterial(),
		Cache:    nncache.New(10000),
		Params:   DefaultParams(),
		Stopper:  &ChainedStopper{},
		Infinite: true,
		BestMove: func(bm BestMoveInfo) { bestCh <- bm },
	})
	s.StartThreads(2)

	time.Sleep(100 * time.Millisecond)
	select {
	case <-bestCh:
		t.Fatal("bestmove emitted before stop in infinite mode")
	default:
	}

	s.Stop()
	select {
	case bm := <-bestCh:
		if bm.Move == chess.NoMove {
			t.Error("bestmove is empty")
		}
		pos := chess.MustPosition(chess.Startpos)
		if _, ok := pos.FindMove(bm.Move.String()); !ok {
			t.Errorf("bestmove %v is not legal from startpos", bm.Move)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no bestmove within 2s of stop")
	}
	s.Wait()
}

func TestAbortSuppressesBestMove(t *testing.T) {
	tree := NewTree()
	bestCh := make(chan BestMoveInfo, 1)
	s := NewSearch(Options{
		Tree:     tree,
		Network:  network.NewMaterial(),
		Cache:    nncache.New(10000),
		Params:   DefaultParams(),
		Stopper:  &ChainedStopper{},
		Infinite: true,
		BestMove: func(bm BestMoveInfo) { bestCh <- bm },
	})
	s.StartThreads(2)
	time.Sleep(50 * time.Millisecond)
	s.Abort()
	s.Wait()
	select {
	case <-bestCh:
		t.Error("aborted search emitted a bestmove")
	default:
	}
}

func TestCacheServesRepeatedPositions(t *testing.T) {
	cache := nncache.New(10000)
	run := func() {
		tree := NewTree()
		stopper := &ChainedStopper{}
		stopper.Add(&PlayoutsStopper{Limit: 100})
		s := NewSearch(Options{
			Tree:    tree,
			Network: network.NewMaterial(),
			Cache:   cache,
			Params:  DefaultParams(),
			Stopper: stopper,
		})
		s.StartThreads(1)
		s.Wait()
	}
	run()
	if cache.Len() == 0 {
		t.Fatal("first search populated nothing")
	}
	before := cache.Hits()
	run()
	if cache.Hits() <= before {
		t.Error("second search over the same positions should hit the cache")
	}
}

func TestVisitsRetainedAcrossIdenticalReset(t *testing.T) {
	tree := NewTree()
	if _, err := tree.ResetToPosition(chess.Startpos, []string{"e2e4"}); err != nil {
		t.Fatal(err)
	}
	stopper := &ChainedStopper{}
	stopper.Add(&PlayoutsStopper{Limit: 150})
	s := NewSearch(Options{
		Tree:    tree,
		Network: network.NewMaterial(),
		Cache:   nncache.New(10000),
		Params:  DefaultParams(),
		Stopper: stopper,
	})
	s.StartThreads(2)
	s.Wait()

	visited := tree.Root().N()
	if visited == 0 {
		t.Fatal("no visits accumulated")
	}
	same, err := tree.ResetToPosition(chess.Startpos, []string{"e2e4"})
	if err != nil {
		t.Fatal(err)
	}
	if !same || tree.Root().N() != visited {
		t.Errorf("visits lost across reset: same=%v, N=%d want %d",
			same, tree.Root().N(), visited)
	}
}
