package search

import (
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"corvid/internal/chess"
	"corvid/internal/network"
	"corvid/internal/nncache"
	"corvid/internal/syzygy"
)

// BestMoveInfo is delivered once per search, when the move is committed.
type BestMoveInfo struct {
	Move   chess.Move
	Ponder chess.Move
}

// ThinkingInfo is one `info` line worth of state.
type ThinkingInfo struct {
	Depth    int
	SelDepth int
	TimeMs   int64
	Nodes    int64
	NPS      int64
	Hashfull int
	TBHits   int64
	ScoreCp  int
	MateIn   int // plies-derived mate distance in moves; 0 when unproven
	HasMate  bool
	PV       []chess.Move
}

// RootMove is the per-edge summary self-play samples from.
type RootMove struct {
	Move   chess.Move
	Visits uint32
	Q      float64
}

// Options configure one Search. The tree, cache and tablebase are owned
// by the controller and shared across searches.
type Options struct {
	Tree        *NodeTree
	Network     network.Network
	Cache       *nncache.Cache
	Tablebase   *syzygy.Tablebase
	Params      Params
	Stopper     Stopper
	SearchMoves []chess.Move
	// Infinite covers both `go infinite` and pondering: the stopper may
	// halt the workers, but bestmove is withheld until Stop.
	Infinite  bool
	StartTime time.Time
	BestMove  func(BestMoveInfo)
	Info      func(ThinkingInfo)
	// InfoString carries worker-reported errors to the GUI as
	// `info string` lines; workers never print directly.
	InfoString func(string)
	Log        zerolog.Logger
}

// Search runs one `go` request: worker threads descending the shared
// tree, a reporter polling the stopper and emitting info lines, and the
// commit of a best move once everything drains.
type Search struct {
	tree       *NodeTree
	root       *Node
	rootPos    chess.Position
	net        network.Network
	cache      *nncache.Cache
	tb         *syzygy.Tablebase
	params     Params
	stopper    Stopper
	rootFilter map[chess.Move]bool
	bestMoveCB func(BestMoveInfo)
	infoCB     func(ThinkingInfo)
	infoStrCB  func(string)
	log        zerolog.Logger
	startTime  time.Time

	stopFlag atomic.Bool
	infinite atomic.Bool
	aborted  atomic.Bool

	playouts atomic.Int64
	cumDepth atomic.Int64
	maxDepth atomic.Int64
	tbHits   atomic.Int64

	backendFailed atomic.Bool

	workers sync.WaitGroup
	started bool
	drained chan struct{}
	done    chan struct{}

	// stopperMu serializes the stopper chain between the reporter and
	// the workers' per-batch polls; stoppers keep internal state.
	stopperMu sync.Mutex

	mu        sync.Mutex
	isDrained bool
	responded bool
}

// NewSearch builds a search over the tree's current head position.
func NewSearch(o Options) *Search {
	o.Params.Clamp()
	s := &Search{
		tree:       o.Tree,
		root:       o.Tree.Root(),
		rootPos:    *o.Tree.HeadPosition(),
		net:        o.Network,
		cache:      o.Cache,
		tb:         o.Tablebase,
		params:     o.Params,
		stopper:    o.Stopper,
		bestMoveCB: o.BestMove,
		infoCB:     o.Info,
		infoStrCB:  o.InfoString,
		log:        o.Log,
		startTime:  o.StartTime,
		drained:    make(chan struct{}),
		done:       make(chan struct{}),
	}
	if s.startTime.IsZero() {
		s.startTime = time.Now()
	}
	if s.stopper == nil {
		s.stopper = &ChainedStopper{}
	}
	if len(o.SearchMoves) > 0 {
		s.rootFilter = make(map[chess.Move]bool, len(o.SearchMoves))
		for _, m := range o.SearchMoves {
			s.rootFilter[m] = true
		}
	}
	s.infinite.Store(o.Infinite)
	return s
}

// StartThreads launches n workers plus the reporter. Must be called at
// most once.
func (s *Search) StartThreads(n int) {
	if s.started {
		return
	}
	s.started = true
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		s.workers.Add(1)
		go s.workerLoop()
	}
	go s.reporterLoop()
	go func() {
		s.workers.Wait()
		s.finalize()
	}()
}

// Stop ends the search externally (UCI `stop`). The best move is
// committed as soon as in-flight batches drain.
func (s *Search) Stop() {
	s.infinite.Store(false)
	s.stopFlag.Store(true)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isDrained {
		s.respondLocked()
	}
}

// Abort ends the search without emitting a best move. Used when the
// search is superseded (new position, ponderhit restart, quit).
func (s *Search) Abort() {
	s.aborted.Store(true)
	s.stopFlag.Store(true)
}

// Wait blocks until workers have drained and any best move is sent.
func (s *Search) Wait() {
	<-s.done
}

// TotalPlayouts reports playouts completed since movestart.
func (s *Search) TotalPlayouts() int64 { return s.playouts.Load() }

func (s *Search) stopped() bool { return s.stopFlag.Load() }

// pollStopper runs the chain once against fresh stats. Called by the
// reporter on its cadence and by every worker between batches.
func (s *Search) pollStopper() {
	if s.stopped() {
		return
	}
	stats := s.collectStats()
	var hints Hints
	hints.Reset()
	s.stopperMu.Lock()
	shouldStop := s.stopper.ShouldStop(stats, &hints)
	s.stopperMu.Unlock()
	if shouldStop {
		// In infinite/ponder mode this halts the workers but the
		// bestmove stays withheld until an external stop.
		s.stopFlag.Store(true)
	}
}

func (s *Search) finalize() {
	stats := s.collectStats()
	if !s.aborted.Load() {
		s.stopperMu.Lock()
		s.stopper.OnSearchDone(stats)
		s.stopperMu.Unlock()
	}
	s.mu.Lock()
	s.isDrained = true
	if !s.infinite.Load() {
		s.respondLocked()
	}
	s.mu.Unlock()
	close(s.drained)
	close(s.done)
}

// respondLocked commits the best move: final info line, then the
// callback. Caller holds s.mu.
func (s *Search) respondLocked() {
	if s.responded || s.aborted.Load() {
		return
	}
	s.responded = true
	if s.infoCB != nil {
		s.infoCB(s.thinkingInfo(s.collectStats()))
	}
	if s.bestMoveCB != nil {
		s.bestMoveCB(s.bestMoveInfo())
	}
}

// --- reporter ---

const (
	reporterPeriod = 100 * time.Millisecond
	infoPeriod     = 500 * time.Millisecond
)

func (s *Search) reporterLoop() {
	ticker := time.NewTicker(reporterPeriod)
	defer ticker.Stop()
	lastInfo := time.Now()
	lastDepth := 0
	for {
		select {
		case <-s.drained:
			return
		case <-ticker.C:
		}
		s.pollStopper()
		stats := s.collectStats()
		if s.infoCB != nil &&
			(stats.AverageDepth > lastDepth || time.Since(lastInfo) >= infoPeriod) {
			lastDepth = stats.AverageDepth
			lastInfo = time.Now()
			s.infoCB(s.thinkingInfo(stats))
		}
	}
}

func (s *Search) collectStats() *IterationStats {
	stats := &IterationStats{
		TimeSinceMovestart:  time.Since(s.startTime),
		TotalNodes:          int64(s.root.N()),
		NodesSinceMovestart: s.playouts.Load(),
	}
	if p := stats.NodesSinceMovestart; p > 0 {
		stats.AverageDepth = int(s.cumDepth.Load() / p)
	}
	if ea := s.root.Edges(); ea != nil {
		stats.EdgeN = make([]uint32, len(ea.edges))
		for i := range ea.edges {
			if c := ea.childIfAny(i); c != nil {
				stats.EdgeN[i] = c.N()
			}
		}
	}
	return stats
}

func (s *Search) thinkingInfo(stats *IterationStats) ThinkingInfo {
	elapsed := stats.TimeSinceMovestart.Milliseconds()
	info := ThinkingInfo{
		Depth:    maxInt(stats.AverageDepth, 1),
		SelDepth: int(s.maxDepth.Load()),
		TimeMs:   elapsed,
		Nodes:    stats.TotalNodes,
		TBHits:   s.tbHits.Load(),
		PV:       s.principalVariation(),
	}
	if elapsed > 0 {
		info.NPS = stats.NodesSinceMovestart * 1000 / elapsed
	}
	if s.cache != nil {
		info.Hashfull = s.cache.Hashfull()
	}

	lower, upper, plies := s.root.Bounds()
	switch {
	case lower == 1:
		info.HasMate = true
		info.MateIn = int(plies+1) / 2
	case upper == -1:
		info.HasMate = true
		info.MateIn = -int(plies+1) / 2
	default:
		q := 0.0
		if ea := s.root.Edges(); ea != nil {
			if best := s.bestEdge(s.root, ea, true); best >= 0 {
				if c := ea.childIfAny(best); c != nil && c.N() > 0 {
					q = -c.Q()
				}
			}
		}
		info.ScoreCp = int(math.Round(90 * math.Tan(1.5637*q)))
	}
	return info
}

func (s *Search) principalVariation() []chess.Move {
	var pv []chess.Move
	node := s.root
	for depth := 0; depth < 40; depth++ {
		ea := node.Edges()
		if ea == nil || len(ea.edges) == 0 {
			break
		}
		best := s.bestEdge(node, ea, depth == 0)
		if best < 0 {
			break
		}
		pv = append(pv, ea.edges[best].Move)
		c := ea.childIfAny(best)
		if c == nil || c.N() == 0 {
			break
		}
		node = c
	}
	return pv
}

// bestEdge picks the edge to report/play. Proved wins rank above
// everything (shortest proof first) and proved losses below; otherwise
// most visits, then value, then prior. At the root only edges the
// searchmoves filter admits are considered.
func (s *Search) bestEdge(node *Node, ea *edgeArray, isRoot bool) int {
	type rank struct {
		proof int8 // +1 proved win, -1 proved loss, 0 open
		plies int32
		n     uint32
		q     float64
		p     float32
	}
	better := func(a, b rank) bool {
		if a.proof != b.proof {
			return a.proof > b.proof
		}
		if a.proof == 1 && a.plies != b.plies {
			return a.plies < b.plies
		}
		if a.n != b.n {
			return a.n > b.n
		}
		if a.q != b.q {
			return a.q > b.q
		}
		return a.p > b.p
	}

	best := -1
	var bestRank rank
	for i := range ea.edges {
		if isRoot && s.rootFilter != nil && !s.rootFilter[ea.edges[i].Move] {
			continue
		}
		r := rank{q: math.Inf(-1), p: ea.edges[i].P}
		if c := ea.childIfAny(i); c != nil {
			lower, upper, plies := c.Bounds()
			if upper == -1 {
				r.proof, r.plies = 1, plies+1
			} else if lower == 1 {
				r.proof = -1
			}
			if c.N() > 0 {
				r.n = c.N()
				r.q = -c.Q()
			}
		}
		if best < 0 || better(r, bestRank) {
			best = i
			bestRank = r
		}
	}
	return best
}

func (s *Search) bestMoveInfo() BestMoveInfo {
	var info BestMoveInfo
	ea := s.root.Edges()
	if ea == nil || len(ea.edges) == 0 {
		return info
	}
	best := s.bestEdge(s.root, ea, true)
	if best < 0 {
		return info
	}
	info.Move = ea.edges[best].Move
	if c := ea.childIfAny(best); c != nil {
		if cea := c.Edges(); cea != nil && len(cea.edges) > 0 {
			if pb := s.bestEdge(c, cea, false); pb >= 0 {
				info.Ponder = cea.edges[pb].Move
			}
		}
	}
	return info
}

// RootMoves summarizes the root edges, for self-play sampling and
// training records.
func (s *Search) RootMoves() []RootMove {
	ea := s.root.Edges()
	if ea == nil {
		return nil
	}
	out := make([]RootMove, 0, len(ea.edges))
	for i := range ea.edges {
		rm := RootMove{Move: ea.edges[i].Move}
		if c := ea.childIfAny(i); c != nil && c.N() > 0 {
			rm.Visits = c.N()
			rm.Q = -c.Q()
		}
		out = append(out, rm)
	}
	return out
}

// --- workers ---

type leafTask struct {
	node  *Node
	path  []*Node
	fp    uint64
	moves []chess.Move
}

type leafStatus int

const (
	leafCollected leafStatus = iota
	leafBackedUp
	leafCollision
)

func (s *Search) workerLoop() {
	defer s.workers.Done()
	w := &worker{s: s}
	for !s.stopped() {
		w.runBatch()
		s.pollStopper()
	}
}

type worker struct {
	s     *Search
	tasks []leafTask
}

func (w *worker) runBatch() {
	s := w.s
	comp := s.net.NewComputation()
	w.tasks = w.tasks[:0]
	collisions := 0
	// Inline backups (terminal hits, cache hits) count against the
	// batch budget too, so a node limit overshoots by at most one
	// batch per worker.
	events := 0

	for events < s.params.MiniBatchSize && !s.stopped() {
		if s.root.IsTerminal() && s.playouts.Load() > 0 {
			// The root value is proved; nothing left to learn.
			s.stopFlag.Store(true)
			break
		}
		switch w.collectLeaf(comp) {
		case leafCollected:
			events++
		case leafBackedUp:
			events++
		case leafCollision:
			collisions++
			if collisions >= s.params.MaxCollisionEvents {
				goto compute
			}
		}
	}
compute:
	if len(w.tasks) == 0 {
		if events == 0 {
			// Everything collided: let the expanding workers run.
			runtime.Gosched()
		}
		return
	}

	err := comp.ComputeBlocking()
	if err != nil {
		s.log.Warn().Err(err).Int("batch", len(w.tasks)).Msg("backend failed, retrying batch")
		err = comp.ComputeBlocking()
	}
	if err != nil {
		// Second failure: drop the batch and shut the search down.
		s.log.Error().Err(err).Msg("backend failed twice, stopping search")
		for i := range w.tasks {
			t := &w.tasks[i]
			t.node.abandonExpansion()
			s.cancelDescent(t.path)
		}
		s.backendFailed.Store(true)
		if s.infoStrCB != nil {
			s.infoStrCB("backend failure, search stopped: " + err.Error())
		}
		s.stopFlag.Store(true)
		return
	}
	for i := range w.tasks {
		s.applyLeaf(&w.tasks[i], comp, i)
	}
}

// collectLeaf performs one descent: virtual loss down a PUCT-selected
// path, ending in a terminal hit (backed up inline), a fresh leaf
// queued for the batch, or a collision.
func (w *worker) collectLeaf(comp network.Computation) leafStatus {
	s := w.s
	node := s.root
	pos := s.rootPos
	path := make([]*Node, 0, 32)

	for {
		node.inflight.Add(1)
		path = append(path, node)

		if node.IsTerminal() {
			v, d, m := node.terminalValue()
			s.backup(path, v, d, m)
			return leafBackedUp
		}
		if !node.isExpanded() {
			if node.tryStartExpansion() {
				return w.expandOrQueue(node, path, pos, comp)
			}
			s.cancelDescent(path)
			return leafCollision
		}

		ea := node.Edges()
		idx := s.selectChild(node, ea, len(path) == 1)
		if idx < 0 {
			s.cancelDescent(path)
			if len(path) == 1 {
				// Root with nothing selectable (searchmoves filtered
				// everything out): the search cannot progress.
				s.stopFlag.Store(true)
			}
			return leafCollision
		}
		pos = pos.Apply(ea.edges[idx].Move)
		node = ea.child(idx)
	}
}

// expandOrQueue owns the node (state == expanding). Terminal, tablebase
// and cached positions resolve inline; everything else joins the batch.
func (w *worker) expandOrQueue(node *Node, path []*Node, pos chess.Position, comp network.Computation) leafStatus {
	s := w.s
	moves := pos.LegalMoves()

	if outcome := pos.OutcomeWithMoves(moves); outcome != chess.OutcomeNone {
		t := TerminalDraw
		if outcome == chess.OutcomeLoss {
			t = TerminalLoss
		}
		node.makeTerminal(t, 0)
		s.propagateBounds(path)
		v, d, m := node.terminalValue()
		s.backup(path, v, d, m)
		return leafBackedUp
	}

	if len(path) > 1 && s.tb != nil {
		if wdl, ok := s.tb.ProbeWDL(&pos); ok {
			s.tbHits.Add(1)
			t := TerminalDraw
			switch wdl {
			case syzygy.Win:
				t = TerminalWin
			case syzygy.Loss:
				t = TerminalLoss
			}
			node.makeTerminal(t, 1)
			s.propagateBounds(path)
			v, d, m := node.terminalValue()
			s.backup(path, v, d, m)
			return leafBackedUp
		}
	}

	fp := pos.Fingerprint()
	if s.cache != nil {
		if entry, ok := s.cache.Probe(fp); ok && len(entry.Policy) == len(moves) {
			node.publishEdges(edgesFromPolicy(moves, entry.Policy))
			s.backup(path, float64(entry.Value()), float64(entry.D), float64(entry.MovesLeft))
			return leafBackedUp
		}
	}

	comp.AddInput(&pos)
	w.tasks = append(w.tasks, leafTask{node: node, path: path, fp: fp, moves: moves})
	return leafCollected
}

// applyLeaf consumes one batch slot: softmax the policy over the legal
// moves, publish the edges, feed the cache, back the value up.
func (s *Search) applyLeaf(t *leafTask, comp network.Computation, i int) {
	wv, dv, lv := comp.WDL(i)
	ml := comp.MovesLeft(i)

	logits := make([]float64, len(t.moves))
	maxLogit := math.Inf(-1)
	for j, m := range t.moves {
		logits[j] = float64(comp.PolicyAt(i, network.PolicyIndex(m)))
		if logits[j] > maxLogit {
			maxLogit = logits[j]
		}
	}
	policy := make([]float32, len(t.moves))
	sum := 0.0
	temp := s.params.PolicySoftmaxTemp
	for j := range logits {
		e := math.Exp((logits[j] - maxLogit) / temp)
		policy[j] = float32(e)
		sum += e
	}
	if sum > 0 {
		inv := float32(1.0 / sum)
		for j := range policy {
			policy[j] *= inv
		}
	}

	t.node.publishEdges(edgesFromPolicy(t.moves, policy))
	if s.cache != nil {
		s.cache.Insert(t.fp, &nncache.Entry{
			Fingerprint: t.fp,
			W:           wv,
			D:           dv,
			L:           lv,
			MovesLeft:   ml,
			Policy:      policy,
		})
	}
	s.backup(t.path, float64(wv-lv), float64(dv), float64(ml))
}

func edgesFromPolicy(moves []chess.Move, policy []float32) []Edge {
	edges := make([]Edge, len(moves))
	for i, m := range moves {
		edges[i] = Edge{Move: m, P: policy[i]}
	}
	return edges
}

// backup walks the path leaf-to-root: add the tuple, count the visit,
// release the virtual loss, flip the value sign per ply.
func (s *Search) backup(path []*Node, v, d, m float64) {
	for i := len(path) - 1; i >= 0; i-- {
		nd := path[i]
		nd.w.Add(v)
		nd.d.Add(d)
		nd.m.Add(m)
		nd.n.Add(1)
		nd.inflight.Add(-1)
		v = -v
		m++
	}
	s.playouts.Add(1)
	depth := int64(len(path))
	s.cumDepth.Add(depth)
	for {
		cur := s.maxDepth.Load()
		if depth <= cur || s.maxDepth.CompareAndSwap(cur, depth) {
			break
		}
	}
}

// cancelDescent releases the virtual losses of an abandoned path.
func (s *Search) cancelDescent(path []*Node) {
	for _, nd := range path {
		nd.inflight.Add(-1)
	}
}

// propagateBounds re-derives proved bounds up the path after a leaf was
// proved. A parent's value is the max over moves of the negated child
// value, so bounds negate and swap. Stops at the first unchanged node.
func (s *Search) propagateBounds(path []*Node) {
	for i := len(path) - 2; i >= 0; i-- {
		parent := path[i]
		ea := parent.Edges()
		if ea == nil || len(ea.edges) == 0 {
			return
		}
		lower, upper := int8(-1), int8(-1)
		winPlies := int32(math.MaxInt32)
		maxPlies := int32(0)
		for j := range ea.edges {
			cl, cu, cp := int8(-1), int8(1), int32(0)
			if c := ea.childIfAny(j); c != nil {
				cl, cu, cp = c.Bounds()
			}
			if -cu > lower {
				lower = -cu
			}
			if -cl > upper {
				upper = -cl
			}
			if cu == -1 && cp+1 < winPlies {
				winPlies = cp + 1
			}
			if cp+1 > maxPlies {
				maxPlies = cp + 1
			}
		}
		plies := maxPlies
		if lower == 1 {
			plies = winPlies
		}
		if !parent.tightenBounds(lower, upper, plies) {
			return
		}
	}
}

// selectChild is the PUCT policy:
//
//	score = Q(c) + C(N) * P(c) * sqrt(N) / (1 + N(c) + inflight(c))
//
// with first-play urgency standing in for Q on unvisited children and
// in-flight visits counted as losses so parallel descents diverge.
func (s *Search) selectChild(node *Node, ea *edgeArray, isRoot bool) int {
	nVal := float64(node.N())
	cpuct := s.params.CpuctInit +
		math.Log((nVal+s.params.CpuctBase+1)/s.params.CpuctBase)
	sqrtN := math.Sqrt(nVal)

	parentQ := node.Q()
	visitedP := 0.0
	for i := range ea.edges {
		if c := ea.childIfAny(i); c != nil && c.N() > 0 {
			visitedP += float64(ea.edges[i].P)
		}
	}
	fpu := parentQ - s.params.FpuReduction*math.Sqrt(visitedP)

	best := -1
	bestScore := math.Inf(-1)
	for i := range ea.edges {
		if isRoot && s.rootFilter != nil && !s.rootFilter[ea.edges[i].Move] {
			continue
		}
		var realN uint32
		var vloss int32
		q := fpu
		if c := ea.childIfAny(i); c != nil {
			realN = c.N()
			vloss = c.Inflight()
			if vloss < 0 {
				vloss = 0
			}
			if realN > 0 {
				q = -c.Q()
			}
		}
		eff := float64(realN) + float64(vloss)
		if vloss > 0 {
			// Pending visits count as losses until they resolve.
			q = (q*float64(realN) - float64(vloss)) / eff
		}
		u := cpuct * float64(ea.edges[i].P) * sqrtN / (1 + eff)
		if score := q + u; score > bestScore {
			bestScore = score
			best = i
		}
	}
	return best
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
