// Package uci speaks the Universal Chess Interface: the command loop,
// the options table, and the engine controller that drives the search
// core from `go` to `bestmove`.
package uci

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"corvid/internal/chess"
	"corvid/internal/network"
	"corvid/internal/nncache"
	"corvid/internal/search"
	"corvid/internal/syzygy"
)

const (
	EngineName   = "Corvid"
	EngineAuthor = "The Corvid Authors"

	defaultThreads   = 2
	defaultCacheSize = 200000
)

// ErrConfig marks fatal configuration failures (missing weights, broken
// backend). The loop exits on these; everything else is logged and
// skipped.
var ErrConfig = errors.New("configuration error")

// Engine owns the long-lived search state (tree, cache, tablebase, time
// manager) and runs at most one Search at a time.
type Engine struct {
	log zerolog.Logger
	out func(string)

	backendName string
	modelPath   string
	libPath     string
	net         network.Network

	cache *nncache.Cache
	tb    *syzygy.Tablebase
	tree  *search.NodeTree
	tm    *search.TimeManager

	params     search.Params
	threads    int
	cacheSize  int
	syzygyPath string
	chess960   bool

	curFen    string
	curMoves  []string
	havePos   bool
	goParams  search.GoParams
	moveStart time.Time

	search *search.Search
}

// NewEngine wires the controller. out receives complete UCI lines.
func NewEngine(log zerolog.Logger, out func(string), backendName, modelPath, libPath string) *Engine {
	e := &Engine{
		log:         log,
		out:         out,
		backendName: backendName,
		modelPath:   modelPath,
		libPath:     libPath,
		cache:       nncache.New(defaultCacheSize),
		tb:          syzygy.New(),
		tree:        search.NewTree(),
		params:      search.DefaultParams(),
		threads:     defaultThreads,
		cacheSize:   defaultCacheSize,
		moveStart:   time.Now(),
	}
	e.tm = search.NewTimeManager(&e.params)
	return e
}

// EnsureReady loads the network if needed. Called from `isready` so the
// GUI's clock does not run against backend warmup.
func (e *Engine) EnsureReady() error {
	e.moveStart = time.Now()
	return e.ensureNetwork()
}

func (e *Engine) ensureNetwork() error {
	if e.net != nil {
		return nil
	}
	net, err := network.New(e.backendName, e.modelPath, e.libPath)
	if err != nil {
		return fmt.Errorf("%w: load network: %v", ErrConfig, err)
	}
	e.log.Info().Str("backend", net.Name()).Msg("network loaded")
	e.net = net
	return nil
}

// NewGame resets everything per-game: tree, cache, time bank.
func (e *Engine) NewGame() error {
	e.moveStart = time.Now()
	e.abandonSearch()
	e.cache.Clear()
	e.tree = search.NewTree()
	e.tm.ResetGame()
	e.havePos = false
	return e.ensureNetwork()
}

// SetPosition stashes the requested game; the tree reset is deferred to
// Go, when it is known whether this is a ponder search.
func (e *Engine) SetPosition(fen string, moves []string) {
	// Some hosts start the clock on `position`.
	e.moveStart = time.Now()
	e.abandonSearch()
	e.curFen = fen
	e.curMoves = moves
	e.havePos = true
}

// Go starts a search for the stashed position.
func (e *Engine) Go(g search.GoParams) error {
	e.goParams = g
	e.abandonSearch()
	if err := e.ensureNetwork(); err != nil {
		return err
	}

	fen, moves := chess.Startpos, []string(nil)
	if e.havePos {
		fen, moves = e.curFen, e.curMoves
	}
	if g.Ponder && len(moves) > 0 {
		// Pondering searches the position before the expected reply.
		// Note a searchmoves filter passed along here still names moves
		// of the *popped* position; preserved as-is from the reference.
		moves = moves[:len(moves)-1]
	}

	sameGame, err := e.tree.ResetToPosition(fen, moves)
	if err != nil {
		return err
	}
	if !sameGame {
		e.tm.ResetGame()
	}

	headPos := e.tree.HeadPosition()
	var searchMoves []chess.Move
	for _, ms := range g.SearchMoves {
		if m, ok := headPos.FindMove(ms); ok {
			searchMoves = append(searchMoves, m)
		} else {
			e.log.Warn().Str("move", ms).Msg("searchmoves: not legal, ignored")
		}
	}

	stopper := e.tm.GetStopper(g, headPos)
	pos := *headPos

	s := search.NewSearch(search.Options{
		Tree:        e.tree,
		Network:     e.net,
		Cache:       e.cache,
		Tablebase:   e.tb,
		Params:      e.params,
		Stopper:     stopper,
		SearchMoves: searchMoves,
		Infinite:    g.Infinite || g.Ponder,
		StartTime:   e.moveStart,
		BestMove: func(bm search.BestMoveInfo) {
			e.out(formatBestMove(&pos, bm, e.chess960))
		},
		Info: func(info search.ThinkingInfo) {
			e.out(formatInfo(&pos, info, e.chess960))
		},
		InfoString: func(msg string) {
			e.out("info string " + msg)
		},
		Log: e.log,
	})
	e.search = s
	s.StartThreads(e.threads)
	return nil
}

// Stop ends the running search; bestmove follows within one batch.
func (e *Engine) Stop() {
	if e.search != nil {
		e.search.Stop()
	}
}

// PonderHit restarts the stashed go request against the real position,
// with the clock running from now. Tree statistics gathered while
// pondering are retained through subtree reuse.
func (e *Engine) PonderHit() error {
	e.moveStart = time.Now()
	e.goParams.Ponder = false
	return e.Go(e.goParams)
}

// WaitSearch blocks until the current search drains (tests, quit).
func (e *Engine) WaitSearch() {
	if e.search != nil {
		e.search.Wait()
	}
}

// Close aborts any search and releases the backend.
func (e *Engine) Close() {
	e.abandonSearch()
	if e.net != nil {
		_ = e.net.Close()
		e.net = nil
	}
}

// abandonSearch cancels the running search without a bestmove.
func (e *Engine) abandonSearch() {
	if e.search != nil {
		e.search.Abort()
		e.search.Wait()
		e.search = nil
	}
}

func formatBestMove(pos *chess.Position, bm search.BestMoveInfo, chess960 bool) string {
	if bm.Move == chess.NoMove {
		return "bestmove (none)"
	}
	line := "bestmove " + pos.MoveToUCI(bm.Move, chess960)
	if bm.Ponder != chess.NoMove {
		after := pos.Apply(bm.Move)
		line += " ponder " + after.MoveToUCI(bm.Ponder, chess960)
	}
	return line
}

func formatInfo(pos *chess.Position, info search.ThinkingInfo, chess960 bool) string {
	var b strings.Builder
	b.WriteString("info depth ")
	b.WriteString(strconv.Itoa(info.Depth))
	b.WriteString(" seldepth ")
	b.WriteString(strconv.Itoa(info.SelDepth))
	b.WriteString(" time ")
	b.WriteString(strconv.FormatInt(info.TimeMs, 10))
	b.WriteString(" nodes ")
	b.WriteString(strconv.FormatInt(info.Nodes, 10))
	if info.HasMate {
		b.WriteString(" score mate ")
		b.WriteString(strconv.Itoa(info.MateIn))
	} else {
		b.WriteString(" score cp ")
		b.WriteString(strconv.Itoa(info.ScoreCp))
	}
	b.WriteString(" nps ")
	b.WriteString(strconv.FormatInt(info.NPS, 10))
	b.WriteString(" hashfull ")
	b.WriteString(strconv.Itoa(info.Hashfull))
	if info.TBHits > 0 {
		b.WriteString(" tbhits ")
		b.WriteString(strconv.FormatInt(info.TBHits, 10))
	}
	if len(info.PV) > 0 {
		b.WriteString(" pv")
		walk := *pos
		for _, m := range info.PV {
			b.WriteByte(' ')
			b.WriteString(walk.MoveToUCI(m, chess960))
			walk = walk.Apply(m)
		}
	}
	return b.String()
}
