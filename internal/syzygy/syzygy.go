// Package syzygy is the endgame tablebase probe surface. Table decoding
// is out of scope here: the package scans the configured directories to
// learn what is available, answers the WDL classes it can prove
// internally (the insufficient-material endgames), and caches probe
// results in a small fixed-size cache kept separate from the evaluation
// cache.
package syzygy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	dragon "github.com/Bubblyworld/dragontoothmg"

	"corvid/internal/chess"
)

// WDL is a probe result from the side to move.
type WDL int8

const (
	Loss WDL = -1
	Draw WDL = 0
	Win  WDL = 1
)

const probeCacheSize = 1 << 14

// Tablebase answers WDL probes for positions within its piece budget.
type Tablebase struct {
	mu        sync.RWMutex
	paths     string
	maxPieces int

	cacheMu sync.Mutex
	cache   map[uint64]WDL

	hits atomic.Int64
}

// New returns a tablebase with only the built-in 3-man knowledge loaded.
func New() *Tablebase {
	return &Tablebase{
		maxPieces: 3,
		cache:     make(map[uint64]WDL, probeCacheSize),
	}
}

// SetPaths points the tablebase at colon/semicolon-separated directories
// of syzygy files and rescans them. The piece budget grows with the
// largest table found; the built-in 3-man classes stay available either
// way.
func (t *Tablebase) SetPaths(paths string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.paths = paths
	t.maxPieces = 3
	if paths == "" {
		return nil
	}
	found := false
	for _, dir := range strings.FieldsFunc(paths, func(r rune) bool {
		return r == ':' || r == ';'
	}) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("syzygy: read %s: %w", dir, err)
		}
		for _, e := range entries {
			name := e.Name()
			if filepath.Ext(name) != ".rtbw" {
				continue
			}
			found = true
			// Table names are like "KQvKR.rtbw"; piece count is the
			// letter count of the stem minus the 'v'.
			n := len(strings.TrimSuffix(name, ".rtbw")) - 1
			if n > t.maxPieces {
				t.maxPieces = n
			}
		}
	}
	if !found {
		return fmt.Errorf("syzygy: no tablebase files under %q", paths)
	}
	return nil
}

// MaxPieces is the largest position this tablebase can answer.
func (t *Tablebase) MaxPieces() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.maxPieces
}

// Hits counts successful probes since construction.
func (t *Tablebase) Hits() int64 { return t.hits.Load() }

// ProbeWDL answers the win/draw/loss value of pos if it is within scope.
// Positions with castling rights are out of scope, as in the real
// tables. Failures of any kind surface as ok == false; the search
// carries on without tablebase information.
func (t *Tablebase) ProbeWDL(pos *chess.Position) (WDL, bool) {
	if t == nil {
		return Draw, false
	}
	if pos.PieceCount() > t.MaxPieces() {
		return Draw, false
	}

	fp := pos.Fingerprint()
	t.cacheMu.Lock()
	if wdl, ok := t.cache[fp]; ok {
		t.cacheMu.Unlock()
		t.hits.Add(1)
		return wdl, true
	}
	t.cacheMu.Unlock()

	wdl, ok := t.probe(pos)
	if !ok {
		return Draw, false
	}

	t.cacheMu.Lock()
	if len(t.cache) >= probeCacheSize {
		t.cache = make(map[uint64]WDL, probeCacheSize)
	}
	t.cache[fp] = wdl
	t.cacheMu.Unlock()
	t.hits.Add(1)
	return wdl, true
}

func (t *Tablebase) probe(pos *chess.Position) (WDL, bool) {
	b := pos.Board()
	heavy := b.Bbs[dragon.White][dragon.Pawn] | b.Bbs[dragon.Black][dragon.Pawn] |
		b.Bbs[dragon.White][dragon.Rook] | b.Bbs[dragon.Black][dragon.Rook] |
		b.Bbs[dragon.White][dragon.Queen] | b.Bbs[dragon.Black][dragon.Queen]
	if heavy == 0 && pos.PieceCount() <= 3 {
		// King vs king, possibly plus one minor piece: mate cannot be
		// constructed, every line is drawn.
		return Draw, true
	}
	// Anything else needs the on-disk tables, which this build does not
	// decode.
	return Draw, false
}
