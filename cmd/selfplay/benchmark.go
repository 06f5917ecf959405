package main

import (
	"time"

	"github.com/rs/zerolog"

	"corvid/internal/chess"
	"corvid/internal/network"
	"corvid/internal/nncache"
	"corvid/internal/search"
)

// benchmark positions: the startpos plus a few middlegame/endgame FENs
// so the backend sees varied plane patterns.
var benchFens = []string{
	chess.Startpos,
	"r1bqkbnr/pppp1ppp/2n5/4p3/2B1P3/5N2/PPPP1PPP/RNBQK2R w KQkq - 4 4",
	"r2q1rk1/pp2ppbp/2np1np1/8/3NP3/2N1BP2/PPPQ2PP/R3KB1R w KQ - 3 9",
	"8/2k5/3p4/p2P1p2/P2P1P2/8/2K5/8 w - - 0 1",
}

const benchDuration = 5 * time.Second

// runBenchmark measures raw search throughput per position: playouts
// per second with the full worker/batch pipeline engaged.
func runBenchmark(logger zerolog.Logger, net network.Network) {
	for _, fen := range benchFens {
		tree := search.NewTree()
		if _, err := tree.ResetToPosition(fen, nil); err != nil {
			logger.Error().Err(err).Str("fen", fen).Msg("bad benchmark fen")
			continue
		}
		stopper := &search.ChainedStopper{}
		stopper.Add(&search.TimeLimitStopper{BudgetMs: benchDuration.Milliseconds()})

		start := time.Now()
		s := search.NewSearch(search.Options{
			Tree:      tree,
			Network:   net,
			Cache:     nncache.New(200000),
			Params:    search.DefaultParams(),
			Stopper:   stopper,
			StartTime: start,
		})
		s.StartThreads(2)
		s.Wait()

		elapsed := time.Since(start).Seconds()
		playouts := s.TotalPlayouts()
		logger.Info().
			Str("fen", fen).
			Int64("playouts", playouts).
			Float64("pps", float64(playouts)/elapsed).
			Msg("benchmark")
	}
}
