package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"

	"corvid/internal/chess"
	"corvid/internal/logx"
	"corvid/internal/network"
	"corvid/internal/nncache"
	"corvid/internal/search"
	"corvid/internal/syzygy"
)

// moveRecord is one training sample: the position, the visit
// distribution the search produced, and the move actually played.
type moveRecord struct {
	FEN    string             `json:"fen"`
	Played string             `json:"played"`
	Visits map[string]uint32  `json:"visits"`
	Q      map[string]float64 `json:"q"`
}

type gameRecord struct {
	ID     string       `json:"id"`
	Result string       `json:"result"` // 1-0, 0-1, 1/2-1/2
	Moves  []moveRecord `json:"moves"`
}

func main() {
	games := flag.Int("games", 4, "number of games to play")
	parallel := flag.Int("parallel", 2, "games in flight at once")
	visits := flag.Int64("visits", 800, "playouts per move")
	tempMoves := flag.Int("tempmoves", 20, "plies with temperature sampling")
	maxPly := flag.Int("maxply", 300, "adjudicate as draw beyond this ply")
	outDir := flag.String("out", "training", "output directory for game records")
	backend := flag.String("backend", "material", "evaluation backend")
	modelPath := flag.String("model", "", "path to ONNX model file")
	libPath := flag.String("lib", "", "path to onnxruntime shared library")
	seed := flag.Int64("seed", 1, "sampling seed")
	benchmark := flag.Bool("benchmark", false, "measure backend throughput and exit")
	flag.Parse()

	logger, err := logx.New(logx.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	net, err := network.New(*backend, *modelPath, *libPath)
	if err != nil {
		logger.Error().Err(err).Msg("load network")
		os.Exit(1)
	}
	defer net.Close()

	if *benchmark {
		runBenchmark(logger, net)
		return
	}

	if err := os.MkdirAll(*outDir, 0755); err != nil {
		logger.Error().Err(err).Msg("create output dir")
		os.Exit(1)
	}

	var g errgroup.Group
	g.SetLimit(*parallel)
	for i := 0; i < *games; i++ {
		i := i
		g.Go(func() error {
			rng := rand.New(rand.NewSource(*seed + int64(i)))
			rec := playGame(net, *visits, *tempMoves, *maxPly, rng)
			logger.Info().Str("game", rec.ID).Str("result", rec.Result).
				Int("plies", len(rec.Moves)).Msg("game finished")
			return writeGame(*outDir, rec)
		})
	}
	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("selfplay failed")
		os.Exit(1)
	}
}

func playGame(net network.Network, visits int64, tempMoves, maxPly int, rng *rand.Rand) *gameRecord {
	rec := &gameRecord{ID: uuid.NewString(), Result: "1/2-1/2"}
	tree := search.NewTree()
	cache := nncache.New(200000)
	tb := syzygy.New()
	params := search.DefaultParams()
	// Smart pruning would skew the visit distributions the records need.
	params.SmartPruningFactor = 0

	for ply := 0; ply < maxPly; ply++ {
		pos := tree.HeadPosition()
		if outcome := pos.Outcome(); outcome != chess.OutcomeNone {
			if outcome == chess.OutcomeLoss {
				if pos.WhiteToMove() {
					rec.Result = "0-1"
				} else {
					rec.Result = "1-0"
				}
			}
			break
		}

		stopper := &search.ChainedStopper{}
		stopper.Add(&search.PlayoutsStopper{Limit: visits})
		s := search.NewSearch(search.Options{
			Tree:      tree,
			Network:   net,
			Cache:     cache,
			Tablebase: tb,
			Params:    params,
			Stopper:   stopper,
		})
		s.StartThreads(2)
		s.Wait()

		roots := s.RootMoves()
		if len(roots) == 0 {
			break
		}
		temp := 0.0
		if ply < tempMoves {
			temp = 1.0
		}
		chosen := sampleMove(roots, temp, rng)

		mr := moveRecord{
			FEN:    pos.FEN(),
			Played: chosen.String(),
			Visits: make(map[string]uint32, len(roots)),
			Q:      make(map[string]float64, len(roots)),
		}
		for _, rm := range roots {
			if rm.Visits > 0 {
				mr.Visits[rm.Move.String()] = rm.Visits
				mr.Q[rm.Move.String()] = rm.Q
			}
		}
		rec.Moves = append(rec.Moves, mr)
		tree.TrimToMove(chosen)
	}
	return rec
}

// sampleMove picks proportionally to visit counts while the temperature
// is on, and the max-visit move afterwards.
func sampleMove(roots []search.RootMove, temp float64, rng *rand.Rand) chess.Move {
	best := roots[0]
	for _, rm := range roots[1:] {
		if rm.Visits > best.Visits {
			best = rm
		}
	}
	if temp <= 0 {
		return best.Move
	}
	total := 0.0
	for _, rm := range roots {
		total += float64(rm.Visits)
	}
	if total <= 0 {
		return best.Move
	}
	pick := rng.Float64() * total
	for _, rm := range roots {
		pick -= float64(rm.Visits)
		if pick <= 0 {
			return rm.Move
		}
	}
	return best.Move
}

func writeGame(dir string, rec *gameRecord) error {
	path := filepath.Join(dir, rec.ID+".json.zst")
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	zw, err := zstd.NewWriter(f)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(zw).Encode(rec); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}
