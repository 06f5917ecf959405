package uci

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"corvid/internal/chess"
	"corvid/internal/logx"
	"corvid/internal/search"
)

// Loop reads UCI commands and drives the Engine. Malformed lines are
// logged and skipped; only fatal configuration errors end the loop.
type Loop struct {
	engine *Engine
	log    zerolog.Logger

	in  io.Reader
	mu  sync.Mutex
	out io.Writer
}

// NewLoop builds a command loop over the given streams.
func NewLoop(log zerolog.Logger, in io.Reader, out io.Writer, backendName, modelPath, libPath string) *Loop {
	l := &Loop{log: log, in: in, out: out}
	l.engine = NewEngine(log, l.send, backendName, modelPath, libPath)
	return l
}

// Engine exposes the controller, mainly for tests.
func (l *Loop) Engine() *Engine { return l.engine }

func (l *Loop) send(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.out, line)
}

// Run processes commands until quit or EOF.
func (l *Loop) Run() error {
	scanner := bufio.NewScanner(l.in)
	scanner.Buffer(make([]byte, 1<<16), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "uci":
			l.send("id name " + EngineName)
			l.send("id author " + EngineAuthor)
			for _, opt := range l.optionLines() {
				l.send(opt)
			}
			l.send("uciok")
		case "isready":
			if err := l.engine.EnsureReady(); err != nil {
				return err
			}
			l.send("readyok")
		case "setoption":
			if err := l.setOption(fields[1:]); err != nil {
				l.log.Warn().Err(err).Str("line", line).Msg("setoption rejected")
				l.send("info string " + err.Error())
			}
		case "ucinewgame":
			if err := l.engine.NewGame(); err != nil {
				return err
			}
		case "position":
			if err := l.position(fields[1:]); err != nil {
				l.log.Warn().Err(err).Str("line", line).Msg("bad position command")
				l.send("info string " + err.Error())
			}
		case "go":
			if err := l.engine.Go(parseGo(fields[1:])); err != nil {
				if errors.Is(err, ErrConfig) {
					return err
				}
				l.log.Error().Err(err).Msg("go failed")
				l.send("info string " + err.Error())
			}
		case "stop":
			l.engine.Stop()
		case "ponderhit":
			if err := l.engine.PonderHit(); err != nil {
				l.log.Error().Err(err).Msg("ponderhit failed")
			}
		case "quit":
			l.engine.Close()
			return nil
		default:
			l.log.Warn().Str("line", line).Msg("unknown command")
		}
	}
	l.engine.Close()
	return scanner.Err()
}

func (l *Loop) optionLines() []string {
	p := search.DefaultParams()
	return []string{
		"option name Threads type spin default 2 min 1 max 128",
		"option name NNCacheSize type spin default 200000 min 0 max 999999999",
		"option name SyzygyPath type string default <empty>",
		"option name UCI_Chess960 type check default false",
		"option name Ponder type check default true",
		"option name LogFile type string default <empty>",
		fmt.Sprintf("option name CPuct type string default %g", p.CpuctInit),
		fmt.Sprintf("option name CPuctBase type string default %g", p.CpuctBase),
		fmt.Sprintf("option name FPUReduction type string default %g", p.FpuReduction),
		fmt.Sprintf("option name PolicyTemperature type string default %g", p.PolicySoftmaxTemp),
		fmt.Sprintf("option name SmartPruningFactor type string default %g", p.SmartPruningFactor),
		fmt.Sprintf("option name MinimumKLDGainPerNode type string default %g", p.MinimumKLDGainPerNode),
		fmt.Sprintf("option name MiniBatchSize type spin default %d min 1 max 64", p.MiniBatchSize),
		fmt.Sprintf("option name MoveOverheadMs type spin default %d min 0 max 10000", p.MoveOverheadMs),
		fmt.Sprintf("option name Slowmover type string default %g", p.Slowmover),
	}
}

// setOption parses `name <n...> value <v...>`; names are matched
// case-insensitively as GUIs are sloppy about casing.
func (l *Loop) setOption(args []string) error {
	name, value, err := splitOption(args)
	if err != nil {
		return err
	}
	e := l.engine
	switch strings.ToLower(name) {
	case "threads":
		n, err := parseIntIn(value, 1, 128)
		if err != nil {
			return fmt.Errorf("Threads: %w", err)
		}
		e.threads = n
	case "nncachesize":
		n, err := parseIntIn(value, 0, 999999999)
		if err != nil {
			return fmt.Errorf("NNCacheSize: %w", err)
		}
		e.cacheSize = n
		e.cache.SetCapacity(n)
	case "syzygypath":
		if value == e.syzygyPath {
			return nil
		}
		e.syzygyPath = value
		if err := e.tb.SetPaths(value); err != nil {
			return fmt.Errorf("SyzygyPath: %w", err)
		}
		l.log.Info().Str("paths", value).Int("maxPieces", e.tb.MaxPieces()).
			Msg("tablebases loaded")
	case "uci_chess960":
		e.chess960 = value == "true"
	case "ponder":
		// Advertised so GUIs enable pondering; the engine ignores it.
	case "logfile":
		logger, err := logx.New(value)
		if err != nil {
			return err
		}
		l.log = logger
		e.log = logger
	case "cpuct":
		return parseFloatInto(&e.params.CpuctInit, value)
	case "cpuctbase":
		return parseFloatInto(&e.params.CpuctBase, value)
	case "fpureduction":
		return parseFloatInto(&e.params.FpuReduction, value)
	case "policytemperature":
		return parseFloatInto(&e.params.PolicySoftmaxTemp, value)
	case "smartpruningfactor":
		return parseFloatInto(&e.params.SmartPruningFactor, value)
	case "minimumkldgainpernode":
		return parseFloatInto(&e.params.MinimumKLDGainPerNode, value)
	case "minibatchsize":
		n, err := parseIntIn(value, 1, 64)
		if err != nil {
			return fmt.Errorf("MiniBatchSize: %w", err)
		}
		e.params.MiniBatchSize = n
	case "moveoverheadms":
		n, err := parseIntIn(value, 0, 10000)
		if err != nil {
			return fmt.Errorf("MoveOverheadMs: %w", err)
		}
		e.params.MoveOverheadMs = int64(n)
	case "slowmover":
		return parseFloatInto(&e.params.Slowmover, value)
	default:
		return fmt.Errorf("unknown option %q", name)
	}
	return nil
}

func splitOption(args []string) (name, value string, err error) {
	if len(args) == 0 || args[0] != "name" {
		return "", "", fmt.Errorf("setoption: expected `name`")
	}
	i := 1
	var nameParts []string
	for ; i < len(args) && args[i] != "value"; i++ {
		nameParts = append(nameParts, args[i])
	}
	if len(nameParts) == 0 {
		return "", "", fmt.Errorf("setoption: empty name")
	}
	if i < len(args) {
		value = strings.Join(args[i+1:], " ")
	}
	return strings.Join(nameParts, " "), value, nil
}

func parseIntIn(s string, lo, hi int) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("not an integer: %q", s)
	}
	if n < lo {
		n = lo
	} else if n > hi {
		n = hi
	}
	return n, nil
}

func parseFloatInto(dst *float64, s string) error {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("not a number: %q", s)
	}
	*dst = f
	return nil
}

func (l *Loop) position(args []string) error {
	fen, moves, err := ParsePosition(args)
	if err != nil {
		return err
	}
	l.engine.SetPosition(fen, moves)
	return nil
}

// ParsePosition parses the arguments of a `position` command.
func ParsePosition(args []string) (fen string, moves []string, err error) {
	if len(args) == 0 {
		return "", nil, fmt.Errorf("position: empty")
	}
	i := 0
	switch args[0] {
	case "startpos":
		fen = chess.Startpos
		i = 1
	case "fen":
		i = 1
		var fenParts []string
		for ; i < len(args) && args[i] != "moves"; i++ {
			fenParts = append(fenParts, args[i])
		}
		if len(fenParts) < 4 {
			return "", nil, fmt.Errorf("position: truncated fen")
		}
		fen = strings.Join(fenParts, " ")
	default:
		return "", nil, fmt.Errorf("position: expected startpos or fen, got %q", args[0])
	}
	if i < len(args) {
		if args[i] != "moves" {
			return "", nil, fmt.Errorf("position: expected moves, got %q", args[i])
		}
		moves = args[i+1:]
	}
	return fen, moves, nil
}

// parseGo parses the arguments of a `go` command. Unknown tokens are
// skipped so future GUI extensions do not break the parse.
func parseGo(args []string) search.GoParams {
	g := search.NewGoParams()
	readInt := func(i int) (int64, bool) {
		if i >= len(args) {
			return 0, false
		}
		n, err := strconv.ParseInt(args[i], 10, 64)
		return n, err == nil
	}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "wtime":
			if n, ok := readInt(i + 1); ok {
				g.WTimeMs = n
				i++
			}
		case "btime":
			if n, ok := readInt(i + 1); ok {
				g.BTimeMs = n
				i++
			}
		case "winc":
			if n, ok := readInt(i + 1); ok {
				g.WIncMs = n
				i++
			}
		case "binc":
			if n, ok := readInt(i + 1); ok {
				g.BIncMs = n
				i++
			}
		case "movestogo":
			if n, ok := readInt(i + 1); ok {
				g.MovesToGo = int(n)
				i++
			}
		case "movetime":
			if n, ok := readInt(i + 1); ok {
				g.MoveTimeMs = n
				i++
			}
		case "nodes":
			if n, ok := readInt(i + 1); ok {
				g.Nodes = n
				i++
			}
		case "depth":
			if n, ok := readInt(i + 1); ok {
				g.Depth = int(n)
				i++
			}
		case "infinite":
			g.Infinite = true
		case "ponder":
			g.Ponder = true
		case "searchmoves":
			for i++; i < len(args); i++ {
				g.SearchMoves = append(g.SearchMoves, args[i])
			}
		}
	}
	return g
}
