package logx

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Stderr is the special LogFile value that routes the log to the console.
const Stderr = "<stderr>"

// New returns a logger writing to the given destination. An empty
// destination discards everything, Stderr goes to the console, anything
// else is treated as a file path and appended to.
func New(dest string) (zerolog.Logger, error) {
	switch dest {
	case "":
		return zerolog.New(io.Discard), nil
	case Stderr:
		return console(os.Stderr), nil
	default:
		f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return zerolog.New(io.Discard), fmt.Errorf("logx: open %s: %w", dest, err)
		}
		return zerolog.New(f).With().Timestamp().Logger(), nil
	}
}

func console(out *os.File) zerolog.Logger {
	w := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
	}
	return zerolog.New(w).With().Timestamp().Logger()
}
