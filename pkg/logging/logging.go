// Package logging wraps zerolog configuration used across binaries.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Output modes.
const (
	ModeStderr = "stderr"
	ModeFile   = "file"
	ModeTee    = "tee"
)

// ParseLevel maps a level name onto zerolog. Unknown names are info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// Verbosity turns the -v and -q counters into a level name. Each -v raises
// info to debug then trace; each -q lowers it to warn, error, fatal and
// finally silences everything.
func Verbosity(verbose, quiet int) string {
	switch n := verbose - quiet; {
	case n >= 2:
		return "trace"
	case n == 1:
		return "debug"
	case n == 0:
		return "info"
	case n == -1:
		return "warn"
	case n == -2:
		return "error"
	case n == -3:
		return "fatal"
	default:
		return "disabled"
	}
}

// Setup sets the global level and the output. Mode is one of stderr, file or
// tee; file and tee append JSON lines to the named file.
func Setup(level, mode, file string) error {
	w, err := output(mode, file)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(ParseLevel(level))
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
	zerolog.DefaultContextLogger = &log.Logger
	return nil
}

func output(mode, file string) (io.Writer, error) {
	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: zerolog.TimeFieldFormat}
	switch strings.ToLower(mode) {
	case "", ModeStderr:
		return console, nil
	case ModeFile, ModeTee:
		if file == "" {
			return nil, fmt.Errorf("log mode %q needs a log file", mode)
		}
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		if strings.ToLower(mode) == ModeFile {
			return f, nil
		}
		return zerolog.MultiLevelWriter(console, f), nil
	}
	return nil, fmt.Errorf("unknown log mode %q", mode)
}
