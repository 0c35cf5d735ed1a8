package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// SetupLogging points the global zerolog logger at stdout and, when configured,
// a rotating log file. The returned closer releases the file rotator.
func SetupLogging(lc LogConfig) (io.Closer, error) {
	zerolog.SetGlobalLevel(parseLevel(lc.Level))

	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.DateTime}
	var closer io.Closer = nopCloser{}

	if lc.Path != "" {
		dir := filepath.Dir(lc.Path)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
		}

		maxSize := lc.MaxSize
		if maxSize <= 0 {
			maxSize = 50
		}
		rotator := &lumberjack.Logger{
			Filename:   lc.Path,
			MaxSize:    maxSize,
			MaxBackups: max(lc.MaxBackups, 0),
		}
		out = io.MultiWriter(out, rotator)
		closer = rotator
	}

	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	return closer, nil
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
