package logutil

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EnvFormat selects the log encoding when no explicit format is given.
const EnvFormat = "PEERWATCH_LOG_FORMAT"

// New builds a zap logger. format is "console" or "json" (empty falls back to
// $PEERWATCH_LOG_FORMAT, then console); level is a zap level name.
func New(format, level string) (*zap.Logger, error) {
	if format == "" {
		format = os.Getenv(EnvFormat)
	}
	lvl := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("logutil: invalid level %q: %w", level, err)
		}
	}
	var cfg zap.Config
	switch strings.ToLower(format) {
	case "json":
		cfg = zap.NewProductionConfig()
	case "", "console", "text":
		cfg = zap.NewDevelopmentConfig()
		cfg.DisableStacktrace = true
	default:
		return nil, fmt.Errorf("logutil: unknown format %q", format)
	}
	cfg.Level = lvl
	return cfg.Build()
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

// Peer is the conventional field for a peer id.
func Peer(id string) zap.Field { return zap.String("peer", id) }

// Source is the conventional field for a discovery backend.
func Source(name string) zap.Field { return zap.String("source", name) }
