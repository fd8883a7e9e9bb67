package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation parameters for captured app output.
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// AppLogConfig describes where captured stdout/stderr of supervised apps is
// persisted. One combined, rotated log file per app name under Dir.
// Rotation parameters follow lumberjack semantics.
type AppLogConfig struct {
	Dir        string // base directory for app logs
	MaxSizeMB  int    // megabytes before rotation (default 10)
	MaxBackups int    // number of backups to keep (default 3)
	MaxAgeDays int    // days to keep (default 7)
	Compress   bool   // gzip rotated files
}

// Writer returns the combined output sink and its path for the given app name.
// The directory is created on demand.
func (c AppLogConfig) Writer(name string) (io.WriteCloser, string, error) {
	if c.Dir == "" {
		return nil, "", fmt.Errorf("app log dir is not configured")
	}
	if err := os.MkdirAll(c.Dir, 0o750); err != nil {
		return nil, "", err
	}
	path := filepath.Join(c.Dir, fmt.Sprintf("%s.log", name))
	w := &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
	return w, path, nil
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// New builds the agent's slog logger writing to w. level is one of
// debug/info/warn/error (case-insensitive); unknown values fall back to info.
func New(w io.Writer, level string, color bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if color {
		return slog.New(newColorHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
