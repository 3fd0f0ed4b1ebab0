package logutil

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"sync/atomic"
	"time"
)

var (
	jsonMode atomic.Bool
	// threshold follows the parameter file's inverted convention: lower
	// values mean more verbose output. Messages below it are suppressed.
	threshold atomic.Int32
)

// Numeric levels matching the parameter file convention.
const (
	LevelDebug = 10
	LevelInfo  = 20
	LevelWarn  = 30
	LevelError = 40
)

func init() {
	if os.Getenv("QUORUM_LOG_JSON") == "1" || os.Getenv("QUORUM_LOG_FORMAT") == "json" {
		jsonMode.Store(true)
	}
	threshold.Store(LevelDebug)
}

// SetJSON toggles structured JSON output.
func SetJSON(enabled bool) { jsonMode.Store(enabled) }

// SetLevel sets the minimum numeric level that will be emitted.
func SetLevel(level int) { threshold.Store(int32(level)) }

// NewFileLogger returns a logger writing to path alongside stderr, keeping
// the caller's line prefix. The file is truncated, matching the convention
// of one log file per consensus run.
func NewFileLogger(path, prefix string) (*log.Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	return log.New(io.MultiWriter(os.Stderr, f), prefix, log.LstdFlags), nil
}

func prefix(l *log.Logger, p string) *log.Logger {
	if l == nil {
		l = log.Default()
	}
	// level tag goes after the caller's own prefix, not in place of it
	return log.New(l.Writer(), l.Prefix()+p, l.Flags())
}

func Debugf(l *log.Logger, f string, args ...any) { logf(l, LevelDebug, "debug", f, args...) }
func Infof(l *log.Logger, f string, args ...any)  { logf(l, LevelInfo, "info", f, args...) }
func Warnf(l *log.Logger, f string, args ...any)  { logf(l, LevelWarn, "warn", f, args...) }
func Errorf(l *log.Logger, f string, args ...any) { logf(l, LevelError, "error", f, args...) }

func logf(l *log.Logger, level int32, name, f string, args ...any) {
	if level < threshold.Load() {
		return
	}
	if jsonMode.Load() {
		msg := fmt.Sprintf(f, args...)
		evt := map[string]any{
			"ts":    time.Now().UTC().Format(time.RFC3339Nano),
			"level": name,
			"msg":   msg,
		}
		b, _ := json.Marshal(evt)
		if l == nil {
			l = log.Default()
		}
		l.Println(string(b))
		return
	}
	switch name {
	case "debug":
		prefix(l, "DEBUG ").Printf(f, args...)
	case "info":
		prefix(l, "INFO ").Printf(f, args...)
	case "warn":
		prefix(l, "WARN ").Printf(f, args...)
	default:
		prefix(l, "ERROR ").Printf(f, args...)
	}
}
