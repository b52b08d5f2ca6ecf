// Package progress carries operation progress and leveled log messages out
// of the core engine, so that indexing, delta building, and patch
// application never reach for fmt.Println directly.
//
// Grounded on pwr/types.go's StateConsumer/ProgressCallback/MessageCallback
// trio, generalized with a level filter driven by the BSYNC_LOG
// RUST_LOG-style leveled logging variable.
package progress

import (
	"fmt"
	"os"
	"strings"
)

// Level is a logging severity, ordered from least to most severe.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
)

func parseLevel(s string) (Level, bool) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, true
	case "info":
		return LevelInfo, true
	case "warning", "warn":
		return LevelWarning, true
	case "error":
		return LevelError, true
	default:
		return 0, false
	}
}

// Callback is called periodically to announce the degree of completeness
// of an operation, as a percentage in [0, 100].
type Callback func(percent float64)

// MessageCallback is called with a leveled log message.
type MessageCallback func(level Level, msg string)

// Consumer bundles a progress callback and a message callback, mirroring
// pwr/types.go's StateConsumer.
type Consumer struct {
	OnProgress Callback
	OnMessage  MessageCallback
}

func (c *Consumer) Progress(percent float64) {
	if c != nil && c.OnProgress != nil {
		c.OnProgress(percent)
	}
}

func (c *Consumer) log(level Level, msg string) {
	if c != nil && c.OnMessage != nil {
		c.OnMessage(level, msg)
	}
}

func (c *Consumer) Debug(msg string)  { c.log(LevelDebug, msg) }
func (c *Consumer) Info(msg string)   { c.log(LevelInfo, msg) }
func (c *Consumer) Warn(msg string)   { c.log(LevelWarning, msg) }
func (c *Consumer) Error(msg string)  { c.log(LevelError, msg) }

func (c *Consumer) Debugf(format string, args ...interface{}) { c.log(LevelDebug, fmt.Sprintf(format, args...)) }
func (c *Consumer) Infof(format string, args ...interface{})  { c.log(LevelInfo, fmt.Sprintf(format, args...)) }
func (c *Consumer) Warnf(format string, args ...interface{})  { c.log(LevelWarning, fmt.Sprintf(format, args...)) }
func (c *Consumer) Errorf(format string, args ...interface{}) { c.log(LevelError, fmt.Sprintf(format, args...)) }

// EnvFilter is the name of the log-filter environment variable.
const EnvFilter = "BSYNC_LOG"

// NewCLIConsumer returns a Consumer that writes level-tagged lines to
// stderr, filtered by the BSYNC_LOG environment variable (default "info").
func NewCLIConsumer() *Consumer {
	min := LevelInfo
	if v := os.Getenv(EnvFilter); v != "" {
		if lvl, ok := parseLevel(v); ok {
			min = lvl
		}
	}

	return &Consumer{
		OnMessage: func(level Level, msg string) {
			if level < min {
				return
			}
			fmt.Fprintf(os.Stderr, "[%s] %s\n", levelName(level), msg)
		},
	}
}

func levelName(l Level) string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}
