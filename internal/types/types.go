package types

import (
	"fmt"
	"strings"
)

// LogLevel represents log verbosity level
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelFatal LogLevel = "fatal"
)

// LogFormat represents log output format
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"   // JSON format for Loki
	LogFormatPretty LogFormat = "pretty" // Human-readable for local dev
)

// Mode selects the connection execution model.
type Mode string

const (
	// ModeBlocking runs one goroutine per connection.
	ModeBlocking Mode = "tpc"
	// ModeReactor runs a single epoll loop plus a worker pool.
	ModeReactor Mode = "reactor"
)

// ParseMode accepts "tpc", "blocking" and "reactor" (case-insensitive).
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tpc", "blocking":
		return ModeBlocking, nil
	case "reactor":
		return ModeReactor, nil
	default:
		return "", fmt.Errorf("unknown server mode %q (want tpc or reactor)", s)
	}
}
