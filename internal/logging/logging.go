// Package logging configures the process logger.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
)

var (
	mu   sync.Mutex
	root = newLogger(os.Stderr)
)

func newLogger(w io.Writer) *log.Logger {
	return log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      "15:04:05",
	})
}

// Init sets the level of the root logger. Unknown levels fall back to info.
func Init(level string) {
	mu.Lock()
	defer mu.Unlock()
	root.SetLevel(ParseLevel(level))
}

// SetOutput redirects the root logger, mostly for tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	lvl := root.GetLevel()
	root = newLogger(w)
	root.SetLevel(lvl)
}

func ParseLevel(level string) log.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "trace":
		return log.DebugLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// For returns a logger tagged with a component prefix.
func For(component string) *log.Logger {
	mu.Lock()
	defer mu.Unlock()
	return root.WithPrefix(component)
}
