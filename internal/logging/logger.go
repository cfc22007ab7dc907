// Package logging builds the text logger shared by the autopub daemon's
// HTTP and MCP surfaces.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// New returns a slog text logger at the given level. Output goes to stderr
// so stdout stays free for the MCP stdio transport.
func New(level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func parseLevel(level string) slog.Leveler {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
