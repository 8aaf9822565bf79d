package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init configures the global slog logger.
// In production (ENVIRONMENT=production) it uses JSON output for log aggregation.
// Otherwise it uses the human-readable text handler.
func Init() {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))

	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})
	}

	slog.SetDefault(slog.New(handler))
}

// WithAgent returns a logger with agent-scope fields attached.
// Use this for all logging within a sync pass.
func WithAgent(agentScope, agentURL string) *slog.Logger {
	return slog.With(
		"agent_scope", agentScope,
		"agent_url", agentURL,
	)
}

// WithThread returns a logger scoped to a specific remote context within a sync.
func WithThread(logger *slog.Logger, contextID string) *slog.Logger {
	return logger.With("context_id", contextID)
}
