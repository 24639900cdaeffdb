// Package logging provides structured logging using uber/zap.
//
// Two output modes are supported:
//   - Production: JSON output for machine parsing
//   - Development: Colored console output for human readability
//
// The server logs to stdout. The interactive client owns stdout for the
// terminal surface, so it logs JSON to a file (see FileConfig).
//
// Every component that accepts a *Logger tolerates nil and falls back to
// a no-op logger via OrNop.
//
// Example Usage:
//
//	logger := logging.NewDefault()
//	logger.Info("Server starting", zap.String("port", "8000"))
//	logger.Error("Failed to attach", zap.String("container_id", id), zap.Error(err))
package logging
