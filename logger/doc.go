// Package logger builds the zap logger shared by every execbox component.
//
// Production mode writes JSON to stderr with an ISO-8601 "timestamp" key and
// a constant "service" field; development mode writes colored console lines.
// Stdout is never used, so the MCP stdio transport stays clean.
//
// Preview clips submitted source before it is attached to a log entry.
//
// Usage:
//
//	log, err := logger.NewFromConfig(cfg)
//	if err != nil {
//	    return err
//	}
//	log.Info("execution finished", zap.String("language", "python"))
package logger
