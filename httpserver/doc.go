// Package httpserver exposes the executor over REST using gin.
//
// Routes:
//
//	POST /api/execute-code   run code, rate limited per client IP
//	GET  /api/languages      supported language names
//	GET  /healthz            liveness
//	GET  /metrics            Prometheus metrics
//
// Additional handlers, such as the MCP streamable endpoint, are attached
// with Mount.
package httpserver
