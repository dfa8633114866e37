// Package main is the entry point for the execbox server.
//
// The execbox server accepts a language selector and source code, rejects
// obviously dangerous programs with a static policy filter, and runs the rest
// in a single-use workspace inside a container (Docker or Podman) with hard
// time, memory and process limits. Results are served over a JSON REST API
// and, optionally, as a Model Context Protocol tool over stdio or HTTP.
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging and viper for configuration.
package main
