// Package config provides application configuration management.
//
// The config package handles loading and validation of the application's
// configuration from YAML files and EXECBOX_* environment variables. It
// covers the HTTP/MCP server, sandbox limits and backend selection, the
// static source policy, logging, and the per-language build and run
// commands.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Sandbox backend: %s\n", cfg.Sandbox.Backend)
package config
