// Package sandbox writes, builds and runs submitted source.
//
// Languages are data: a Registry of Language values built from the
// languages section of the configuration, each either Interpreted or
// Compiled. A Runner executes the stages of one language inside a
// workspace through a Backend, which decides the isolation boundary:
// docker or podman containers, or host processes for development.
//
// Every stage runs under its own timeout. On expiry the process group is
// killed and the backend reaps anything left running before Run returns.
//
// Usage:
//
//	registry, err := sandbox.NewRegistryFromConfig(cfg)
//	backend, err := sandbox.NewBackend(logger, cfg, registry)
//	runner := sandbox.NewRunnerFromConfig(cfg, logger, backend)
//
//	lang, err := registry.Lookup("python")
//	result, err := runner.Run(ctx, ws, lang, "print('Hello, World!')")
package sandbox
