package sandbox

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/isdmx/execbox/config"
)

// NewBackend creates the backend selected by sandbox.backend
func NewBackend(logger *zap.Logger, cfg *config.Config, registry *Registry) (Backend, error) {
	containerConfig := ContainerConfig{
		MemoryMB:       cfg.Sandbox.MemoryMB,
		PidsLimit:      cfg.Sandbox.PidsLimit,
		NetworkEnabled: cfg.Sandbox.NetworkEnabled,
		User:           cfg.Sandbox.ContainerUser,
	}

	var backend Backend
	switch cfg.Sandbox.Backend {
	case "docker":
		backend = NewDockerBackend(logger, containerConfig)
	case "podman":
		backend = NewPodmanBackend(logger, containerConfig)
	case "local":
		if !cfg.Sandbox.EnableLocalBackend {
			return nil, fmt.Errorf("local backend requires sandbox.enable_local_backend")
		}
		return NewLocalBackend(logger), nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", cfg.Sandbox.Backend)
	}

	for _, name := range registry.Names() {
		lang, _ := registry.Lookup(name)
		if lang.Image == "" {
			return nil, fmt.Errorf("language %s has no image for the %s backend", name, cfg.Sandbox.Backend)
		}
	}

	return backend, nil
}
