package sandbox

import (
	"go.uber.org/zap"
)

// NewPodmanBackend creates a ContainerBackend driving the podman CLI.
//
// SELinux labelling is disabled for the run so the bind-mounted workspace
// stays readable without relabelling host directories. Rootless podman maps
// the server user into the container with keep-id, otherwise files written
// as that user would land on a subordinate uid.
func NewPodmanBackend(logger *zap.Logger, config ContainerConfig, opts ...ContainerOption) *ContainerBackend {
	base := []ContainerOption{
		WithContainerArgs("--security-opt", "label=disable"),
		withUserNamespaceKeepID(),
	}
	return NewContainerBackend(logger, "podman", config, append(base, opts...)...)
}
