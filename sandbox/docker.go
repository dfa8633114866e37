package sandbox

import (
	"go.uber.org/zap"
)

// NewDockerBackend creates a ContainerBackend driving the docker CLI.
func NewDockerBackend(logger *zap.Logger, config ContainerConfig, opts ...ContainerOption) *ContainerBackend {
	return NewContainerBackend(logger, "docker", config, opts...)
}
