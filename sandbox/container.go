package sandbox

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/execbox/workspace"
)

// Container layout
const (
	ContainerWorkDir     = "/workspace"
	containerTmpfs       = "/tmp:rw,nosuid,size=64m"
	containerWorkspaceRW = 0o777
	reapTimeout          = 10 * time.Second

	// NobodyUser runs containers when the server itself is root.
	NobodyUser = "65534:65534"
)

// ContainerConfig holds the limits applied to every container.
//
// An empty User runs containers as the server's own uid:gid, so everything
// they leave in the workspace stays removable. A root server uses
// NobodyUser instead since root can remove any file.
type ContainerConfig struct {
	MemoryMB       int
	PidsLimit      int
	NetworkEnabled bool
	User           string
}

// ContainerBackend runs each stage in a fresh container of the language
// image with the workspace bind-mounted at ContainerWorkDir.
type ContainerBackend struct {
	logger    *zap.Logger
	engine    string
	config    ContainerConfig
	extraArgs []string
	cmdRunner CommandRunner
	hostUID   int
	hostGID   int
	keepID    bool
}

// ContainerOption defines a functional option for ContainerBackend
type ContainerOption func(*ContainerBackend)

// WithContainerCommandRunner sets the CommandRunner used to reap containers
func WithContainerCommandRunner(cmdRunner CommandRunner) ContainerOption {
	return func(c *ContainerBackend) {
		c.cmdRunner = cmdRunner
	}
}

// WithContainerArgs appends engine specific arguments to every run command
func WithContainerArgs(args ...string) ContainerOption {
	return func(c *ContainerBackend) {
		c.extraArgs = append(c.extraArgs, args...)
	}
}

// WithHostIDs overrides the uid and gid the server runs as
func WithHostIDs(uid, gid int) ContainerOption {
	return func(c *ContainerBackend) {
		c.hostUID = uid
		c.hostGID = gid
	}
}

// withUserNamespaceKeepID maps the host user to the same uid inside
// rootless containers. It has no effect for a root server.
func withUserNamespaceKeepID() ContainerOption {
	return func(c *ContainerBackend) {
		c.keepID = true
	}
}

// NewContainerBackend creates a backend driving the given container engine CLI.
func NewContainerBackend(logger *zap.Logger, engine string, config ContainerConfig, opts ...ContainerOption) *ContainerBackend {
	backend := &ContainerBackend{
		logger:    logger,
		engine:    engine,
		config:    config,
		cmdRunner: RealCommandRunner{},
		hostUID:   os.Getuid(),
		hostGID:   os.Getgid(),
	}

	for _, opt := range opts {
		opt(backend)
	}

	if backend.config.User == "" {
		backend.config.User = backend.defaultUser()
	}

	if !backend.ownsWorkspace() && backend.hostUID != 0 {
		logger.Warn("containers run as a different user than the server; files they create may not be removable",
			zap.String("container_user", backend.config.User),
			zap.String("server_user", backend.hostUser()),
		)
	}

	return backend
}

func (c *ContainerBackend) hostUser() string {
	return fmt.Sprintf("%d:%d", c.hostUID, c.hostGID)
}

func (c *ContainerBackend) defaultUser() string {
	if c.hostUID == 0 {
		return NobodyUser
	}
	return c.hostUser()
}

// ownsWorkspace reports whether containers write as the workspace owner.
func (c *ContainerBackend) ownsWorkspace() bool {
	return c.config.User == c.hostUser()
}

// User returns the uid:gid containers run as.
func (c *ContainerBackend) User() string {
	return c.config.User
}

func (c *ContainerBackend) Name() string {
	return c.engine
}

func (*ContainerBackend) WorkDir(*workspace.Workspace) string {
	return ContainerWorkDir
}

// Prepare opens the workspace to the container user when it is not the
// workspace owner.
func (c *ContainerBackend) Prepare(ws *workspace.Workspace) error {
	if c.ownsWorkspace() {
		return nil
	}
	if err := ws.Chmod(containerWorkspaceRW); err != nil {
		return fmt.Errorf("failed to open workspace to container user: %w", err)
	}
	return nil
}

func (c *ContainerBackend) Command(ws *workspace.Workspace, lang *Language, stage Stage, argv []string) Command {
	args := []string{
		c.engine, "run",
		"--rm",
		"--name", containerName(ws, stage),
		"--volume", fmt.Sprintf("%s:%s", ws.Dir, ContainerWorkDir),
		"--workdir", ContainerWorkDir,
		"--memory", fmt.Sprintf("%dm", c.config.MemoryMB),
		"--memory-swap", fmt.Sprintf("%dm", c.config.MemoryMB),
		"--pids-limit", strconv.Itoa(c.config.PidsLimit),
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--read-only",
		"--tmpfs", containerTmpfs,
		"--env", "HOME=/tmp",
	}

	if !c.config.NetworkEnabled {
		args = append(args, "--network", "none")
	}

	args = append(args, "--user", c.config.User)
	if c.keepID && c.hostUID != 0 && c.ownsWorkspace() {
		args = append(args, "--userns", "keep-id")
	}

	for _, kv := range lang.Env {
		args = append(args, "--env", kv)
	}

	args = append(args, c.extraArgs...)
	args = append(args, lang.Image)
	args = append(args, argv...)

	return Command{Args: args}
}

// Reap force-removes the stage container. Killing the CLI client does not
// stop a running container.
func (c *ContainerBackend) Reap(ctx context.Context, ws *workspace.Workspace, stage Stage) error {
	name := containerName(ws, stage)

	out, err := c.cmdRunner.RunCommand(ctx, Command{
		Args:    []string{c.engine, "rm", "--force", name},
		Timeout: reapTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to remove container %s: %w", name, err)
	}
	if out.ExitCode != 0 {
		c.logger.Debug("container already gone",
			zap.String("container", name), zap.String("stderr", out.Stderr))
	}
	return nil
}

func containerName(ws *workspace.Workspace, stage Stage) string {
	return fmt.Sprintf("execbox-%s-%s", ws.ID, stage)
}
