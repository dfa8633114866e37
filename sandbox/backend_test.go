package sandbox

import (
	"context"
	"os"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/execbox/config"
	"github.com/isdmx/execbox/workspace"
)

func assertArgPair(t *testing.T, args []string, flag, value string) {
	t.Helper()
	for i := 0; i+1 < len(args); i++ {
		if args[i] == flag && args[i+1] == value {
			return
		}
	}
	t.Errorf("expected %s %s in %v", flag, value, args)
}

func TestContainerBackendCommand(t *testing.T) {
	logger := zaptest.NewLogger(t)
	python := lookup(t, defaultRegistry(t), "python")
	ws := newTestWorkspace(t)

	limits := ContainerConfig{MemoryMB: 256, PidsLimit: 64, User: "65534:65534"}

	t.Run("Docker", func(t *testing.T) {
		backend := NewDockerBackend(logger, limits)
		assert.Equal(t, "docker", backend.Name())
		assert.Equal(t, ContainerWorkDir, backend.WorkDir(ws))

		cmd := backend.Command(ws, python, StageRun, []string{"python3", "-u", "/workspace/main.py"})
		args := cmd.Args

		assert.Equal(t, []string{"docker", "run", "--rm"}, args[:3])
		assertArgPair(t, args, "--name", "execbox-"+ws.ID+"-run")
		assertArgPair(t, args, "--volume", ws.Dir+":/workspace")
		assertArgPair(t, args, "--workdir", "/workspace")
		assertArgPair(t, args, "--memory", "256m")
		assertArgPair(t, args, "--memory-swap", "256m")
		assertArgPair(t, args, "--pids-limit", "64")
		assertArgPair(t, args, "--network", "none")
		assertArgPair(t, args, "--cap-drop", "ALL")
		assertArgPair(t, args, "--security-opt", "no-new-privileges")
		assertArgPair(t, args, "--user", "65534:65534")
		assertArgPair(t, args, "--env", "PYTHONUNBUFFERED=1")
		assert.Contains(t, args, "--read-only")
		assert.Equal(t, []string{"python:3.11-slim", "python3", "-u", "/workspace/main.py"}, args[len(args)-4:])
		assert.Nil(t, cmd.Env)
	})

	t.Run("NetworkEnabled", func(t *testing.T) {
		withNet := limits
		withNet.NetworkEnabled = true

		cmd := NewDockerBackend(logger, withNet).Command(ws, python, StageRun, []string{"python3"})
		assert.NotContains(t, cmd.Args, "--network")
	})

	t.Run("Podman", func(t *testing.T) {
		backend := NewPodmanBackend(logger, limits)
		assert.Equal(t, "podman", backend.Name())

		cmd := backend.Command(ws, python, StageCompile, []string{"python3"})
		assert.Equal(t, "podman", cmd.Args[0])
		assertArgPair(t, cmd.Args, "--security-opt", "label=disable")
		assertArgPair(t, cmd.Args, "--name", "execbox-"+ws.ID+"-compile")
	})
}

func TestContainerBackendUser(t *testing.T) {
	logger := zaptest.NewLogger(t)
	python := lookup(t, defaultRegistry(t), "python")

	t.Run("DefaultsToServerUser", func(t *testing.T) {
		ws := newTestWorkspace(t)
		backend := NewDockerBackend(logger, ContainerConfig{MemoryMB: 64, PidsLimit: 8}, WithHostIDs(1000, 1001))
		assert.Equal(t, "1000:1001", backend.User())

		require.NoError(t, backend.Prepare(ws))
		info, err := os.Stat(ws.Dir)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(workspace.DirPermission), info.Mode().Perm(), "owned workspace stays private")

		cmd := backend.Command(ws, python, StageRun, []string{"python3"})
		assertArgPair(t, cmd.Args, "--user", "1000:1001")
		assert.NotContains(t, cmd.Args, "--userns")
	})

	t.Run("RootServerUsesNobody", func(t *testing.T) {
		ws := newTestWorkspace(t)
		backend := NewDockerBackend(logger, ContainerConfig{MemoryMB: 64, PidsLimit: 8}, WithHostIDs(0, 0))
		assert.Equal(t, NobodyUser, backend.User())

		require.NoError(t, backend.Prepare(ws))
		info, err := os.Stat(ws.Dir)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o777), info.Mode().Perm())
	})

	t.Run("ForeignUserOpensWorkspace", func(t *testing.T) {
		ws := newTestWorkspace(t)
		backend := NewDockerBackend(logger, ContainerConfig{User: "2000:2000"}, WithHostIDs(1000, 1000))

		require.NoError(t, backend.Prepare(ws))
		info, err := os.Stat(ws.Dir)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o777), info.Mode().Perm())
	})

	t.Run("RootlessPodmanKeepsID", func(t *testing.T) {
		ws := newTestWorkspace(t)
		backend := NewPodmanBackend(logger, ContainerConfig{}, WithHostIDs(1000, 1000))

		cmd := backend.Command(ws, python, StageRun, []string{"python3"})
		assertArgPair(t, cmd.Args, "--user", "1000:1000")
		assertArgPair(t, cmd.Args, "--userns", "keep-id")
	})

	t.Run("RootPodmanSkipsKeepID", func(t *testing.T) {
		ws := newTestWorkspace(t)
		backend := NewPodmanBackend(logger, ContainerConfig{}, WithHostIDs(0, 0))

		cmd := backend.Command(ws, python, StageRun, []string{"python3"})
		assertArgPair(t, cmd.Args, "--user", NobodyUser)
		assert.NotContains(t, cmd.Args, "--userns")
	})
}

func TestContainerBackendReap(t *testing.T) {
	mock := &MockCommandRunner{results: []mockResult{{out: Outcome{ExitCode: 1, Stderr: "no such container"}}}}
	backend := NewDockerBackend(zaptest.NewLogger(t), ContainerConfig{}, WithContainerCommandRunner(mock))
	ws := newTestWorkspace(t)

	require.NoError(t, backend.Reap(context.Background(), ws, StageRun))

	require.Len(t, mock.commands, 1)
	assert.Equal(t, []string{"docker", "rm", "--force", "execbox-" + ws.ID + "-run"}, mock.commands[0].Args)
	assert.Positive(t, mock.commands[0].Timeout)
}

func TestLocalBackendCommand(t *testing.T) {
	t.Setenv("SECRET_TOKEN", "do-not-leak")

	backend := NewLocalBackend(zaptest.NewLogger(t))
	python := lookup(t, defaultRegistry(t), "python")
	ws := newTestWorkspace(t)

	cmd := backend.Command(ws, python, StageRun, []string{"python3", "main.py"})

	assert.Equal(t, []string{"python3", "main.py"}, cmd.Args)
	assert.Equal(t, ws.Dir, cmd.Dir)
	assert.Equal(t, ws.Dir, backend.WorkDir(ws))
	assert.Contains(t, cmd.Env, "HOME="+ws.Dir)
	assert.Contains(t, cmd.Env, "PYTHONDONTWRITEBYTECODE=1")
	assert.True(t, slices.ContainsFunc(cmd.Env, func(kv string) bool { return len(kv) > 5 && kv[:5] == "PATH=" }))
	assert.NotContains(t, cmd.Env, "SECRET_TOKEN=do-not-leak")

	require.NoError(t, backend.Prepare(ws))
	require.NoError(t, backend.Reap(context.Background(), ws, StageRun))
}

func TestNewBackend(t *testing.T) {
	logger := zaptest.NewLogger(t)

	load := func(t *testing.T) *config.Config {
		cfg, err := config.Load(t.TempDir())
		require.NoError(t, err)
		return cfg
	}

	t.Run("Docker", func(t *testing.T) {
		cfg := load(t)
		backend, err := NewBackend(logger, cfg, defaultRegistry(t))
		require.NoError(t, err)
		assert.Equal(t, "docker", backend.Name())
	})

	t.Run("Podman", func(t *testing.T) {
		cfg := load(t)
		cfg.Sandbox.Backend = "podman"
		backend, err := NewBackend(logger, cfg, defaultRegistry(t))
		require.NoError(t, err)
		assert.Equal(t, "podman", backend.Name())
	})

	t.Run("LocalRequiresOptIn", func(t *testing.T) {
		cfg := load(t)
		cfg.Sandbox.Backend = "local"
		_, err := NewBackend(logger, cfg, defaultRegistry(t))
		require.Error(t, err)

		cfg.Sandbox.EnableLocalBackend = true
		backend, err := NewBackend(logger, cfg, defaultRegistry(t))
		require.NoError(t, err)
		assert.Equal(t, "local", backend.Name())
	})

	t.Run("MissingImage", func(t *testing.T) {
		cfg := load(t)
		ruby, err := NewLanguage("ruby", config.Language{Kind: config.KindInterpreted, Extension: "rb", Run: []string{"ruby"}})
		require.NoError(t, err)

		_, err = NewBackend(logger, cfg, NewRegistry(ruby))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no image")
	})

	t.Run("Unknown", func(t *testing.T) {
		cfg := load(t)
		cfg.Sandbox.Backend = "firecracker"
		_, err := NewBackend(logger, cfg, defaultRegistry(t))
		require.Error(t, err)
	})
}
