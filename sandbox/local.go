package sandbox

import (
	"context"
	"os"

	"go.uber.org/zap"

	"github.com/isdmx/execbox/workspace"
)

const defaultPath = "/usr/local/bin:/usr/bin:/bin"

// LocalBackend runs stages as host processes inside the workspace
// directory. It provides no isolation beyond a process group and a minimal
// environment; use it for development only.
type LocalBackend struct {
	logger *zap.Logger
	path   string
}

// NewLocalBackend creates a LocalBackend that resolves tools through the
// server's PATH.
func NewLocalBackend(logger *zap.Logger) *LocalBackend {
	path := os.Getenv("PATH")
	if path == "" {
		path = defaultPath
	}

	logger.Warn("local sandbox backend enabled; submitted code runs on the host without isolation")

	return &LocalBackend{logger: logger, path: path}
}

func (*LocalBackend) Name() string {
	return "local"
}

func (*LocalBackend) WorkDir(ws *workspace.Workspace) string {
	return ws.Dir
}

func (*LocalBackend) Prepare(*workspace.Workspace) error {
	return nil
}

func (l *LocalBackend) Command(ws *workspace.Workspace, lang *Language, _ Stage, argv []string) Command {
	env := []string{
		"PATH=" + l.path,
		"HOME=" + ws.Dir,
		"TMPDIR=" + ws.Dir,
		"LANG=C.UTF-8",
	}
	env = append(env, lang.Env...)

	return Command{
		Args: argv,
		Dir:  ws.Dir,
		Env:  env,
	}
}

// Reap is a no-op: the runner already killed the whole process group.
func (*LocalBackend) Reap(context.Context, *workspace.Workspace, Stage) error {
	return nil
}
