package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/isdmx/execbox/workspace"
)

// Stage names a step of an execution.
type Stage string

// Execution stages
const (
	StageCompile Stage = "compile"
	StageRun     Stage = "run"
)

// Size constants
const (
	BytesPerKB = 1024

	// DefaultWaitDelay bounds how long output pipes are drained after the
	// process exits or is killed.
	DefaultWaitDelay = 2 * time.Second

	truncationMarker = "\n[output truncated]"
)

// ErrSpawn matches every *SpawnError.
var ErrSpawn = errors.New("failed to start process")

// SpawnError reports that a process could not be started at all, for
// example because the interpreter is missing.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start %s: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Is reports whether target is ErrSpawn.
func (e *SpawnError) Is(target error) bool { return target == ErrSpawn }

// Command is a fully expanded process invocation.
type Command struct {
	Args    []string // Args[0] is the program
	Dir     string
	Env     []string // nil inherits the server environment
	Timeout time.Duration
}

// Outcome is what a finished or killed process left behind.
type Outcome struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	TimedOut  bool
	Truncated bool
	Duration  time.Duration
	PID       int
}

// CommandRunner defines an interface for executing system commands
type CommandRunner interface {
	RunCommand(ctx context.Context, cmd Command) (Outcome, error)
}

// Backend decides where and under which isolation a stage command runs.
type Backend interface {
	Name() string
	// WorkDir is the workspace directory as seen by the running process.
	WorkDir(ws *workspace.Workspace) string
	// Prepare adjusts the workspace before the first stage.
	Prepare(ws *workspace.Workspace) error
	// Command wraps argv for execution inside the backend.
	Command(ws *workspace.Workspace, lang *Language, stage Stage, argv []string) Command
	// Reap removes anything the stage left running after a timeout or cancellation.
	Reap(ctx context.Context, ws *workspace.Workspace, stage Stage) error
}

// RealCommandRunner implements CommandRunner using actual exec commands.
// Each command runs in its own process group which is killed as a whole on
// timeout and again after exit. On Linux the server is also a child
// subreaper, so descendants that escaped the group with setsid are
// inherited and killed once the command finishes.
type RealCommandRunner struct {
	MaxOutputBytes int
	WaitDelay      time.Duration
}

// RunCommand executes the given command
func (r RealCommandRunner) RunCommand(ctx context.Context, c Command) (Outcome, error) {
	if len(c.Args) < 1 {
		return Outcome{}, &SpawnError{Err: errors.New("no command provided")}
	}

	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	runCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, c.Args[0], c.Args[1:]...) //nolint:gosec // argv comes from language configuration
	cmd.Dir = c.Dir
	cmd.Env = c.Env

	stdout := &limitedBuffer{limit: r.MaxOutputBytes}
	stderr := &limitedBuffer{limit: r.MaxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultWaitDelay
	}
	configureProcessGroup(cmd)

	enableSubreaper()

	start := time.Now()
	if err := processes.start(cmd); err != nil {
		return Outcome{}, &SpawnError{Command: c.Args[0], Err: err}
	}

	pid := cmd.Process.Pid
	waitErr := cmd.Wait()
	_ = killProcessGroup(pid)
	processes.finish(pid)

	out := Outcome{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.truncated || stderr.truncated,
		Duration:  time.Since(start),
		PID:       pid,
	}
	if cmd.ProcessState != nil {
		out.ExitCode = cmd.ProcessState.ExitCode()
	}

	if err := ctx.Err(); err != nil {
		return out, fmt.Errorf("command %s interrupted: %w", c.Args[0], err)
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		out.TimedOut = true
		return out, nil
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) && !errors.Is(waitErr, exec.ErrWaitDelay) {
		return out, fmt.Errorf("failed waiting for %s: %w", c.Args[0], waitErr)
	}

	return out, nil
}

// limitedBuffer keeps the first limit bytes written to it and discards the
// rest. A zero limit keeps everything.
type limitedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if b.limit <= 0 {
		return b.buf.Write(p)
	}

	remaining := b.limit - b.buf.Len()
	if len(p) > remaining {
		b.truncated = true
		if remaining > 0 {
			b.buf.Write(p[:remaining])
		}
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *limitedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + truncationMarker
	}
	return b.buf.String()
}
