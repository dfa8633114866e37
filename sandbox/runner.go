package sandbox

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/execbox/config"
	"github.com/isdmx/execbox/logger"
	"github.com/isdmx/execbox/metrics"
	"github.com/isdmx/execbox/workspace"
)

// NoOutputMessage is reported when a successful run printed nothing.
const NoOutputMessage = "Code executed successfully (no output)"

// Status classifies a finished run.
type Status string

// Run statuses
const (
	StatusOK           Status = "ok"
	StatusCompileError Status = "compile_error"
	StatusRuntimeError Status = "runtime_error"
	StatusTimeout      Status = "timeout"
)

// Config holds the runner limits
type Config struct {
	RunTimeout     time.Duration
	CompileTimeout time.Duration
	MaxOutputBytes int
}

// StageResult is the captured result of one stage.
type StageResult struct {
	Stage     Stage
	Stdout    string
	Stderr    string
	ExitCode  int
	TimedOut  bool
	Truncated bool
	Duration  time.Duration
}

// Result is the outcome of all stages of a run.
type Result struct {
	Output  string
	Success bool
	Status  Status
	Stages  []StageResult
}

// Runner writes, optionally compiles and runs source inside a workspace.
type Runner struct {
	logger    *zap.Logger
	backend   Backend
	config    Config
	cmdRunner CommandRunner
}

// RunnerOption defines a functional option for Runner
type RunnerOption func(*Runner)

// WithCommandRunner sets the CommandRunner for Runner
func WithCommandRunner(cmdRunner CommandRunner) RunnerOption {
	return func(r *Runner) {
		r.cmdRunner = cmdRunner
	}
}

// NewRunner creates a new Runner with default implementations and optional interfaces
func NewRunner(logger *zap.Logger, backend Backend, config Config, opts ...RunnerOption) *Runner {
	runner := &Runner{
		logger:    logger,
		backend:   backend,
		config:    config,
		cmdRunner: RealCommandRunner{MaxOutputBytes: config.MaxOutputBytes},
	}

	for _, opt := range opts {
		opt(runner)
	}

	return runner
}

// NewRunnerFromConfig creates a Runner using the sandbox section limits.
func NewRunnerFromConfig(cfg *config.Config, logger *zap.Logger, backend Backend) *Runner {
	return NewRunner(logger.Named("runner"), backend, Config{
		RunTimeout:     cfg.GetTimeout(),
		CompileTimeout: cfg.GetCompileTimeout(),
		MaxOutputBytes: cfg.Sandbox.MaxOutputKB * BytesPerKB,
	})
}

// Backend returns the backend commands are wrapped with.
func (r *Runner) Backend() Backend {
	return r.backend
}

// Run executes source in ws. User code failures (compile errors, non-zero
// exits, timeouts) are reported through Result; the error is reserved for
// failures of the sandbox itself, such as a *SpawnError.
func (r *Runner) Run(ctx context.Context, ws *workspace.Workspace, lang *Language, source string) (Result, error) {
	code, entry := lang.PrepareSource(source)
	fileName := lang.FileName(entry)

	if _, err := ws.WriteFile(fileName, []byte(code)); err != nil {
		return Result{}, fmt.Errorf("failed to write source: %w", err)
	}

	if err := r.backend.Prepare(ws); err != nil {
		return Result{}, err
	}

	dir := r.backend.WorkDir(ws)
	vars := placeholders{dir: dir, file: filepath.Join(dir, fileName), entry: entry}

	log := logger.ForExecution(r.logger, ws.ID, lang.Name)

	var result Result

	if lang.Kind == Compiled {
		stage, err := r.runStage(ctx, log, ws, lang, StageCompile, vars.expand(lang.Compile), r.config.CompileTimeout)
		if err != nil {
			return result, err
		}
		result.Stages = append(result.Stages, stage)

		switch {
		case stage.TimedOut:
			result.Status = StatusTimeout
			result.Output = timeoutMessage(StageCompile, r.config.CompileTimeout)
			return result, nil
		case stage.ExitCode != 0:
			result.Status = StatusCompileError
			result.Output = failureOutput(stage)
			return result, nil
		}
	}

	stage, err := r.runStage(ctx, log, ws, lang, StageRun, vars.expand(lang.Run), r.config.RunTimeout)
	if err != nil {
		return result, err
	}
	result.Stages = append(result.Stages, stage)

	switch {
	case stage.TimedOut:
		result.Status = StatusTimeout
		result.Output = timeoutMessage(StageRun, r.config.RunTimeout)
	case stage.ExitCode != 0:
		result.Status = StatusRuntimeError
		result.Output = failureOutput(stage)
	default:
		result.Status = StatusOK
		result.Success = true
		result.Output = stage.Stdout
		if result.Output == "" {
			result.Output = NoOutputMessage
		}
	}

	return result, nil
}

func (r *Runner) runStage(ctx context.Context, log *zap.Logger, ws *workspace.Workspace, lang *Language, stage Stage, argv []string, timeout time.Duration) (StageResult, error) {
	cmd := r.backend.Command(ws, lang, stage, argv)
	cmd.Timeout = timeout

	log = log.With(zap.String(logger.FieldStage, string(stage)))
	log.Debug("starting stage", zap.Strings("argv", argv))

	start := time.Now()
	out, err := r.cmdRunner.RunCommand(ctx, cmd)
	elapsed := time.Since(start)
	metrics.StageDuration.WithLabelValues(lang.Name, string(stage)).Observe(elapsed.Seconds())

	if out.TimedOut || ctx.Err() != nil {
		reapCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reapTimeout)
		if reapErr := r.backend.Reap(reapCtx, ws, stage); reapErr != nil {
			log.Warn("failed to reap stage", zap.Error(reapErr))
		}
		cancel()
	}

	if err != nil {
		return StageResult{Stage: stage}, err
	}

	log.Debug("stage finished",
		zap.Int("exit_code", out.ExitCode),
		zap.Bool("timed_out", out.TimedOut),
		zap.Duration("duration", elapsed),
	)

	return StageResult{
		Stage:     stage,
		Stdout:    out.Stdout,
		Stderr:    out.Stderr,
		ExitCode:  out.ExitCode,
		TimedOut:  out.TimedOut,
		Truncated: out.Truncated,
		Duration:  elapsed,
	}, nil
}

// failureOutput prefers stderr, then stdout, then a synthesized message.
func failureOutput(stage StageResult) string {
	if strings.TrimSpace(stage.Stderr) != "" {
		return stage.Stderr
	}
	if strings.TrimSpace(stage.Stdout) != "" {
		return stage.Stdout
	}
	return fmt.Sprintf("process exited with code %d", stage.ExitCode)
}

func timeoutMessage(stage Stage, limit time.Duration) string {
	if stage == StageCompile {
		return fmt.Sprintf("TimeoutError: compilation exceeded the %s time limit", limit)
	}
	return fmt.Sprintf("TimeoutError: execution exceeded the %s time limit", limit)
}
