package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/execbox/config"
	"github.com/isdmx/execbox/logger"
	"github.com/isdmx/execbox/metrics"
	"github.com/isdmx/execbox/policy"
	"github.com/isdmx/execbox/sandbox"
	"github.com/isdmx/execbox/workspace"
)

// Failure classifies why an execution did not succeed.
type Failure string

// Failure kinds
const (
	FailureNone                Failure = "none"
	FailureInvalidRequest      Failure = "invalid_request"
	FailurePolicyViolation     Failure = "policy_violation"
	FailureUnsupportedLanguage Failure = "unsupported_language"
	FailureCompileError        Failure = "compile_error"
	FailureRuntimeError        Failure = "runtime_error"
	FailureTimeout             Failure = "timeout"
	FailureSpawn               Failure = "spawn_error"
	FailureInternal            Failure = "internal"
)

// Caller facing messages
const (
	UnsafeCodeOutput     = "SecurityError: Unsafe code detected"
	MissingFieldsOutput  = "Language and code are required"
	InternalErrorOutput  = "Internal error during execution"
	SpawnErrorOutput     = "Execution environment unavailable"
	unsupportedLabel     = "unsupported"
	codePreviewMaxLength = 200
)

// Request is one execution request.
type Request struct {
	Language string `json:"language"`
	Code     string `json:"code"`
}

// Result is the uniform outcome of Execute.
type Result struct {
	Output    string        `json:"output"`
	Success   bool          `json:"success"`
	Language  string        `json:"language"`
	Timestamp time.Time     `json:"timestamp"`
	Failure   Failure       `json:"-"`
	Detail    string        `json:"-"`
	Duration  time.Duration `json:"-"`
}

// Executor runs requests to completion.
type Executor interface {
	Execute(ctx context.Context, req Request) Result
}

// Filter is the static source check.
type Filter interface {
	Check(language, source string) error
}

// Languages resolves language selectors.
type Languages interface {
	Lookup(name string) (*sandbox.Language, error)
}

// Workspaces hands out and reclaims per-request directories.
type Workspaces interface {
	Acquire(ctx context.Context) (*workspace.Workspace, error)
	Release(ws *workspace.Workspace)
}

// Runner executes source inside a workspace.
type Runner interface {
	Run(ctx context.Context, ws *workspace.Workspace, lang *sandbox.Language, source string) (sandbox.Result, error)
}

// Coordinator implements Executor.
type Coordinator struct {
	logger     *zap.Logger
	filter     Filter
	languages  Languages
	workspaces Workspaces
	runner     Runner
	slots      chan struct{}
	now        func() time.Time
}

// Option defines a functional option for Coordinator
type Option func(*Coordinator)

// WithMaxConcurrent bounds the number of executions holding a workspace at once.
func WithMaxConcurrent(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.slots = make(chan struct{}, n)
		}
	}
}

// WithClock sets the time source used for timestamps and durations.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// NewCoordinator creates a Coordinator. Without WithMaxConcurrent the
// number of concurrent executions is unbounded.
func NewCoordinator(logger *zap.Logger, filter Filter, languages Languages, workspaces Workspaces, runner Runner, opts ...Option) *Coordinator {
	c := &Coordinator{
		logger:     logger,
		filter:     filter,
		languages:  languages,
		workspaces: workspaces,
		runner:     runner,
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// NewExecutor wires a Coordinator from the application components.
func NewExecutor(
	cfg *config.Config,
	logger *zap.Logger,
	filter *policy.Filter,
	registry *sandbox.Registry,
	manager *workspace.Manager,
	runner *sandbox.Runner,
) Executor {
	return NewCoordinator(logger.Named("execution"), filter, registry, manager, runner,
		WithMaxConcurrent(cfg.Sandbox.MaxConcurrent))
}

// Execute runs req and always returns a Result.
func (c *Coordinator) Execute(ctx context.Context, req Request) (result Result) {
	start := c.now()
	language := strings.ToLower(strings.TrimSpace(req.Language))
	metricLanguage := unsupportedLabel

	result.Language = language

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("execution panicked",
				zap.String("language", language),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			result.Success = false
			result.Failure = FailureInternal
			result.Output = InternalErrorOutput
			result.Detail = fmt.Sprint(r)
		}
		c.finish(&result, metricLanguage, start)
	}()

	c.logger.Debug("execution requested",
		zap.String("language", language),
		zap.Int("code_bytes", len(req.Code)),
		zap.String("code", logger.Preview(req.Code, codePreviewMaxLength)),
	)

	if language == "" || req.Code == "" {
		result.Failure = FailureInvalidRequest
		result.Output = MissingFieldsOutput
		return result
	}

	if err := c.filter.Check(language, req.Code); err != nil {
		if lang, lookupErr := c.languages.Lookup(language); lookupErr == nil {
			metricLanguage = lang.Name
		}
		metrics.PolicyRejectionsTotal.WithLabelValues(metricLanguage).Inc()

		c.logger.Info("code rejected by policy", zap.String("language", language), zap.Error(err))
		result.Failure = FailurePolicyViolation
		result.Output = UnsafeCodeOutput
		result.Detail = err.Error()
		return result
	}

	lang, err := c.languages.Lookup(language)
	if err != nil {
		result.Failure = FailureUnsupportedLanguage
		result.Output = fmt.Sprintf("Unsupported language: %s", req.Language)
		result.Detail = err.Error()
		return result
	}
	metricLanguage = lang.Name

	if c.slots != nil {
		select {
		case c.slots <- struct{}{}:
			defer func() { <-c.slots }()
		case <-ctx.Done():
			result.Failure = FailureInternal
			result.Output = InternalErrorOutput
			result.Detail = fmt.Sprintf("waiting for an execution slot: %v", ctx.Err())
			return result
		}
	}

	ws, err := c.workspaces.Acquire(ctx)
	if err != nil {
		c.logger.Error("failed to acquire workspace", zap.Error(err))
		result.Failure = FailureInternal
		result.Output = InternalErrorOutput
		result.Detail = err.Error()
		return result
	}
	defer c.workspaces.Release(ws)

	run, err := c.runner.Run(ctx, ws, lang, req.Code)
	if err != nil {
		return c.runnerError(result, lang, err)
	}

	result.Output = run.Output
	result.Success = run.Success
	result.Failure = failureFor(run.Status)
	return result
}

func (c *Coordinator) runnerError(result Result, lang *sandbox.Language, err error) Result {
	result.Success = false
	result.Detail = err.Error()

	if errors.Is(err, sandbox.ErrSpawn) {
		c.logger.Error("failed to start toolchain", zap.String("language", lang.Name), zap.Error(err))
		result.Failure = FailureSpawn
		result.Output = fmt.Sprintf("%s: %s toolchain could not be started", SpawnErrorOutput, lang.Name)
		return result
	}

	c.logger.Error("execution failed", zap.String("language", lang.Name), zap.Error(err))
	result.Failure = FailureInternal
	result.Output = InternalErrorOutput
	return result
}

func (c *Coordinator) finish(result *Result, metricLanguage string, start time.Time) {
	now := c.now()
	result.Timestamp = now.UTC()
	result.Duration = now.Sub(start)
	if result.Failure == "" {
		result.Failure = FailureNone
	}

	metrics.ExecutionsTotal.WithLabelValues(metricLanguage, string(result.Failure)).Inc()

	c.logger.Info("execution finished",
		zap.String("language", result.Language),
		zap.Bool("success", result.Success),
		zap.String("failure", string(result.Failure)),
		zap.Duration("duration", result.Duration),
	)
}

func failureFor(status sandbox.Status) Failure {
	switch status {
	case sandbox.StatusOK:
		return FailureNone
	case sandbox.StatusCompileError:
		return FailureCompileError
	case sandbox.StatusRuntimeError:
		return FailureRuntimeError
	case sandbox.StatusTimeout:
		return FailureTimeout
	default:
		return FailureInternal
	}
}
