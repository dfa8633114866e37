package execution

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/execbox/config"
	"github.com/isdmx/execbox/policy"
	"github.com/isdmx/execbox/sandbox"
	"github.com/isdmx/execbox/workspace"
)

type runnerFunc func(ctx context.Context, ws *workspace.Workspace, lang *sandbox.Language, source string) (sandbox.Result, error)

func (f runnerFunc) Run(ctx context.Context, ws *workspace.Workspace, lang *sandbox.Language, source string) (sandbox.Result, error) {
	return f(ctx, ws, lang, source)
}

// countingWorkspaces wraps a Manager and counts acquisitions.
type countingWorkspaces struct {
	*workspace.Manager
	acquired atomic.Int32
}

func (c *countingWorkspaces) Acquire(ctx context.Context) (*workspace.Workspace, error) {
	c.acquired.Add(1)
	return c.Manager.Acquire(ctx)
}

type failingWorkspaces struct{}

func (failingWorkspaces) Acquire(context.Context) (*workspace.Workspace, error) {
	return nil, errors.New("no space left on device")
}

func (failingWorkspaces) Release(*workspace.Workspace) {}

type fixture struct {
	root       string
	workspaces *countingWorkspaces
	registry   *sandbox.Registry
	calls      atomic.Int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg, err := config.Load(t.TempDir())
	require.NoError(t, err)

	registry, err := sandbox.NewRegistryFromConfig(cfg)
	require.NoError(t, err)

	root := t.TempDir()
	return &fixture{
		root:       root,
		workspaces: &countingWorkspaces{Manager: workspace.NewManager(zaptest.NewLogger(t), root)},
		registry:   registry,
	}
}

func (f *fixture) coordinator(t *testing.T, run runnerFunc, opts ...Option) *Coordinator {
	t.Helper()

	counted := runnerFunc(func(ctx context.Context, ws *workspace.Workspace, lang *sandbox.Language, source string) (sandbox.Result, error) {
		f.calls.Add(1)
		return run(ctx, ws, lang, source)
	})
	return NewCoordinator(zaptest.NewLogger(t), policy.NewFilter(), f.registry, f.workspaces, counted, opts...)
}

func (f *fixture) assertRootEmpty(t *testing.T) {
	t.Helper()

	entries, err := os.ReadDir(f.root)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, 0, f.workspaces.Active())
}

func okRunner(output string) runnerFunc {
	return func(context.Context, *workspace.Workspace, *sandbox.Language, string) (sandbox.Result, error) {
		return sandbox.Result{Output: output, Success: true, Status: sandbox.StatusOK}, nil
	}
}

func TestExecuteRejectsBeforeAllocating(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		failure Failure
		output  string
	}{
		{"MissingLanguage", Request{Code: "print(1)"}, FailureInvalidRequest, MissingFieldsOutput},
		{"MissingCode", Request{Language: "python"}, FailureInvalidRequest, MissingFieldsOutput},
		{"PolicyPython", Request{Language: "python", Code: "import sys\nsys.exit(1)"}, FailurePolicyViolation, UnsafeCodeOutput},
		{"PolicyJava", Request{Language: "java", Code: "System.exit(0);"}, FailurePolicyViolation, UnsafeCodeOutput},
		{"PolicyUnknownLanguage", Request{Language: "ruby", Code: "System.exit(0)"}, FailurePolicyViolation, UnsafeCodeOutput},
		{"UnsupportedLanguage", Request{Language: "ruby", Code: "puts 1"}, FailureUnsupportedLanguage, "Unsupported language: ruby"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			c := f.coordinator(t, okRunner("unreachable"))

			result := c.Execute(context.Background(), tt.req)

			assert.False(t, result.Success)
			assert.Equal(t, tt.failure, result.Failure)
			assert.Equal(t, tt.output, result.Output)
			assert.Zero(t, f.workspaces.acquired.Load())
			assert.Zero(t, f.calls.Load())
			f.assertRootEmpty(t)
		})
	}
}

func TestExecuteSuccess(t *testing.T) {
	f := newFixture(t)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))

	var sawDir string
	c := f.coordinator(t, func(_ context.Context, ws *workspace.Workspace, lang *sandbox.Language, source string) (sandbox.Result, error) {
		sawDir = ws.Dir
		assert.DirExists(t, ws.Dir)
		assert.Equal(t, "python", lang.Name)
		assert.Equal(t, `print("Hello, World!")`, source)
		return sandbox.Result{Output: "Hello, World!\n", Success: true, Status: sandbox.StatusOK}, nil
	}, WithClock(func() time.Time { return fixed }))

	result := c.Execute(context.Background(), Request{Language: " Python ", Code: `print("Hello, World!")`})

	assert.True(t, result.Success)
	assert.Equal(t, FailureNone, result.Failure)
	assert.Equal(t, "Hello, World!\n", result.Output)
	assert.Equal(t, "python", result.Language)
	assert.Equal(t, fixed.UTC(), result.Timestamp)
	assert.Equal(t, time.UTC, result.Timestamp.Location())

	assert.NotEmpty(t, sawDir)
	assert.NoDirExists(t, sawDir)
	f.assertRootEmpty(t)
}

func TestExecuteMapsRunStatus(t *testing.T) {
	tests := []struct {
		status  sandbox.Status
		failure Failure
	}{
		{sandbox.StatusCompileError, FailureCompileError},
		{sandbox.StatusRuntimeError, FailureRuntimeError},
		{sandbox.StatusTimeout, FailureTimeout},
		{sandbox.Status("bogus"), FailureInternal},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			f := newFixture(t)
			c := f.coordinator(t, func(context.Context, *workspace.Workspace, *sandbox.Language, string) (sandbox.Result, error) {
				return sandbox.Result{Output: "diagnostics", Status: tt.status}, nil
			})

			result := c.Execute(context.Background(), Request{Language: "java", Code: "int x = ;"})

			assert.False(t, result.Success)
			assert.Equal(t, tt.failure, result.Failure)
			assert.Equal(t, "diagnostics", result.Output)
			f.assertRootEmpty(t)
		})
	}
}

func TestExecuteRunnerErrors(t *testing.T) {
	t.Run("Spawn", func(t *testing.T) {
		f := newFixture(t)
		c := f.coordinator(t, func(context.Context, *workspace.Workspace, *sandbox.Language, string) (sandbox.Result, error) {
			return sandbox.Result{}, &sandbox.SpawnError{Command: "python3", Err: errors.New("not found")}
		})

		result := c.Execute(context.Background(), Request{Language: "python", Code: "print(1)"})

		assert.False(t, result.Success)
		assert.Equal(t, FailureSpawn, result.Failure)
		assert.Contains(t, result.Output, SpawnErrorOutput)
		assert.Contains(t, result.Detail, "python3")
		f.assertRootEmpty(t)
	})

	t.Run("Internal", func(t *testing.T) {
		f := newFixture(t)
		c := f.coordinator(t, func(context.Context, *workspace.Workspace, *sandbox.Language, string) (sandbox.Result, error) {
			return sandbox.Result{}, errors.New("broken pipe")
		})

		result := c.Execute(context.Background(), Request{Language: "python", Code: "print(1)"})

		assert.Equal(t, FailureInternal, result.Failure)
		assert.Equal(t, InternalErrorOutput, result.Output)
		f.assertRootEmpty(t)
	})

	t.Run("PanicReleasesWorkspace", func(t *testing.T) {
		f := newFixture(t)
		c := f.coordinator(t, func(_ context.Context, ws *workspace.Workspace, _ *sandbox.Language, _ string) (sandbox.Result, error) {
			_, err := ws.WriteFile("main.py", []byte("print(1)"))
			require.NoError(t, err)
			panic("runner exploded")
		})

		var result Result
		require.NotPanics(t, func() {
			result = c.Execute(context.Background(), Request{Language: "python", Code: "print(1)"})
		})

		assert.False(t, result.Success)
		assert.Equal(t, FailureInternal, result.Failure)
		assert.Equal(t, "runner exploded", result.Detail)
		assert.False(t, result.Timestamp.IsZero())
		f.assertRootEmpty(t)
	})

	t.Run("WorkspaceUnavailable", func(t *testing.T) {
		f := newFixture(t)
		c := NewCoordinator(zaptest.NewLogger(t), policy.NewFilter(), f.registry, failingWorkspaces{}, okRunner("x"))

		result := c.Execute(context.Background(), Request{Language: "python", Code: "print(1)"})

		assert.Equal(t, FailureInternal, result.Failure)
		assert.Contains(t, result.Detail, "no space left")
	})
}

func TestExecuteConcurrencyLimit(t *testing.T) {
	f := newFixture(t)

	var running, peak atomic.Int32
	c := f.coordinator(t, func(context.Context, *workspace.Workspace, *sandbox.Language, string) (sandbox.Result, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return sandbox.Result{Output: "ok", Success: true, Status: sandbox.StatusOK}, nil
	}, WithMaxConcurrent(2))

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := c.Execute(context.Background(), Request{Language: "python", Code: "print(1)"})
			assert.True(t, result.Success)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int32(8), f.calls.Load())
	f.assertRootEmpty(t)
}

func TestExecuteCanceledWhileWaitingForSlot(t *testing.T) {
	f := newFixture(t)

	started := make(chan struct{})
	unblock := make(chan struct{})
	c := f.coordinator(t, func(context.Context, *workspace.Workspace, *sandbox.Language, string) (sandbox.Result, error) {
		close(started)
		<-unblock
		return sandbox.Result{Output: "ok", Success: true, Status: sandbox.StatusOK}, nil
	}, WithMaxConcurrent(1))

	done := make(chan Result)
	go func() {
		done <- c.Execute(context.Background(), Request{Language: "python", Code: "print(1)"})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	result := c.Execute(ctx, Request{Language: "python", Code: "print(2)"})

	assert.Equal(t, FailureInternal, result.Failure)
	assert.Contains(t, result.Detail, "execution slot")

	close(unblock)
	assert.True(t, (<-done).Success)
	assert.Equal(t, int32(1), f.workspaces.acquired.Load())
	f.assertRootEmpty(t)
}

func TestResultWireFormat(t *testing.T) {
	result := Result{
		Output:    "hi",
		Success:   true,
		Language:  "python",
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Failure:   FailureNone,
		Detail:    "hidden",
		Duration:  time.Second,
	}

	data, err := json.Marshal(result)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(data, &wire))

	assert.Equal(t, map[string]any{
		"output":    "hi",
		"success":   true,
		"language":  "python",
		"timestamp": "2026-01-02T03:04:05Z",
	}, wire)
}

func TestNewExecutor(t *testing.T) {
	f := newFixture(t)
	cfg, err := config.Load(t.TempDir())
	require.NoError(t, err)

	logger := zaptest.NewLogger(t)
	backend := sandbox.NewLocalBackend(logger)
	runner := sandbox.NewRunnerFromConfig(cfg, logger, backend)

	executor := NewExecutor(cfg, logger, policy.NewFilter(), f.registry, f.workspaces.Manager, runner)
	require.NotNil(t, executor)

	result := executor.Execute(context.Background(), Request{Language: "cobol", Code: "DISPLAY 'HI'."})
	assert.Equal(t, FailureUnsupportedLanguage, result.Failure)
}
