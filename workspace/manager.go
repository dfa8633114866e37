package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isdmx/execbox/config"
	"github.com/isdmx/execbox/metrics"
)

const maxAcquireAttempts = 3

// ErrInvalidName is returned when a file name would escape the workspace.
var ErrInvalidName = errors.New("invalid workspace file name")

// Workspace is a uniquely named directory owned by a single execution.
type Workspace struct {
	ID        string
	Dir       string
	CreatedAt time.Time

	fs       FileSystem
	released atomic.Bool
}

// Path returns the absolute path of name inside the workspace.
func (w *Workspace) Path(name string) string {
	return filepath.Join(w.Dir, name)
}

// WriteFile writes data to a top-level file of the workspace and returns its path.
func (w *Workspace) WriteFile(name string, data []byte) (string, error) {
	if name == "" || name == "." || name == ".." || filepath.Base(name) != name {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	p := w.Path(name)
	if err := w.fs.WriteFile(p, data, FilePermission); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", name, err)
	}
	return p, nil
}

// Chmod changes the workspace directory mode.
func (w *Workspace) Chmod(perm fs.FileMode) error {
	return w.fs.Chmod(w.Dir, perm)
}

// Manager creates and removes workspaces under a fixed execution root.
type Manager struct {
	logger *zap.Logger
	root   string
	fs     FileSystem
	newID  func() string
	now    func() time.Time
	active atomic.Int64
}

// Option defines a functional option for Manager
type Option func(*Manager)

// WithFileSystem sets the FileSystem for Manager
func WithFileSystem(fs FileSystem) Option {
	return func(m *Manager) {
		m.fs = fs
	}
}

// WithIDGenerator replaces the UUID generator used to name workspaces.
func WithIDGenerator(newID func() string) Option {
	return func(m *Manager) {
		m.newID = newID
	}
}

// WithClock sets the time source used for workspace timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a Manager rooted at root.
func NewManager(logger *zap.Logger, root string, opts ...Option) *Manager {
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}

	m := &Manager{
		logger: logger,
		root:   filepath.Clean(root),
		fs:     RealFileSystem{},
		newID:  uuid.NewString,
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// NewFromConfig creates a Manager for sandbox.execution_root.
func NewFromConfig(cfg *config.Config, logger *zap.Logger) *Manager {
	return NewManager(logger.Named("workspace"), cfg.Sandbox.ExecutionRoot)
}

// Root returns the execution root.
func (m *Manager) Root() string {
	return m.root
}

// Active returns the number of acquired, not yet released workspaces.
func (m *Manager) Active() int {
	return int(m.active.Load())
}

// Acquire creates a fresh workspace directory.
func (m *Manager) Acquire(ctx context.Context) (*Workspace, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := m.fs.MkdirAll(m.root, RootPermission); err != nil {
		return nil, fmt.Errorf("failed to create execution root: %w", err)
	}

	var lastErr error
	for range maxAcquireAttempts {
		id := m.newID()
		dir := filepath.Join(m.root, id)

		err := m.fs.Mkdir(dir, DirPermission)
		if errors.Is(err, fs.ErrExist) {
			m.logger.Warn("workspace id collision", zap.String("workspace", id))
			lastErr = err
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create workspace: %w", err)
		}

		m.active.Add(1)
		metrics.WorkspacesActive.Inc()
		m.logger.Debug("workspace acquired", zap.String("workspace", id), zap.String("path", dir))

		return &Workspace{ID: id, Dir: dir, CreatedAt: m.now(), fs: m.fs}, nil
	}

	return nil, fmt.Errorf("failed to allocate a unique workspace after %d attempts: %w", maxAcquireAttempts, lastErr)
}

// Release removes the workspace and everything in it. It is safe to call
// more than once and never fails; removal errors are logged and counted.
func (m *Manager) Release(ws *Workspace) {
	if ws == nil {
		return
	}

	first := ws.released.CompareAndSwap(false, true)
	if first {
		m.active.Add(-1)
		metrics.WorkspacesActive.Dec()
	}

	if filepath.Dir(ws.Dir) != m.root {
		m.logger.Error("refusing to remove directory outside the execution root",
			zap.String("workspace", ws.ID), zap.String("path", ws.Dir), zap.String("root", m.root))
		metrics.WorkspaceCleanupFailuresTotal.Inc()
		return
	}

	if err := m.fs.RemoveAll(ws.Dir); err != nil {
		metrics.WorkspaceCleanupFailuresTotal.Inc()
		m.logger.Warn("failed to remove workspace",
			zap.String("workspace", ws.ID), zap.String("path", ws.Dir), zap.Error(err))
		return
	}

	if first {
		m.logger.Debug("workspace released",
			zap.String("workspace", ws.ID), zap.Duration("lifetime", m.now().Sub(ws.CreatedAt)))
	}
}

// PurgeStale removes workspace directories older than olderThan that were
// left behind by a previous process. Only UUID-named directories are
// touched.
func (m *Manager) PurgeStale(olderThan time.Duration) (int, error) {
	entries, err := m.fs.ReadDir(m.root)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to list execution root: %w", err)
	}

	cutoff := m.now().Add(-olderThan)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := uuid.Parse(entry.Name()); err != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}

		path := filepath.Join(m.root, entry.Name())
		if err := m.fs.RemoveAll(path); err != nil {
			metrics.WorkspaceCleanupFailuresTotal.Inc()
			m.logger.Warn("failed to purge stale workspace", zap.String("path", path), zap.Error(err))
			continue
		}
		removed++
	}

	if removed > 0 {
		m.logger.Info("purged stale workspaces", zap.Int("count", removed), zap.String("root", m.root))
	}
	return removed, nil
}
