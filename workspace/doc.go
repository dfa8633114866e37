// Package workspace manages the per-request directories that hold submitted
// source and build artifacts.
//
// Every execution gets its own directory under a shared execution root,
// named by a random UUID so concurrent requests never collide. The
// directory is owned by exactly one request and is removed when that
// request finishes, whatever the outcome.
//
// Usage:
//
//	mgr := workspace.NewManager(logger, "/var/lib/execbox")
//	ws, err := mgr.Acquire(ctx)
//	if err != nil {
//	    return err
//	}
//	defer mgr.Release(ws)
package workspace
