package sandbox

import (
	"os/exec"
	"sync"
)

// processTracker records the process groups of running commands so orphan
// sweeps never touch a command that is still in flight.
type processTracker struct {
	mu     sync.Mutex
	active map[int]struct{}
}

var processes = &processTracker{active: make(map[int]struct{})}

// start starts cmd and registers its process group under the same lock the
// sweep holds, so a fresh child is never mistaken for an orphan.
func (t *processTracker) start(cmd *exec.Cmd) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := cmd.Start(); err != nil {
		return err
	}
	t.active[cmd.Process.Pid] = struct{}{}
	return nil
}

// finish forgets the group led by pid and sweeps whatever it orphaned.
func (t *processTracker) finish(pid int) {
	t.mu.Lock()
	delete(t.active, pid)
	t.mu.Unlock()

	t.sweepOrphans(pid)
}
