//go:build linux

package sandbox

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const (
	orphanSweepRounds   = 50
	orphanSweepInterval = 10 * time.Millisecond
)

var subreaperOnce sync.Once

// enableSubreaper makes this process inherit every orphaned descendant of
// the commands it starts, including ones that left their process group
// with setsid.
func enableSubreaper() {
	subreaperOnce.Do(func() {
		_ = unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0)
	})
}

// sweepOrphans kills and reaps inherited orphans that belong to no running
// command. It returns once the finished group is empty and a sweep found
// nothing, or after a bounded number of rounds.
func (t *processTracker) sweepOrphans(finishedGroup int) {
	self := os.Getpid()

	for range orphanSweepRounds {
		found := t.killOrphans(self)

		groupGone := errors.Is(unix.Kill(-finishedGroup, 0), unix.ESRCH)
		if found == 0 && groupGone {
			return
		}
		time.Sleep(orphanSweepInterval)
	}
}

func (t *processTracker) killOrphans(self int) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries, err := os.ReadDir("/proc")
	if err != nil {
		return 0
	}

	found := 0
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}

		ppid, pgrp, ok := readParentAndGroup(pid)
		if !ok || ppid != self {
			continue
		}
		if _, running := t.active[pgrp]; running {
			continue
		}

		_ = unix.Kill(pid, unix.SIGKILL)
		var status unix.WaitStatus
		_, _ = unix.Wait4(pid, &status, 0, nil)
		found++
	}
	return found
}

// readParentAndGroup parses the ppid and pgrp fields of /proc/<pid>/stat.
func readParentAndGroup(pid int) (ppid, pgrp int, ok bool) {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0, 0, false
	}

	stat := string(data)
	end := strings.LastIndexByte(stat, ')')
	if end < 0 {
		return 0, 0, false
	}

	// state ppid pgrp ...
	fields := strings.Fields(stat[end+1:])
	if len(fields) < 3 {
		return 0, 0, false
	}

	ppid, err = strconv.Atoi(fields[1])
	if err != nil {
		return 0, 0, false
	}
	pgrp, err = strconv.Atoi(fields[2])
	if err != nil {
		return 0, 0, false
	}
	return ppid, pgrp, true
}
