package process

import (
	"fmt"
	"os"
	"runtime"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

const pidPollInterval = 50 * time.Millisecond

// PIDAlive reports whether pid names a live process. Zombies count as dead.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if runtime.GOOS == "linux" && isZombieLinux(pid) {
		return false
	}
	ok, err := gopsproc.PidExists(int32(pid))
	return err == nil && ok
}

// StopPID stops a process this orchestrator did not spawn, so it cannot be
// waited on: it signals the group, polls for up to wait, then kills. killed
// reports whether escalation happened. Init and the calling process are
// never signalled.
func StopPID(pid int, wait time.Duration) (killed bool, err error) {
	if pid == 1 || pid == os.Getpid() {
		return false, fmt.Errorf("%w %d", ErrRefusedPID, pid)
	}
	if !PIDAlive(pid) {
		return false, nil
	}
	_ = terminateGroup(pid)
	if waitGone(pid, wait) {
		return false, nil
	}
	_ = killGroup(pid)
	if waitGone(pid, killReapTimeout) {
		return true, nil
	}
	return true, ErrNotReaped
}

func waitGone(pid int, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		if !PIDAlive(pid) {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(pidPollInterval)
	}
}
