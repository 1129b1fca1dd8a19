package process

import (
	"bytes"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// killReapTimeout bounds how long Stop waits for the reaper after SIGKILL.
const killReapTimeout = 5 * time.Second

// Process wraps one run of an external command. A Process is single-use per
// run: TryStart spawns the command and a reaper goroutine that owns
// cmd.Wait; Stop and Kill only signal and then wait on the reaper.
type Process struct {
	mu        sync.Mutex
	spec      Spec
	cmd       *exec.Cmd
	status    Status
	outCloser io.WriteCloser
	errCloser io.WriteCloser
	waitDone  chan struct{} // closed by the reaper when cmd.Wait returns
	pidErr    error
}

func New(spec Spec) *Process { return &Process{spec: spec} }

// Spec returns a copy of the spec.
func (r *Process) Spec() Spec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.spec
}

// ConfigureCmd builds and configures *exec.Cmd for this process using mergedEnv.
// It sets workdir, environment, stdio/logging, and process group attributes.
func (r *Process) ConfigureCmd(mergedEnv []string) *exec.Cmd {
	r.mu.Lock()
	spec := r.spec
	r.mu.Unlock()

	cmd := spec.BuildCommand()
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if len(mergedEnv) > 0 {
		cmd.Env = mergedEnv
	}
	configureSysProcAttr(cmd)

	if spec.Log.File.Dir != "" {
		_ = os.MkdirAll(spec.Log.File.Dir, 0o750)
	}
	outW, errW, _ := spec.Log.ProcessWriters(spec.Name)
	r.mu.Lock()
	r.outCloser, r.errCloser = outW, errW
	r.mu.Unlock()
	// nil stdio is connected to the null device by os/exec
	if outW != nil {
		cmd.Stdout = outW
	}
	if errW != nil {
		cmd.Stderr = errW
	}
	return cmd
}

// TryStart starts the command, records status, writes the PID file and
// launches the reaper.
func (r *Process) TryStart(cmd *exec.Cmd) error {
	if err := cmd.Start(); err != nil {
		r.CloseWriters()
		return err
	}
	done := make(chan struct{})
	r.mu.Lock()
	r.cmd = cmd
	r.waitDone = done
	r.status = Status{
		Name:      r.spec.Name,
		Running:   true,
		PID:       cmd.Process.Pid,
		StartedAt: time.Now(),
	}
	pidFile := r.spec.PIDFile
	r.mu.Unlock()

	pidErr := WritePIDFile(pidFile, cmd.Process.Pid)
	r.mu.Lock()
	r.pidErr = pidErr
	r.mu.Unlock()

	go r.reap(cmd, done)
	return nil
}

// PIDFileErr returns the error from writing the PID file on the last start.
// The process keeps running when the write fails.
func (r *Process) PIDFileErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pidErr
}

func (r *Process) reap(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()
	r.mu.Lock()
	r.status.Running = false
	r.status.StoppedAt = time.Now()
	r.status.ExitErr = err
	if err != nil {
		r.status.ExitReason = err.Error()
	}
	r.mu.Unlock()
	r.CloseWriters()
	close(done)
}

// Done returns a channel closed when the current run has exited. It is nil
// before the first start.
func (r *Process) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waitDone
}

func (r *Process) CloseWriters() {
	r.mu.Lock()
	out, errW := r.outCloser, r.errCloser
	r.outCloser, r.errCloser = nil, nil
	r.mu.Unlock()
	if out != nil {
		_ = out.Close()
	}
	if errW != nil {
		_ = errW.Close()
	}
}

// Snapshot returns a copy of the current status.
func (r *Process) Snapshot() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// DetectAlive reports whether the current run is still alive. The reaper is
// authoritative; the OS is consulted only while it has not fired yet, so a
// zombie awaiting reap counts as dead.
func (r *Process) DetectAlive() bool {
	r.mu.Lock()
	cmd := r.cmd
	done := r.waitDone
	r.mu.Unlock()
	if cmd == nil || cmd.Process == nil || done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
	}
	pid := cmd.Process.Pid
	if runtime.GOOS == "linux" && isZombieLinux(pid) {
		return false
	}
	ok, err := gopsproc.PidExists(int32(pid))
	if err != nil {
		// fall back on the reaper's view
		return true
	}
	return ok
}

// isZombieLinux returns true if /proc/<pid>/status reports a zombie state (Z) on Linux.
func isZombieLinux(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}

// EnforceStartDuration waits d and fails if the process exits in the meantime.
func (r *Process) EnforceStartDuration(d time.Duration) error {
	if d <= 0 {
		return nil
	}
	done := r.Done()
	if done == nil {
		return errBeforeStart(d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return errBeforeStart(d)
	case <-t.C:
		return nil
	}
}

// Stop sends SIGTERM to the process group and waits up to wait for the exit.
// If the process is still alive it is killed. Stop returns only once the
// reaper has observed the exit, or ErrNotReaped if even SIGKILL did not
// produce one in time. killed reports whether escalation happened.
func (r *Process) Stop(wait time.Duration) (killed bool, err error) {
	r.mu.Lock()
	cmd := r.cmd
	done := r.waitDone
	pidFile := r.spec.PIDFile
	r.mu.Unlock()
	if cmd == nil || cmd.Process == nil || done == nil {
		return false, nil
	}
	defer RemovePIDFile(pidFile)

	select {
	case <-done:
		return false, nil
	default:
	}

	pid := cmd.Process.Pid
	_ = terminateGroup(pid)

	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-done:
		return false, nil
	case <-t.C:
	}

	killed = true
	_ = killGroup(pid)
	r.mu.Lock()
	r.status.Killed = true
	r.mu.Unlock()
	select {
	case <-done:
		return killed, nil
	case <-time.After(killReapTimeout):
		return killed, ErrNotReaped
	}
}

// Kill sends SIGKILL to the process group and waits for the reaper.
func (r *Process) Kill() error {
	_, err := r.Stop(0)
	return err
}
