package process

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/beacon-ops/gwfailover/internal/logger"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh/sleep on Unix-like systems")
	}
}

func waitUntil(timeout, step time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(step)
	}
	return cond()
}

func TestTryStartWritesPIDAndStatus(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	pidfile := filepath.Join(dir, "gw.pid")
	r := New(Spec{Name: "gw", Command: "sleep 5", PIDFile: pidfile})
	if err := r.TryStart(r.ConfigureCmd(nil)); err != nil {
		t.Fatalf("TryStart: %v", err)
	}
	defer func() { _, _ = r.Stop(time.Second) }()

	st := r.Snapshot()
	if !st.Running || st.PID <= 0 || st.Name != "gw" {
		t.Fatalf("status not set after start: %+v", st)
	}
	pid, err := ReadPIDFile(pidfile)
	if err != nil {
		t.Fatalf("ReadPIDFile: %v", err)
	}
	if pid != st.PID {
		t.Fatalf("pid mismatch: got %d want %d", pid, st.PID)
	}
	if !r.DetectAlive() {
		t.Fatalf("expected process alive")
	}
}

func TestTryStartReportsUnwritablePIDFile(t *testing.T) {
	requireUnix(t)
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(blocker, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	r := New(Spec{Name: "gw", Command: "sleep 5", PIDFile: filepath.Join(blocker, "gw.pid")})
	if err := r.TryStart(r.ConfigureCmd(nil)); err != nil {
		t.Fatalf("TryStart: %v", err)
	}
	defer func() { _, _ = r.Stop(time.Second) }()

	if r.PIDFileErr() == nil {
		t.Fatalf("expected pid file error")
	}
	if !r.DetectAlive() {
		t.Fatalf("process should run without its pid file")
	}
}

func TestStopTerminatesAndRemovesPIDFile(t *testing.T) {
	requireUnix(t)
	pidfile := filepath.Join(t.TempDir(), "gw.pid")
	r := New(Spec{Name: "gw", Command: "sleep 30", PIDFile: pidfile})
	if err := r.TryStart(r.ConfigureCmd(nil)); err != nil {
		t.Fatalf("TryStart: %v", err)
	}
	killed, err := r.Stop(2 * time.Second)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if killed {
		t.Fatalf("sleep should exit on SIGTERM without escalation")
	}
	if r.DetectAlive() {
		t.Fatalf("process still alive after Stop")
	}
	if _, err := os.Stat(pidfile); !os.IsNotExist(err) {
		t.Fatalf("pidfile not removed: %v", err)
	}
	st := r.Snapshot()
	if st.Running || st.StoppedAt.IsZero() {
		t.Fatalf("status not updated after stop: %+v", st)
	}
}

func TestStopEscalatesToKill(t *testing.T) {
	requireUnix(t)
	r := New(Spec{Name: "stubborn", Command: "sh -c 'trap \"\" TERM; while true; do sleep 0.1; done'"})
	if err := r.TryStart(r.ConfigureCmd(nil)); err != nil {
		t.Fatalf("TryStart: %v", err)
	}
	// let the shell install its trap
	time.Sleep(200 * time.Millisecond)

	start := time.Now()
	killed, err := r.Stop(300 * time.Millisecond)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !killed {
		t.Fatalf("expected SIGKILL escalation")
	}
	if time.Since(start) < 300*time.Millisecond {
		t.Fatalf("escalated before grace elapsed")
	}
	if !r.Snapshot().Killed {
		t.Fatalf("snapshot should record the kill")
	}
	if r.DetectAlive() {
		t.Fatalf("process alive after kill")
	}
}

func TestStopBeforeStartIsNoop(t *testing.T) {
	r := New(Spec{Name: "idle", Command: "sleep 1"})
	killed, err := r.Stop(time.Second)
	if err != nil || killed {
		t.Fatalf("unexpected stop result killed=%v err=%v", killed, err)
	}
	if r.DetectAlive() {
		t.Fatalf("never-started process reported alive")
	}
}

func TestEnforceStartDurationFail(t *testing.T) {
	requireUnix(t)
	p := New(Spec{Name: "test-fail", Command: "false"})
	if err := p.TryStart(p.ConfigureCmd(nil)); err != nil {
		t.Fatalf("TryStart should succeed: %v", err)
	}
	err := p.EnforceStartDuration(2 * time.Second)
	if err == nil {
		t.Fatalf("EnforceStartDuration should fail for quickly exiting process")
	}
	if !IsBeforeStartErr(err) {
		t.Fatalf("unexpected error type: %v", err)
	}
}

func TestEnforceStartDurationOK(t *testing.T) {
	requireUnix(t)
	p := New(Spec{Name: "test-ok", Command: "sleep 5"})
	if err := p.TryStart(p.ConfigureCmd(nil)); err != nil {
		t.Fatalf("TryStart: %v", err)
	}
	defer func() { _, _ = p.Stop(time.Second) }()
	if err := p.EnforceStartDuration(50 * time.Millisecond); err != nil {
		t.Fatalf("EnforceStartDuration: %v", err)
	}
	if err := p.EnforceStartDuration(0); err != nil {
		t.Fatalf("zero duration should pass: %v", err)
	}
}

func TestConfigureCmdAppliesEnvWorkdirLogging(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	work := filepath.Join(dir, "work")
	_ = os.MkdirAll(work, 0o755)
	logs := filepath.Join(dir, "logs")

	r := New(Spec{
		Name:    "gateway",
		Command: "sh -c 'echo out; echo err 1>&2'",
		WorkDir: work,
		Log:     logger.Config{File: logger.FileConfig{Dir: logs}},
	})
	cmd := r.ConfigureCmd([]string{"FOO=bar"})
	if cmd.Dir != work {
		t.Fatalf("workdir not applied: got %q want %q", cmd.Dir, work)
	}
	if len(cmd.Env) != 1 || cmd.Env[0] != "FOO=bar" {
		t.Fatalf("env not applied: got %#v", cmd.Env)
	}
	if cmd.SysProcAttr == nil || !cmd.SysProcAttr.Setpgid {
		t.Fatalf("SysProcAttr Setpgid not set")
	}
	if err := r.TryStart(cmd); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-r.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("process did not exit")
	}
	out, err := os.ReadFile(filepath.Join(logs, "gateway.stdout.log"))
	if err != nil || !strings.Contains(string(out), "out") {
		t.Fatalf("stdout log: %v %q", err, out)
	}
	errOut, err := os.ReadFile(filepath.Join(logs, "gateway.stderr.log"))
	if err != nil || !strings.Contains(string(errOut), "err") {
		t.Fatalf("stderr log: %v %q", err, errOut)
	}
}

func TestTryStartFailureForMissingBinary(t *testing.T) {
	r := New(Spec{Name: "missing", Command: "/nonexistent/sync_gateway"})
	if err := r.TryStart(r.ConfigureCmd(nil)); err == nil {
		t.Fatalf("expected start error")
	}
	if r.Done() != nil {
		t.Fatalf("done channel should not exist after failed start")
	}
}
