package process

import (
	"strings"
	"testing"
)

func TestWithConfigReplacesPlaceholder(t *testing.T) {
	s := Spec{Name: "gw", Command: "/opt/sg/bin/sync_gateway {config}"}
	got := s.WithConfig("/etc/sg/config.json").Command
	if got != "/opt/sg/bin/sync_gateway /etc/sg/config.json" {
		t.Fatalf("unexpected command %q", got)
	}
	if s.Command != "/opt/sg/bin/sync_gateway {config}" {
		t.Fatalf("receiver mutated: %q", s.Command)
	}
}

func TestWithConfigAppendsWithoutPlaceholder(t *testing.T) {
	s := Spec{Name: "gw", Command: "sync_gateway  "}
	if got := s.WithConfig("/tmp/c.json").Command; got != "sync_gateway /tmp/c.json" {
		t.Fatalf("unexpected command %q", got)
	}
	if got := s.WithConfig("").Command; got != s.Command {
		t.Fatalf("empty path should leave command untouched, got %q", got)
	}
}

// An explicit "sh -c" prefix must not be wrapped in another shell.
func TestBuildCommand_ExplicitShellNoDoubleWrap(t *testing.T) {
	requireUnix(t)
	cmd := Spec{Name: "x", Command: "sh -c 'echo hi'"}.BuildCommand()
	if len(cmd.Args) != 3 || cmd.Args[1] != "-c" {
		t.Fatalf("unexpected argv: %#v", cmd.Args)
	}
	if strings.HasPrefix(cmd.Args[2], "sh -c ") || cmd.Args[2] != "echo hi" {
		t.Fatalf("command was double-wrapped: %q", cmd.Args[2])
	}
}

func TestBuildCommand_MetacharTriggersShell(t *testing.T) {
	requireUnix(t)
	cmd := Spec{Name: "y", Command: "echo hi | wc -c"}.BuildCommand()
	if len(cmd.Args) < 3 || cmd.Args[1] != "-c" {
		t.Fatalf("expected shell -c wrapping, got argv=%#v", cmd.Args)
	}
}

func TestBuildCommand_PlainArgv(t *testing.T) {
	cmd := Spec{Name: "z", Command: "sync_gateway /etc/sg.json"}.BuildCommand()
	if len(cmd.Args) != 2 || cmd.Args[1] != "/etc/sg.json" {
		t.Fatalf("unexpected argv: %#v", cmd.Args)
	}
}

func TestSpec_Validate(t *testing.T) {
	tests := []struct {
		name    string
		spec    Spec
		wantErr bool
	}{
		{"valid", Spec{Name: "gw", Command: "sync_gateway"}, false},
		{"missing name", Spec{Command: "sync_gateway"}, true},
		{"missing command", Spec{Name: "gw", Command: "  "}, true},
		{"negative start duration", Spec{Name: "gw", Command: "x", StartDuration: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() err=%v wantErr=%v", err, tt.wantErr)
			}
		})
	}
}

func TestStateLive(t *testing.T) {
	if StateStopped.Live() {
		t.Fatalf("stopped must not be live")
	}
	for _, s := range []State{StateStarting, StateRunning, StateStopping} {
		if !s.Live() {
			t.Fatalf("%s should be live", s)
		}
	}
	if State(42).String() != "unknown" {
		t.Fatalf("unexpected string for unknown state")
	}
}
