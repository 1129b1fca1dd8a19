package process

import "time"

// State is the lifecycle state of a managed process.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Live reports whether the state counts as a live instance.
func (s State) Live() bool { return s != StateStopped }

// Status is a point-in-time view of the managed process.
type Status struct {
	Name       string    `json:"name"`
	Running    bool      `json:"running"`
	PID        int       `json:"pid"`
	ConfigPath string    `json:"config_path,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	StoppedAt  time.Time `json:"stopped_at"`
	ExitErr    error     `json:"-"`
	ExitReason string    `json:"exit_reason,omitempty"`
	Killed     bool      `json:"killed,omitempty"` // last stop escalated to SIGKILL
	State      string    `json:"state"`            // stopped, starting, running, stopping
}
