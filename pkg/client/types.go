package client

import "time"

// ProbeResult mirrors the last probe reported by the orchestrator.
type ProbeResult struct {
	Candidate struct {
		Host     string `json:"host"`
		ProbeURL string `json:"probe_url"`
	} `json:"candidate"`
	Healthy    bool          `json:"healthy"`
	StatusCode int           `json:"status_code,omitempty"`
	Error      string        `json:"error,omitempty"`
	CheckedAt  time.Time     `json:"checked_at"`
	Latency    time.Duration `json:"latency"`
}

// GatewayStatus is the supervised gateway as seen by the orchestrator.
type GatewayStatus struct {
	PID        int       `json:"pid"`
	State      string    `json:"state"`
	Running    bool      `json:"running"`
	StartedAt  time.Time `json:"started_at"`
	ExitReason string    `json:"exit_reason,omitempty"`
}

// Status is the body of GET /status.
type Status struct {
	State      string        `json:"state"`
	Active     string        `json:"active"`
	ConnString string        `json:"conn_string,omitempty"`
	Generation uint64        `json:"generation"`
	LastProbe  *ProbeResult  `json:"last_probe,omitempty"`
	ConfigPath string        `json:"config_path,omitempty"`
	RenderedAt time.Time     `json:"rendered_at"`
	Gateway    GatewayStatus `json:"gateway"`
	Since      time.Time     `json:"since"`
}

// Health is the body of GET /healthz.
type Health struct {
	State   string `json:"state"`
	Healthy bool   `json:"-"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
