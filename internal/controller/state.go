package controller

import (
	"time"

	"github.com/beacon-ops/gwfailover/internal/registry"
)

// State is the controller's position in the failover state machine.
type State int32

const (
	StateInitializing State = iota
	StateRunning
	StateFailingOver
	StateAllDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "INITIALIZING"
	case StateRunning:
		return "RUNNING"
	case StateFailingOver:
		return "FAILING_OVER"
	case StateAllDown:
		return "ALL_DOWN"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Assignment records which candidate the gateway is configured for.
// Generation increments each time the active candidate changes.
type Assignment struct {
	Current    registry.Candidate `json:"current"`
	Generation uint64             `json:"generation"`
}

// Ticker drives the poll loop. Tests substitute a manual implementation.
type Ticker interface {
	Chan() <-chan time.Time
	Stop()
}

type timeTicker struct{ t *time.Ticker }

func (t timeTicker) Chan() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()                  { t.t.Stop() }

// NewTimeTicker adapts time.Ticker.
func NewTimeTicker(d time.Duration) Ticker { return timeTicker{t: time.NewTicker(d)} }
