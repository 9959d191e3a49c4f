package engine

import (
	"sync"
	"time"

	"github.com/gregtusar/fleet/pkg/models"
)

// controlBoard holds the process-wide control state. Each transition bumps
// the version and closes the current broadcast channel so sleeping workers
// wake immediately instead of waiting out their interval.
type controlBoard struct {
	mu    sync.Mutex
	state models.ControlState
	wake  chan struct{}
}

func newControlBoard() *controlBoard {
	return &controlBoard{
		state: models.ControlState{
			Status:    models.ControlRunning,
			Version:   1,
			UpdatedAt: time.Now().UTC(),
		},
		wake: make(chan struct{}),
	}
}

// Snapshot returns the current state and a channel that is closed on the
// next transition.
func (c *controlBoard) Snapshot() (models.ControlState, <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.wake
}

// Apply performs a control transition. Stopped is terminal: once reached,
// every further action is ignored.
func (c *controlBoard) Apply(action models.ControlAction) models.ControlState {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Status == models.ControlStopped {
		return c.state
	}

	var next models.ControlStatus
	switch action {
	case models.ActionPause:
		next = models.ControlPaused
	case models.ActionResume:
		next = models.ControlRunning
	case models.ActionStop:
		next = models.ControlStopped
	default:
		return c.state
	}
	if next == c.state.Status {
		return c.state
	}

	c.state = models.ControlState{
		Status:    next,
		Version:   c.state.Version + 1,
		UpdatedAt: time.Now().UTC(),
	}
	close(c.wake)
	c.wake = make(chan struct{})
	return c.state
}
