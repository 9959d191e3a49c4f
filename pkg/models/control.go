package models

import (
	"time"
)

type ControlStatus string

const (
	ControlRunning ControlStatus = "running"
	ControlPaused  ControlStatus = "paused"
	ControlStopped ControlStatus = "stopped"
)

type ControlAction string

const (
	ActionPause  ControlAction = "pause"
	ActionResume ControlAction = "resume"
	ActionStop   ControlAction = "stop"
)

// ControlState is the process-wide run state. It is written only by the
// supervisor; workers read a copy at the top of every cycle. Version
// increases on every transition. A transition to stopped is terminal for
// the process lifetime.
type ControlState struct {
	Status    ControlStatus `json:"status"`
	Version   uint64        `json:"version"`
	UpdatedAt time.Time     `json:"updated_at"`
}
