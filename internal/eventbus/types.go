package eventbus

import (
	"time"

	"github.com/peace-maker/anthill/internal/types"
)

// EventType identifies an event flowing through the bus.
type EventType string

const (
	// EventFlagCaptured fires when a capture creates a new flag record.
	EventFlagCaptured EventType = "FlagCaptured"
	// EventFlagStateChanged fires on every state transition.
	EventFlagStateChanged EventType = "FlagStateChanged"
	// EventFlagAbandoned fires when a flag ends in final Error.
	EventFlagAbandoned EventType = "FlagAbandoned"
)

// Event represents a single flag lifecycle event.
type Event struct {
	Type EventType   `json:"type"`
	At   time.Time   `json:"at"`
	Flag string      `json:"flag"`
	From types.State `json:"from,omitempty"`
	To   types.State `json:"to,omitempty"`

	RetryCount   int    `json:"retry_count,omitempty"`
	TargetTeamID int    `json:"target_team_id,omitempty"`
	RunID        string `json:"run_id,omitempty"`
	Reason       string `json:"reason,omitempty"`
}
