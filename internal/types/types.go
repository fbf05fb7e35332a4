// Package types defines core data structures for the anthill flag engine.
package types

import (
	"fmt"
	"strings"
	"time"
)

// Flag is the single record kept per distinct normalized flag value.
type Flag struct {
	Value                 string     `json:"value"`
	FirstSeen             time.Time  `json:"first_seen"`
	LastSubmissionAttempt *time.Time `json:"last_submission_attempt,omitempty"`
	State                 State      `json:"state"`
	RetryCount            int        `json:"retry_count"`
}

// Validate checks if the flag has valid field values
func (f *Flag) Validate() error {
	if f.Value == "" {
		return fmt.Errorf("flag value is required")
	}
	if f.FirstSeen.IsZero() {
		return fmt.Errorf("first_seen is required")
	}
	if !f.State.IsValid() {
		return fmt.Errorf("invalid state: %s", f.State)
	}
	if f.RetryCount < 0 {
		return fmt.Errorf("retry_count must be non-negative (got %d)", f.RetryCount)
	}
	return nil
}

// Deadline is the instant after which the flag no longer scores.
func (f *Flag) Deadline(window time.Duration) time.Time {
	return f.FirstSeen.Add(window)
}

// RetryEligible reports whether the flag may still be handed to the
// submission endpoint under the given retry limit.
func (f *Flag) RetryEligible(maxRetries int) bool {
	switch f.State {
	case StatePending:
		return true
	case StateError:
		return f.RetryCount <= maxRetries
	}
	return false
}

// State is the lifecycle state of a Flag.
type State string

// Flag state constants
const (
	StatePending          State = "pending"
	StateValid            State = "valid"
	StateAlreadySubmitted State = "already_submitted"
	StateInvalid          State = "invalid"
	StateExpired          State = "expired"
	StateOwn              State = "own"
	StateNOPTeam          State = "nop_team"
	StateError            State = "error"
)

// AllStates lists every state in display order.
var AllStates = []State{
	StatePending,
	StateValid,
	StateAlreadySubmitted,
	StateInvalid,
	StateExpired,
	StateOwn,
	StateNOPTeam,
	StateError,
}

// IsValid checks if the state value is valid
func (s State) IsValid() bool {
	switch s {
	case StatePending, StateValid, StateAlreadySubmitted, StateInvalid,
		StateExpired, StateOwn, StateNOPTeam, StateError:
		return true
	}
	return false
}

// IsTerminal reports whether no transition may leave s. Error is not
// terminal here; whether an Error flag is finished depends on its retry count.
func (s State) IsTerminal() bool {
	return s != StatePending && s != StateError && s.IsValid()
}

// ParseState parses a state name case-insensitively.
func ParseState(s string) (State, error) {
	st := State(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("unknown flag state %q", s)
	}
	return st, nil
}

// Verdict is the outcome of one submission attempt for one flag.
type Verdict string

// Verdict constants
const (
	VerdictValid            Verdict = "valid"
	VerdictAlreadySubmitted Verdict = "already_submitted"
	VerdictInvalid          Verdict = "invalid"
	VerdictExpired          Verdict = "expired"
	VerdictOwn              Verdict = "own"
	VerdictNOPTeam          Verdict = "nop_team"
	VerdictError            Verdict = "error"
)

// IsValid checks if the verdict value is valid
func (v Verdict) IsValid() bool {
	switch v {
	case VerdictValid, VerdictAlreadySubmitted, VerdictInvalid, VerdictExpired,
		VerdictOwn, VerdictNOPTeam, VerdictError:
		return true
	}
	return false
}

// State maps a verdict onto the flag state it leads to.
func (v Verdict) State() State {
	switch v {
	case VerdictValid:
		return StateValid
	case VerdictAlreadySubmitted:
		return StateAlreadySubmitted
	case VerdictInvalid:
		return StateInvalid
	case VerdictExpired:
		return StateExpired
	case VerdictOwn:
		return StateOwn
	case VerdictNOPTeam:
		return StateNOPTeam
	}
	return StateError
}

// Occurrence is one observation of a flag by one exploit run.
// FlagValue is a key into the flag store, not an owning reference.
type Occurrence struct {
	ID             string    `json:"id"`
	FlagValue      string    `json:"flag"`
	CollectionTime time.Time `json:"collection_time"`
	RunID          string    `json:"run_id"`
	TargetTeamID   int       `json:"target_team_id"`
	ExploitID      string    `json:"exploit_id,omitempty"`
}

// Capture is what an exploit runner hands to the engine: a raw flag string
// plus provenance.
type Capture struct {
	Flag           string    `json:"flag"`
	RunID          string    `json:"run_id"`
	TargetTeamID   int       `json:"target_team_id"`
	ExploitID      string    `json:"exploit_id,omitempty"`
	CollectionTime time.Time `json:"collection_time"`
}

// Statistics provides aggregate flag counts
type Statistics struct {
	TotalFlags       int           `json:"total_flags"`
	TotalOccurrences int           `json:"total_occurrences"`
	ByState          map[State]int `json:"by_state"`
	Scored           int           `json:"scored"`
	Abandoned        int           `json:"abandoned"`
}

// FlagFilter narrows flag queries
type FlagFilter struct {
	State *State
	Limit int
}
