package models

import (
	"strings"
	"time"
)

// State is the normalized lifecycle state of a remote generation job.
type State string

// Lifecycle states. NotFound is only ever produced by a probe; it is never
// stored against a job.
const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCanceled  State = "canceled"
	StateNotFound  State = "not_found"
)

// Terminal reports whether no further transition can follow s.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCanceled:
		return true
	}
	return false
}

// rank orders states along the forward-only state machine.
func (s State) rank() int {
	switch s {
	case StatePending:
		return 0
	case StateRunning:
		return 1
	case StateSucceeded, StateFailed, StateCanceled:
		return 2
	}
	return -1
}

// Regresses reports whether moving from prev to s would go backwards.
// NotFound can follow any state: the job may be deleted at any time.
func (s State) Regresses(prev State) bool {
	if prev == "" || s == StateNotFound {
		return false
	}
	return s.rank() < prev.rank()
}

// Status is one observation of a job, as returned by a probe.
type Status struct {
	State  State  `json:"status"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Job mirrors a provider-side job. It is never mutated locally, only replaced
// by a fresher observation.
type Job struct {
	ID          string     `json:"id"`
	Status      State      `json:"status"`
	Result      string     `json:"result,omitempty"`
	ErrorDetail string     `json:"error,omitempty"`
	ErrorKind   string     `json:"category,omitempty"`
	Environment string     `json:"environment,omitempty"`
	Style       string     `json:"style,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CleanedAt   *time.Time `json:"cleaned_at,omitempty"`
}

// PollSession tracks one bounded wait for a job to reach a terminal state. It
// belongs to a single poll loop invocation.
type PollSession struct {
	JobID       string
	Attempt     int
	MaxAttempts int
	Interval    time.Duration
	StartedAt   time.Time
	Last        State
	Observed    []State
}

// Observe records a probe result and returns the state the session now holds.
// A reported regression is ignored and the previous state is kept.
func (p *PollSession) Observe(s State) (State, bool) {
	if s.Regresses(p.Last) {
		return p.Last, false
	}
	p.Last = s
	p.Observed = append(p.Observed, s)
	return s, true
}

// Environment selects the scene the subject is placed into.
type Environment string

const (
	EnvironmentICU           Environment = "icu"
	EnvironmentOperatingRoom Environment = "operating-room"
	EnvironmentEmergency     Environment = "emergency"
	EnvironmentLaboratory    Environment = "laboratory"
)

// Environments lists every accepted environment selector.
var Environments = []Environment{
	EnvironmentICU,
	EnvironmentOperatingRoom,
	EnvironmentEmergency,
	EnvironmentLaboratory,
}

// ParseEnvironment returns the environment for a selector, if known.
func ParseEnvironment(v string) (Environment, bool) {
	v = strings.ToLower(strings.TrimSpace(v))
	for _, e := range Environments {
		if string(e) == v {
			return e, true
		}
	}
	return "", false
}

// Style selects the rendering style.
type Style string

const (
	StyleRealistic Style = "realistic"
	StyleCartoon   Style = "cartoon"
)

// ParseStyle accepts the canonical names plus the legacy localized alias.
func ParseStyle(v string) (Style, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "realistic", "gercekci", "gerçekçi":
		return StyleRealistic, true
	case "cartoon", "karikatur", "karikatür":
		return StyleCartoon, true
	}
	return "", false
}

// GenerationParams is the caller input for one submission.
type GenerationParams struct {
	Image       string `json:"image"`
	Environment string `json:"environment"`
	Style       string `json:"style"`
	Guidance    string `json:"guidance,omitempty"`
}
