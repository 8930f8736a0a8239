// Package state holds the mutable runtime record of each jail. Descriptors
// are read from disk by the config loader and never carry status; the
// records here are keyed by jail name and owned by whoever drives the jail
// lifecycle (the daemon, or a direct CLI invocation).
package state

import (
	"time"
)

// Status is a jail's lifecycle state.
type Status string

const (
	StatusStopped Status = "STOPPED"
	StatusRunning Status = "RUNNING"
	StatusError   Status = "ERROR"
)

// Valid reports whether s is one of the known states.
func (s Status) Valid() bool {
	switch s {
	case StatusStopped, StatusRunning, StatusError:
		return true
	}
	return false
}

// Record is the runtime state of one jail.
type Record struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	// Pid is the bootstrap child recorded by the last successful start.
	Pid int `json:"pid,omitempty"`
	// Stale is set when the descriptor disappeared on reload. A stale jail
	// can still be stopped but can no longer be started.
	Stale bool `json:"stale,omitempty"`

	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	// LastError is the failure that moved the jail to ERROR.
	LastError string `json:"lastError,omitempty"`
}

// NewRecord returns the initial record for a freshly loaded jail.
func NewRecord(name string) Record {
	return Record{Name: name, Status: StatusStopped}
}

// SetRunning records a successful start.
func (r *Record) SetRunning(pid int) {
	now := time.Now()
	r.Status = StatusRunning
	r.Pid = pid
	r.StartedAt = &now
	r.FinishedAt = nil
	r.LastError = ""
}

// SetStopped records a successful stop.
func (r *Record) SetStopped() {
	now := time.Now()
	r.Status = StatusStopped
	r.Pid = 0
	r.FinishedAt = &now
}

// SetError records a failed transition.
func (r *Record) SetError(err error) {
	now := time.Now()
	r.Status = StatusError
	r.Pid = 0
	r.FinishedAt = &now
	if err != nil {
		r.LastError = err.Error()
	}
}

// IsRunning reports whether the record is in the RUNNING state.
func (r Record) IsRunning() bool {
	return r.Status == StatusRunning
}
