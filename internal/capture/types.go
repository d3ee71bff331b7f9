package capture

import (
	"fmt"
	"strings"
	"time"
)

// Position identifies which physical camera a session binds
type Position string

const (
	Front Position = "front"
	Back  Position = "back"
)

// ParsePosition converts "front" or "back" (any case) into a Position
func ParsePosition(s string) (Position, error) {
	switch Position(strings.ToLower(strings.TrimSpace(s))) {
	case Front:
		return Front, nil
	case Back:
		return Back, nil
	}
	return "", fmt.Errorf("invalid camera position %q (valid: front, back)", s)
}

// SessionState represents the lifecycle state of the capture session
type SessionState string

const (
	StateUnconfigured SessionState = "UNCONFIGURED"
	StateConfiguring  SessionState = "CONFIGURING"
	StateRunning      SessionState = "RUNNING"
	StateStopping     SessionState = "STOPPING"
)

// JobStatus is the status of a RecordingJob
type JobStatus string

const (
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
)

// RecordingHandle identifies one recording and correlates it with its completion signal
type RecordingHandle struct {
	ID          string    `json:"id"`
	Destination string    `json:"destination"`
	Position    Position  `json:"position"`
	StartedAt   time.Time `json:"started_at"`
}

// Outcome is the terminal result of a recording, delivered once per job
type Outcome struct {
	Handle     RecordingHandle `json:"handle"`
	Path       string          `json:"path,omitempty"`
	Err        error           `json:"-"`
	FinishedAt time.Time       `json:"finished_at"`
}

// OK reports whether the recording finished writing successfully
func (o Outcome) OK() bool {
	return o.Err == nil
}

// recordingJob is the single in-flight write owned by the Controller
type recordingJob struct {
	handle RecordingHandle
	ticket Ticket
	status JobStatus
}

// State is a point-in-time view of the core published to observers
type State struct {
	IsRecording     bool             `json:"is_recording"`
	Session         SessionState     `json:"session"`
	Input           *Position        `json:"input,omitempty"`
	Recording       *RecordingHandle `json:"recording,omitempty"`
	SequenceRunning bool             `json:"sequence_running"`
	LastOutcome     *Outcome         `json:"last_outcome,omitempty"`
	LastOutcomeErr  string           `json:"last_outcome_error,omitempty"`
}
