package domain

import (
	"time"

	"github.com/google/uuid"
)

// Event types carried on the bus. Payload shapes are fixed per type.
const (
	EventProgress  = "progress"
	EventLog       = "log"
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventJobUpdate = "job-update"
)

// RoomForJob derives the fanout key every subscriber of a job joins.
func RoomForJob(id uuid.UUID) string { return "job:" + id.String() }

// Event is the bus envelope. Payload holds one of the *Event structs below.
type Event struct {
	Type    string      `json:"type"`
	Room    string      `json:"room,omitempty"`
	Payload interface{} `json:"payload"`
	At      time.Time   `json:"at"`
}

type ProgressEvent struct {
	JobID      uuid.UUID `json:"jobId"`
	Stage      JobStage  `json:"stage"`
	Progress   float64   `json:"progress"`
	Speed      string    `json:"speed,omitempty"`
	ETA        *int      `json:"eta,omitempty"`
	TotalBytes *int64    `json:"totalBytes,omitempty"`
}

type LogEvent struct {
	JobID     uuid.UUID `json:"jobId"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

type CompletedEvent struct {
	JobID      uuid.UUID `json:"jobId"`
	Filename   string    `json:"filename"`
	Size       int64     `json:"size"`
	OutputPath string    `json:"outputPath"`
}

type FailedEvent struct {
	JobID     uuid.UUID `json:"jobId"`
	ErrorCode ErrorCode `json:"errorCode"`
	Message   string    `json:"message"`
}

type JobUpdateEvent struct {
	JobID    uuid.UUID `json:"jobId"`
	Status   JobStatus `json:"status,omitempty"`
	Stage    JobStage  `json:"stage,omitempty"`
	Progress *float64  `json:"progress,omitempty"`
}
