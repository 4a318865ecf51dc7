package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusPaused    JobStatus = "paused"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

type JobKind string

const (
	KindAuto      JobKind = "auto"
	KindFile      JobKind = "file"
	KindHLS       JobKind = "hls"
	KindYoutube   JobKind = "youtube"
	KindTwitter   JobKind = "twitter"
	KindPinterest JobKind = "pinterest"
)

type JobStage string

const (
	StageQueue     JobStage = "queue"
	StageDownload  JobStage = "download"
	StageMerge     JobStage = "merge"
	StageTranscode JobStage = "transcode"
	StageFinalize  JobStage = "finalize"
	StageCompleted JobStage = "completed"
)

// Priority classes for the work queue. Higher runs first; ties break FIFO.
const (
	PriorityHigh   = 5
	PriorityNormal = 3
)

// Job is one submission: identity and options are immutable, progress-class
// fields are owned by the progress pipeline, status by the orchestrator.
type Job struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	URL          string         `gorm:"column:url;not null" json:"url"`
	Kind         JobKind        `gorm:"column:kind;type:text;not null;index" json:"kind"`
	Status       JobStatus      `gorm:"column:status;type:text;not null;index" json:"status"`
	Stage        JobStage       `gorm:"column:stage;type:text" json:"stage,omitempty"`
	Progress     float64        `gorm:"column:progress;not null;default:0" json:"progress"`
	Speed        string         `gorm:"column:speed" json:"speed,omitempty"`
	ETA          *int           `gorm:"column:eta" json:"eta,omitempty"`
	TotalBytes   *int64         `gorm:"column:total_bytes" json:"totalBytes,omitempty"`
	Filename     string         `gorm:"column:filename;index" json:"filename,omitempty"`
	OutputPath   string         `gorm:"column:output_path" json:"outputPath,omitempty"`
	ErrorCode    string         `gorm:"column:error_code" json:"errorCode,omitempty"`
	ErrorMessage string         `gorm:"column:error_message" json:"errorMessage,omitempty"`
	Options      datatypes.JSON `gorm:"column:options" json:"options,omitempty"`
	CreatedAt    time.Time      `gorm:"not null;index" json:"createdAt"`
	UpdatedAt    time.Time      `gorm:"not null" json:"updatedAt"`
}

func (Job) TableName() string { return "jobs" }

// IsTerminal reports whether s can only be left through an explicit Retry.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func (s JobStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusPaused, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func (k JobKind) Valid() bool {
	switch k {
	case KindAuto, KindFile, KindHLS, KindYoutube, KindTwitter, KindPinterest:
		return true
	}
	return false
}

// CanTransition encodes the job state machine. Progress events do not pass
// through here; they never change status.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case StatusQueued:
		return to == StatusRunning || to == StatusCancelled
	case StatusRunning:
		return to == StatusPaused || to == StatusCancelled || to == StatusCompleted || to == StatusFailed
	case StatusPaused:
		return to == StatusQueued || to == StatusCancelled
	case StatusFailed, StatusCancelled:
		// Only Retry leaves a terminal state, and it always re-enters queued.
		return to == StatusQueued
	case StatusCompleted:
		return false
	}
	return false
}

// PriorityFor maps a concrete kind to its queue priority class. Stream-style
// downloads (youtube, hls) preempt bulk fetches.
func PriorityFor(kind JobKind) int {
	switch kind {
	case KindYoutube, KindHLS:
		return PriorityHigh
	default:
		return PriorityNormal
	}
}
