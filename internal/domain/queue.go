package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type QueueState string

const (
	QueuePending  QueueState = "pending"
	QueueReserved QueueState = "reserved"
	QueueDone     QueueState = "done"
	QueueDead     QueueState = "dead"
)

// QueueItem is one durable work entry. The payload is the orchestrator's
// restart blob; the queue never looks inside it.
type QueueItem struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	JobID         uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex" json:"job_id"`
	Kind          JobKind        `gorm:"column:kind;type:text;not null" json:"kind"`
	Priority      int            `gorm:"column:priority;not null;index" json:"priority"`
	Payload       datatypes.JSON `gorm:"column:payload" json:"payload"`
	State         QueueState     `gorm:"column:state;type:text;not null;index" json:"state"`
	Attempts      int            `gorm:"column:attempts;not null;default:0" json:"attempts"`
	MaxAttempts   int            `gorm:"column:max_attempts;not null" json:"max_attempts"`
	NextAttemptAt time.Time      `gorm:"column:next_attempt_at;not null;index" json:"next_attempt_at"`
	ReservedAt    *time.Time     `gorm:"column:reserved_at" json:"reserved_at,omitempty"`
	HeartbeatAt   *time.Time     `gorm:"column:heartbeat_at;index" json:"heartbeat_at,omitempty"`
	LastError     string         `gorm:"column:last_error" json:"last_error,omitempty"`
	CreatedAt     time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"not null" json:"updated_at"`
}

func (QueueItem) TableName() string { return "queue_items" }
