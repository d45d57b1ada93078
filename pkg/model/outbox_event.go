package model

import (
	"time"

	"github.com/google/uuid"
)

const (
	OutboxStatusPending   = "pending"
	OutboxStatusPublished = "published"
	OutboxStatusFailed    = "failed"
)

// OutboxEvent is the durable copy of an event that must reach the bus. It is written in the
// same transaction as the application row it describes.
type OutboxEvent struct {
	EventID       uuid.UUID `gorm:"type:uuid;primaryKey"`
	ApplicationID uuid.UUID `gorm:"type:uuid;not null;index"`
	Topic         string    `gorm:"not null"`
	EventType     string    `gorm:"not null"`
	Payload       JSONB     `gorm:"type:jsonb;not null"`
	Status        string    `gorm:"not null;default:'pending';index"`
	Attempts      int       `gorm:"not null;default:0"`
	CreatedAt     time.Time `gorm:"not null;index"`
	PublishedAt   *time.Time
}

func (OutboxEvent) TableName() string {
	return "application_outbox"
}
