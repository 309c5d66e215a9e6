package storage

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ProjectRecord is the persisted aggregate root. Escrow fields live on the
// project row so the version column guards the whole aggregate.
type ProjectRecord struct {
	ID             uuid.UUID  `gorm:"type:uuid;primaryKey"`
	ClientID       uuid.UUID  `gorm:"type:uuid;index"`
	FreelancerID   *uuid.UUID `gorm:"type:uuid;index"`
	Status         string     `gorm:"size:32;index"`
	ContractRef    string     `gorm:"size:128;index"`
	TotalAmount    string     `gorm:"size:78"`
	ReleasedAmount string     `gorm:"size:78"`
	EscrowStatus   string     `gorm:"size:32;index"`
	Version        uint64     `gorm:"not null"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Milestones     []MilestoneRecord `gorm:"foreignKey:ProjectID"`
}

// MilestoneRecord is a child row of the project aggregate, keyed by the
// stable on-chain milestone index.
type MilestoneRecord struct {
	ProjectID   uuid.UUID `gorm:"type:uuid;primaryKey"`
	Idx         int       `gorm:"primaryKey;autoIncrement:false"`
	Title       string    `gorm:"size:255"`
	Description string    `gorm:"type:text"`
	Amount      string    `gorm:"size:78"`
	Status      string    `gorm:"size:32;index"`
	Deliverable string    `gorm:"size:512"`
}

// IdempotencyKey stores request idempotency metadata for the HTTP surface.
type IdempotencyKey struct {
	Key       string `gorm:"primaryKey;size:128"`
	RequestID string `gorm:"size:64"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// AutoMigrate performs the schema migrations owned by this package.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&ProjectRecord{},
		&MilestoneRecord{},
		&IdempotencyKey{},
	)
}
