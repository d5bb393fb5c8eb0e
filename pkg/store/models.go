package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type QuotaLedgerModel struct {
	AccountID      string         `gorm:"primaryKey"`
	UploadsToday   int            `gorm:"not null"`
	QuestionsToday int            `gorm:"not null"`
	LastResetDate  datatypes.Date `gorm:"not null"`
	CreatedAt      time.Time      `gorm:"not null"`
	UpdatedAt      time.Time      `gorm:"not null"`
}

// DocumentSlotModel keys on account id so the table itself holds at most one
// document per account.
type DocumentSlotModel struct {
	AccountID  string                          `gorm:"primaryKey"`
	ID         string                          `gorm:"uniqueIndex;not null"`
	Filename   string                          `gorm:"not null"`
	Summary    string                          `gorm:"type:text;not null"`
	Content    string                          `gorm:"type:text;not null"`
	Embeddings datatypes.JSONType[[][]float32] `gorm:"type:jsonb;not null;default:'[]'"`
	StorageKey string
	SizeBytes  int64     `gorm:"not null"`
	UploadedAt time.Time `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null"`
}
