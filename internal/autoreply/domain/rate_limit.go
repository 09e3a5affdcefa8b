package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RateLimitRecord stores a provider-imposed send backoff for one user.
// Only one record per user may be active at a time.
type RateLimitRecord struct {
	ID         string    `json:"id" gorm:"type:uuid;primaryKey"`
	UserID     string    `json:"user_id" gorm:"type:uuid;not null;index"`
	RetryAfter time.Time `json:"retry_after" gorm:"not null"`
	Reason     string    `json:"reason"`
	IsActive   bool      `json:"is_active" gorm:"not null;default:true;index"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (r *RateLimitRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return nil
}

func (RateLimitRecord) TableName() string {
	return "gmail_rate_limits"
}

// Expired reports whether the backoff window has passed.
func (r *RateLimitRecord) Expired(now time.Time) bool {
	return !r.RetryAfter.After(now)
}
