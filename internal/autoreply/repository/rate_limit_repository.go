package repository

import (
	"errors"
	"time"

	"mailpilot-backend/internal/autoreply/domain"

	"gorm.io/gorm"
)

// RateLimitRepository defines the interface for provider backoff persistence
type RateLimitRepository interface {
	GetActiveLimit(userID string) (*domain.RateLimitRecord, error)
	AddLimit(userID string, retryAfter time.Time, reason string) (*domain.RateLimitRecord, error)
	ClearLimits(userID string) error
}

// rateLimitRepository implements RateLimitRepository interface
type rateLimitRepository struct {
	db *gorm.DB
}

// NewRateLimitRepository creates a new instance of rateLimitRepository
func NewRateLimitRepository(db *gorm.DB) RateLimitRepository {
	return &rateLimitRepository{
		db: db,
	}
}

// GetActiveLimit returns the user's live backoff, or nil when none exists or
// the stored one has already expired.
func (r *rateLimitRepository) GetActiveLimit(userID string) (*domain.RateLimitRecord, error) {
	var record domain.RateLimitRecord
	err := r.db.
		Where("user_id = ? AND is_active = ? AND retry_after > ?", userID, true, time.Now()).
		Order("retry_after DESC").
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// AddLimit records a new backoff window, deactivating any previous ones in
// the same transaction so at most one record per user is ever active.
func (r *rateLimitRepository) AddLimit(userID string, retryAfter time.Time, reason string) (*domain.RateLimitRecord, error) {
	record := &domain.RateLimitRecord{
		UserID:     userID,
		RetryAfter: retryAfter,
		Reason:     reason,
		IsActive:   true,
	}

	err := r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&domain.RateLimitRecord{}).
			Where("user_id = ? AND is_active = ?", userID, true).
			Update("is_active", false).Error; err != nil {
			return err
		}
		return tx.Create(record).Error
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// ClearLimits deactivates every backoff for the user.
func (r *rateLimitRepository) ClearLimits(userID string) error {
	return r.db.Model(&domain.RateLimitRecord{}).
		Where("user_id = ? AND is_active = ?", userID, true).
		Update("is_active", false).Error
}
