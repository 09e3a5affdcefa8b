package repository

import (
	"errors"
	"time"

	"mailpilot-backend/internal/autoreply/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// HistoryCursorRepository defines the interface for change-log cursor persistence
type HistoryCursorRepository interface {
	Get(userID string) (*domain.HistoryCursor, error)
	Save(userID, position string) error
}

// historyCursorRepository implements HistoryCursorRepository interface
type historyCursorRepository struct {
	db *gorm.DB
}

// NewHistoryCursorRepository creates a new instance of historyCursorRepository
func NewHistoryCursorRepository(db *gorm.DB) HistoryCursorRepository {
	return &historyCursorRepository{
		db: db,
	}
}

func (r *historyCursorRepository) Get(userID string) (*domain.HistoryCursor, error) {
	var cursor domain.HistoryCursor
	err := r.db.Where("user_id = ?", userID).First(&cursor).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &cursor, nil
}

// Save upserts the cursor position for the user
func (r *historyCursorRepository) Save(userID, position string) error {
	cursor := &domain.HistoryCursor{
		UserID:    userID,
		Position:  position,
		UpdatedAt: time.Now(),
	}
	return r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"position", "updated_at"}),
	}).Create(cursor).Error
}
