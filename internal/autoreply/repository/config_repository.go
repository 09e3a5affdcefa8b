package repository

import (
	"errors"
	"time"

	"mailpilot-backend/internal/autoreply/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ConfigRepository defines the interface for per-user pipeline configuration
type ConfigRepository interface {
	Get(userID string) (*domain.AutoReplyConfig, error)
	Save(cfg *domain.AutoReplyConfig) error
	ListEnabledUserIDs() ([]string, error)
}

// configRepository implements ConfigRepository interface
type configRepository struct {
	db *gorm.DB
}

// NewConfigRepository creates a new instance of configRepository
func NewConfigRepository(db *gorm.DB) ConfigRepository {
	return &configRepository{
		db: db,
	}
}

// Get returns the user's stored config, or the defaults when no row exists.
func (r *configRepository) Get(userID string) (*domain.AutoReplyConfig, error) {
	var cfg domain.AutoReplyConfig
	err := r.db.Where("user_id = ?", userID).First(&cfg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.DefaultAutoReplyConfig(userID), nil
		}
		return nil, err
	}
	return &cfg, nil
}

func (r *configRepository) Save(cfg *domain.AutoReplyConfig) error {
	cfg.UpdatedAt = time.Now()
	return r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"enabled", "use_html", "classify_source", "updated_at",
		}),
	}).Create(cfg).Error
}

// ListEnabledUserIDs returns the users the scheduled detector should poll.
func (r *configRepository) ListEnabledUserIDs() ([]string, error) {
	var ids []string
	err := r.db.Model(&domain.AutoReplyConfig{}).
		Where("enabled = ?", true).
		Order("user_id").
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}
