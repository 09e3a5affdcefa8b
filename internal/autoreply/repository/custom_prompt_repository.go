package repository

import (
	"errors"
	"time"

	"mailpilot-backend/internal/autoreply/domain"

	"gorm.io/gorm"
)

// CustomPromptRepository defines the interface for per-user prompt overrides
type CustomPromptRepository interface {
	Get(userID, promptType string, category domain.Category) (*domain.CustomPrompt, error)
	ListByUser(userID string) ([]domain.CustomPrompt, error)
	Save(prompt *domain.CustomPrompt) error
	Delete(userID, id string) error
}

// customPromptRepository implements CustomPromptRepository interface
type customPromptRepository struct {
	db *gorm.DB
}

// NewCustomPromptRepository creates a new instance of customPromptRepository
func NewCustomPromptRepository(db *gorm.DB) CustomPromptRepository {
	return &customPromptRepository{
		db: db,
	}
}

func (r *customPromptRepository) Get(userID, promptType string, category domain.Category) (*domain.CustomPrompt, error) {
	var prompt domain.CustomPrompt
	q := r.db.Where("user_id = ? AND prompt_type = ?", userID, promptType)
	if promptType == domain.PromptTypeAutoReply {
		q = q.Where("category = ?", category)
	}
	err := q.First(&prompt).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &prompt, nil
}

func (r *customPromptRepository) ListByUser(userID string) ([]domain.CustomPrompt, error) {
	var prompts []domain.CustomPrompt
	err := r.db.Where("user_id = ?", userID).Order("prompt_type, category").Find(&prompts).Error
	if err != nil {
		return nil, err
	}
	return prompts, nil
}

// Save creates or replaces the override for the prompt's (type, category)
// slot.
func (r *customPromptRepository) Save(prompt *domain.CustomPrompt) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		q := tx.Where("user_id = ? AND prompt_type = ?", prompt.UserID, prompt.PromptType)
		if prompt.PromptType == domain.PromptTypeAutoReply {
			q = q.Where("category = ?", prompt.Category)
		}
		if err := q.Delete(&domain.CustomPrompt{}).Error; err != nil {
			return err
		}
		prompt.UpdatedAt = time.Now()
		return tx.Create(prompt).Error
	})
}

func (r *customPromptRepository) Delete(userID, id string) error {
	return r.db.Where("user_id = ? AND id = ?", userID, id).Delete(&domain.CustomPrompt{}).Error
}
