package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	PromptTypeClassification = "classification"
	PromptTypeAutoReply      = "auto_reply"
)

// CustomPrompt is a per-user override of a built-in prompt. Classification
// prompts are keyed by user only; auto-reply prompts may additionally target
// a single category.
type CustomPrompt struct {
	ID         string    `json:"id" gorm:"type:uuid;primaryKey"`
	UserID     string    `json:"user_id" gorm:"type:uuid;not null;index"`
	PromptType string    `json:"prompt_type" gorm:"not null"`
	Category   Category  `json:"category"`
	Content    string    `json:"content" gorm:"type:text;not null"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (p *CustomPrompt) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	return nil
}

func (CustomPrompt) TableName() string {
	return "custom_prompts"
}
