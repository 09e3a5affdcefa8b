package domain

import "time"

const (
	ClassifySourceLatest = "latest"
	ClassifySourceFirst  = "first"
)

// AutoReplyConfig is the per-user pipeline configuration. A missing row
// means the defaults below.
type AutoReplyConfig struct {
	UserID         string    `json:"user_id" gorm:"type:uuid;primaryKey"`
	Enabled        bool      `json:"enabled" gorm:"not null;default:false"`
	UseHTML        bool      `json:"use_html" gorm:"not null;default:false"`
	ClassifySource string    `json:"classify_source" gorm:"default:latest"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (AutoReplyConfig) TableName() string {
	return "auto_reply_configs"
}

// DefaultAutoReplyConfig returns the config applied to users with no stored
// row.
func DefaultAutoReplyConfig(userID string) *AutoReplyConfig {
	return &AutoReplyConfig{
		UserID:         userID,
		Enabled:        false,
		UseHTML:        false,
		ClassifySource: ClassifySourceLatest,
	}
}

// CheckResult summarizes one manual or scheduled pipeline pass for a user.
type CheckResult struct {
	Success        bool             `json:"success"`
	Message        string           `json:"message"`
	ProcessedCount int              `json:"processed_count"`
	RepliedCount   int              `json:"replied_count"`
	RateLimit      *RateLimitStatus `json:"rate_limit,omitempty"`
}

// RateLimitStatus is the API view of a user's send backoff.
type RateLimitStatus struct {
	Limited    bool       `json:"limited"`
	RetryAfter *time.Time `json:"retry_after,omitempty"`
	Reason     string     `json:"reason,omitempty"`
}
