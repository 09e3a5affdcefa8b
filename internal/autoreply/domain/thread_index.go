package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ThreadIndexRecord is the relational side of the thread index. The vector
// store keeps only IDs and embeddings; everything needed to render or rank a
// result lives here, including the full text used by lexical search.
type ThreadIndexRecord struct {
	ID           string    `json:"id" gorm:"type:uuid;primaryKey"`
	UserID       string    `json:"user_id" gorm:"type:uuid;not null;uniqueIndex:idx_thread_index_user_thread"`
	ThreadID     string    `json:"thread_id" gorm:"not null;uniqueIndex:idx_thread_index_user_thread"`
	Subject      string    `json:"subject"`
	Participants string    `json:"participants"` // JSON array of addresses
	Category     Category  `json:"category" gorm:"index"`
	MessageCount int       `json:"message_count"`
	LastUpdated  time.Time `json:"last_updated"`
	TextPreview  string    `json:"text_preview"`
	FullContent  string    `json:"full_content"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (r *ThreadIndexRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return nil
}

func (ThreadIndexRecord) TableName() string {
	return "thread_index_records"
}

// ParticipantList decodes the stored participants JSON.
func (r *ThreadIndexRecord) ParticipantList() []string {
	var out []string
	if r.Participants == "" {
		return out
	}
	if err := json.Unmarshal([]byte(r.Participants), &out); err != nil {
		return []string{r.Participants}
	}
	return out
}

// Summary converts an index record into a retrieval result with the given
// score.
func (r *ThreadIndexRecord) Summary(score float64) ThreadSummary {
	return ThreadSummary{
		ThreadID:     r.ThreadID,
		Subject:      r.Subject,
		Participants: r.ParticipantList(),
		Category:     r.Category,
		MessageCount: r.MessageCount,
		LastUpdated:  r.LastUpdated.Format(time.RFC3339),
		TextPreview:  r.TextPreview,
		FullContent:  r.FullContent,
		Score:        score,
	}
}
