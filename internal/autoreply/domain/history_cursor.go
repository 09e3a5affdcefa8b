package domain

import "time"

// HistoryCursor tracks the last processed position in a user's provider
// change log. Position advances monotonically; an empty position means the
// cursor has not been initialized yet.
type HistoryCursor struct {
	UserID    string    `json:"user_id" gorm:"type:uuid;primaryKey"`
	Position  string    `json:"position"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (HistoryCursor) TableName() string {
	return "history_cursors"
}
