package repository

import (
	"errors"
	"time"

	"mailpilot-backend/internal/autoreply/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ScoredRecord is an index record with a lexical relevance score attached.
type ScoredRecord struct {
	domain.ThreadIndexRecord
	Rank float64 `gorm:"column:rank"`
}

// ThreadIndexRepository defines the interface for the relational thread index
type ThreadIndexRepository interface {
	Upsert(record *domain.ThreadIndexRecord) error
	Get(userID, threadID string) (*domain.ThreadIndexRecord, error)
	GetByThreadIDs(userID string, threadIDs []string) ([]domain.ThreadIndexRecord, error)
	ListByUser(userID string) ([]domain.ThreadIndexRecord, error)
	SearchFullText(userID, query string, limit int) ([]ScoredRecord, error)
	Delete(userID, threadID string) error
}

// threadIndexRepository implements ThreadIndexRepository interface
type threadIndexRepository struct {
	db *gorm.DB
}

// NewThreadIndexRepository creates a new instance of threadIndexRepository
func NewThreadIndexRepository(db *gorm.DB) ThreadIndexRepository {
	return &threadIndexRepository{
		db: db,
	}
}

// Upsert inserts or refreshes a thread's index row, keyed by (user, thread)
func (r *threadIndexRepository) Upsert(record *domain.ThreadIndexRecord) error {
	record.UpdatedAt = time.Now()
	return r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "thread_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"subject", "participants", "category", "message_count",
			"last_updated", "text_preview", "full_content", "updated_at",
		}),
	}).Create(record).Error
}

func (r *threadIndexRepository) Get(userID, threadID string) (*domain.ThreadIndexRecord, error) {
	var record domain.ThreadIndexRecord
	err := r.db.Where("user_id = ? AND thread_id = ?", userID, threadID).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func (r *threadIndexRepository) GetByThreadIDs(userID string, threadIDs []string) ([]domain.ThreadIndexRecord, error) {
	if len(threadIDs) == 0 {
		return nil, nil
	}
	var records []domain.ThreadIndexRecord
	err := r.db.Where("user_id = ? AND thread_id IN ?", userID, threadIDs).Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *threadIndexRepository) ListByUser(userID string) ([]domain.ThreadIndexRecord, error) {
	var records []domain.ThreadIndexRecord
	err := r.db.Where("user_id = ?", userID).Order("last_updated DESC").Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

// SearchFullText ranks the user's indexed threads against the query with
// Postgres full-text search, best match first. Rows that do not match at
// all are excluded, as are irrelevant threads: they stay on record but
// never serve as reply context.
func (r *threadIndexRepository) SearchFullText(userID, query string, limit int) ([]ScoredRecord, error) {
	if limit <= 0 {
		limit = 10
	}

	var rows []ScoredRecord
	err := r.db.Raw(`
		SELECT t.*,
		       ts_rank_cd(to_tsvector('english', COALESCE(NULLIF(t.full_content, ''), t.text_preview)),
		                  plainto_tsquery('english', ?)) AS rank
		FROM thread_index_records t
		WHERE t.user_id = ?
		  AND t.category <> ?
		  AND to_tsvector('english', COALESCE(NULLIF(t.full_content, ''), t.text_preview))
		      @@ plainto_tsquery('english', ?)
		ORDER BY rank DESC
		LIMIT ?`,
		query, userID, string(domain.CategoryIrrelevant), query, limit,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *threadIndexRepository) Delete(userID, threadID string) error {
	return r.db.Where("user_id = ? AND thread_id = ?", userID, threadID).
		Delete(&domain.ThreadIndexRecord{}).Error
}
