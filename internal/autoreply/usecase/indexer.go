package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"mailpilot-backend/internal/autoreply/domain"
	"mailpilot-backend/internal/autoreply/repository"
	"mailpilot-backend/pkg/chroma"
)

const previewLength = 1000

// Indexer maintains both halves of the thread index: the vector store for
// semantic search and the relational records backing lexical search and
// result rendering.
type Indexer struct {
	vector    VectorStore
	indexRepo repository.ThreadIndexRepository
}

func NewIndexer(vector VectorStore, indexRepo repository.ThreadIndexRepository) *Indexer {
	return &Indexer{
		vector:    vector,
		indexRepo: indexRepo,
	}
}

// IndexThread stores or refreshes a thread under its classified category.
// The relational row is always kept, so the category survives for later
// lookups. Irrelevant threads never enter the vector store; an existing
// vector entry is purged in case the thread was reclassified.
func (ix *Indexer) IndexThread(ctx context.Context, userID string, thread *domain.Thread, category domain.Category) error {
	content := ThreadFullContent(thread)
	preview := Truncate(content, previewLength)
	participants, _ := json.Marshal(thread.Participants)

	if category.SkipIndexing() {
		if err := ix.vector.DeleteThread(ctx, userID, thread.ThreadID); err != nil {
			log.Printf("[Indexer] Failed to purge irrelevant thread %s from the vector store: %v", thread.ThreadID, err)
		}
	} else if err := ix.vector.UpsertThread(ctx, chroma.ThreadDocument{
		UserID:       userID,
		ThreadID:     thread.ThreadID,
		Subject:      thread.Subject,
		Content:      content,
		Category:     string(category),
		Participants: string(participants),
		MessageCount: thread.MessageCount(),
		LastUpdated:  thread.LastUpdated,
		TextPreview:  preview,
	}); err != nil {
		return fmt.Errorf("vector upsert failed: %w", err)
	}

	record := &domain.ThreadIndexRecord{
		UserID:       userID,
		ThreadID:     thread.ThreadID,
		Subject:      thread.Subject,
		Participants: string(participants),
		Category:     category,
		MessageCount: thread.MessageCount(),
		LastUpdated:  thread.LastUpdated,
		TextPreview:  preview,
		FullContent:  content,
	}

	return ix.indexRepo.Upsert(record)
}

// Record returns the stored index row for a thread, nil when absent.
func (ix *Indexer) Record(userID, threadID string) (*domain.ThreadIndexRecord, error) {
	return ix.indexRepo.Get(userID, threadID)
}

// Remove deletes a thread from both index halves.
func (ix *Indexer) Remove(ctx context.Context, userID, threadID string) error {
	if err := ix.vector.DeleteThread(ctx, userID, threadID); err != nil {
		return err
	}
	return ix.indexRepo.Delete(userID, threadID)
}

// ThreadFullContent flattens a conversation into the text fed to embedding
// and search.
func ThreadFullContent(t *domain.Thread) string {
	var parts []string
	for i := range t.Messages {
		msg := &t.Messages[i]
		body := msg.Body
		if body == "" {
			body = msg.Snippet
		}
		parts = append(parts, fmt.Sprintf("From: %s\nDate: %s\n\n%s",
			msg.Sender, msg.Date.Format(time.RFC3339), body))
	}
	return strings.Join(parts, "\n\n---\n\n")
}

// Truncate shortens s to at most n bytes.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
