package usecase

import (
	"context"

	"mailpilot-backend/pkg/chroma"
	"mailpilot-backend/pkg/fcm"
)

// VectorStore is the semantic half of the thread index.
type VectorStore interface {
	UpsertThread(ctx context.Context, doc chroma.ThreadDocument) error
	SemanticSearch(ctx context.Context, userID, query string, limit int) ([]string, []float64, error)
	DeleteThread(ctx context.Context, userID, threadID string) error
}

// Notifier delivers push notifications to a user's registered devices.
type Notifier interface {
	SendToDevices(ctx context.Context, tokens []string, notification fcm.NotificationData) ([]string, error)
}
