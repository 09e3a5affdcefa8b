package usecase

import (
	"context"
	"fmt"
	"log"
	"sync"

	authdomain "mailpilot-backend/internal/auth/domain"
	"mailpilot-backend/internal/autoreply/domain"
	"mailpilot-backend/internal/autoreply/repository"
)

// ThreadMonitor watches threads the pipeline replied in and re-indexes them
// when the conversation grows, so later retrieval sees the full exchange.
// The registry is in-memory; threads indexed before a restart are re-adopted
// lazily through EnsureRegistered when activity touches them again.
type ThreadMonitor struct {
	mu       sync.Mutex
	registry map[string]struct{} // "userID:threadID"

	indexRepo repository.ThreadIndexRepository
	indexer   *Indexer
}

func NewThreadMonitor(indexRepo repository.ThreadIndexRepository, indexer *Indexer) *ThreadMonitor {
	return &ThreadMonitor{
		registry:  make(map[string]struct{}),
		indexRepo: indexRepo,
		indexer:   indexer,
	}
}

func monitorKey(userID, threadID string) string {
	return fmt.Sprintf("%s:%s", userID, threadID)
}

// Register adds a thread to the watch set.
func (m *ThreadMonitor) Register(userID, threadID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registry[monitorKey(userID, threadID)] = struct{}{}
}

// Unregister drops a thread from the watch set.
func (m *ThreadMonitor) Unregister(userID, threadID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.registry, monitorKey(userID, threadID))
}

// IsRegistered reports whether the thread is currently watched.
func (m *ThreadMonitor) IsRegistered(userID, threadID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.registry[monitorKey(userID, threadID)]
	return ok
}

// EnsureRegistered re-adopts a thread that survives in the index but was
// lost from the in-memory registry, typically across a restart.
func (m *ThreadMonitor) EnsureRegistered(userID, threadID string) error {
	if m.IsRegistered(userID, threadID) {
		return nil
	}
	record, err := m.indexRepo.Get(userID, threadID)
	if err != nil {
		return err
	}
	if record != nil {
		m.Register(userID, threadID)
	}
	return nil
}

// CheckThread re-indexes one thread if it gained messages since it was last
// indexed. This is the side channel for duplicate notifications: the message
// itself was already handled, but the report may mean the thread grew.
func (m *ThreadMonitor) CheckThread(ctx context.Context, userID string, gw MailGateway, threadID string) error {
	record, err := m.indexRepo.Get(userID, threadID)
	if err != nil {
		return err
	}
	if record == nil {
		m.Unregister(userID, threadID)
		return nil
	}

	thread, err := gw.GetThread(ctx, threadID)
	if err != nil {
		return err
	}
	if thread.MessageCount() <= record.MessageCount {
		return nil
	}
	return m.indexer.IndexThread(ctx, userID, thread, record.Category)
}

// CheckSnapshot is CheckThread for a thread the caller already fetched,
// used where the reporting gateway cannot serve a second lookup.
func (m *ThreadMonitor) CheckSnapshot(ctx context.Context, userID string, thread *domain.Thread) error {
	record, err := m.indexRepo.Get(userID, thread.ThreadID)
	if err != nil {
		return err
	}
	if record == nil {
		m.Unregister(userID, thread.ThreadID)
		return nil
	}
	if thread.MessageCount() <= record.MessageCount {
		return nil
	}
	return m.indexer.IndexThread(ctx, userID, thread, record.Category)
}

// threadsOf snapshots the watched thread IDs for one user.
func (m *ThreadMonitor) threadsOf(userID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := userID + ":"
	var out []string
	for key := range m.registry {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			out = append(out, key[len(prefix):])
		}
	}
	return out
}

// CheckUser re-fetches every watched thread of the user and re-indexes the
// ones that gained messages since they were last indexed. Returns how many
// threads were checked and how many re-indexed.
func (m *ThreadMonitor) CheckUser(ctx context.Context, user *authdomain.User, gw MailGateway) (int, int, error) {
	threadIDs := m.threadsOf(user.ID)
	if len(threadIDs) == 0 {
		return 0, 0, nil
	}

	checked := 0
	reindexed := 0
	for _, threadID := range threadIDs {
		record, err := m.indexRepo.Get(user.ID, threadID)
		if err != nil {
			return checked, reindexed, err
		}
		if record == nil {
			// Indexed copy is gone, nothing left to keep fresh
			m.Unregister(user.ID, threadID)
			continue
		}

		thread, err := gw.GetThread(ctx, threadID)
		if err != nil {
			log.Printf("[Monitor] Failed to fetch thread %s for user %s: %v", threadID, user.ID, err)
			continue
		}
		checked++

		if thread.MessageCount() <= record.MessageCount {
			continue
		}

		// The category assigned at first contact sticks across re-indexing
		if err := m.indexer.IndexThread(ctx, user.ID, thread, record.Category); err != nil {
			log.Printf("[Monitor] Failed to re-index thread %s: %v", threadID, err)
			continue
		}
		reindexed++
	}

	return checked, reindexed, nil
}
