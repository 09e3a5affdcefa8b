package usecase

import (
	"context"
	"testing"
	"time"

	authdomain "mailpilot-backend/internal/auth/domain"
	"mailpilot-backend/internal/autoreply/domain"
)

func TestMonitorEnsureRegistered(t *testing.T) {
	indexRepo := newMockIndexRepo()
	m := NewThreadMonitor(indexRepo, NewIndexer(&mockVectorStore{}, indexRepo))

	// No index record: nothing to adopt
	if err := m.EnsureRegistered("u1", "t1"); err != nil {
		t.Fatal(err)
	}
	if m.IsRegistered("u1", "t1") {
		t.Fatal("unindexed thread must not be adopted")
	}

	// Index record survives, e.g. across a restart
	if err := indexRepo.Upsert(indexRecord("u1", "t1", domain.CategoryQuestions)); err != nil {
		t.Fatal(err)
	}
	if err := m.EnsureRegistered("u1", "t1"); err != nil {
		t.Fatal(err)
	}
	if !m.IsRegistered("u1", "t1") {
		t.Fatal("indexed thread must be re-adopted")
	}
}

func TestMonitorReindexesGrownThreads(t *testing.T) {
	indexRepo := newMockIndexRepo()
	vector := &mockVectorStore{}
	m := NewThreadMonitor(indexRepo, NewIndexer(vector, indexRepo))

	record := indexRecord("u1", "t1", domain.CategoryCandidate)
	record.MessageCount = 1
	if err := indexRepo.Upsert(record); err != nil {
		t.Fatal(err)
	}
	m.Register("u1", "t1")

	gw := newMockGateway()
	gw.threads["t1"] = &domain.Thread{
		ThreadID:    "t1",
		Subject:     "subject t1",
		LastUpdated: time.Now(),
		Messages: []domain.Message{
			{ID: "m1", Sender: "bob@example.com", Body: "first"},
			{ID: "m2", Sender: "alice@example.com", Body: "reply"},
		},
	}

	user := &authdomain.User{ID: "u1", Email: "alice@example.com"}
	checked, reindexed, err := m.CheckUser(context.Background(), user, gw)
	if err != nil {
		t.Fatal(err)
	}
	if checked != 1 || reindexed != 1 {
		t.Fatalf("expected 1 checked and 1 reindexed, got %d and %d", checked, reindexed)
	}

	fresh, _ := indexRepo.Get("u1", "t1")
	if fresh.MessageCount != 2 {
		t.Fatalf("expected refreshed message count 2, got %d", fresh.MessageCount)
	}
	// The category from first contact sticks
	if fresh.Category != domain.CategoryCandidate {
		t.Fatalf("expected category to stick, got %s", fresh.Category)
	}
	if len(vector.upserts) != 1 {
		t.Fatal("vector copy must be refreshed")
	}
}

func TestMonitorLeavesUnchangedThreadsAlone(t *testing.T) {
	indexRepo := newMockIndexRepo()
	vector := &mockVectorStore{}
	m := NewThreadMonitor(indexRepo, NewIndexer(vector, indexRepo))

	record := indexRecord("u1", "t1", domain.CategoryQuestions)
	record.MessageCount = 2
	if err := indexRepo.Upsert(record); err != nil {
		t.Fatal(err)
	}
	m.Register("u1", "t1")

	gw := newMockGateway()
	gw.threads["t1"] = &domain.Thread{
		ThreadID: "t1",
		Messages: []domain.Message{{ID: "m1"}, {ID: "m2"}},
	}

	_, reindexed, err := m.CheckUser(context.Background(), &authdomain.User{ID: "u1"}, gw)
	if err != nil {
		t.Fatal(err)
	}
	if reindexed != 0 {
		t.Fatalf("expected no re-index, got %d", reindexed)
	}
	if len(vector.upserts) != 0 {
		t.Fatal("no vector write expected")
	}
}

func TestMonitorDropsThreadsGoneFromIndex(t *testing.T) {
	indexRepo := newMockIndexRepo()
	m := NewThreadMonitor(indexRepo, NewIndexer(&mockVectorStore{}, indexRepo))
	m.Register("u1", "t1")

	gw := newMockGateway()
	checked, _, err := m.CheckUser(context.Background(), &authdomain.User{ID: "u1"}, gw)
	if err != nil {
		t.Fatal(err)
	}
	if checked != 0 {
		t.Fatalf("expected nothing checked, got %d", checked)
	}
	if m.IsRegistered("u1", "t1") {
		t.Fatal("thread with no index record must be unwatched")
	}
}

func TestMonitorCheckThread(t *testing.T) {
	indexRepo := newMockIndexRepo()
	vector := &mockVectorStore{}
	m := NewThreadMonitor(indexRepo, NewIndexer(vector, indexRepo))

	record := indexRecord("u1", "t1", domain.CategoryQuestions)
	record.MessageCount = 1
	if err := indexRepo.Upsert(record); err != nil {
		t.Fatal(err)
	}

	gw := newMockGateway()
	gw.threads["t1"] = &domain.Thread{
		ThreadID:    "t1",
		Subject:     "subject t1",
		LastUpdated: time.Now(),
		Messages: []domain.Message{
			{ID: "m1", Sender: "bob@example.com", Body: "first"},
		},
	}

	// Same size: no work
	if err := m.CheckThread(context.Background(), "u1", gw, "t1"); err != nil {
		t.Fatal(err)
	}
	if len(vector.upserts) != 0 {
		t.Fatal("unchanged thread must not be re-indexed")
	}

	// Grown: re-index
	gw.threads["t1"].Messages = append(gw.threads["t1"].Messages,
		domain.Message{ID: "m2", Sender: "bob@example.com", Body: "more"})
	if err := m.CheckThread(context.Background(), "u1", gw, "t1"); err != nil {
		t.Fatal(err)
	}
	if len(vector.upserts) != 1 {
		t.Fatalf("grown thread must be re-indexed, upserts=%d", len(vector.upserts))
	}

	// Record gone: watch dropped, no error
	m.Register("u1", "t9")
	if err := m.CheckThread(context.Background(), "u1", gw, "t9"); err != nil {
		t.Fatal(err)
	}
	if m.IsRegistered("u1", "t9") {
		t.Fatal("thread with no index record must be unwatched")
	}
}
