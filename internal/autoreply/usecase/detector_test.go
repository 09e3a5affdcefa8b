package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	authdomain "mailpilot-backend/internal/auth/domain"
	"mailpilot-backend/internal/autoreply/domain"
)

type detectorFixture struct {
	detector *Detector
	userRepo *mockUserRepo
	config   *mockConfigRepo
	cursors  *mockCursorRepo
	gateway  *mockGateway
	workers  *ReplyWorkerService
}

func newDetectorFixture(t *testing.T) *detectorFixture {
	t.Helper()

	f := &detectorFixture{
		userRepo: newMockUserRepo(),
		config:   newMockConfigRepo(),
		cursors:  newMockCursorRepo(),
		gateway:  newMockGateway(),
	}
	f.userRepo.users["u1"] = &authdomain.User{ID: "u1", Email: "alice@example.com", AccessToken: "token"}
	f.config.configs["u1"] = &domain.AutoReplyConfig{UserID: "u1", Enabled: true}

	indexRepo := newMockIndexRepo()
	monitor := NewThreadMonitor(indexRepo, NewIndexer(&mockVectorStore{}, indexRepo))
	// Workers stay unstarted so queued jobs can be counted
	f.workers = NewReplyWorkerService(nil, 1)

	f.detector = NewDetector(
		f.userRepo,
		f.config,
		f.cursors,
		&mockGatewayFactory{gateway: f.gateway},
		f.workers,
		monitor,
		DetectorConfig{Interval: time.Hour, GatewayRPS: 1000},
	)
	return f
}

func (f *detectorFixture) queuedJobs() []ReplyJob {
	var jobs []ReplyJob
	for {
		select {
		case job := <-f.workers.jobQueue:
			jobs = append(jobs, job)
		default:
			return jobs
		}
	}
}

func TestDetectorBootstrapsCursorOnFirstContact(t *testing.T) {
	f := newDetectorFixture(t)
	f.gateway.currentID = 4242
	f.gateway.recent = []domain.MessageRef{{MessageID: "m1", ThreadID: "t1"}}

	result, err := f.detector.CheckUser(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success || result.ProcessedCount != 1 {
		t.Fatalf("unexpected result %+v", result)
	}

	if f.cursors.cursors["u1"] != "4242" {
		t.Fatalf("cursor must anchor at the current position, got %q", f.cursors.cursors["u1"])
	}
	// First contact seeds from the recent-unread query, not the change log
	if f.gateway.recentQuery != bootstrapQuery {
		t.Fatalf("expected bootstrap query %q, got %q", bootstrapQuery, f.gateway.recentQuery)
	}

	jobs := f.queuedJobs()
	if len(jobs) != 1 || jobs[0].MessageID != "m1" || jobs[0].Source != "poll" {
		t.Fatalf("unexpected queued jobs %v", jobs)
	}
}

func TestDetectorScansHistoryFromCursor(t *testing.T) {
	f := newDetectorFixture(t)
	f.cursors.cursors["u1"] = "100"
	f.gateway.history = &domain.HistoryPage{
		Added:           []domain.MessageRef{{MessageID: "m2", ThreadID: "t2"}},
		LatestHistoryID: "120",
	}

	if _, err := f.detector.CheckUser(context.Background(), "u1"); err != nil {
		t.Fatal(err)
	}

	if f.cursors.cursors["u1"] != "120" {
		t.Fatalf("cursor must advance to the page end, got %q", f.cursors.cursors["u1"])
	}
	jobs := f.queuedJobs()
	if len(jobs) != 1 || jobs[0].MessageID != "m2" {
		t.Fatalf("unexpected queued jobs %v", jobs)
	}
}

func TestDetectorKeepsCursorOnTransientError(t *testing.T) {
	f := newDetectorFixture(t)
	f.cursors.cursors["u1"] = "100"
	f.gateway.historyErr = errors.New("dial tcp: i/o timeout")

	if _, err := f.detector.CheckUser(context.Background(), "u1"); err == nil {
		t.Fatal("expected the transient error to surface")
	}
	if f.cursors.cursors["u1"] != "100" {
		t.Fatalf("cursor must stay put so the window is re-scanned, got %q", f.cursors.cursors["u1"])
	}
	if jobs := f.queuedJobs(); len(jobs) != 0 {
		t.Fatalf("no jobs may be queued on a failed scan, got %v", jobs)
	}
}

func TestDetectorReanchorsExpiredCursor(t *testing.T) {
	f := newDetectorFixture(t)
	f.cursors.cursors["u1"] = "100"
	f.gateway.historyErr = errors.New("googleapi: Error 404: startHistoryId not found")

	result, err := f.detector.CheckUser(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if result.ProcessedCount != 0 {
		t.Fatalf("an expired cursor yields no messages this pass, got %d", result.ProcessedCount)
	}
	if f.cursors.cursors["u1"] != "" {
		t.Fatalf("cursor must be cleared for re-anchoring, got %q", f.cursors.cursors["u1"])
	}
}

func TestDetectorRejectsCorruptCursor(t *testing.T) {
	f := newDetectorFixture(t)
	f.cursors.cursors["u1"] = "not-a-number"

	if _, err := f.detector.CheckUser(context.Background(), "u1"); err == nil {
		t.Fatal("expected an error for a corrupt cursor")
	}
}

func TestDetectorSkipsDisabledUsers(t *testing.T) {
	f := newDetectorFixture(t)
	f.config.configs["u1"].Enabled = false

	result, err := f.detector.CheckUser(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success || result.ProcessedCount != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
	if len(f.queuedJobs()) != 0 {
		t.Fatal("nothing may be queued for a disabled user")
	}
}

func TestDetectorPollsRecentForIMAPUsers(t *testing.T) {
	f := newDetectorFixture(t)
	f.userRepo.users["u1"] = &authdomain.User{
		ID:           "u1",
		Email:        "alice@example.com",
		ImapServer:   "imap.example.com",
		ImapPassword: "enc",
	}
	f.gateway.recent = []domain.MessageRef{{MessageID: "m3", ThreadID: "t3"}}
	f.gateway.threads["t3"] = &domain.Thread{
		ThreadID: "t3",
		Subject:  "hello",
		Messages: []domain.Message{{ID: "m3", ThreadID: "t3", Sender: "bob@example.com", Body: "hi"}},
	}

	if _, err := f.detector.CheckUser(context.Background(), "u1"); err != nil {
		t.Fatal(err)
	}

	if f.gateway.recentQuery != "" {
		t.Fatalf("IMAP path uses the default window, got query %q", f.gateway.recentQuery)
	}
	if len(f.cursors.saves) != 0 {
		t.Fatal("IMAP users have no history cursor")
	}
	jobs := f.queuedJobs()
	if len(jobs) != 1 {
		t.Fatal("expected the polled message queued")
	}
	// The poll window is gone by the time a worker runs, so the job must
	// carry the fetched conversation along
	if jobs[0].Thread == nil || jobs[0].Thread.ThreadID != "t3" {
		t.Fatalf("polled job must carry its thread, got %+v", jobs[0])
	}
}

func TestDetectorHoldsCursorWhenQueueFull(t *testing.T) {
	f := newDetectorFixture(t)
	f.cursors.cursors["u1"] = "100"
	f.gateway.history = &domain.HistoryPage{
		Added: []domain.MessageRef{
			{MessageID: "m1", ThreadID: "t1"},
			{MessageID: "m2", ThreadID: "t2"},
		},
		LatestHistoryID: "200",
	}

	// Saturate the queue so the scanned page cannot be fully accepted
	for f.workers.QueueJob(ReplyJob{UserID: "filler", MessageID: "fill"}) {
	}

	if _, err := f.detector.CheckUser(context.Background(), "u1"); err == nil {
		t.Fatal("a partially queued page must surface as an error")
	}
	if f.cursors.cursors["u1"] != "100" {
		t.Fatalf("cursor must not advance past unqueued messages, got %q", f.cursors.cursors["u1"])
	}
}

func TestDetectorOnNotificationTargetsOneUser(t *testing.T) {
	f := newDetectorFixture(t)
	f.cursors.cursors["u1"] = "100"
	f.gateway.history = &domain.HistoryPage{
		Added:           []domain.MessageRef{{MessageID: "m4", ThreadID: "t4"}},
		LatestHistoryID: "130",
	}

	if err := f.detector.OnNotification(context.Background(), "u1"); err != nil {
		t.Fatal(err)
	}

	jobs := f.queuedJobs()
	if len(jobs) != 1 || jobs[0].Source != "webhook" {
		t.Fatalf("expected one webhook-sourced job, got %v", jobs)
	}
}
