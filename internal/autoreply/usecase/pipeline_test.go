package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	authdomain "mailpilot-backend/internal/auth/domain"
	"mailpilot-backend/internal/autoreply/domain"
)

type pipelineFixture struct {
	pipeline  *Pipeline
	userRepo  *mockUserRepo
	fcmRepo   *mockFCMRepo
	config    *mockConfigRepo
	rateRepo  *mockRateLimitRepo
	indexRepo *mockIndexRepo
	vector    *mockVectorStore
	gateway   *mockGateway
	factory   *mockGatewayFactory
	ai        *mockAI
	notifier  *mockNotifier
	monitor   *ThreadMonitor
	deduper   *Deduper
}

func newPipelineFixture(t *testing.T, aiScript ...string) *pipelineFixture {
	t.Helper()

	f := &pipelineFixture{
		userRepo:  newMockUserRepo(),
		fcmRepo:   newMockFCMRepo(),
		config:    newMockConfigRepo(),
		rateRepo:  &mockRateLimitRepo{},
		indexRepo: newMockIndexRepo(),
		vector:    &mockVectorStore{},
		gateway:   newMockGateway(),
		ai:        &mockAI{script: aiScript},
		notifier:  &mockNotifier{},
	}
	f.factory = &mockGatewayFactory{gateway: f.gateway}

	f.userRepo.users["u1"] = &authdomain.User{
		ID:          "u1",
		Email:       "alice@example.com",
		Name:        "Alice",
		AccessToken: "token",
	}
	f.config.configs["u1"] = &domain.AutoReplyConfig{
		UserID:         "u1",
		Enabled:        true,
		ClassifySource: domain.ClassifySourceLatest,
	}
	f.fcmRepo.tokens["u1"] = []authdomain.FCMToken{{UserID: "u1", Token: "device-1"}}

	promptRepo := &mockPromptRepo{}
	indexer := NewIndexer(f.vector, f.indexRepo)
	f.monitor = NewThreadMonitor(f.indexRepo, indexer)
	f.deduper = NewDeduper(64, time.Minute)

	f.pipeline = NewPipeline(PipelineDeps{
		UserRepo:   f.userRepo,
		FCMRepo:    f.fcmRepo,
		ConfigRepo: f.config,
		Deduper:    f.deduper,
		Governor:   NewGovernor(f.rateRepo),
		Gateways:   f.factory,
		Classifier: NewClassifier(f.ai, promptRepo),
		Indexer:    indexer,
		Retriever:  NewRetriever(f.vector, f.indexRepo),
		Composer:   NewComposer(f.ai, promptRepo),
		Monitor:    f.monitor,
		Notifier:   f.notifier,
	})
	return f
}

func (f *pipelineFixture) addThread(threadID string, messages ...domain.Message) {
	thread := &domain.Thread{
		ThreadID:    threadID,
		Subject:     messages[0].Subject,
		Messages:    messages,
		LastUpdated: time.Now(),
	}
	f.gateway.threads[threadID] = thread
	for i := range messages {
		f.gateway.messages[messages[i].ID] = &messages[i]
	}
}

func inbound(id, threadID, sender, body string) domain.Message {
	return domain.Message{
		ID:          id,
		ThreadID:    threadID,
		Sender:      sender,
		Subject:     "Go engineer wanted",
		Body:        body,
		RFC822MsgID: "<" + id + "@example.com>",
		Date:        time.Now(),
	}
}

func TestPipelineRepliesEndToEnd(t *testing.T) {
	f := newPipelineFixture(t, "Questions", "Thanks for asking, we are.\n\nBest,\nAlice")
	f.addThread("t1", inbound("m1", "t1", "Bob <bob@example.com>", "Are you hiring Go engineers?"))

	outcome, err := f.pipeline.ProcessMessage(context.Background(), ReplyJob{UserID: "u1", MessageID: "m1", ThreadID: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeReplied {
		t.Fatalf("expected %q, got %q", OutcomeReplied, outcome)
	}

	if len(f.gateway.sent) != 1 {
		t.Fatalf("expected one sent reply, got %d", len(f.gateway.sent))
	}
	reply := f.gateway.sent[0]
	if reply.Subject != "Re: Go engineer wanted" {
		t.Errorf("unexpected subject %q", reply.Subject)
	}
	if reply.InReplyTo != "<m1@example.com>" {
		t.Errorf("reply must thread onto the latest message, got %q", reply.InReplyTo)
	}
	if len(reply.References) != 1 || reply.References[0] != "<m1@example.com>" {
		t.Errorf("unexpected references %v", reply.References)
	}
	if len(reply.To) != 1 || reply.To[0] != "Bob <bob@example.com>" {
		t.Errorf("unexpected recipient %v", reply.To)
	}

	if len(f.gateway.markedRead) != 1 || f.gateway.markedRead[0] != "m1" {
		t.Errorf("latest message must be marked read, got %v", f.gateway.markedRead)
	}
	if !f.monitor.IsRegistered("u1", "t1") {
		t.Error("replied thread must be watched")
	}
	if record, _ := f.indexRepo.Get("u1", "t1"); record == nil {
		t.Error("thread must be indexed")
	} else if record.Category != domain.CategoryQuestions {
		t.Errorf("unexpected indexed category %s", record.Category)
	}
	if len(f.notifier.sent) != 1 {
		t.Errorf("expected one push notification, got %d", len(f.notifier.sent))
	}
}

func TestPipelineDeduplicatesAcrossSources(t *testing.T) {
	f := newPipelineFixture(t, "Questions", "Sure.\n\nAlice")
	f.addThread("t1", inbound("m1", "t1", "bob@example.com", "hello"))

	job := ReplyJob{UserID: "u1", MessageID: "m1", ThreadID: "t1"}
	if outcome, err := f.pipeline.ProcessMessage(context.Background(), job); err != nil || outcome != OutcomeReplied {
		t.Fatalf("first pass: outcome=%q err=%v", outcome, err)
	}

	// The same message reported again, e.g. webhook after a poll
	outcome, err := f.pipeline.ProcessMessage(context.Background(), ReplyJob{UserID: "u1", MessageID: "m1", ThreadID: "t1", Source: "webhook"})
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeDuplicate {
		t.Fatalf("expected %q, got %q", OutcomeDuplicate, outcome)
	}
	if len(f.gateway.sent) != 1 {
		t.Fatalf("exactly one reply may go out, got %d", len(f.gateway.sent))
	}
}

func TestPipelineDuplicateStillRefreshesGrownThread(t *testing.T) {
	f := newPipelineFixture(t, "Questions", "Sure.\n\nAlice")
	f.addThread("t1", inbound("m1", "t1", "bob@example.com", "hello"))

	job := ReplyJob{UserID: "u1", MessageID: "m1", ThreadID: "t1"}
	if outcome, err := f.pipeline.ProcessMessage(context.Background(), job); err != nil || outcome != OutcomeReplied {
		t.Fatalf("first pass: outcome=%q err=%v", outcome, err)
	}
	upsertsAfterReply := len(f.vector.upserts)

	// The thread gains a message before the duplicate report lands
	f.addThread("t1",
		inbound("m1", "t1", "bob@example.com", "hello"),
		inbound("m3", "t1", "bob@example.com", "one more thing"),
	)

	outcome, err := f.pipeline.ProcessMessage(context.Background(), job)
	if err != nil || outcome != OutcomeDuplicate {
		t.Fatalf("outcome=%q err=%v", outcome, err)
	}
	if len(f.vector.upserts) != upsertsAfterReply+1 {
		t.Fatalf("grown thread must be re-indexed, upserts=%d", len(f.vector.upserts))
	}
	record, _ := f.indexRepo.Get("u1", "t1")
	if record.MessageCount != 2 {
		t.Fatalf("index record must track the new size, got %d", record.MessageCount)
	}
}

func TestPipelineRepliesFromCarriedThread(t *testing.T) {
	f := newPipelineFixture(t, "Questions", "We are indeed.\n\nBest,\nAlice")
	// The reporting gateway polled this conversation; a later gateway
	// instance cannot serve it, so the job carries the thread itself. The
	// mock gateway is left empty to prove no re-fetch happens.
	thread := &domain.Thread{
		ThreadID:    "t1",
		Subject:     "Go engineer wanted",
		Messages:    []domain.Message{inbound("m1", "t1", "Bob <bob@example.com>", "Are you hiring Go engineers?")},
		LastUpdated: time.Now(),
	}

	outcome, err := f.pipeline.ProcessMessage(context.Background(), ReplyJob{UserID: "u1", MessageID: "m1", Thread: thread, Source: "poll"})
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeReplied {
		t.Fatalf("expected %q, got %q", OutcomeReplied, outcome)
	}
	if len(f.gateway.sent) != 1 || f.gateway.sent[0].ThreadID != "t1" {
		t.Fatalf("expected one reply in t1, got %v", f.gateway.sent)
	}
	record, _ := f.indexRepo.Get("u1", "t1")
	if record == nil || record.MessageCount != 1 {
		t.Fatalf("carried thread must be indexed, got %+v", record)
	}
}

func TestPipelineDuplicateRefreshUsesCarriedThread(t *testing.T) {
	f := newPipelineFixture(t, "Questions", "Sure.\n\nAlice")
	f.addThread("t1", inbound("m1", "t1", "bob@example.com", "hello"))

	if outcome, err := f.pipeline.ProcessMessage(context.Background(), ReplyJob{UserID: "u1", MessageID: "m1", ThreadID: "t1"}); err != nil || outcome != OutcomeReplied {
		t.Fatalf("first pass: outcome=%q err=%v", outcome, err)
	}
	factoryCalls := f.factory.calls

	// The duplicate report arrives with a grown snapshot of its own
	grown := &domain.Thread{
		ThreadID: "t1",
		Subject:  "Go engineer wanted",
		Messages: []domain.Message{
			inbound("m1", "t1", "bob@example.com", "hello"),
			inbound("m3", "t1", "bob@example.com", "one more thing"),
		},
		LastUpdated: time.Now(),
	}

	outcome, err := f.pipeline.ProcessMessage(context.Background(), ReplyJob{UserID: "u1", MessageID: "m1", Thread: grown, Source: "poll"})
	if err != nil || outcome != OutcomeDuplicate {
		t.Fatalf("outcome=%q err=%v", outcome, err)
	}
	record, _ := f.indexRepo.Get("u1", "t1")
	if record.MessageCount != 2 {
		t.Fatalf("index record must track the carried snapshot, got %d", record.MessageCount)
	}
	if f.factory.calls != factoryCalls {
		t.Fatal("a carried thread must not open another gateway")
	}
}

func TestPipelineSkipsDisabledUsers(t *testing.T) {
	f := newPipelineFixture(t)
	f.config.configs["u1"].Enabled = false

	outcome, err := f.pipeline.ProcessMessage(context.Background(), ReplyJob{UserID: "u1", MessageID: "m1"})
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeDisabled {
		t.Fatalf("expected %q, got %q", OutcomeDisabled, outcome)
	}
	if f.factory.calls != 0 {
		t.Error("disabled users must not touch the provider")
	}
}

func TestPipelineHoldsDuringBackoffWindow(t *testing.T) {
	f := newPipelineFixture(t)
	retryAfter := time.Now().Add(time.Hour)
	if _, err := f.rateRepo.AddLimit("u1", retryAfter, "quota"); err != nil {
		t.Fatal(err)
	}

	outcome, err := f.pipeline.ProcessMessage(context.Background(), ReplyJob{UserID: "u1", MessageID: "m1", ThreadID: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(outcome, OutcomeRateLimited) {
		t.Fatalf("expected a rate limited outcome, got %q", outcome)
	}
	if f.factory.calls != 0 {
		t.Error("no provider calls while the window is open")
	}
	// The claim is released so the message is retried once the window closes
	if !f.deduper.Claim("u1", "m1") {
		t.Error("claim must be free again after a rate limited skip")
	}
}

func TestPipelineSkipsIrrelevantThreads(t *testing.T) {
	f := newPipelineFixture(t, "Irrelevant")
	f.addThread("t1", inbound("m1", "t1", "noreply@example.com", "weekly newsletter"))
	if err := f.indexRepo.Upsert(indexRecord("u1", "t1", domain.CategoryOther)); err != nil {
		t.Fatal(err)
	}

	outcome, err := f.pipeline.ProcessMessage(context.Background(), ReplyJob{UserID: "u1", MessageID: "m1", ThreadID: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeIrrelevant {
		t.Fatalf("expected %q, got %q", OutcomeIrrelevant, outcome)
	}
	if len(f.gateway.sent) != 0 {
		t.Error("irrelevant threads must not be replied to")
	}
	// The record survives under its new category, the vector copy does not
	record, _ := f.indexRepo.Get("u1", "t1")
	if record == nil || record.Category != domain.CategoryIrrelevant {
		t.Fatalf("irrelevant thread must stay on record, got %+v", record)
	}
	if len(f.vector.deletes) == 0 {
		t.Error("vector copy must be removed on reclassification")
	}
	if len(f.vector.upserts) != 0 {
		t.Error("irrelevant threads must never enter the vector store")
	}
	// The claim sticks: the message was handled, not failed
	if f.deduper.Claim("u1", "m1") {
		t.Error("claim must be kept for a handled message")
	}
}

func TestPipelineClassificationFailureFallsBack(t *testing.T) {
	// The classifier answer is outside the taxonomy; with no prior record
	// the thread proceeds uncategorized and still gets a context-only reply.
	f := newPipelineFixture(t, "Not a category", "Happy to help.\n\nAlice")
	f.addThread("t1", inbound("m1", "t1", "bob@example.com", "quick question"))

	outcome, err := f.pipeline.ProcessMessage(context.Background(), ReplyJob{UserID: "u1", MessageID: "m1", ThreadID: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeReplied {
		t.Fatalf("expected %q, got %q", OutcomeReplied, outcome)
	}
	record, _ := f.indexRepo.Get("u1", "t1")
	if record == nil || record.Category != domain.CategoryUncategorized {
		t.Fatalf("expected an uncategorized record, got %+v", record)
	}
}

func TestPipelineClassificationFailurePrefersPriorCategory(t *testing.T) {
	f := newPipelineFixture(t, "Not a category", "Of course.\n\nAlice")
	f.addThread("t1", inbound("m1", "t1", "bob@example.com", "following up"))
	if err := f.indexRepo.Upsert(indexRecord("u1", "t1", domain.CategoryCandidate)); err != nil {
		t.Fatal(err)
	}

	outcome, err := f.pipeline.ProcessMessage(context.Background(), ReplyJob{UserID: "u1", MessageID: "m1", ThreadID: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeReplied {
		t.Fatalf("expected %q, got %q", OutcomeReplied, outcome)
	}
	record, _ := f.indexRepo.Get("u1", "t1")
	if record.Category != domain.CategoryCandidate {
		t.Fatalf("prior category must stick, got %s", record.Category)
	}
}

func TestPipelineEmptyDraftMeansNoReply(t *testing.T) {
	f := newPipelineFixture(t, "Questions", "``````")
	f.addThread("t1", inbound("m1", "t1", "bob@example.com", "anything?"))

	outcome, err := f.pipeline.ProcessMessage(context.Background(), ReplyJob{UserID: "u1", MessageID: "m1", ThreadID: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeNoReply {
		t.Fatalf("expected %q, got %q", OutcomeNoReply, outcome)
	}
	if len(f.gateway.sent) != 0 {
		t.Error("an empty draft must not be sent")
	}
	// Handled, not failed: retrying would regenerate the same empty draft
	if f.deduper.Claim("u1", "m1") {
		t.Error("claim must be kept")
	}
}

func TestPipelineSkipsThreadsUserAlreadyRepliedIn(t *testing.T) {
	f := newPipelineFixture(t, "Questions")
	f.addThread("t1",
		inbound("m1", "t1", "bob@example.com", "first ask"),
		inbound("m2", "t1", "Alice <alice@example.com>", "already answered"),
		inbound("m3", "t1", "bob@example.com", "thanks, one more thing"),
	)

	outcome, err := f.pipeline.ProcessMessage(context.Background(), ReplyJob{UserID: "u1", MessageID: "m3", ThreadID: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeAlreadyReplied {
		t.Fatalf("expected %q, got %q", OutcomeAlreadyReplied, outcome)
	}
	if len(f.gateway.sent) != 0 {
		t.Error("no reply may go out when the user already replied")
	}
}

func TestPipelineSendRejectionOpensBackoffWindow(t *testing.T) {
	f := newPipelineFixture(t, "Questions", "Sure.\n\nAlice")
	f.addThread("t1", inbound("m1", "t1", "bob@example.com", "hello"))
	f.gateway.sendErr = errors.New("googleapi: Error 429: User-rate limit exceeded. Retry after 2026-09-01T10:30:00.000Z")

	outcome, err := f.pipeline.ProcessMessage(context.Background(), ReplyJob{UserID: "u1", MessageID: "m1", ThreadID: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeRateLimited {
		t.Fatalf("expected %q, got %q", OutcomeRateLimited, outcome)
	}
	if f.rateRepo.active == nil {
		t.Fatal("rejected send must open a backoff window")
	}
	if !f.deduper.Claim("u1", "m1") {
		t.Error("claim must be released for a later retry")
	}
}

func TestPipelineSendUnsupportedProvider(t *testing.T) {
	f := newPipelineFixture(t, "Questions", "Sure.\n\nAlice")
	f.addThread("t1", inbound("m1", "t1", "bob@example.com", "hello"))
	f.gateway.sendErr = ErrNotSupported

	outcome, err := f.pipeline.ProcessMessage(context.Background(), ReplyJob{UserID: "u1", MessageID: "m1", ThreadID: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeSendUnsupported {
		t.Fatalf("expected %q, got %q", OutcomeSendUnsupported, outcome)
	}
	// The thread was still classified and indexed for retrieval
	if record, _ := f.indexRepo.Get("u1", "t1"); record == nil {
		t.Error("thread must be indexed even when the provider cannot send")
	}
}

func TestPipelineResolvesThreadFromMessage(t *testing.T) {
	f := newPipelineFixture(t, "Questions", "Sure.\n\nAlice")
	f.addThread("t1", inbound("m1", "t1", "bob@example.com", "hello"))

	// Job carries no thread ID, as webhook-delivered message IDs do
	outcome, err := f.pipeline.ProcessMessage(context.Background(), ReplyJob{UserID: "u1", MessageID: "m1"})
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeReplied {
		t.Fatalf("expected %q, got %q", OutcomeReplied, outcome)
	}
}
