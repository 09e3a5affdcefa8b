package usecase

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	authdomain "mailpilot-backend/internal/auth/domain"
	authrepository "mailpilot-backend/internal/auth/repository"
	"mailpilot-backend/internal/autoreply/domain"
	"mailpilot-backend/internal/autoreply/repository"
	"mailpilot-backend/pkg/fcm"
)

// Pipeline outcomes, reported per processed message.
const (
	OutcomeReplied         = "replied"
	OutcomeDuplicate       = "skipped: duplicate"
	OutcomeDisabled        = "skipped: auto-reply disabled"
	OutcomeRateLimited     = "skipped: rate limited"
	OutcomeIrrelevant      = "skipped: irrelevant"
	OutcomeAlreadyReplied  = "skipped: already replied"
	OutcomeNoReply         = "skipped: empty draft"
	OutcomeSendUnsupported = "skipped: provider cannot send"
)

// Pipeline runs one incoming message end to end: claim, gate, fetch,
// classify, index, compose, send, monitor.
type Pipeline struct {
	userRepo   authrepository.UserRepository
	fcmRepo    authrepository.FCMTokenRepository
	configRepo repository.ConfigRepository

	deduper    *Deduper
	governor   *Governor
	gateways   GatewayFactory
	classifier *Classifier
	indexer    *Indexer
	retriever  *Retriever
	composer   *Composer
	monitor    *ThreadMonitor
	notifier   Notifier

	maxContextThreads int
}

type PipelineDeps struct {
	UserRepo   authrepository.UserRepository
	FCMRepo    authrepository.FCMTokenRepository
	ConfigRepo repository.ConfigRepository

	Deduper    *Deduper
	Governor   *Governor
	Gateways   GatewayFactory
	Classifier *Classifier
	Indexer    *Indexer
	Retriever  *Retriever
	Composer   *Composer
	Monitor    *ThreadMonitor
	Notifier   Notifier

	MaxContextThreads int
}

func NewPipeline(deps PipelineDeps) *Pipeline {
	if deps.MaxContextThreads <= 0 {
		deps.MaxContextThreads = 3
	}
	return &Pipeline{
		userRepo:          deps.UserRepo,
		fcmRepo:           deps.FCMRepo,
		configRepo:        deps.ConfigRepo,
		deduper:           deps.Deduper,
		governor:          deps.Governor,
		gateways:          deps.Gateways,
		classifier:        deps.Classifier,
		indexer:           deps.Indexer,
		retriever:         deps.Retriever,
		composer:          deps.Composer,
		monitor:           deps.Monitor,
		notifier:          deps.Notifier,
		maxContextThreads: deps.MaxContextThreads,
	}
}

// ProcessMessage handles one message reference. Every message produces at
// most one reply no matter how many ingestion paths report it: the dedup
// claim decides the winner, and losers return OutcomeDuplicate.
func (p *Pipeline) ProcessMessage(ctx context.Context, job ReplyJob) (string, error) {
	user, err := p.userRepo.FindByID(job.UserID)
	if err != nil {
		return "", err
	}
	if user == nil {
		return "", fmt.Errorf("user %s not found", job.UserID)
	}

	cfg, err := p.configRepo.Get(user.ID)
	if err != nil {
		return "", err
	}
	if !cfg.Enabled {
		return OutcomeDisabled, nil
	}

	if !p.deduper.Claim(user.ID, job.MessageID) {
		// The same message routinely arrives over both the webhook and the
		// next poll. The claim winner handled the reply; losing reports
		// still refresh the thread index in case the conversation grew.
		p.refreshThread(ctx, user, job)
		return OutcomeDuplicate, nil
	}

	// While a backoff window is open nothing touches the provider for this
	// user. The claim is released so a later pass can pick the message up
	// once the window closes.
	allowed, limit, err := p.governor.Allow(user.ID)
	if err != nil {
		p.deduper.Forget(user.ID, job.MessageID)
		return "", err
	}
	if !allowed {
		p.deduper.Forget(user.ID, job.MessageID)
		return fmt.Sprintf("%s until %s", OutcomeRateLimited, limit.RetryAfter.Format(time.RFC3339)), nil
	}

	gw, err := p.gateways.ForUser(user)
	if err != nil {
		p.deduper.Forget(user.ID, job.MessageID)
		return "", err
	}

	threadID := job.ThreadID
	if job.Thread != nil {
		threadID = job.Thread.ThreadID
	} else if threadID == "" {
		msg, err := gw.GetMessage(ctx, job.MessageID)
		if err != nil {
			p.deduper.Forget(user.ID, job.MessageID)
			return "", fmt.Errorf("failed to resolve thread: %w", err)
		}
		threadID = msg.ThreadID
	}

	// Poll-only gateways hand the fetched thread over in the job; asking a
	// fresh gateway for it again would miss, since their lookups only cover
	// the window of their own last poll.
	thread := job.Thread
	if thread == nil {
		thread, err = gw.GetThread(ctx, threadID)
		if err != nil {
			p.deduper.Forget(user.ID, job.MessageID)
			return "", fmt.Errorf("failed to fetch thread: %w", err)
		}
	}
	if thread.MessageCount() == 0 {
		return "", fmt.Errorf("thread %s is empty", threadID)
	}

	// Threads indexed before a restart get their watch back on first touch
	if err := p.monitor.EnsureRegistered(user.ID, threadID); err != nil {
		log.Printf("[Pipeline] Monitor re-registration failed for thread %s: %v", threadID, err)
	}

	classification, err := p.classifier.Classify(ctx, user.ID, thread, cfg.ClassifySource)
	category := classification.Category
	if err != nil {
		// A failed classification never aborts the message. A prior category
		// for this thread wins; otherwise the thread proceeds uncategorized
		// and the composer falls back to the context-only prompt.
		log.Printf("[Pipeline] Classification failed for thread %s: %v", threadID, err)
		category = domain.CategoryUncategorized
		if record, rerr := p.indexer.Record(user.ID, threadID); rerr == nil && record != nil {
			category = record.Category
		}
	}

	if err := p.indexer.IndexThread(ctx, user.ID, thread, category); err != nil {
		log.Printf("[Pipeline] Indexing failed for thread %s: %v", threadID, err)
	}

	if category.SkipReply() {
		return OutcomeIrrelevant, nil
	}

	if thread.UserAlreadyReplied(user.Email) {
		return OutcomeAlreadyReplied, nil
	}

	latest := thread.LatestMessage()
	query := strings.TrimSpace(thread.Subject + " " + Truncate(latest.Body, 1000))

	contextThreads, err := p.retriever.ContextFor(ctx, user.ID, query, category, p.maxContextThreads)
	if err != nil {
		log.Printf("[Pipeline] Retrieval failed for thread %s: %v", threadID, err)
		contextThreads = nil
	}

	body, err := p.composer.ComposeReply(ctx, user.ID, user.Name, thread, category, contextThreads, cfg.UseHTML)
	if err != nil {
		p.deduper.Forget(user.ID, job.MessageID)
		return "", err
	}
	if body == "" {
		// The model declined to answer. The message is handled, not failed:
		// retrying would only regenerate the same empty draft.
		return OutcomeNoReply, nil
	}

	reply := buildReply(thread, latest, body, cfg.UseHTML)

	result, err := gw.SendReply(ctx, reply)
	if err != nil {
		if errors.Is(err, ErrNotSupported) {
			return OutcomeSendUnsupported, nil
		}
		consumed, gerr := p.governor.HandleSendError(user.ID, err)
		p.deduper.Forget(user.ID, job.MessageID)
		if gerr != nil {
			return "", gerr
		}
		if consumed {
			return OutcomeRateLimited, nil
		}
		return "", fmt.Errorf("send failed: %w", err)
	}

	if err := gw.MarkAsRead(ctx, latest.ID); err != nil && !errors.Is(err, ErrNotSupported) {
		log.Printf("[Pipeline] Failed to mark message %s as read: %v", latest.ID, err)
	}

	p.monitor.Register(user.ID, threadID)
	p.notifyUser(ctx, user.ID, thread.Subject, result)

	log.Printf("[Pipeline] Replied in thread %s for user %s (category %s)", result.ThreadID, user.ID, category)
	return OutcomeReplied, nil
}

// refreshThread is best-effort: failures are logged, never propagated, since
// the duplicate report itself needs no answer.
func (p *Pipeline) refreshThread(ctx context.Context, user *authdomain.User, job ReplyJob) {
	if job.Thread != nil {
		if err := p.monitor.CheckSnapshot(ctx, user.ID, job.Thread); err != nil {
			log.Printf("[Pipeline] Thread refresh failed for %s: %v", job.Thread.ThreadID, err)
		}
		return
	}

	gw, err := p.gateways.ForUser(user)
	if err != nil {
		return
	}

	threadID := job.ThreadID
	if threadID == "" {
		msg, err := gw.GetMessage(ctx, job.MessageID)
		if err != nil || msg == nil {
			return
		}
		threadID = msg.ThreadID
	}

	if err := p.monitor.CheckThread(ctx, user.ID, gw, threadID); err != nil {
		log.Printf("[Pipeline] Thread refresh failed for %s: %v", threadID, err)
	}
}

// buildReply assembles the outgoing message for the latest inbound message
// in the thread.
func buildReply(thread *domain.Thread, latest *domain.Message, body string, useHTML bool) *domain.OutgoingReply {
	subject := thread.Subject
	if !strings.HasPrefix(strings.ToLower(subject), "re:") {
		subject = "Re: " + subject
	}

	var references []string
	for i := range thread.Messages {
		if id := thread.Messages[i].RFC822MsgID; id != "" {
			references = append(references, id)
		}
	}

	return &domain.OutgoingReply{
		To:         []string{latest.Sender},
		Subject:    subject,
		Body:       body,
		ThreadID:   thread.ThreadID,
		InReplyTo:  latest.RFC822MsgID,
		References: references,
		HTML:       useHTML,
	}
}

func (p *Pipeline) notifyUser(ctx context.Context, userID, subject string, result *domain.SendResult) {
	if p.notifier == nil || p.fcmRepo == nil {
		return
	}

	tokens, err := p.fcmRepo.GetTokensByUserID(userID)
	if err != nil || len(tokens) == 0 {
		return
	}

	tokenStrings := make([]string, len(tokens))
	for i, t := range tokens {
		tokenStrings[i] = t.Token
	}

	failed, err := p.notifier.SendToDevices(ctx, tokenStrings, fcm.NotificationData{
		Title: "Auto-reply sent",
		Body:  fmt.Sprintf("Replied to \"%s\"", Truncate(subject, 80)),
		Data: map[string]string{
			"thread_id":  result.ThreadID,
			"message_id": result.MessageID,
		},
	})
	if err != nil {
		log.Printf("[Pipeline] Push notification failed: %v", err)
		return
	}
	for _, token := range failed {
		if err := p.fcmRepo.DeleteToken(token); err != nil {
			log.Printf("[Pipeline] Failed to drop stale FCM token: %v", err)
		}
	}
}
