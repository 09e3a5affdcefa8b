package usecase

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	authdomain "mailpilot-backend/internal/auth/domain"
	authrepository "mailpilot-backend/internal/auth/repository"
	"mailpilot-backend/internal/autoreply/domain"
	"mailpilot-backend/internal/autoreply/repository"

	"golang.org/x/time/rate"
)

const bootstrapQuery = "is:unread newer_than:1h"

// DetectorConfig tunes the scheduled poll loop.
type DetectorConfig struct {
	Interval    time.Duration // pause between poll cycles
	BatchSize   int           // users checked per batch
	BatchPause  time.Duration // pause between batches inside a cycle
	CycleBudget time.Duration // hard deadline for one full cycle
	GatewayRPS  float64       // provider API calls per second across all users
}

// Detector finds new inbound messages for every enabled user and feeds them
// to the reply workers. Webhook pushes land here too, as targeted history
// scans for a single user.
type Detector struct {
	userRepo   authrepository.UserRepository
	configRepo repository.ConfigRepository
	cursorRepo repository.HistoryCursorRepository
	gateways   GatewayFactory
	workers    *ReplyWorkerService
	monitor    *ThreadMonitor

	limiter *rate.Limiter
	cfg     DetectorConfig

	stopChan chan struct{}
}

func NewDetector(
	userRepo authrepository.UserRepository,
	configRepo repository.ConfigRepository,
	cursorRepo repository.HistoryCursorRepository,
	gateways GatewayFactory,
	workers *ReplyWorkerService,
	monitor *ThreadMonitor,
	cfg DetectorConfig,
) *Detector {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.BatchPause <= 0 {
		cfg.BatchPause = 2 * time.Second
	}
	if cfg.CycleBudget <= 0 {
		cfg.CycleBudget = 5 * time.Minute
	}
	if cfg.GatewayRPS <= 0 {
		cfg.GatewayRPS = 5
	}

	return &Detector{
		userRepo:   userRepo,
		configRepo: configRepo,
		cursorRepo: cursorRepo,
		gateways:   gateways,
		workers:    workers,
		monitor:    monitor,
		limiter:    rate.NewLimiter(rate.Limit(cfg.GatewayRPS), 1),
		cfg:        cfg,
		stopChan:   make(chan struct{}),
	}
}

// Start runs the poll loop until Stop is called.
func (d *Detector) Start() {
	go d.run()
	log.Printf("[Detector] Started, polling every %s", d.cfg.Interval)
}

// Stop terminates the poll loop.
func (d *Detector) Stop() {
	close(d.stopChan)
	log.Println("[Detector] Stopped")
}

func (d *Detector) run() {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.runCycle()
		case <-d.stopChan:
			return
		}
	}
}

// runCycle checks every enabled user in batches, under a hard time budget
// so an overlong cycle cannot pile onto the next tick.
func (d *Detector) runCycle() {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.CycleBudget)
	defer cancel()

	userIDs, err := d.configRepo.ListEnabledUserIDs()
	if err != nil {
		log.Printf("[Detector] Failed to list enabled users: %v", err)
		return
	}
	if len(userIDs) == 0 {
		return
	}

	for start := 0; start < len(userIDs); start += d.cfg.BatchSize {
		end := start + d.cfg.BatchSize
		if end > len(userIDs) {
			end = len(userIDs)
		}

		for _, userID := range userIDs[start:end] {
			if ctx.Err() != nil {
				log.Printf("[Detector] Cycle budget exhausted, %d users deferred to next cycle", len(userIDs)-start)
				return
			}
			if _, err := d.CheckUser(ctx, userID); err != nil {
				log.Printf("[Detector] Check failed for user %s: %v", userID, err)
			}
		}

		if end < len(userIDs) {
			select {
			case <-time.After(d.cfg.BatchPause):
			case <-ctx.Done():
				return
			}
		}
	}
}

// CheckUser scans one user's mailbox for new messages and queues them. Also
// backs the manual sync endpoint.
func (d *Detector) CheckUser(ctx context.Context, userID string) (*domain.CheckResult, error) {
	user, err := d.userRepo.FindByID(userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, fmt.Errorf("user %s not found", userID)
	}

	cfg, err := d.configRepo.Get(userID)
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return &domain.CheckResult{Success: true, Message: "auto-reply disabled"}, nil
	}

	gw, err := d.gateways.ForUser(user)
	if err != nil {
		return nil, err
	}

	var jobs []ReplyJob
	var advance string
	if user.HasGmail() {
		var refs []domain.MessageRef
		refs, advance, err = d.scanHistory(ctx, user, gw)
		if err != nil {
			return nil, err
		}
		jobs = jobsFromRefs(userID, refs, "poll")
	} else {
		jobs, err = d.pollRecent(ctx, userID, gw)
		if err != nil {
			return nil, err
		}
	}

	// The watched-thread sweep runs after the scan so a poll-only gateway
	// has its current window loaded before threads are re-fetched.
	if _, _, err := d.monitor.CheckUser(ctx, user, gw); err != nil {
		log.Printf("[Detector] Thread monitoring failed for user %s: %v", userID, err)
	}

	queued := d.enqueue(jobs)
	if queued < len(jobs) {
		return nil, fmt.Errorf("reply queue full: queued %d of %d messages for user %s", queued, len(jobs), userID)
	}
	if advance != "" {
		if err := d.cursorRepo.Save(userID, advance); err != nil {
			return nil, err
		}
	}

	return &domain.CheckResult{
		Success:        true,
		Message:        fmt.Sprintf("queued %d new messages", queued),
		ProcessedCount: len(jobs),
	}, nil
}

// OnNotification handles a push notification for one user: a targeted
// history scan, feeding anything new to the workers.
func (d *Detector) OnNotification(ctx context.Context, userID string) error {
	user, err := d.userRepo.FindByID(userID)
	if err != nil {
		return err
	}
	if user == nil {
		return fmt.Errorf("user %s not found", userID)
	}
	if !user.HasGmail() {
		return nil
	}

	gw, err := d.gateways.ForUser(user)
	if err != nil {
		return err
	}

	refs, advance, err := d.scanHistory(ctx, user, gw)
	if err != nil {
		return err
	}

	jobs := jobsFromRefs(userID, refs, "webhook")
	if queued := d.enqueue(jobs); queued < len(jobs) {
		return fmt.Errorf("reply queue full: queued %d of %d messages for user %s", queued, len(jobs), userID)
	}
	if advance != "" {
		return d.cursorRepo.Save(userID, advance)
	}
	return nil
}

// scanHistory reads the provider change log from the stored cursor. It
// returns the new refs plus the cursor position to persist once every ref
// sits in the queue: the cursor only ever moves forward, and never past a
// message that was not accepted. A crash between scan and save repeats work
// instead of losing it, and the dedup cache absorbs the repeats.
func (d *Detector) scanHistory(ctx context.Context, user *authdomain.User, gw MailGateway) ([]domain.MessageRef, string, error) {
	cursor, err := d.cursorRepo.Get(user.ID)
	if err != nil {
		return nil, "", err
	}

	if cursor == nil || cursor.Position == "" {
		// First contact with this mailbox: anchor the cursor at the current
		// position and seed from the recent-unread search instead of the
		// change log, which we have no valid starting point for.
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, "", err
		}
		current, err := gw.CurrentHistoryID(ctx)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read current history position: %w", err)
		}
		if err := d.cursorRepo.Save(user.ID, strconv.FormatUint(current, 10)); err != nil {
			return nil, "", err
		}
		log.Printf("[Detector] Initialized history cursor for user %s at %d", user.ID, current)

		if err := d.limiter.Wait(ctx); err != nil {
			return nil, "", err
		}
		refs, err := gw.ListRecentUnread(ctx, bootstrapQuery, 50)
		return refs, "", err
	}

	start, err := strconv.ParseUint(cursor.Position, 10, 64)
	if err != nil {
		return nil, "", fmt.Errorf("corrupt history cursor %q: %w", cursor.Position, err)
	}

	if err := d.limiter.Wait(ctx); err != nil {
		return nil, "", err
	}
	page, err := gw.ListHistory(ctx, start)
	if err != nil {
		if isExpiredHistoryError(err) {
			// The provider dropped our window; re-anchor and move on
			log.Printf("[Detector] History cursor expired for user %s, re-anchoring", user.ID)
			if err := d.cursorRepo.Save(user.ID, ""); err != nil {
				return nil, "", err
			}
			return nil, "", nil
		}
		return nil, "", err
	}

	advance := ""
	if page.LatestHistoryID != "" && page.LatestHistoryID != cursor.Position {
		advance = page.LatestHistoryID
	}
	return page.Added, advance, nil
}

// pollRecent is the IMAP path: no change log, just the recent-unread window.
// The poll gateway is the only place the fetched conversations live, so each
// job carries its thread along instead of asking a later gateway to re-fetch
// something outside its own poll window.
func (d *Detector) pollRecent(ctx context.Context, userID string, gw MailGateway) ([]ReplyJob, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	refs, err := gw.ListRecentUnread(ctx, "", 50)
	if err != nil {
		return nil, err
	}

	jobs := make([]ReplyJob, 0, len(refs))
	for _, ref := range refs {
		thread, err := gw.GetThread(ctx, ref.ThreadID)
		if err != nil {
			log.Printf("[Detector] Failed to load polled thread %s for user %s: %v", ref.ThreadID, userID, err)
			continue
		}
		jobs = append(jobs, ReplyJob{
			UserID:    userID,
			MessageID: ref.MessageID,
			ThreadID:  ref.ThreadID,
			Thread:    thread,
			Source:    "poll",
		})
	}
	return jobs, nil
}

func jobsFromRefs(userID string, refs []domain.MessageRef, source string) []ReplyJob {
	jobs := make([]ReplyJob, 0, len(refs))
	for _, ref := range refs {
		jobs = append(jobs, ReplyJob{
			UserID:    userID,
			MessageID: ref.MessageID,
			ThreadID:  ref.ThreadID,
			Source:    source,
		})
	}
	return jobs
}

func (d *Detector) enqueue(jobs []ReplyJob) int {
	queued := 0
	for _, job := range jobs {
		if d.workers.QueueJob(job) {
			queued++
		} else {
			log.Printf("[Detector] Reply queue full, message %s for user %s waits for the next scan", job.MessageID, job.UserID)
		}
	}
	return queued
}

func isExpiredHistoryError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "404") || strings.Contains(msg, "notfound") || strings.Contains(msg, "not found")
}
