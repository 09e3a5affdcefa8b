package notification

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	authdomain "mailpilot-backend/internal/auth/domain"
	authrepo "mailpilot-backend/internal/auth/repository"
	"mailpilot-backend/internal/autoreply/repository"
	"mailpilot-backend/pkg/gmail"

	"golang.org/x/oauth2"
)

// WatchService is the slice of the Gmail client the watcher needs.
type WatchService interface {
	Watch(ctx context.Context, accessToken, refreshToken string, topicName string, onTokenRefresh gmail.TokenUpdateFunc) error
	Stop(ctx context.Context, accessToken, refreshToken string, onTokenRefresh gmail.TokenUpdateFunc) error
}

// Watcher keeps Gmail push notifications flowing. A mailbox watch expires
// after seven days, so every enabled Gmail account gets its watch
// re-registered on an interval well inside that window; accounts that
// disable auto-reply get their watch stopped on the next sweep.
type Watcher struct {
	gmailSvc   WatchService
	userRepo   authrepo.UserRepository
	configRepo repository.ConfigRepository
	topic      string // full Pub/Sub resource name
	interval   time.Duration

	mu      sync.Mutex
	watched map[string]struct{} // user IDs with an active watch

	stopChan chan struct{}
}

func NewWatcher(gmailSvc WatchService, userRepo authrepo.UserRepository, configRepo repository.ConfigRepository, topic string, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Watcher{
		gmailSvc:   gmailSvc,
		userRepo:   userRepo,
		configRepo: configRepo,
		topic:      topic,
		interval:   interval,
		watched:    make(map[string]struct{}),
		stopChan:   make(chan struct{}),
	}
}

// TopicResource expands a bare topic name into the full Pub/Sub resource
// name the Gmail watch API expects.
func TopicResource(projectID, topic string) string {
	if strings.Contains(topic, "/") {
		return topic
	}
	if topic == "" {
		topic = "gmail-updates"
	}
	return fmt.Sprintf("projects/%s/topics/%s", projectID, topic)
}

// Start sweeps all accounts immediately and then on every tick, until Stop
// is called.
func (w *Watcher) Start() {
	go w.run()
	log.Printf("[Watcher] Started, renewing Gmail watches every %s on topic %s", w.interval, w.topic)
}

// Stop terminates the renewal loop. Registered watches stay active until
// they expire on the provider side.
func (w *Watcher) Stop() {
	close(w.stopChan)
	log.Println("[Watcher] Stopped")
}

func (w *Watcher) run() {
	w.sweep(context.Background())

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.sweep(context.Background())
		case <-w.stopChan:
			return
		}
	}
}

// sweep renews the watch for every enabled Gmail account and stops the
// watch of accounts that were enabled last time but are not anymore.
func (w *Watcher) sweep(ctx context.Context) {
	userIDs, err := w.configRepo.ListEnabledUserIDs()
	if err != nil {
		log.Printf("[Watcher] Failed to list enabled users: %v", err)
		return
	}

	enabled := make(map[string]struct{}, len(userIDs))
	renewed := 0
	for _, userID := range userIDs {
		user, err := w.userRepo.FindByID(userID)
		if err != nil {
			log.Printf("[Watcher] Failed to load user %s: %v", userID, err)
			continue
		}
		if user == nil || !user.HasGmail() {
			continue
		}
		enabled[userID] = struct{}{}

		if err := w.watch(ctx, user); err != nil {
			log.Printf("[Watcher] Failed to renew watch for user %s: %v", userID, err)
			continue
		}
		renewed++
	}

	for _, userID := range w.lapsed(enabled) {
		if err := w.Unregister(ctx, userID); err != nil {
			log.Printf("[Watcher] Failed to stop watch for user %s: %v", userID, err)
		}
	}

	if renewed > 0 {
		log.Printf("[Watcher] Renewed %d Gmail watches", renewed)
	}
}

// lapsed swaps the watched set for the current one and returns the user IDs
// that dropped out since the last sweep.
func (w *Watcher) lapsed(enabled map[string]struct{}) []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	var out []string
	for userID := range w.watched {
		if _, ok := enabled[userID]; !ok {
			out = append(out, userID)
		}
	}
	w.watched = enabled
	return out
}

// Register sets up the mailbox watch for one user, called right after a
// Gmail account is connected so pushes start without waiting for a sweep.
func (w *Watcher) Register(ctx context.Context, userID string) error {
	user, err := w.userRepo.FindByID(userID)
	if err != nil {
		return err
	}
	if user == nil {
		return fmt.Errorf("user %s not found", userID)
	}
	if !user.HasGmail() {
		return fmt.Errorf("user %s has no Gmail account connected", userID)
	}

	if err := w.watch(ctx, user); err != nil {
		return err
	}

	w.mu.Lock()
	w.watched[userID] = struct{}{}
	w.mu.Unlock()
	return nil
}

// Unregister stops push notifications for one user's mailbox.
func (w *Watcher) Unregister(ctx context.Context, userID string) error {
	user, err := w.userRepo.FindByID(userID)
	if err != nil {
		return err
	}
	if user == nil || !user.HasGmail() {
		return nil
	}
	return w.gmailSvc.Stop(ctx, user.AccessToken, user.RefreshToken, w.persistTokens(user))
}

func (w *Watcher) watch(ctx context.Context, user *authdomain.User) error {
	return w.gmailSvc.Watch(ctx, user.AccessToken, user.RefreshToken, w.topic, w.persistTokens(user))
}

func (w *Watcher) persistTokens(user *authdomain.User) gmail.TokenUpdateFunc {
	return func(token *oauth2.Token) error {
		user.AccessToken = token.AccessToken
		if token.RefreshToken != "" {
			user.RefreshToken = token.RefreshToken
		}
		return w.userRepo.UpdateTokens(user.ID, token.AccessToken, token.RefreshToken)
	}
}
