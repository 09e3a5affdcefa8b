package notification

import (
	"context"
	"testing"
	"time"

	authdomain "mailpilot-backend/internal/auth/domain"
	"mailpilot-backend/internal/autoreply/domain"
	"mailpilot-backend/pkg/gmail"
)

type stubUserRepo struct {
	users map[string]*authdomain.User
}

func (s *stubUserRepo) Create(*authdomain.User) error { return nil }
func (s *stubUserRepo) FindByEmail(email string) (*authdomain.User, error) {
	for _, u := range s.users {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, nil
}
func (s *stubUserRepo) FindByID(id string) (*authdomain.User, error) { return s.users[id], nil }
func (s *stubUserRepo) Update(*authdomain.User) error                { return nil }
func (s *stubUserRepo) UpdateTokens(userID, accessToken, refreshToken string) error {
	return nil
}
func (s *stubUserRepo) SaveRefreshToken(*authdomain.RefreshToken) error { return nil }
func (s *stubUserRepo) FindRefreshToken(string) (*authdomain.RefreshToken, error) {
	return nil, nil
}
func (s *stubUserRepo) DeleteRefreshToken(string) error        { return nil }
func (s *stubUserRepo) DeleteRefreshTokensByUser(string) error { return nil }

type stubConfigRepo struct {
	enabled []string
}

func (s *stubConfigRepo) Get(userID string) (*domain.AutoReplyConfig, error) {
	return domain.DefaultAutoReplyConfig(userID), nil
}
func (s *stubConfigRepo) Save(*domain.AutoReplyConfig) error { return nil }
func (s *stubConfigRepo) ListEnabledUserIDs() ([]string, error) {
	return s.enabled, nil
}

type stubWatchService struct {
	watched []string // topics passed to Watch, in order
	stopped int
}

func (s *stubWatchService) Watch(_ context.Context, _, _ string, topicName string, _ gmail.TokenUpdateFunc) error {
	s.watched = append(s.watched, topicName)
	return nil
}

func (s *stubWatchService) Stop(_ context.Context, _, _ string, _ gmail.TokenUpdateFunc) error {
	s.stopped++
	return nil
}

func newWatcherFixture(enabled ...string) (*Watcher, *stubWatchService, *stubUserRepo, *stubConfigRepo) {
	users := &stubUserRepo{users: map[string]*authdomain.User{
		"u1": {ID: "u1", Email: "alice@example.com", AccessToken: "tok", RefreshToken: "ref"},
		"u2": {ID: "u2", Email: "carol@example.com", ImapServer: "imap.example.com", ImapPassword: "enc"},
	}}
	configs := &stubConfigRepo{enabled: enabled}
	svc := &stubWatchService{}
	w := NewWatcher(svc, users, configs, "projects/p1/topics/gmail-updates", time.Hour)
	return w, svc, users, configs
}

func TestWatcherSweepRenewsEnabledGmailAccounts(t *testing.T) {
	w, svc, _, _ := newWatcherFixture("u1", "u2")

	w.sweep(context.Background())

	// u2 is IMAP-only and has no mailbox watch to renew
	if len(svc.watched) != 1 || svc.watched[0] != "projects/p1/topics/gmail-updates" {
		t.Fatalf("expected one watch on the full topic resource, got %v", svc.watched)
	}
}

func TestWatcherStopsLapsedWatches(t *testing.T) {
	w, svc, _, configs := newWatcherFixture("u1")

	w.sweep(context.Background())
	if len(svc.watched) != 1 {
		t.Fatalf("expected one watch, got %v", svc.watched)
	}

	// Auto-reply gets turned off between sweeps
	configs.enabled = nil
	w.sweep(context.Background())

	if svc.stopped != 1 {
		t.Fatalf("a lapsed account's watch must be stopped, got %d stops", svc.stopped)
	}
}

func TestWatcherRegisterRequiresGmail(t *testing.T) {
	w, svc, _, _ := newWatcherFixture()

	if err := w.Register(context.Background(), "u1"); err != nil {
		t.Fatal(err)
	}
	if len(svc.watched) != 1 {
		t.Fatalf("expected an immediate watch on registration, got %v", svc.watched)
	}

	if err := w.Register(context.Background(), "u2"); err == nil {
		t.Fatal("an IMAP-only account cannot be watched")
	}
	if err := w.Register(context.Background(), "missing"); err == nil {
		t.Fatal("an unknown user cannot be watched")
	}
}

func TestTopicResource(t *testing.T) {
	cases := []struct {
		project, topic, want string
	}{
		{"p1", "gmail-updates", "projects/p1/topics/gmail-updates"},
		{"p1", "projects/p2/topics/custom", "projects/p2/topics/custom"},
		{"p1", "", "projects/p1/topics/gmail-updates"},
	}
	for _, tc := range cases {
		if got := TopicResource(tc.project, tc.topic); got != tc.want {
			t.Errorf("TopicResource(%q, %q) = %q, want %q", tc.project, tc.topic, got, tc.want)
		}
	}
}
