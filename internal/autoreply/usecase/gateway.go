package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	authdomain "mailpilot-backend/internal/auth/domain"
	authrepository "mailpilot-backend/internal/auth/repository"
	"mailpilot-backend/internal/autoreply/domain"
	"mailpilot-backend/pkg/config"
	"mailpilot-backend/pkg/crypto"
	"mailpilot-backend/pkg/gmail"
	"mailpilot-backend/pkg/imap"

	"golang.org/x/oauth2"
)

// ErrNotSupported is returned by gateway operations the user's mail provider
// cannot perform, such as history scans over IMAP.
var ErrNotSupported = errors.New("operation not supported by mail provider")

// MailGateway is a user-bound view of a mail provider. Implementations carry
// the user's credentials so callers never touch tokens directly.
type MailGateway interface {
	GetThread(ctx context.Context, threadID string) (*domain.Thread, error)
	GetMessage(ctx context.Context, messageID string) (*domain.Message, error)
	SendReply(ctx context.Context, reply *domain.OutgoingReply) (*domain.SendResult, error)
	MarkAsRead(ctx context.Context, messageID string) error
	ListHistory(ctx context.Context, startHistoryID uint64) (*domain.HistoryPage, error)
	CurrentHistoryID(ctx context.Context) (uint64, error)
	ListRecentUnread(ctx context.Context, query string, max int64) ([]domain.MessageRef, error)
}

// GatewayFactory builds a MailGateway for a user based on which mailbox they
// connected.
type GatewayFactory interface {
	ForUser(user *authdomain.User) (MailGateway, error)
}

type gatewayFactory struct {
	gmailSvc *gmail.Service
	imapSvc  *imap.Service
	userRepo authrepository.UserRepository
	cfg      *config.Config
}

func NewGatewayFactory(gmailSvc *gmail.Service, imapSvc *imap.Service, userRepo authrepository.UserRepository, cfg *config.Config) GatewayFactory {
	return &gatewayFactory{
		gmailSvc: gmailSvc,
		imapSvc:  imapSvc,
		userRepo: userRepo,
		cfg:      cfg,
	}
}

func (f *gatewayFactory) ForUser(user *authdomain.User) (MailGateway, error) {
	if user.HasGmail() {
		return &gmailGateway{svc: f.gmailSvc, user: user, userRepo: f.userRepo}, nil
	}
	if user.HasIMAP() {
		password, err := crypto.Decrypt(user.ImapPassword, f.cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt IMAP password: %w", err)
		}
		return &imapGateway{svc: f.imapSvc, user: user, password: password}, nil
	}
	return nil, fmt.Errorf("user %s has no connected mailbox", user.ID)
}

// gmailGateway binds the Gmail service to one user's OAuth tokens and
// persists refreshed tokens back to the user repository.
type gmailGateway struct {
	svc      *gmail.Service
	user     *authdomain.User
	userRepo authrepository.UserRepository
}

func (g *gmailGateway) onTokenRefresh(token *oauth2.Token) error {
	g.user.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		g.user.RefreshToken = token.RefreshToken
	}
	return g.userRepo.UpdateTokens(g.user.ID, token.AccessToken, token.RefreshToken)
}

func (g *gmailGateway) GetThread(ctx context.Context, threadID string) (*domain.Thread, error) {
	return g.svc.GetThread(ctx, g.user.AccessToken, g.user.RefreshToken, threadID, g.onTokenRefresh)
}

func (g *gmailGateway) GetMessage(ctx context.Context, messageID string) (*domain.Message, error) {
	return g.svc.GetMessage(ctx, g.user.AccessToken, g.user.RefreshToken, messageID, g.onTokenRefresh)
}

func (g *gmailGateway) SendReply(ctx context.Context, reply *domain.OutgoingReply) (*domain.SendResult, error) {
	return g.svc.SendReply(ctx, g.user.AccessToken, g.user.RefreshToken, g.user.Name, g.user.Email, reply, g.onTokenRefresh)
}

func (g *gmailGateway) MarkAsRead(ctx context.Context, messageID string) error {
	return g.svc.MarkAsRead(ctx, g.user.AccessToken, g.user.RefreshToken, messageID, g.onTokenRefresh)
}

func (g *gmailGateway) ListHistory(ctx context.Context, startHistoryID uint64) (*domain.HistoryPage, error) {
	return g.svc.ListHistory(ctx, g.user.AccessToken, g.user.RefreshToken, startHistoryID, g.onTokenRefresh)
}

func (g *gmailGateway) CurrentHistoryID(ctx context.Context) (uint64, error) {
	return g.svc.CurrentHistoryID(ctx, g.user.AccessToken, g.user.RefreshToken, g.onTokenRefresh)
}

func (g *gmailGateway) ListRecentUnread(ctx context.Context, query string, max int64) ([]domain.MessageRef, error) {
	return g.svc.ListRecentUnread(ctx, g.user.AccessToken, g.user.RefreshToken, query, max, g.onTokenRefresh)
}

// imapGateway is the poll-only path. It has no change log and no send
// support; the detector reaches IMAP mailboxes through ListRecentUnread and
// the pipeline indexes what it finds.
type imapGateway struct {
	svc      *imap.Service
	user     *authdomain.User
	password string

	// messages fetched during the last ListRecentUnread, grouped by thread
	threads map[string]*domain.Thread
}

func (g *imapGateway) ListRecentUnread(ctx context.Context, query string, max int64) ([]domain.MessageRef, error) {
	messages, err := g.svc.ListRecentUnread(g.user.ImapServer, g.user.ImapPort, g.user.Email, g.password, time.Now().Add(-1*time.Hour))
	if err != nil {
		return nil, err
	}

	g.threads = make(map[string]*domain.Thread)
	var refs []domain.MessageRef
	for i := range messages {
		msg := messages[i]
		t, ok := g.threads[msg.ThreadID]
		if !ok {
			t = &domain.Thread{ThreadID: msg.ThreadID, Subject: msg.Subject}
			g.threads[msg.ThreadID] = t
		}
		t.Messages = append(t.Messages, msg)
		t.LastUpdated = msg.Date
		refs = append(refs, domain.MessageRef{MessageID: msg.ID, ThreadID: msg.ThreadID})
		if int64(len(refs)) >= max && max > 0 {
			break
		}
	}

	return refs, nil
}

func (g *imapGateway) GetThread(ctx context.Context, threadID string) (*domain.Thread, error) {
	if t, ok := g.threads[threadID]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("thread %s not in current poll window", threadID)
}

func (g *imapGateway) GetMessage(ctx context.Context, messageID string) (*domain.Message, error) {
	for _, t := range g.threads {
		for i := range t.Messages {
			if t.Messages[i].ID == messageID {
				return &t.Messages[i], nil
			}
		}
	}
	return nil, fmt.Errorf("message %s not in current poll window", messageID)
}

func (g *imapGateway) SendReply(ctx context.Context, reply *domain.OutgoingReply) (*domain.SendResult, error) {
	return nil, ErrNotSupported
}

func (g *imapGateway) MarkAsRead(ctx context.Context, messageID string) error {
	return ErrNotSupported
}

func (g *imapGateway) ListHistory(ctx context.Context, startHistoryID uint64) (*domain.HistoryPage, error) {
	return nil, ErrNotSupported
}

func (g *imapGateway) CurrentHistoryID(ctx context.Context) (uint64, error) {
	return 0, ErrNotSupported
}
