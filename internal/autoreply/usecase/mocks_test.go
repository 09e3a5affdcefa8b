package usecase

import (
	"context"
	"errors"
	"time"

	authdomain "mailpilot-backend/internal/auth/domain"
	"mailpilot-backend/internal/autoreply/domain"
	"mailpilot-backend/internal/autoreply/repository"
	"mailpilot-backend/pkg/chroma"
	"mailpilot-backend/pkg/fcm"
)

type mockUserRepo struct {
	users map[string]*authdomain.User
}

func newMockUserRepo() *mockUserRepo {
	return &mockUserRepo{users: make(map[string]*authdomain.User)}
}

func (m *mockUserRepo) Create(user *authdomain.User) error {
	m.users[user.ID] = user
	return nil
}

func (m *mockUserRepo) FindByEmail(email string) (*authdomain.User, error) {
	for _, u := range m.users {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, nil
}

func (m *mockUserRepo) FindByID(id string) (*authdomain.User, error) {
	return m.users[id], nil
}

func (m *mockUserRepo) Update(user *authdomain.User) error {
	m.users[user.ID] = user
	return nil
}

func (m *mockUserRepo) UpdateTokens(userID, accessToken, refreshToken string) error {
	if u, ok := m.users[userID]; ok {
		u.AccessToken = accessToken
		if refreshToken != "" {
			u.RefreshToken = refreshToken
		}
	}
	return nil
}

func (m *mockUserRepo) SaveRefreshToken(*authdomain.RefreshToken) error { return nil }
func (m *mockUserRepo) FindRefreshToken(string) (*authdomain.RefreshToken, error) {
	return nil, nil
}
func (m *mockUserRepo) DeleteRefreshToken(string) error        { return nil }
func (m *mockUserRepo) DeleteRefreshTokensByUser(string) error { return nil }

type mockFCMRepo struct {
	tokens  map[string][]authdomain.FCMToken
	deleted []string
}

func newMockFCMRepo() *mockFCMRepo {
	return &mockFCMRepo{tokens: make(map[string][]authdomain.FCMToken)}
}

func (m *mockFCMRepo) SaveToken(userID, token, deviceInfo string) error {
	m.tokens[userID] = append(m.tokens[userID], authdomain.FCMToken{UserID: userID, Token: token})
	return nil
}

func (m *mockFCMRepo) GetTokensByUserID(userID string) ([]authdomain.FCMToken, error) {
	return m.tokens[userID], nil
}

func (m *mockFCMRepo) DeleteToken(token string) error {
	m.deleted = append(m.deleted, token)
	return nil
}

func (m *mockFCMRepo) DeleteTokensByUserID(userID string) error {
	delete(m.tokens, userID)
	return nil
}

type mockConfigRepo struct {
	configs map[string]*domain.AutoReplyConfig
}

func newMockConfigRepo() *mockConfigRepo {
	return &mockConfigRepo{configs: make(map[string]*domain.AutoReplyConfig)}
}

func (m *mockConfigRepo) Get(userID string) (*domain.AutoReplyConfig, error) {
	if cfg, ok := m.configs[userID]; ok {
		return cfg, nil
	}
	return domain.DefaultAutoReplyConfig(userID), nil
}

func (m *mockConfigRepo) Save(cfg *domain.AutoReplyConfig) error {
	m.configs[cfg.UserID] = cfg
	return nil
}

func (m *mockConfigRepo) ListEnabledUserIDs() ([]string, error) {
	var ids []string
	for id, cfg := range m.configs {
		if cfg.Enabled {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

type mockRateLimitRepo struct {
	active  *domain.RateLimitRecord
	cleared bool
}

func (m *mockRateLimitRepo) GetActiveLimit(userID string) (*domain.RateLimitRecord, error) {
	if m.active != nil && m.active.Expired(time.Now()) {
		return nil, nil
	}
	return m.active, nil
}

func (m *mockRateLimitRepo) AddLimit(userID string, retryAfter time.Time, reason string) (*domain.RateLimitRecord, error) {
	m.active = &domain.RateLimitRecord{
		UserID:     userID,
		RetryAfter: retryAfter,
		Reason:     reason,
		IsActive:   true,
	}
	return m.active, nil
}

func (m *mockRateLimitRepo) ClearLimits(userID string) error {
	m.active = nil
	m.cleared = true
	return nil
}

type mockCursorRepo struct {
	cursors map[string]string
	saves   []string
}

func newMockCursorRepo() *mockCursorRepo {
	return &mockCursorRepo{cursors: make(map[string]string)}
}

func (m *mockCursorRepo) Get(userID string) (*domain.HistoryCursor, error) {
	pos, ok := m.cursors[userID]
	if !ok {
		return nil, nil
	}
	return &domain.HistoryCursor{UserID: userID, Position: pos}, nil
}

func (m *mockCursorRepo) Save(userID, position string) error {
	m.cursors[userID] = position
	m.saves = append(m.saves, position)
	return nil
}

type mockPromptRepo struct {
	prompts []domain.CustomPrompt
}

func (m *mockPromptRepo) Get(userID, promptType string, category domain.Category) (*domain.CustomPrompt, error) {
	for i := range m.prompts {
		p := &m.prompts[i]
		if p.UserID != userID || p.PromptType != promptType {
			continue
		}
		if promptType == domain.PromptTypeAutoReply && p.Category != category {
			continue
		}
		return p, nil
	}
	return nil, nil
}

func (m *mockPromptRepo) ListByUser(userID string) ([]domain.CustomPrompt, error) {
	return m.prompts, nil
}

func (m *mockPromptRepo) Save(prompt *domain.CustomPrompt) error {
	m.prompts = append(m.prompts, *prompt)
	return nil
}

func (m *mockPromptRepo) Delete(userID, id string) error { return nil }

type mockIndexRepo struct {
	records    map[string]*domain.ThreadIndexRecord // keyed userID:threadID
	lexical    []repository.ScoredRecord
	lexicalErr error
	deleted    []string
}

func newMockIndexRepo() *mockIndexRepo {
	return &mockIndexRepo{records: make(map[string]*domain.ThreadIndexRecord)}
}

func (m *mockIndexRepo) key(userID, threadID string) string {
	return userID + ":" + threadID
}

func (m *mockIndexRepo) Upsert(record *domain.ThreadIndexRecord) error {
	m.records[m.key(record.UserID, record.ThreadID)] = record
	return nil
}

func (m *mockIndexRepo) Get(userID, threadID string) (*domain.ThreadIndexRecord, error) {
	return m.records[m.key(userID, threadID)], nil
}

func (m *mockIndexRepo) GetByThreadIDs(userID string, threadIDs []string) ([]domain.ThreadIndexRecord, error) {
	var out []domain.ThreadIndexRecord
	for _, id := range threadIDs {
		if r, ok := m.records[m.key(userID, id)]; ok {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *mockIndexRepo) ListByUser(userID string) ([]domain.ThreadIndexRecord, error) {
	var out []domain.ThreadIndexRecord
	for _, r := range m.records {
		if r.UserID == userID {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *mockIndexRepo) SearchFullText(userID, query string, limit int) ([]repository.ScoredRecord, error) {
	if m.lexicalErr != nil {
		return nil, m.lexicalErr
	}
	if len(m.lexical) > limit {
		return m.lexical[:limit], nil
	}
	return m.lexical, nil
}

func (m *mockIndexRepo) Delete(userID, threadID string) error {
	m.deleted = append(m.deleted, threadID)
	delete(m.records, m.key(userID, threadID))
	return nil
}

type mockVectorStore struct {
	upserts     []string // thread IDs
	documents   []chroma.ThreadDocument
	deletes     []string
	semantic    []string // vector IDs returned by SemanticSearch
	semanticErr error
}

func (m *mockVectorStore) UpsertThread(_ context.Context, doc chroma.ThreadDocument) error {
	m.upserts = append(m.upserts, doc.ThreadID)
	m.documents = append(m.documents, doc)
	return nil
}

func (m *mockVectorStore) SemanticSearch(_ context.Context, userID, query string, limit int) ([]string, []float64, error) {
	if m.semanticErr != nil {
		return nil, nil, m.semanticErr
	}
	ids := m.semantic
	if len(ids) > limit {
		ids = ids[:limit]
	}
	distances := make([]float64, len(ids))
	return ids, distances, nil
}

func (m *mockVectorStore) DeleteThread(_ context.Context, userID, threadID string) error {
	m.deletes = append(m.deletes, threadID)
	return nil
}

// mockAI answers every completion with a canned script, in order. The last
// entry repeats once the script runs out.
type mockAI struct {
	script  []string
	err     error
	prompts []string
}

func (m *mockAI) Complete(_ context.Context, prompt string) (string, error) {
	m.prompts = append(m.prompts, prompt)
	if m.err != nil {
		return "", m.err
	}
	if len(m.script) == 0 {
		return "", errors.New("mockAI: empty script")
	}
	answer := m.script[0]
	if len(m.script) > 1 {
		m.script = m.script[1:]
	}
	return answer, nil
}

type mockNotifier struct {
	sent   [][]string
	failed []string
}

func (m *mockNotifier) SendToDevices(_ context.Context, tokens []string, _ fcm.NotificationData) ([]string, error) {
	m.sent = append(m.sent, tokens)
	return m.failed, nil
}

type mockGateway struct {
	threads  map[string]*domain.Thread
	messages map[string]*domain.Message

	history     *domain.HistoryPage
	historyErr  error
	currentID   uint64
	recent      []domain.MessageRef
	recentQuery string

	sendErr    error
	sent       []*domain.OutgoingReply
	markedRead []string
}

func newMockGateway() *mockGateway {
	return &mockGateway{
		threads:  make(map[string]*domain.Thread),
		messages: make(map[string]*domain.Message),
	}
}

func (m *mockGateway) GetThread(_ context.Context, threadID string) (*domain.Thread, error) {
	t, ok := m.threads[threadID]
	if !ok {
		return nil, errors.New("thread not found")
	}
	return t, nil
}

func (m *mockGateway) GetMessage(_ context.Context, messageID string) (*domain.Message, error) {
	msg, ok := m.messages[messageID]
	if !ok {
		return nil, errors.New("message not found")
	}
	return msg, nil
}

func (m *mockGateway) SendReply(_ context.Context, reply *domain.OutgoingReply) (*domain.SendResult, error) {
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.sent = append(m.sent, reply)
	return &domain.SendResult{MessageID: "sent-1", ThreadID: reply.ThreadID}, nil
}

func (m *mockGateway) MarkAsRead(_ context.Context, messageID string) error {
	m.markedRead = append(m.markedRead, messageID)
	return nil
}

func (m *mockGateway) ListHistory(_ context.Context, startHistoryID uint64) (*domain.HistoryPage, error) {
	if m.historyErr != nil {
		return nil, m.historyErr
	}
	return m.history, nil
}

func (m *mockGateway) CurrentHistoryID(_ context.Context) (uint64, error) {
	return m.currentID, nil
}

func (m *mockGateway) ListRecentUnread(_ context.Context, query string, max int64) ([]domain.MessageRef, error) {
	m.recentQuery = query
	return m.recent, nil
}

type mockGatewayFactory struct {
	gateway MailGateway
	err     error
	calls   int
}

func (m *mockGatewayFactory) ForUser(user *authdomain.User) (MailGateway, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.gateway, nil
}
