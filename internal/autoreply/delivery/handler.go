package delivery

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log"
	"net/http"
	"regexp"
	"sort"
	"strings"

	authdomain "mailpilot-backend/internal/auth/domain"
	authrepository "mailpilot-backend/internal/auth/repository"
	"mailpilot-backend/internal/autoreply/domain"
	"mailpilot-backend/internal/autoreply/dto"
	"mailpilot-backend/internal/autoreply/repository"
	"mailpilot-backend/internal/autoreply/usecase"
	"mailpilot-backend/pkg/fuzzy"

	"github.com/gin-gonic/gin"
)

var subscriptionUserRe = regexp.MustCompile(`user-(\d+)$`)

// Handler exposes the auto-reply pipeline over HTTP: the push webhook, the
// manual sync check, and per-user configuration.
type Handler struct {
	detector   *usecase.Detector
	workers    *usecase.ReplyWorkerService
	governor   *usecase.Governor
	userRepo   authrepository.UserRepository
	configRepo repository.ConfigRepository
	promptRepo repository.CustomPromptRepository
	indexRepo  repository.ThreadIndexRepository
	indexer    *usecase.Indexer
}

func NewHandler(
	detector *usecase.Detector,
	workers *usecase.ReplyWorkerService,
	governor *usecase.Governor,
	userRepo authrepository.UserRepository,
	configRepo repository.ConfigRepository,
	promptRepo repository.CustomPromptRepository,
	indexRepo repository.ThreadIndexRepository,
	indexer *usecase.Indexer,
) *Handler {
	return &Handler{
		detector:   detector,
		workers:    workers,
		governor:   governor,
		userRepo:   userRepo,
		configRepo: configRepo,
		promptRepo: promptRepo,
		indexRepo:  indexRepo,
		indexer:    indexer,
	}
}

// Webhook receives Pub/Sub push deliveries. It always answers 200 with
// {"success": true}: a non-2xx here makes Pub/Sub redeliver forever, so bad
// payloads are logged and acknowledged instead of bounced.
func (h *Handler) Webhook(c *gin.Context) {
	ack := func() {
		c.JSON(http.StatusOK, gin.H{"success": true})
	}

	var envelope dto.PushEnvelope
	if err := c.ShouldBindJSON(&envelope); err != nil {
		log.Printf("[Webhook] Malformed push envelope: %v", err)
		ack()
		return
	}

	data, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		log.Printf("[Webhook] Failed to decode push data: %v", err)
		ack()
		return
	}

	var payload dto.PushPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		log.Printf("[Webhook] Failed to unmarshal push payload: %v", err)
		ack()
		return
	}

	user, err := h.resolveUser(&payload, envelope.Subscription)
	if err != nil {
		log.Printf("[Webhook] %v", err)
		ack()
		return
	}
	if user == nil {
		log.Printf("[Webhook] No user matches payload (email=%q, subscription=%q)", payload.EmailAddress, envelope.Subscription)
		ack()
		return
	}

	if payload.EmailID != "" {
		// Direct message reference: skip the history scan
		queued := h.workers.QueueJob(usecase.ReplyJob{
			UserID:    user.ID,
			MessageID: payload.EmailID,
			Source:    "webhook",
		})
		if !queued {
			log.Printf("[Webhook] Reply queue full, dropped message %s for user %s", payload.EmailID, user.ID)
		}
		ack()
		return
	}

	// Scan in the background; the push delivery must not wait on Gmail
	userID := user.ID
	go func() {
		if err := h.detector.OnNotification(context.Background(), userID); err != nil {
			log.Printf("[Webhook] History scan failed for user %s: %v", userID, err)
		}
	}()

	ack()
}

// resolveUser finds the notification's user by mailbox address first, then
// by the user reference some subscriptions carry in their name.
func (h *Handler) resolveUser(payload *dto.PushPayload, subscription string) (*authdomain.User, error) {
	if payload.EmailAddress != "" {
		user, err := h.userRepo.FindByEmail(payload.EmailAddress)
		if err != nil || user != nil {
			return user, err
		}
	}

	if m := subscriptionUserRe.FindStringSubmatch(subscription); len(m) == 2 {
		return h.userRepo.FindByID(m[1])
	}

	return nil, nil
}

// CheckNow runs a synchronous mailbox check for the authenticated user.
func (h *Handler) CheckNow(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		return
	}

	result, err := h.detector.CheckUser(c.Request.Context(), user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if status, err := h.governor.Status(user.ID); err == nil && status.Limited {
		result.RateLimit = status
	}

	c.JSON(http.StatusOK, result)
}

// GetConfig returns the user's pipeline configuration.
func (h *Handler) GetConfig(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		return
	}

	cfg, err := h.configRepo.Get(user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, cfg)
}

// UpdateConfig applies a partial update to the user's pipeline configuration.
func (h *Handler) UpdateConfig(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		return
	}

	var req dto.UpdateConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cfg, err := h.configRepo.Get(user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if req.Enabled != nil {
		cfg.Enabled = *req.Enabled
	}
	if req.UseHTML != nil {
		cfg.UseHTML = *req.UseHTML
	}
	if req.ClassifySource != nil {
		cfg.ClassifySource = *req.ClassifySource
	}

	if err := h.configRepo.Save(cfg); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, cfg)
}

// RateLimitStatus returns the user's current send backoff, if any.
func (h *Handler) RateLimitStatus(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		return
	}

	status, err := h.governor.Status(user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, status)
}

// ResetRateLimit clears the user's send backoff.
func (h *Handler) ResetRateLimit(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		return
	}

	if err := h.governor.Reset(user.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// ListPrompts returns the user's custom prompt overrides.
func (h *Handler) ListPrompts(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		return
	}

	prompts, err := h.promptRepo.ListByUser(user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, prompts)
}

// SavePrompt creates or replaces a custom prompt override.
func (h *Handler) SavePrompt(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		return
	}

	var req dto.SavePromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var category domain.Category
	if req.Category != "" {
		cat, ok := domain.MatchCategory(req.Category)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown category"})
			return
		}
		category = cat
	}

	prompt := &domain.CustomPrompt{
		UserID:     user.ID,
		PromptType: req.PromptType,
		Category:   category,
		Content:    req.Content,
	}

	if err := h.promptRepo.Save(prompt); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, prompt)
}

// DeletePrompt removes a custom prompt override.
func (h *Handler) DeletePrompt(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		return
	}

	if err := h.promptRepo.Delete(user.ID, c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// ListThreads returns the user's indexed threads, newest first. An optional
// "q" query filters them with typo-tolerant matching over subject,
// participants and preview.
func (h *Handler) ListThreads(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		return
	}

	records, err := h.indexRepo.ListByUser(user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	query := strings.TrimSpace(c.Query("q"))
	summaries := make([]domain.ThreadSummary, 0, len(records))
	for _, record := range records {
		if query == "" {
			summaries = append(summaries, record.Summary(0))
			continue
		}
		participants := record.ParticipantList()
		if !fuzzy.MatchThread(query, record.Subject, participants, record.TextPreview) {
			continue
		}
		summaries = append(summaries, record.Summary(fuzzy.RelevanceScore(query, record.Subject, participants)))
	}
	if query != "" {
		sort.SliceStable(summaries, func(i, j int) bool {
			return summaries[i].Score > summaries[j].Score
		})
	}

	c.JSON(http.StatusOK, gin.H{"threads": summaries, "count": len(summaries)})
}

// DeleteThread forgets an indexed thread: both the vector entry and the
// relational row go, so it can no longer surface as reply context.
func (h *Handler) DeleteThread(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		return
	}

	threadID := c.Param("id")
	if err := h.indexer.Remove(c.Request.Context(), user.ID, threadID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

func currentUser(c *gin.Context) *authdomain.User {
	value, exists := c.Get("user")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return nil
	}
	user, ok := value.(*authdomain.User)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return nil
	}
	return user
}
