package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"mailpilot-backend/internal/autoreply/domain"
	"mailpilot-backend/internal/autoreply/repository"
	"mailpilot-backend/pkg/ai"
)

// Classifier assigns one category from the fixed taxonomy to an incoming
// thread.
type Classifier struct {
	ai         ai.CompletionService
	promptRepo repository.CustomPromptRepository
}

func NewClassifier(aiSvc ai.CompletionService, promptRepo repository.CustomPromptRepository) *Classifier {
	return &Classifier{
		ai:         aiSvc,
		promptRepo: promptRepo,
	}
}

// Classify runs the classification prompt against the thread. Which message
// represents the thread is configurable: the latest message tracks the
// current topic, the first message tracks the original intent.
func (c *Classifier) Classify(ctx context.Context, userID string, thread *domain.Thread, source string) (domain.Classification, error) {
	var msg *domain.Message
	if source == domain.ClassifySourceFirst {
		msg = thread.FirstMessage()
	} else {
		msg = thread.LatestMessage()
	}
	if msg == nil {
		return domain.Classification{Category: domain.CategoryOther}, fmt.Errorf("thread %s has no messages", thread.ThreadID)
	}

	prompt, err := c.buildPrompt(userID, msg)
	if err != nil {
		return domain.Classification{Category: domain.CategoryOther}, err
	}

	answer, err := c.ai.Complete(ctx, prompt)
	if err != nil {
		return domain.Classification{Category: domain.CategoryOther}, fmt.Errorf("classification failed: %w", err)
	}

	return parseClassification(answer)
}

// parseClassification reads the model answer. The prompt asks for a JSON
// object, but models routinely answer with the bare category name instead,
// so both forms are accepted. Anything outside the taxonomy is an error.
func parseClassification(answer string) (domain.Classification, error) {
	trimmed := strings.TrimSpace(answer)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	trimmed = strings.TrimSpace(trimmed)

	if strings.HasPrefix(trimmed, "{") {
		var resp struct {
			Classification string            `json:"classification"`
			Confidence     int               `json:"confidence"`
			Fields         map[string]string `json:"fields"`
			Reasoning      string            `json:"reasoning"`
		}
		if err := json.Unmarshal([]byte(trimmed), &resp); err != nil {
			return domain.Classification{Category: domain.CategoryOther},
				fmt.Errorf("classifier answer is not valid JSON: %w", err)
		}
		category, ok := domain.MatchCategory(resp.Classification)
		if !ok {
			return domain.Classification{Category: domain.CategoryOther},
				fmt.Errorf("classifier returned unknown category %q", resp.Classification)
		}
		return domain.Classification{
			Category:   category,
			Confidence: resp.Confidence,
			Fields:     resp.Fields,
			Reasoning:  resp.Reasoning,
		}, nil
	}

	firstLine := trimmed
	for _, line := range strings.Split(trimmed, "\n") {
		if s := strings.TrimSpace(line); s != "" {
			firstLine = s
			break
		}
	}
	category, ok := domain.MatchCategory(firstLine)
	if !ok {
		return domain.Classification{Category: domain.CategoryOther},
			fmt.Errorf("classifier returned unknown category %q", firstLine)
	}
	return domain.Classification{
		Category:  category,
		Reasoning: trimmed,
	}, nil
}

func (c *Classifier) buildPrompt(userID string, msg *domain.Message) (string, error) {
	body := msg.Body
	if body == "" {
		body = msg.Snippet
	}
	if len(body) > 4000 {
		body = body[:4000]
	}

	email := fmt.Sprintf("Subject: %s\nFrom: %s\n\n%s", msg.Subject, msg.Sender, body)

	custom, err := c.promptRepo.Get(userID, domain.PromptTypeClassification, "")
	if err != nil {
		return "", err
	}
	if custom != nil {
		return custom.Content + "\n\nEMAIL:\n" + email, nil
	}

	var categories []string
	for _, cat := range domain.AllCategories {
		categories = append(categories, "- "+string(cat))
	}

	return fmt.Sprintf(`You are an email triage assistant. Classify the email below into exactly one of these categories:

%s

Guidance:
- "Job Posting": the sender describes an open role they want to fill.
- "Candidate": the sender offers their own skills, availability or CV.
- "Irrelevant": newsletters, ads, automated notices, anything needing no reply.
- "Follow-ups": the sender is chasing a previous conversation.
- If nothing fits, answer "Other".

Respond with ONLY a JSON object in this exact shape, no other text:
{"classification": "<category name>", "confidence": <0-100>, "fields": {"<field>": "<value>"}, "reasoning": "<one sentence>"}

EMAIL:
%s`, strings.Join(categories, "\n"), email), nil
}
