package usecase

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"mailpilot-backend/internal/autoreply/domain"
	"mailpilot-backend/internal/autoreply/repository"
	"mailpilot-backend/pkg/ai"
)

var placeholderRe = regexp.MustCompile(`\[([^\]]+)\]`)

// Composer drafts the reply body for a classified thread, grounded on the
// retrieved context threads.
type Composer struct {
	ai         ai.CompletionService
	promptRepo repository.CustomPromptRepository
}

func NewComposer(aiSvc ai.CompletionService, promptRepo repository.CustomPromptRepository) *Composer {
	return &Composer{
		ai:         aiSvc,
		promptRepo: promptRepo,
	}
}

// ComposeReply generates the reply text. The draft is post-processed so it
// can be sent as-is: markdown fences are dropped and leftover template
// placeholders are unwrapped rather than shipped to a real correspondent.
// An empty draft returns ("", nil): the model declining to answer means no
// reply, not a failure.
func (c *Composer) ComposeReply(ctx context.Context, userID, userName string, thread *domain.Thread, category domain.Category, contextThreads []domain.ThreadSummary, useHTML bool) (string, error) {
	latest := thread.LatestMessage()
	if latest == nil {
		return "", fmt.Errorf("thread %s has no messages", thread.ThreadID)
	}

	prompt, err := c.buildPrompt(userID, userName, latest, category, contextThreads)
	if err != nil {
		return "", err
	}

	draft, err := c.ai.Complete(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("reply composition failed: %w", err)
	}

	body := CleanDraft(draft)
	if body == "" {
		return "", nil
	}

	if useHTML {
		body = strings.ReplaceAll(body, "\n", "<br>\n")
	}
	return body, nil
}

func (c *Composer) buildPrompt(userID, userName string, msg *domain.Message, category domain.Category, contextThreads []domain.ThreadSummary) (string, error) {
	body := msg.Body
	if body == "" {
		body = msg.Snippet
	}
	if len(body) > 4000 {
		body = body[:4000]
	}

	email := fmt.Sprintf("Subject: %s\nFrom: %s\n\n%s", msg.Subject, msg.Sender, body)
	contextBlock := formatContext(contextThreads)

	custom, err := c.promptRepo.Get(userID, domain.PromptTypeAutoReply, category)
	if err != nil {
		return "", err
	}
	if custom != nil {
		return fmt.Sprintf("%s\n\nCONTEXT THREADS:\n%s\n\nEMAIL TO ANSWER:\n%s", custom.Content, contextBlock, email), nil
	}

	common := fmt.Sprintf(`You are writing an email reply on behalf of %s. Rules:
- Write only the reply body, no subject line and no commentary.
- Be concise, professional and friendly.
- Never invent facts that are not in the email or the context threads.
- Do not use placeholders like [Name]; write real text only.
- Sign off as %s.`, userName, userName)

	switch category {
	case domain.CategoryJobPosting:
		return fmt.Sprintf(`%s

The email below is a job posting. The context threads are candidates from past conversations. Recommend the best matching candidates, at most 3, using exactly this format for each:
1. <candidate name or thread subject> - <match percentage>%% match: <one-line reason>

If no context thread is a plausible candidate, thank the sender and say you will reach out once a suitable candidate appears.

CANDIDATE THREADS:
%s

JOB POSTING:
%s

REPLY:`, common, contextBlock, email), nil

	case domain.CategoryCandidate:
		return fmt.Sprintf(`%s

The email below is from a candidate offering their skills. The context threads are open job postings from past conversations. Recommend the best matching openings, at most 3, using exactly this format for each:
1. <role or thread subject> - <match percentage>%% match: <one-line reason>

If no context thread is a plausible opening, thank the candidate and say you will keep their profile in mind.

JOB POSTING THREADS:
%s

CANDIDATE EMAIL:
%s

REPLY:`, common, contextBlock, email), nil

	default:
		return fmt.Sprintf(`%s

Answer the email below using ONLY the email itself and the context threads. Do not add general-knowledge explanations or definitions; if the context does not answer the question, say so.

CONTEXT THREADS:
%s

EMAIL TO ANSWER:
%s

REPLY:`, common, contextBlock, email), nil
	}
}

func formatContext(threads []domain.ThreadSummary) string {
	if len(threads) == 0 {
		return "(none)"
	}

	maxScore := threads[0].Score
	for _, t := range threads {
		if t.Score > maxScore {
			maxScore = t.Score
		}
	}

	var b strings.Builder
	for i, t := range threads {
		pct := 0
		if maxScore > 0 {
			pct = int(t.Score / maxScore * 100)
		}
		preview := t.TextPreview
		if len(preview) > 500 {
			preview = preview[:500]
		}
		fmt.Fprintf(&b, "[%d] Subject: %s\nCategory: %s\nRelevance: %d%%\n%s\n\n", i+1, t.Subject, t.Category, pct, preview)
	}
	return strings.TrimSpace(b.String())
}

// CleanDraft strips markdown fences and unwraps bracketed placeholders the
// model left behind.
func CleanDraft(draft string) string {
	s := strings.TrimSpace(draft)
	s = strings.TrimPrefix(s, "```html")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)
	return placeholderRe.ReplaceAllString(s, "$1")
}
