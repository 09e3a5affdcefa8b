package usecase

import (
	"log"
	"regexp"
	"strings"
	"time"

	"mailpilot-backend/internal/autoreply/domain"
	"mailpilot-backend/internal/autoreply/repository"
)

// defaultBackoff applies when the provider error carries no parseable
// retry-after timestamp.
const defaultBackoff = time.Hour

var (
	retryUntilRe = regexp.MustCompile(`until (\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d+Z)`)
	retryAfterRe = regexp.MustCompile(`Retry after ([0-9\-T:\.Z]+)`)
)

// Governor gates reply sending behind provider-imposed backoff windows.
// A rejected send opens a window for the whole user, not just one thread.
type Governor struct {
	repo repository.RateLimitRepository
}

func NewGovernor(repo repository.RateLimitRepository) *Governor {
	return &Governor{repo: repo}
}

// Allow reports whether the user may send right now. When blocked it also
// returns the live backoff record.
func (g *Governor) Allow(userID string) (bool, *domain.RateLimitRecord, error) {
	record, err := g.repo.GetActiveLimit(userID)
	if err != nil {
		return false, nil, err
	}
	if record == nil {
		return true, nil, nil
	}
	return false, record, nil
}

// HandleSendError inspects a send failure and, if it is a provider rate
// limit rejection, opens a backoff window. Returns true when the error was
// consumed as a rate limit.
func (g *Governor) HandleSendError(userID string, err error) (bool, error) {
	if !IsRateLimitError(err) {
		return false, nil
	}

	retryAfter, ok := ParseRetryAfter(err.Error())
	if !ok {
		retryAfter = time.Now().Add(defaultBackoff)
	}

	record, addErr := g.repo.AddLimit(userID, retryAfter, err.Error())
	if addErr != nil {
		return true, addErr
	}

	log.Printf("[Governor] User %s rate limited until %s", userID, record.RetryAfter.Format(time.RFC3339))
	return true, nil
}

// Reset clears the user's backoff, for operator intervention.
func (g *Governor) Reset(userID string) error {
	return g.repo.ClearLimits(userID)
}

// Status returns the API view of the user's backoff.
func (g *Governor) Status(userID string) (*domain.RateLimitStatus, error) {
	record, err := g.repo.GetActiveLimit(userID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return &domain.RateLimitStatus{Limited: false}, nil
	}
	return &domain.RateLimitStatus{
		Limited:    true,
		RetryAfter: &record.RetryAfter,
		Reason:     record.Reason,
	}, nil
}

// IsRateLimitError reports whether err is a provider send-quota rejection.
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") && strings.Contains(msg, "rate limit exceeded")
}

// ParseRetryAfter extracts the provider-supplied retry timestamp from a
// rejection message. Two known phrasings are handled:
//
//	"User-rate limit exceeded. Retry after 2024-01-02T15:04:05.000Z"
//	"... until 2024-01-02T15:04:05.000Z"
func ParseRetryAfter(msg string) (time.Time, bool) {
	for _, re := range []*regexp.Regexp{retryUntilRe, retryAfterRe} {
		if m := re.FindStringSubmatch(msg); len(m) == 2 {
			for _, layout := range []string{"2006-01-02T15:04:05.000Z", time.RFC3339Nano, time.RFC3339} {
				if t, err := time.Parse(layout, m[1]); err == nil {
					return t, true
				}
			}
		}
	}
	return time.Time{}, false
}
