package domain

import (
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// TokenUpdateFunc is invoked by the mail gateway whenever a user's OAuth
// token is refreshed, so the new token can be persisted.
type TokenUpdateFunc = func(token *oauth2.Token) error

// Message is a single email inside a thread. Immutable once fetched except
// for IsRead.
type Message struct {
	ID           string    `json:"id"`
	ThreadID     string    `json:"thread_id"`
	Sender       string    `json:"sender"`
	Recipients   []string  `json:"recipients"`
	Subject      string    `json:"subject"`
	Snippet      string    `json:"snippet"`
	Body         string    `json:"body"`
	RFC822MsgID  string    `json:"rfc822_msg_id"` // the real Message-ID header, used for reply threading
	InternalDate int64     `json:"internal_date"` // provider-internal timestamp, ms
	Date         time.Time `json:"date"`
	IsRead       bool      `json:"is_read"`
}

// Thread is a provider-grouped conversation. Messages are ordered by the
// provider-internal timestamp, not arrival order.
type Thread struct {
	ThreadID     string    `json:"thread_id"`
	Subject      string    `json:"subject"`
	Participants []string  `json:"participants"`
	Messages     []Message `json:"messages"`
	LastUpdated  time.Time `json:"last_updated"`
}

func (t *Thread) MessageCount() int {
	return len(t.Messages)
}

func (t *Thread) LatestMessage() *Message {
	if len(t.Messages) == 0 {
		return nil
	}
	return &t.Messages[len(t.Messages)-1]
}

func (t *Thread) FirstMessage() *Message {
	if len(t.Messages) == 0 {
		return nil
	}
	return &t.Messages[0]
}

// UserAlreadyReplied reports whether userEmail sent any message in the thread
// before the latest one.
func (t *Thread) UserAlreadyReplied(userEmail string) bool {
	if len(t.Messages) < 2 {
		return false
	}
	for _, msg := range t.Messages[:len(t.Messages)-1] {
		if strings.EqualFold(extractAddress(msg.Sender), userEmail) {
			return true
		}
	}
	return false
}

// extractAddress pulls the bare address out of a "Name <addr>" header value.
func extractAddress(sender string) string {
	if start := strings.Index(sender, "<"); start >= 0 {
		if end := strings.Index(sender[start:], ">"); end > 0 {
			return strings.TrimSpace(sender[start+1 : start+end])
		}
	}
	return strings.TrimSpace(sender)
}

// MessageRef identifies a message reported by a notification source before
// the full thread has been fetched.
type MessageRef struct {
	MessageID string
	ThreadID  string
}

// HistoryPage is one scan of the provider change log.
type HistoryPage struct {
	Added           []MessageRef
	LatestHistoryID string
}

// OutgoingReply is a reply about to be sent through the gateway.
type OutgoingReply struct {
	To         []string
	Cc         []string
	Subject    string
	Body       string
	ThreadID   string
	InReplyTo  string   // Message-ID header of the message being replied to
	References []string // References chain for correct provider threading
	HTML       bool
}

// SendResult is the provider's acknowledgment of a sent message.
type SendResult struct {
	MessageID string `json:"message_id"`
	ThreadID  string `json:"thread_id"`
}

// ThreadSummary is an indexed thread as returned by retrieval.
type ThreadSummary struct {
	ThreadID     string   `json:"thread_id"`
	Subject      string   `json:"subject"`
	Participants []string `json:"participants"`
	Category     Category `json:"category"`
	MessageCount int      `json:"message_count"`
	LastUpdated  string   `json:"last_updated"`
	TextPreview  string   `json:"text_preview"`
	FullContent  string   `json:"full_content"`
	Score        float64  `json:"score"`
}
