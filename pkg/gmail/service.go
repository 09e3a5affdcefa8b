package gmail

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strings"
	"time"

	"mailpilot-backend/internal/autoreply/domain"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// TokenUpdateFunc is a callback function that handles token updates
type TokenUpdateFunc = domain.TokenUpdateFunc

type Service struct {
	clientID     string
	clientSecret string
}

type notifyTokenSource struct {
	src      oauth2.TokenSource
	current  *oauth2.Token
	callback TokenUpdateFunc
}

func (s *notifyTokenSource) Token() (*oauth2.Token, error) {
	t, err := s.src.Token()
	if err != nil {
		return nil, err
	}
	if s.callback != nil && s.current.AccessToken != t.AccessToken {
		s.current = t
		if err := s.callback(t); err != nil {
			log.Printf("[Gmail] Failed to persist refreshed token: %v", err)
		}
	}
	return t, nil
}

func NewService(clientID, clientSecret string) *Service {
	return &Service{
		clientID:     clientID,
		clientSecret: clientSecret,
	}
}

// GetGmailService creates Gmail service with user's access token
func (s *Service) GetGmailService(ctx context.Context, accessToken, refreshToken string, onTokenRefresh TokenUpdateFunc) (*gmail.Service, error) {
	token := &oauth2.Token{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
	}

	// Only force refresh if we have a refresh token
	if refreshToken != "" {
		token.Expiry = time.Now()
	}

	config := &oauth2.Config{
		ClientID:     s.clientID,
		ClientSecret: s.clientSecret,
		Endpoint:     google.Endpoint,
	}

	tokenSource := config.TokenSource(ctx, token)

	// Wrap token source to detect refreshes
	wrappedSource := &notifyTokenSource{
		src:      tokenSource,
		current:  token,
		callback: onTokenRefresh,
	}

	client := oauth2.NewClient(ctx, wrappedSource)

	srv, err := gmail.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("unable to create Gmail service: %v", err)
	}

	return srv, nil
}

// CurrentHistoryID returns the mailbox's current history position.
func (s *Service) CurrentHistoryID(ctx context.Context, accessToken, refreshToken string, onTokenRefresh TokenUpdateFunc) (uint64, error) {
	srv, err := s.GetGmailService(ctx, accessToken, refreshToken, onTokenRefresh)
	if err != nil {
		return 0, err
	}

	profile, err := srv.Users.GetProfile("me").Do()
	if err != nil {
		return 0, fmt.Errorf("unable to get profile: %v", err)
	}

	return profile.HistoryId, nil
}

// ListHistory scans the change log from startHistoryID and returns the new
// unread inbox messages plus the latest history position seen. Gmail expires
// old history IDs; callers should treat a 404 as a signal to reset their
// cursor.
func (s *Service) ListHistory(ctx context.Context, accessToken, refreshToken string, startHistoryID uint64, onTokenRefresh TokenUpdateFunc) (*domain.HistoryPage, error) {
	srv, err := s.GetGmailService(ctx, accessToken, refreshToken, onTokenRefresh)
	if err != nil {
		return nil, err
	}

	page := &domain.HistoryPage{}
	seen := make(map[string]bool)
	pageToken := ""

	for {
		call := srv.Users.History.List("me").
			StartHistoryId(startHistoryID).
			HistoryTypes("messageAdded", "labelAdded").
			LabelId("INBOX")
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		resp, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("unable to list history: %v", err)
		}

		if resp.HistoryId > 0 {
			page.LatestHistoryID = fmt.Sprintf("%d", resp.HistoryId)
		}

		for _, h := range resp.History {
			for _, added := range h.MessagesAdded {
				if added.Message == nil || seen[added.Message.Id] {
					continue
				}
				if hasLabel(added.Message.LabelIds, "UNREAD") && hasLabel(added.Message.LabelIds, "INBOX") {
					seen[added.Message.Id] = true
					page.Added = append(page.Added, domain.MessageRef{
						MessageID: added.Message.Id,
						ThreadID:  added.Message.ThreadId,
					})
				}
			}
			for _, labeled := range h.LabelsAdded {
				if labeled.Message == nil || seen[labeled.Message.Id] {
					continue
				}
				if hasLabel(labeled.LabelIds, "UNREAD") && hasLabel(labeled.Message.LabelIds, "INBOX") {
					seen[labeled.Message.Id] = true
					page.Added = append(page.Added, domain.MessageRef{
						MessageID: labeled.Message.Id,
						ThreadID:  labeled.Message.ThreadId,
					})
				}
			}
		}

		pageToken = resp.NextPageToken
		if pageToken == "" {
			break
		}
	}

	return page, nil
}

// ListRecentUnread lists unread inbox messages matching the given search
// query, newest first. Used to seed the pipeline when no history cursor
// exists yet.
func (s *Service) ListRecentUnread(ctx context.Context, accessToken, refreshToken, query string, max int64, onTokenRefresh TokenUpdateFunc) ([]domain.MessageRef, error) {
	srv, err := s.GetGmailService(ctx, accessToken, refreshToken, onTokenRefresh)
	if err != nil {
		return nil, err
	}

	if query == "" {
		query = "is:unread newer_than:1h"
	}
	if max <= 0 {
		max = 50
	}

	resp, err := srv.Users.Messages.List("me").Q(query).MaxResults(max).Do()
	if err != nil {
		return nil, fmt.Errorf("unable to list messages: %v", err)
	}

	refs := make([]domain.MessageRef, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		refs = append(refs, domain.MessageRef{MessageID: m.Id, ThreadID: m.ThreadId})
	}

	return refs, nil
}

// GetMessage retrieves a single message, resolving its thread ID.
func (s *Service) GetMessage(ctx context.Context, accessToken, refreshToken, messageID string, onTokenRefresh TokenUpdateFunc) (*domain.Message, error) {
	srv, err := s.GetGmailService(ctx, accessToken, refreshToken, onTokenRefresh)
	if err != nil {
		return nil, err
	}

	msg, err := srv.Users.Messages.Get("me", messageID).Format("full").Do()
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve message: %v", err)
	}

	converted := convertGmailMessage(msg)
	return &converted, nil
}

// GetThread retrieves a full conversation with messages ordered by the
// provider-internal timestamp.
func (s *Service) GetThread(ctx context.Context, accessToken, refreshToken, threadID string, onTokenRefresh TokenUpdateFunc) (*domain.Thread, error) {
	srv, err := s.GetGmailService(ctx, accessToken, refreshToken, onTokenRefresh)
	if err != nil {
		return nil, err
	}

	t, err := srv.Users.Threads.Get("me", threadID).Format("full").Do()
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve thread: %v", err)
	}

	thread := &domain.Thread{ThreadID: t.Id}
	participants := make(map[string]bool)

	for _, m := range t.Messages {
		msg := convertGmailMessage(m)
		thread.Messages = append(thread.Messages, msg)

		if addr := extractAddr(msg.Sender); addr != "" {
			participants[addr] = true
		}
		for _, to := range msg.Recipients {
			if addr := extractAddr(to); addr != "" {
				participants[addr] = true
			}
		}
	}

	sort.Slice(thread.Messages, func(i, j int) bool {
		return thread.Messages[i].InternalDate < thread.Messages[j].InternalDate
	})

	if first := thread.FirstMessage(); first != nil {
		thread.Subject = first.Subject
	}
	if latest := thread.LatestMessage(); latest != nil {
		thread.LastUpdated = latest.Date
	}

	for p := range participants {
		thread.Participants = append(thread.Participants, p)
	}
	sort.Strings(thread.Participants)

	return thread, nil
}

// SendReply sends a reply into an existing conversation. In-Reply-To and
// References carry the Message-ID of the message being answered so the
// provider threads it correctly on the recipient's side too.
func (s *Service) SendReply(ctx context.Context, accessToken, refreshToken, fromName, fromEmail string, reply *domain.OutgoingReply, onTokenRefresh TokenUpdateFunc) (*domain.SendResult, error) {
	srv, err := s.GetGmailService(ctx, accessToken, refreshToken, onTokenRefresh)
	if err != nil {
		return nil, err
	}

	inReplyTo := reply.InReplyTo
	if inReplyTo == "" && reply.ThreadID != "" {
		// Fallback when the original message carried no Message-ID header
		inReplyTo = fmt.Sprintf("<%s@mail.gmail.com>", reply.ThreadID)
	}

	var emailMsg bytes.Buffer

	if fromName != "" && fromEmail != "" {
		encodedName := fmt.Sprintf("=?utf-8?B?%s?=", base64.StdEncoding.EncodeToString([]byte(fromName)))
		emailMsg.WriteString(fmt.Sprintf("From: %s <%s>\r\n", encodedName, fromEmail))
	}
	emailMsg.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(reply.To, ", ")))
	if len(reply.Cc) > 0 {
		emailMsg.WriteString(fmt.Sprintf("Cc: %s\r\n", strings.Join(reply.Cc, ", ")))
	}
	// Encode subject to handle non-ASCII characters (RFC 2047)
	encodedSubject := fmt.Sprintf("=?utf-8?B?%s?=", base64.StdEncoding.EncodeToString([]byte(reply.Subject)))
	emailMsg.WriteString(fmt.Sprintf("Subject: %s\r\n", encodedSubject))
	if inReplyTo != "" {
		emailMsg.WriteString(fmt.Sprintf("In-Reply-To: %s\r\n", inReplyTo))
		refs := reply.References
		if len(refs) == 0 {
			refs = []string{inReplyTo}
		}
		emailMsg.WriteString(fmt.Sprintf("References: %s\r\n", strings.Join(refs, " ")))
	}
	emailMsg.WriteString("MIME-Version: 1.0\r\n")
	if reply.HTML {
		emailMsg.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n\r\n")
	} else {
		emailMsg.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n\r\n")
	}
	emailMsg.WriteString(reply.Body)

	msg := &gmail.Message{
		Raw:      base64.URLEncoding.EncodeToString(emailMsg.Bytes()),
		ThreadId: reply.ThreadID,
	}

	sent, err := srv.Users.Messages.Send("me", msg).Do()
	if err != nil {
		return nil, fmt.Errorf("unable to send message: %v", err)
	}

	return &domain.SendResult{MessageID: sent.Id, ThreadID: sent.ThreadId}, nil
}

// MarkAsRead marks a message as read
func (s *Service) MarkAsRead(ctx context.Context, accessToken, refreshToken, messageID string, onTokenRefresh TokenUpdateFunc) error {
	srv, err := s.GetGmailService(ctx, accessToken, refreshToken, onTokenRefresh)
	if err != nil {
		return err
	}

	modifyReq := &gmail.ModifyMessageRequest{
		RemoveLabelIds: []string{"UNREAD"},
	}

	_, err = srv.Users.Messages.Modify("me", messageID, modifyReq).Do()
	if err != nil {
		return fmt.Errorf("unable to mark message as read: %v", err)
	}

	return nil
}

// Watch sets up push notifications for the user's mailbox
func (s *Service) Watch(ctx context.Context, accessToken, refreshToken string, topicName string, onTokenRefresh TokenUpdateFunc) error {
	srv, err := s.GetGmailService(ctx, accessToken, refreshToken, onTokenRefresh)
	if err != nil {
		return err
	}

	// Clear any existing watch first to avoid "Only one user push
	// notification client allowed" errors.
	log.Printf("[Gmail] Stopping existing watch for user...")
	_ = srv.Users.Stop("me").Do()

	req := &gmail.WatchRequest{
		TopicName: topicName,
		LabelIds:  []string{"INBOX"},
	}

	log.Printf("[Gmail] Starting watch on topic: %s", topicName)
	resp, err := srv.Users.Watch("me", req).Do()
	if err != nil {
		log.Printf("[Gmail] Watch API error: %v", err)
		return fmt.Errorf("unable to watch mailbox: %v", err)
	}
	log.Printf("[Gmail] Watch started. Expiration: %d, HistoryId: %d", resp.Expiration, resp.HistoryId)

	return nil
}

// Stop stops push notifications for the user's mailbox
func (s *Service) Stop(ctx context.Context, accessToken, refreshToken string, onTokenRefresh TokenUpdateFunc) error {
	srv, err := s.GetGmailService(ctx, accessToken, refreshToken, onTokenRefresh)
	if err != nil {
		return err
	}

	err = srv.Users.Stop("me").Do()
	if err != nil {
		return fmt.Errorf("unable to stop mailbox watch: %v", err)
	}

	return nil
}

// Helper functions

func convertGmailMessage(msg *gmail.Message) domain.Message {
	from := getHeader(msg.Payload.Headers, "From")

	toHeader := getHeader(msg.Payload.Headers, "To")
	var recipients []string
	for _, part := range strings.Split(toHeader, ",") {
		if addr := strings.TrimSpace(part); addr != "" {
			recipients = append(recipients, addr)
		}
	}

	body, isHTML := getEmailBody(msg.Payload)
	if isHTML {
		body = stripHTML(body)
	}

	return domain.Message{
		ID:           msg.Id,
		ThreadID:     msg.ThreadId,
		Sender:       from,
		Recipients:   recipients,
		Subject:      getHeader(msg.Payload.Headers, "Subject"),
		Snippet:      msg.Snippet,
		Body:         body,
		RFC822MsgID:  getHeader(msg.Payload.Headers, "Message-ID"),
		InternalDate: msg.InternalDate,
		Date:         time.Unix(msg.InternalDate/1000, 0),
		IsRead:       !hasLabel(msg.LabelIds, "UNREAD"),
	}
}

func getHeader(headers []*gmail.MessagePartHeader, name string) string {
	for _, header := range headers {
		if strings.EqualFold(header.Name, name) {
			return header.Value
		}
	}
	return ""
}

func getEmailBody(payload *gmail.MessagePart) (string, bool) {
	// If the payload itself is the body
	if payload.Body != nil && payload.Body.Data != "" {
		data, err := base64.URLEncoding.DecodeString(payload.Body.Data)
		if err == nil {
			return string(data), payload.MimeType == "text/html"
		}
	}

	var htmlBody string
	var plainBody string

	var findBody func(parts []*gmail.MessagePart)
	findBody = func(parts []*gmail.MessagePart) {
		for _, part := range parts {
			if part.MimeType == "text/html" {
				if part.Body != nil && part.Body.Data != "" {
					data, err := base64.URLEncoding.DecodeString(part.Body.Data)
					if err == nil {
						htmlBody = string(data)
					}
				}
			} else if part.MimeType == "text/plain" {
				if part.Body != nil && part.Body.Data != "" {
					data, err := base64.URLEncoding.DecodeString(part.Body.Data)
					if err == nil {
						plainBody = string(data)
					}
				}
			}

			if len(part.Parts) > 0 {
				findBody(part.Parts)
			}
		}
	}

	findBody(payload.Parts)

	// Prefer plain text for downstream classification and composition
	if plainBody != "" {
		return plainBody, false
	}
	return htmlBody, true
}

var htmlTagRe = regexp.MustCompile(`<[^>]*>`)

func stripHTML(s string) string {
	s = htmlTagRe.ReplaceAllString(s, " ")
	s = strings.ReplaceAll(s, "&nbsp;", " ")
	s = strings.ReplaceAll(s, "&lt;", "<")
	s = strings.ReplaceAll(s, "&gt;", ">")
	s = strings.ReplaceAll(s, "&amp;", "&")
	s = strings.ReplaceAll(s, "&quot;", "\"")
	return strings.Join(strings.Fields(s), " ")
}

func extractAddr(header string) string {
	if start := strings.Index(header, "<"); start >= 0 {
		if end := strings.Index(header[start:], ">"); end > 0 {
			return strings.TrimSpace(header[start+1 : start+end])
		}
	}
	return strings.TrimSpace(header)
}

func hasLabel(labels []string, labelID string) bool {
	for _, label := range labels {
		if label == labelID {
			return true
		}
	}
	return false
}
