package imap

import (
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"time"

	"mailpilot-backend/internal/autoreply/domain"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
)

// Service is the poll-only gateway for accounts on plain IMAP providers.
// These accounts have no change log and no push channel, so the detector
// reaches them exclusively through ListRecentUnread.
type Service struct{}

func NewService() *Service {
	return &Service{}
}

func (s *Service) connect(server string, port int, email, password string) (*client.Client, error) {
	addr := fmt.Sprintf("%s:%d", server, port)

	c, err := client.DialTLS(addr, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to IMAP server: %v", err)
	}

	if err := c.Login(email, password); err != nil {
		c.Logout()
		return nil, fmt.Errorf("IMAP login failed: %v", err)
	}

	return c, nil
}

// ListRecentUnread returns unseen inbox messages received since the given
// time, oldest first.
func (s *Service) ListRecentUnread(server string, port int, email, password string, since time.Time) ([]domain.Message, error) {
	c, err := s.connect(server, port, email, password)
	if err != nil {
		return nil, err
	}
	defer c.Logout()

	if _, err := c.Select("INBOX", true); err != nil {
		return nil, fmt.Errorf("unable to select INBOX: %v", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	criteria.Since = since

	ids, err := c.Search(criteria)
	if err != nil {
		return nil, fmt.Errorf("IMAP search failed: %v", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchInternalDate, section.FetchItem()}

	messages := make(chan *imap.Message, len(ids))
	done := make(chan error, 1)
	go func() {
		done <- c.Fetch(seqset, items, messages)
	}()

	var out []domain.Message
	for msg := range messages {
		converted, err := convertIMAPMessage(msg, section)
		if err != nil {
			log.Printf("[IMAP] Skipping unreadable message: %v", err)
			continue
		}
		out = append(out, converted)
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("IMAP fetch failed: %v", err)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].InternalDate < out[j].InternalDate
	})

	return out, nil
}

func convertIMAPMessage(msg *imap.Message, section *imap.BodySectionName) (domain.Message, error) {
	var converted domain.Message

	if msg.Envelope == nil {
		return converted, fmt.Errorf("message %d has no envelope", msg.SeqNum)
	}

	converted.ID = msg.Envelope.MessageId
	converted.RFC822MsgID = msg.Envelope.MessageId
	converted.Subject = msg.Envelope.Subject
	converted.Date = msg.Envelope.Date
	converted.InternalDate = msg.InternalDate.UnixMilli()
	// IMAP has no thread grouping; fall back to the Message-ID chain root
	converted.ThreadID = threadKey(msg.Envelope)

	if len(msg.Envelope.From) > 0 {
		converted.Sender = formatAddress(msg.Envelope.From[0])
	}
	for _, to := range msg.Envelope.To {
		converted.Recipients = append(converted.Recipients, formatAddress(to))
	}

	body := msg.GetBody(section)
	if body == nil {
		converted.Body = converted.Snippet
		return converted, nil
	}

	mr, err := mail.CreateReader(body)
	if err != nil {
		return converted, fmt.Errorf("unable to parse message body: %v", err)
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		if _, ok := part.Header.(*mail.InlineHeader); ok {
			data, err := io.ReadAll(part.Body)
			if err == nil && converted.Body == "" {
				converted.Body = string(data)
			}
		}
	}

	converted.Snippet = snippet(converted.Body, 200)
	return converted, nil
}

// threadKey derives a stable conversation key for providers without native
// threading: the first entry of the References chain, or the message's own
// ID for a thread starter.
func threadKey(env *imap.Envelope) string {
	if env.InReplyTo != "" {
		return strings.Trim(strings.Fields(env.InReplyTo)[0], "<>")
	}
	return strings.Trim(env.MessageId, "<>")
}

func formatAddress(addr *imap.Address) string {
	email := addr.MailboxName + "@" + addr.HostName
	if addr.PersonalName != "" {
		return fmt.Sprintf("%s <%s>", addr.PersonalName, email)
	}
	return email
}

func snippet(body string, max int) string {
	body = strings.Join(strings.Fields(body), " ")
	if len(body) > max {
		return body[:max]
	}
	return body
}
