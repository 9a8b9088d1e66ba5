// Package mail implements the mailbox provider. It polls an IMAP folder
// and turns messages received since the watermark into items. IMAP is
// read-only here; there is no consumer role.
package mail

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"

	"triggerhappy/internal/common/errors"
	"triggerhappy/internal/services"
)

const ServiceName = "mail"

// Connection settings
const (
	SettingServer   = "server"   // host:port
	SettingUsername = "username" // login; credential is the password
	SettingFolder   = "folder"   // defaults to INBOX
)

// Session is the slice of the IMAP client the provider needs. client.Client
// satisfies it; tests substitute a fake.
type Session interface {
	Select(name string, readOnly bool) (*imap.MailboxStatus, error)
	Search(criteria *imap.SearchCriteria) ([]uint32, error)
	Fetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error
	Logout() error
}

// Dialer opens an authenticated IMAP session
type Dialer func(addr, username, password string) (Session, error)

// DialTLS is the production dialer
func DialTLS(addr, username, password string) (Session, error) {
	c, err := client.DialTLS(addr, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	if err := c.Login(username, password); err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("login failed: %w", err)
	}
	return c, nil
}

type Service struct {
	dial Dialer
}

func NewService(dial Dialer) *Service {
	if dial == nil {
		dial = DialTLS
	}
	return &Service{dial: dial}
}

// Factory registers the plugin under its service name
func Factory() services.Factory {
	return services.FactoryFunc{
		Name: ServiceName,
		Fn:   func() (services.Plugin, error) { return NewService(nil), nil },
	}
}

func (s *Service) Name() string { return ServiceName }

// Fetch lists messages received since the watermark. The IMAP SINCE search
// is date-granular, so the server may return messages from earlier the
// same day; the caller's watermark filter discards those.
func (s *Service) Fetch(ctx context.Context, conn services.Connection, since time.Time) ([]services.FetchedItem, error) {
	addr := conn.Setting(SettingServer)
	username := conn.Setting(SettingUsername)
	if addr == "" || username == "" {
		return nil, errors.ValidationError("connection needs " + SettingServer + " and " + SettingUsername + " settings")
	}
	folder := conn.Setting(SettingFolder)
	if folder == "" {
		folder = "INBOX"
	}

	session, err := s.dial(addr, username, conn.Credential)
	if err != nil {
		return nil, errors.FetchError("opening mailbox session", err)
	}
	defer session.Logout()

	if _, err := session.Select(folder, true); err != nil {
		return nil, errors.FetchError("selecting folder "+folder, err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.Since = since
	ids, err := session.Search(criteria)
	if err != nil {
		return nil, errors.FetchError("searching mailbox", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)

	section := &imap.BodySectionName{}
	fetchItems := []imap.FetchItem{imap.FetchEnvelope, section.FetchItem()}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- session.Fetch(seqset, fetchItems, messages)
	}()

	var items []services.FetchedItem
	for msg := range messages {
		items = append(items, messageItem(msg, section))
	}
	if err := <-done; err != nil {
		return nil, errors.FetchError("fetching messages", err)
	}
	return items, nil
}

// messageItem maps one message: subject as title, first inline part as
// content, envelope date as the timestamp.
func messageItem(msg *imap.Message, section *imap.BodySectionName) services.FetchedItem {
	item := services.FetchedItem{}

	if msg.Envelope != nil {
		item.Title = msg.Envelope.Subject
		if !msg.Envelope.Date.IsZero() {
			date := msg.Envelope.Date
			item.PublishedAt = &date
		}
	}

	if body := msg.GetBody(section); body != nil {
		item.Content = textBody(body)
	}
	return item
}

func textBody(r io.Reader) string {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return ""
	}
	for {
		part, err := mr.NextPart()
		if err != nil {
			return ""
		}
		if _, ok := part.Header.(*mail.InlineHeader); ok {
			b, err := io.ReadAll(part.Body)
			if err != nil {
				return ""
			}
			return string(b)
		}
	}
}
