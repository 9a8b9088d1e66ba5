package mail

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"triggerhappy/internal/common/errors"
	"triggerhappy/internal/services"
)

const rawMessage = "From: Bob <bob@example.com>\r\n" +
	"To: Alice <alice@example.com>\r\n" +
	"Subject: weekly report\r\n" +
	"Date: Mon, 04 May 2020 09:00:00 +0000\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"numbers are up\r\n"

type fakeSession struct {
	selected  string
	searched  *imap.SearchCriteria
	messages  []*imap.Message
	searchErr error
	loggedOut bool
}

func (f *fakeSession) Select(name string, readOnly bool) (*imap.MailboxStatus, error) {
	f.selected = name
	return &imap.MailboxStatus{Name: name}, nil
}

func (f *fakeSession) Search(criteria *imap.SearchCriteria) ([]uint32, error) {
	f.searched = criteria
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	ids := make([]uint32, len(f.messages))
	for i := range f.messages {
		ids[i] = uint32(i + 1)
	}
	return ids, nil
}

func (f *fakeSession) Fetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error {
	for _, msg := range f.messages {
		ch <- msg
	}
	close(ch)
	return nil
}

func (f *fakeSession) Logout() error {
	f.loggedOut = true
	return nil
}

func testConnection() services.Connection {
	return services.Connection{
		Credential: "hunter2",
		Settings: map[string]string{
			SettingServer:   "imap.example.com:993",
			SettingUsername: "alice",
		},
	}
}

func testMessage(t *testing.T) *imap.Message {
	t.Helper()
	section := &imap.BodySectionName{}
	date := time.Date(2020, 5, 4, 9, 0, 0, 0, time.UTC)
	return &imap.Message{
		Envelope: &imap.Envelope{Subject: "weekly report", Date: date},
		Body: map[*imap.BodySectionName]imap.Literal{
			section: bytes.NewBufferString(rawMessage),
		},
	}
}

func TestFetchReturnsMessages(t *testing.T) {
	session := &fakeSession{messages: []*imap.Message{testMessage(t)}}
	svc := NewService(func(addr, username, password string) (Session, error) {
		assert.Equal(t, "imap.example.com:993", addr)
		assert.Equal(t, "alice", username)
		assert.Equal(t, "hunter2", password)
		return session, nil
	})

	since := time.Date(2020, 5, 1, 0, 0, 0, 0, time.UTC)
	items, err := svc.Fetch(context.Background(), testConnection(), since)
	require.NoError(t, err)
	require.Len(t, items, 1)

	assert.Equal(t, "weekly report", items[0].Title)
	assert.Equal(t, "numbers are up\r\n", items[0].Content)
	require.NotNil(t, items[0].PublishedAt)
	assert.Equal(t, time.Date(2020, 5, 4, 9, 0, 0, 0, time.UTC), items[0].PublishedAt.UTC())

	assert.Equal(t, "INBOX", session.selected)
	assert.True(t, session.searched.Since.Equal(since))
	assert.True(t, session.loggedOut, "session is closed after the fetch")
}

func TestFetchCustomFolder(t *testing.T) {
	session := &fakeSession{}
	svc := NewService(func(addr, username, password string) (Session, error) { return session, nil })

	conn := testConnection()
	conn.Settings[SettingFolder] = "Newsletters"
	items, err := svc.Fetch(context.Background(), conn, time.Now())
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Equal(t, "Newsletters", session.selected)
}

func TestFetchSearchError(t *testing.T) {
	session := &fakeSession{searchErr: errors.ConnectionError("server closed connection", nil)}
	svc := NewService(func(addr, username, password string) (Session, error) { return session, nil })

	_, err := svc.Fetch(context.Background(), testConnection(), time.Now())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeFetch))
	assert.True(t, session.loggedOut)
}

func TestFetchMissingSettings(t *testing.T) {
	svc := NewService(func(addr, username, password string) (Session, error) {
		t.Fatal("dialer must not be called")
		return nil, nil
	})

	_, err := svc.Fetch(context.Background(), services.Connection{}, time.Now())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeValidation))
}

func TestFetchDialFailure(t *testing.T) {
	svc := NewService(func(addr, username, password string) (Session, error) {
		return nil, errors.ConnectionError("connection refused", nil)
	})

	_, err := svc.Fetch(context.Background(), testConnection(), time.Now())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeFetch))
}
