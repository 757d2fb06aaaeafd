package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/emersion/go-imap/backend/memory"
	"github.com/emersion/go-imap/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailhub/pkg/types"
)

func rawMessage(n int, body string) []byte {
	return []byte(fmt.Sprintf("From: Alice <Alice@Example.COM>\r\n"+
		"To: me@example.com\r\n"+
		"Subject: Message %d\r\n"+
		"Date: %s\r\n"+
		"Message-Id: <msg-%d@example.com>\r\n"+
		"Content-Type: text/plain; charset=utf-8\r\n"+
		"\r\n"+
		"%s\r\n", n, baseDate.Add(time.Duration(n)*time.Minute).Format(time.RFC1123Z), n, body))
}

type imapServer struct {
	cred  *types.Credential
	roots *x509.CertPool
}

// newIMAPServer serves a memory backend over TLS. INBOX holds the backend's
// sample message (UID 6) followed by Message 7 through Message 10.
func newIMAPServer(t *testing.T) *imapServer {
	t.Helper()
	be := memory.New()
	user, err := be.Login(nil, "username", "password")
	require.NoError(t, err)
	require.NoError(t, user.CreateMailbox("Trash"))
	require.NoError(t, user.CreateMailbox("Sent"))
	inbox, err := user.GetMailbox("INBOX")
	require.NoError(t, err)
	for n := 7; n <= 10; n++ {
		body := "plain body"
		if n == 8 {
			body = "pineapple pizza"
		}
		require.NoError(t, inbox.CreateMessage(nil, baseDate, bytes.NewBuffer(rawMessage(n, body))))
	}

	serverTLS, roots := testTLS(t)
	l, err := tls.Listen("tcp", "127.0.0.1:0", serverTLS)
	require.NoError(t, err)
	s := server.New(be)
	s.AllowInsecureAuth = true
	go s.Serve(l) //nolint:errcheck
	t.Cleanup(func() { s.Close() })

	return &imapServer{
		cred: &types.Credential{
			IMAPHost:     "127.0.0.1",
			IMAPPort:     l.Addr().(*net.TCPAddr).Port,
			IMAPUsername: "username",
			IMAPPassword: "password",
		},
		roots: roots,
	}
}

func (s *imapServer) client(t *testing.T) *IMAPClient {
	t.Helper()
	c := NewIMAPClient(s.cred, 5*time.Second, quietLogger())
	c.roots = s.roots
	t.Cleanup(func() { c.Close() })
	return c
}

func uidsOf(t *testing.T, page *IMAPPage) []uint32 {
	t.Helper()
	out := make([]uint32, len(page.Messages))
	for i, m := range page.Messages {
		_, uid, err := parseCompositeID(m.RemoteID)
		require.NoError(t, err)
		out[i] = uid
	}
	return out
}

func TestIMAPClientListMailboxes(t *testing.T) {
	c := newIMAPServer(t).client(t)

	boxes, err := c.ListMailboxes(context.Background())
	require.NoError(t, err)
	byName := make(map[string]types.Mailbox)
	for _, mb := range boxes {
		byName[mb.Name] = mb
	}
	require.Contains(t, byName, "INBOX")
	assert.Equal(t, "inbox", byName["INBOX"].Type)
	assert.Equal(t, 5, byName["INBOX"].Total)
	assert.Contains(t, byName, "Trash")
	assert.Zero(t, byName["Sent"].Total)
}

func TestIMAPClientListMessagesPages(t *testing.T) {
	c := newIMAPServer(t).client(t)
	ctx := context.Background()

	page, err := c.ListMessages(ctx, "INBOX", 2, 0, "")
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	assert.Equal(t, []uint32{10, 9}, uidsOf(t, page))
	assert.Equal(t, uint32(9), page.Next)

	newest := page.Messages[0]
	assert.Equal(t, "Message 10", newest.Subject)
	assert.Equal(t, "alice@example.com", newest.SenderEmail)
	assert.Equal(t, "Alice", newest.SenderName)
	assert.Equal(t, "<msg-10@example.com>", newest.MessageID)
	assert.Equal(t, "INBOX|10", newest.RemoteID)
	assert.Contains(t, newest.BodyText, "plain body")

	page, err = c.ListMessages(ctx, "INBOX", 2, page.Next, "")
	require.NoError(t, err)
	assert.Equal(t, []uint32{8, 7}, uidsOf(t, page))
	assert.Equal(t, uint32(7), page.Next)

	page, err = c.ListMessages(ctx, "INBOX", 2, page.Next, "")
	require.NoError(t, err)
	assert.Equal(t, []uint32{6}, uidsOf(t, page))
	assert.Zero(t, page.Next)
	assert.True(t, page.Messages[0].IsRead)

	page, err = c.ListMessages(ctx, "INBOX", 10, 0, "pineapple")
	require.NoError(t, err)
	assert.Equal(t, []uint32{8}, uidsOf(t, page))
}

func TestIMAPClientStoreFlags(t *testing.T) {
	c := newIMAPServer(t).client(t)
	ctx := context.Background()

	require.NoError(t, c.StoreFlags(ctx, "INBOX", 7, []string{`\Flagged`, importantKeyword}, true))
	require.NoError(t, c.StoreFlags(ctx, "INBOX", 6, []string{`\Seen`}, false))
	require.NoError(t, c.StoreFlags(ctx, "INBOX", 6, nil, true))

	got, err := c.FetchMessage(ctx, "INBOX", 7)
	require.NoError(t, err)
	assert.True(t, got.Email.IsStarred)
	assert.True(t, got.Email.IsImportant)
	assert.False(t, got.Email.IsRead)
	assert.NotEmpty(t, got.Raw)

	got, err = c.FetchMessage(ctx, "INBOX", 6)
	require.NoError(t, err)
	assert.False(t, got.Email.IsRead)

	_, err = c.FetchMessage(ctx, "INBOX", 99)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestIMAPClientTrashThenDelete(t *testing.T) {
	c := newIMAPServer(t).client(t)
	ctx := context.Background()

	trash, uid, err := c.MoveToTrash(ctx, "INBOX", 8, "<msg-8@example.com>")
	require.NoError(t, err)
	assert.Equal(t, "Trash", trash)
	assert.Equal(t, uint32(1), uid)

	inbox, err := c.ListMessages(ctx, "INBOX", 10, 0, "")
	require.NoError(t, err)
	assert.Equal(t, []uint32{10, 9, 7, 6}, uidsOf(t, inbox))

	moved, err := c.FetchMessage(ctx, trash, uid)
	require.NoError(t, err)
	assert.Equal(t, "Message 8", moved.Email.Subject)
	assert.Equal(t, "Trash|1", moved.Email.RemoteID)

	_, _, err = c.MoveToTrash(ctx, "Trash", uid, "")
	assert.ErrorIs(t, err, types.ErrValidation)

	// a second trash lands on the next UID even without a Message-ID
	_, uid2, err := c.MoveToTrash(ctx, "INBOX", 7, "")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), uid2)

	require.NoError(t, c.Delete(ctx, trash, uid))
	left, err := c.ListMessages(ctx, trash, 10, 0, "")
	require.NoError(t, err)
	assert.Equal(t, []uint32{2}, uidsOf(t, left))
}

func TestIMAPClientDeleteKeepsOtherDeletedMessages(t *testing.T) {
	c := newIMAPServer(t).client(t)
	ctx := context.Background()

	// another client marked 9 for deletion without expunging
	require.NoError(t, c.StoreFlags(ctx, "INBOX", 9, []string{`\Deleted`}, true))
	require.NoError(t, c.Delete(ctx, "INBOX", 10))

	page, err := c.ListMessages(ctx, "INBOX", 10, 0, "")
	require.NoError(t, err)
	assert.Equal(t, []uint32{9, 8, 7, 6}, uidsOf(t, page))

	// 9 is still flagged, so deleting 8 must not take it along either
	require.NoError(t, c.Delete(ctx, "INBOX", 8))
	page, err = c.ListMessages(ctx, "INBOX", 10, 0, "")
	require.NoError(t, err)
	assert.Equal(t, []uint32{9, 7, 6}, uidsOf(t, page))
}

func TestIMAPClientAppendSent(t *testing.T) {
	c := newIMAPServer(t).client(t)
	ctx := context.Background()

	raw, err := composeMessage("me@example.com", &SendRequest{To: []string{"bob@example.com"}, Subject: "Lunch", Body: "Noon?"},
		"sent-1@example.com", false, baseDate)
	require.NoError(t, err)

	sent, uid, err := c.AppendSent(ctx, raw, "<sent-1@example.com>")
	require.NoError(t, err)
	assert.Equal(t, "Sent", sent)
	assert.Equal(t, uint32(1), uid)

	got, err := c.FetchMessage(ctx, sent, uid)
	require.NoError(t, err)
	assert.Equal(t, "Lunch", got.Email.Subject)
	assert.True(t, got.Email.IsRead)

	_, uid, err = c.AppendSent(ctx, raw, "<sent-1@example.com>")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), uid, "the newest copy wins")
}

func TestIMAPClientConnectErrors(t *testing.T) {
	srv := newIMAPServer(t)
	ctx := context.Background()

	bad := *srv.cred
	bad.IMAPPassword = "wrong"
	c := NewIMAPClient(&bad, 5*time.Second, quietLogger())
	c.roots = srv.roots
	_, err := c.ListMailboxes(ctx)
	assert.ErrorIs(t, err, types.ErrAuthExpired)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	closed := *srv.cred
	closed.IMAPPort = l.Addr().(*net.TCPAddr).Port
	l.Close()
	c = NewIMAPClient(&closed, 5*time.Second, quietLogger())
	_, err = c.ListMailboxes(ctx)
	assert.ErrorIs(t, err, types.ErrProviderUnavailable)
}
