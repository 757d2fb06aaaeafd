package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailhub/internal/cache"
	"github.com/brandon/mailhub/internal/config"
	"github.com/brandon/mailhub/pkg/types"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestStore(t *testing.T) *cache.Store {
	t.Helper()
	logger := quietLogger()
	c, err := cache.NewCache(cache.MemoryPath, logger)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return cache.NewStore(c, logger)
}

func seedIMAPAccount(t *testing.T, s *cache.Store) *types.Account {
	t.Helper()
	ctx := context.Background()
	id, err := s.UpsertAccount(ctx, &config.AccountConfig{
		Name:         "work",
		Email:        "me@example.com",
		Backend:      types.BackendIMAPSMTP,
		IMAPHost:     "imap.example.com",
		IMAPPort:     993,
		IMAPUsername: "me",
		IMAPPassword: "pw",
		SMTPHost:     "smtp.example.com",
		SMTPPort:     587,
		SMTPUsername: "me",
		SMTPPassword: "pw",
	})
	require.NoError(t, err)
	acc, err := s.GetAccount(ctx, id)
	require.NoError(t, err)
	return acc
}

var baseDate = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// fakeIMAP serves a single mailbox of numbered messages. UID n is dated
// n minutes after baseDate.
type fakeIMAP struct {
	mu        sync.Mutex
	mailbox   string
	messages  map[uint32]types.Email
	listCalls int
	stored    []string
	trashed   []uint32
	deleted   []string
	appended  int
	nextUID   map[string]uint32
	unlocated bool // copies get no discoverable UID
	failWith  error
}

func newFakeIMAP(mailbox string, n int) *fakeIMAP {
	f := &fakeIMAP{mailbox: mailbox, messages: make(map[uint32]types.Email), nextUID: map[string]uint32{"Trash": 1, "Sent": 1}}
	for uid := uint32(1); uid <= uint32(n); uid++ {
		f.messages[uid] = types.Email{
			RemoteID:    compositeID(mailbox, uid),
			Mailbox:     mailbox,
			Labels:      []string{mailbox},
			Subject:     fmt.Sprintf("Message %d", uid),
			SenderName:  "Alice",
			SenderEmail: "alice@example.com",
			Recipients:  []string{"me@example.com"},
			Date:        baseDate.Add(time.Duration(uid) * time.Minute),
			BodyText:    fmt.Sprintf("body %d", uid),
			Snippet:     fmt.Sprintf("body %d", uid),
		}
	}
	return f
}

func (f *fakeIMAP) ListMailboxes(ctx context.Context) ([]types.Mailbox, error) {
	return []types.Mailbox{{ID: f.mailbox, Name: f.mailbox, Type: "inbox", Total: len(f.messages)}}, nil
}

func (f *fakeIMAP) ListMessages(ctx context.Context, mailbox string, pageSize int, before uint32, search string) (*IMAPPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.failWith != nil {
		return nil, f.failWith
	}

	uids := make([]uint32, 0, len(f.messages))
	for uid, m := range f.messages {
		if search != "" && !strings.Contains(strings.ToLower(m.Subject), strings.ToLower(search)) {
			continue
		}
		if before == 0 || uid < before {
			uids = append(uids, uid)
		}
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] > uids[j] })

	page := &IMAPPage{Total: len(f.messages)}
	if len(uids) > pageSize {
		page.Next = uids[pageSize-1]
		uids = uids[:pageSize]
	}
	for _, uid := range uids {
		page.Messages = append(page.Messages, f.messages[uid])
	}
	return page, nil
}

func (f *fakeIMAP) FetchMessage(ctx context.Context, mailbox string, uid uint32) (*IMAPMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[uid]
	if !ok {
		return nil, types.Errorf(types.KindNotFound, "fetch message", "uid %d not found", uid)
	}
	return &IMAPMessage{Email: m, Raw: []byte(attachmentMessage)}, nil
}

func (f *fakeIMAP) StoreFlags(ctx context.Context, mailbox string, uid uint32, flags []string, add bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	sign := "-"
	if add {
		sign = "+"
	}
	for _, fl := range flags {
		f.stored = append(f.stored, sign+fl)
	}
	return nil
}

// assign hands out the next UID of a trash or sent mailbox
func (f *fakeIMAP) assign(mailbox string) uint32 {
	uid := f.nextUID[mailbox]
	f.nextUID[mailbox]++
	if f.unlocated {
		return 0
	}
	return uid
}

func (f *fakeIMAP) MoveToTrash(ctx context.Context, mailbox string, uid uint32, messageID string) (string, uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return "", 0, f.failWith
	}
	f.trashed = append(f.trashed, uid)
	if mailbox == f.mailbox {
		delete(f.messages, uid)
	}
	return "Trash", f.assign("Trash"), nil
}

func (f *fakeIMAP) Delete(ctx context.Context, mailbox string, uid uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.deleted = append(f.deleted, compositeID(mailbox, uid))
	return nil
}

func (f *fakeIMAP) AppendSent(ctx context.Context, raw []byte, messageID string) (string, uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended++
	return "Sent", f.assign("Sent"), nil
}

func (f *fakeIMAP) Close() error { return nil }

func (f *fakeIMAP) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

type fakeSender struct {
	from       string
	recipients []string
	raw        []byte
	err        error
}

func (s *fakeSender) Send(ctx context.Context, from string, recipients []string, raw []byte) error {
	if s.err != nil {
		return s.err
	}
	s.from, s.recipients, s.raw = from, recipients, raw
	return nil
}

var errBoom = errors.New("boom")

const attachmentMessage = "From: Alice <alice@example.com>\r\n" +
	"To: me@example.com\r\n" +
	"Subject: Report\r\n" +
	"Message-Id: <report@example.com>\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=\"b1\"\r\n" +
	"\r\n" +
	"--b1\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"See attached.\r\n" +
	"--b1\r\n" +
	"Content-Type: text/csv\r\n" +
	"Content-Disposition: attachment; filename=\"report.csv\"\r\n" +
	"\r\n" +
	"a,b\r\n1,2\r\n" +
	"--b1--\r\n"

func bytesReader(b []byte) *bytes.Reader { return bytes.NewReader(b) }

// testTLS borrows httptest's self-signed certificate, valid for 127.0.0.1.
func testTLS(t *testing.T) (*tls.Config, *x509.CertPool) {
	t.Helper()
	ts := httptest.NewTLSServer(http.NotFoundHandler())
	defer ts.Close()
	roots := x509.NewCertPool()
	roots.AddCert(ts.Certificate())
	return &tls.Config{Certificates: ts.TLS.Certificates, MinVersion: tls.VersionTLS12}, roots
}
