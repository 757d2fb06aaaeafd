package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/commands"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailhub/internal/metrics"
	"github.com/brandon/mailhub/pkg/types"
)

// IMAPPage is one page of an IMAP mailbox, newest first. Next is the UID
// bound for the following page, zero when the mailbox is exhausted.
type IMAPPage struct {
	Messages []types.Email
	Next     uint32
	Total    int
}

// IMAPMessage is a fetched message with its raw RFC 822 source
type IMAPMessage struct {
	Email types.Email
	Raw   []byte
}

// IMAPClient wraps a single IMAP connection. Calls are serialized and the
// connection is opened lazily.
type IMAPClient struct {
	cred    *types.Credential
	timeout time.Duration
	logger  *logrus.Logger
	roots   *x509.CertPool // nil uses the system pool

	mu       sync.Mutex
	client   *client.Client
	selected string
	special  map[string]string
}

// NewIMAPClient creates a new IMAP client (does not connect immediately)
func NewIMAPClient(cred *types.Credential, timeout time.Duration, logger *logrus.Logger) *IMAPClient {
	return &IMAPClient{
		cred:    cred,
		timeout: timeout,
		logger:  logger,
	}
}

// connect dials and logs in, bounded by the client timeout. Caller holds mu.
func (c *IMAPClient) connect(ctx context.Context) error {
	if c.client != nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type result struct {
		cl  *client.Client
		err error
	}
	done := make(chan result, 1)
	go func() {
		addr := fmt.Sprintf("%s:%d", c.cred.IMAPHost, c.cred.IMAPPort)
		dialer := &net.Dialer{Timeout: c.timeout}
		cl, err := client.DialWithDialerTLS(dialer, addr, &tls.Config{
			ServerName: c.cred.IMAPHost,
			MinVersion: tls.VersionTLS12,
			RootCAs:    c.roots,
		})
		if err != nil {
			done <- result{err: types.NewError(types.KindProviderUnavailable, "imap connect", err)}
			return
		}
		if err := cl.Login(c.cred.IMAPUsername, c.cred.IMAPPassword); err != nil {
			cl.Logout() //nolint:errcheck
			done <- result{err: types.NewError(types.KindAuthExpired, "imap login", err)}
			return
		}
		done <- result{cl: cl}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			c.logger.WithError(r.err).WithField("host", c.cred.IMAPHost).Error("Failed to connect to IMAP server")
			return r.err
		}
		c.client = r.cl
		c.selected = ""
		c.logger.WithField("host", c.cred.IMAPHost).Info("Connected to IMAP server")
		return nil
	case <-ctx.Done():
		// Reap a connection that completes after we gave up
		go func() {
			if r := <-done; r.cl != nil {
				r.cl.Logout() //nolint:errcheck
			}
		}()
		return types.NewError(types.KindProviderUnavailable, "imap connect", ctx.Err())
	}
}

// withConn runs fn on a live connection. A failed command drops the
// connection so the next call reconnects.
func (c *IMAPClient) withConn(ctx context.Context, op string, fn func(*client.Client) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connect(ctx); err != nil {
		metrics.RemoteCalls.WithLabelValues(string(types.BackendIMAPSMTP), op, "error").Inc()
		return err
	}
	err := fn(c.client)
	metrics.RemoteCalls.WithLabelValues(string(types.BackendIMAPSMTP), op, metrics.Result(err)).Inc()
	if err != nil {
		if c.client.State() == imap.LogoutState {
			c.client = nil
		}
		return classifyMailError(op, err)
	}
	return nil
}

func (c *IMAPClient) selectMailbox(cl *client.Client, mailbox string, readOnly bool) (*imap.MailboxStatus, error) {
	status, err := cl.Select(mailbox, readOnly)
	if err != nil {
		c.selected = ""
		return nil, fmt.Errorf("failed to select mailbox %s: %w", mailbox, err)
	}
	c.selected = mailbox
	return status, nil
}

// Close closes the IMAP connection
func (c *IMAPClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	err := c.client.Logout()
	c.client = nil
	c.selected = ""
	return err
}

func (c *IMAPClient) listInfos(cl *client.Client) ([]*imap.MailboxInfo, error) {
	ch := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)
	go func() {
		done <- cl.List("", "*", ch)
	}()

	var infos []*imap.MailboxInfo
	for m := range ch {
		infos = append(infos, m)
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to list mailboxes: %w", err)
	}

	if c.special == nil {
		c.special = discoverSpecialUse(infos)
	}
	return infos, nil
}

var specialUseFallbacks = map[string][]string{
	`\Trash`: {"Trash", "[Gmail]/Trash", "Deleted Items", "Deleted Messages"},
	`\Sent`:  {"Sent", "[Gmail]/Sent Mail", "Sent Items", "Sent Messages"},
}

// discoverSpecialUse finds the trash and sent mailboxes by attribute, then
// by well-known names.
func discoverSpecialUse(infos []*imap.MailboxInfo) map[string]string {
	found := make(map[string]string)
	names := make(map[string]bool, len(infos))
	for _, m := range infos {
		names[m.Name] = true
		for _, attr := range m.Attributes {
			if _, ok := specialUseFallbacks[attr]; ok && found[attr] == "" {
				found[attr] = m.Name
			}
		}
	}
	for attr, candidates := range specialUseFallbacks {
		if found[attr] != "" {
			continue
		}
		for _, name := range candidates {
			if names[name] {
				found[attr] = name
				break
			}
		}
	}
	return found
}

func mailboxType(m *imap.MailboxInfo) string {
	if strings.EqualFold(m.Name, "INBOX") {
		return "inbox"
	}
	for _, attr := range m.Attributes {
		switch attr {
		case `\Sent`, `\Trash`, `\Drafts`, `\Junk`, `\Archive`, `\All`, `\Flagged`:
			return strings.ToLower(strings.TrimPrefix(attr, `\`))
		}
	}
	return "user"
}

// ListMailboxes lists selectable mailboxes with their counts
func (c *IMAPClient) ListMailboxes(ctx context.Context) ([]types.Mailbox, error) {
	var out []types.Mailbox
	err := c.withConn(ctx, "list_mailboxes", func(cl *client.Client) error {
		infos, err := c.listInfos(cl)
		if err != nil {
			return err
		}
		for _, m := range infos {
			if hasAttr(m.Attributes, imap.NoSelectAttr) {
				continue
			}
			mb := types.Mailbox{ID: m.Name, Name: m.Name, Type: mailboxType(m)}
			status, err := cl.Status(m.Name, []imap.StatusItem{imap.StatusMessages, imap.StatusUnseen})
			if err != nil {
				c.logger.WithError(err).WithField("mailbox", m.Name).Warn("Failed to get mailbox status")
			} else {
				mb.Total = int(status.Messages)
				mb.Unread = int(status.Unseen)
			}
			out = append(out, mb)
		}
		return nil
	})
	return out, err
}

func hasAttr(attrs []string, attr string) bool {
	for _, a := range attrs {
		if strings.EqualFold(a, attr) {
			return true
		}
	}
	return false
}

// ListMessages returns up to pageSize messages with UIDs below before (all
// UIDs when before is zero), newest first, optionally matching search text.
func (c *IMAPClient) ListMessages(ctx context.Context, mailbox string, pageSize int, before uint32, search string) (*IMAPPage, error) {
	page := &IMAPPage{}
	err := c.withConn(ctx, "list_messages", func(cl *client.Client) error {
		if _, err := c.selectMailbox(cl, mailbox, true); err != nil {
			return err
		}

		criteria := imap.NewSearchCriteria()
		if search != "" {
			criteria.Text = []string{search}
		}
		uids, err := cl.UidSearch(criteria)
		if err != nil {
			return fmt.Errorf("failed to search mailbox: %w", err)
		}
		page.Total = len(uids)

		sort.Slice(uids, func(i, j int) bool { return uids[i] > uids[j] })
		if before > 0 {
			idx := sort.Search(len(uids), func(i int) bool { return uids[i] < before })
			uids = uids[idx:]
		}
		if len(uids) == 0 {
			return nil
		}
		if len(uids) > pageSize {
			page.Next = uids[pageSize-1]
			uids = uids[:pageSize]
		}

		msgs, err := c.fetch(cl, mailbox, uids)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			page.Messages = append(page.Messages, m.Email)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// FetchMessage fetches one message by UID including its raw source
func (c *IMAPClient) FetchMessage(ctx context.Context, mailbox string, uid uint32) (*IMAPMessage, error) {
	var out *IMAPMessage
	err := c.withConn(ctx, "fetch_message", func(cl *client.Client) error {
		if _, err := c.selectMailbox(cl, mailbox, true); err != nil {
			return err
		}
		msgs, err := c.fetch(cl, mailbox, []uint32{uid})
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			return types.Errorf(types.KindNotFound, "fetch message", "UID %d not found in %s", uid, mailbox)
		}
		out = msgs[0]
		return nil
	})
	return out, err
}

// fetch retrieves the given UIDs, returned in the order requested.
func (c *IMAPClient) fetch(cl *client.Client, mailbox string, uids []uint32) ([]*IMAPMessage, error) {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchFlags, imap.FetchInternalDate, imap.FetchUid, section.FetchItem()}

	ch := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- cl.UidFetch(seqSet, items, ch)
	}()

	byUID := make(map[uint32]*IMAPMessage, len(uids))
	for msg := range ch {
		byUID[msg.Uid] = c.parseMessage(msg, section, mailbox)
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	out := make([]*IMAPMessage, 0, len(byUID))
	for _, uid := range uids {
		if m, ok := byUID[uid]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// parseMessage normalizes an IMAP message
func (c *IMAPClient) parseMessage(msg *imap.Message, section *imap.BodySectionName, mailbox string) *IMAPMessage {
	email := types.Email{
		RemoteID:   compositeID(mailbox, msg.Uid),
		Mailbox:    mailbox,
		Labels:     []string{mailbox},
		Date:       msg.InternalDate,
		Recipients: []string{},
	}

	if env := msg.Envelope; env != nil {
		email.MessageID = env.MessageId
		email.Subject = env.Subject
		if !env.Date.IsZero() {
			email.Date = env.Date
		}
		if len(env.From) > 0 {
			email.SenderName = env.From[0].PersonalName
			email.SenderEmail = strings.ToLower(env.From[0].Address())
		}
		for _, list := range [][]*imap.Address{env.To, env.Cc} {
			for _, a := range list {
				email.Recipients = append(email.Recipients, a.Address())
			}
		}
	}
	email.Date = email.Date.UTC()

	for _, f := range msg.Flags {
		switch f {
		case imap.SeenFlag:
			email.IsRead = true
		case imap.FlaggedFlag:
			email.IsStarred = true
		case importantKeyword:
			email.IsImportant = true
		}
	}

	var raw []byte
	if lit := msg.GetBody(section); lit != nil {
		b, err := io.ReadAll(lit)
		if err != nil {
			c.logger.WithError(err).WithField("uid", msg.Uid).Warn("Failed to read message body")
		}
		raw = b
	}
	if len(raw) > 0 {
		body, err := parseRFC822(raw)
		if err != nil {
			c.logger.WithError(err).WithField("uid", msg.Uid).Debug("Failed to parse with enmime, using raw body")
			email.BodyText = string(raw)
		} else {
			email.BodyText = body.Text
			email.BodyHTML = body.HTML
			email.Attachments = body.Attachments
		}
	}
	email.Snippet = makeSnippet(email.BodyText, email.BodyHTML)

	return &IMAPMessage{Email: email, Raw: raw}
}

// importantKeyword is the RFC 8457 keyword for important messages.
const importantKeyword = "$Important"

// StoreFlags adds or removes raw IMAP flags on one message
func (c *IMAPClient) StoreFlags(ctx context.Context, mailbox string, uid uint32, flags []string, add bool) error {
	if len(flags) == 0 {
		return nil
	}
	return c.withConn(ctx, "store_flags", func(cl *client.Client) error {
		if _, err := c.selectMailbox(cl, mailbox, false); err != nil {
			return err
		}
		var op imap.FlagsOp = imap.RemoveFlags
		if add {
			op = imap.AddFlags
		}
		values := make([]interface{}, len(flags))
		for i, f := range flags {
			values[i] = f
		}
		seqSet := new(imap.SeqSet)
		seqSet.AddNum(uid)
		if err := cl.UidStore(seqSet, imap.FormatFlagsOp(op, true), values, nil); err != nil {
			return fmt.Errorf("failed to store flags: %w", err)
		}
		return nil
	})
}

// specialMailbox returns the discovered mailbox for a special-use attribute.
func (c *IMAPClient) specialMailbox(cl *client.Client, attr, fallback string) (string, error) {
	if c.special == nil {
		if _, err := c.listInfos(cl); err != nil {
			return "", err
		}
	}
	if name := c.special[attr]; name != "" {
		return name, nil
	}
	return fallback, nil
}

// uidNext returns the UID the next message added to mailbox will get.
func uidNext(cl *client.Client, mailbox string) (uint32, error) {
	status, err := cl.Status(mailbox, []imap.StatusItem{imap.StatusUidNext})
	if err != nil {
		return 0, fmt.Errorf("failed to get status of %s: %w", mailbox, err)
	}
	return status.UidNext, nil
}

// locate finds the UID a message received in mailbox at or above from,
// matching its Message-ID when known. Zero means it was not found.
func (c *IMAPClient) locate(cl *client.Client, mailbox string, from uint32, messageID string) (uint32, error) {
	if _, err := c.selectMailbox(cl, mailbox, true); err != nil {
		return 0, err
	}
	criteria := imap.NewSearchCriteria()
	criteria.Uid = new(imap.SeqSet)
	criteria.Uid.AddRange(from, 0)
	if messageID != "" {
		criteria.Header.Add("Message-Id", messageID)
	}
	uids, err := cl.UidSearch(criteria)
	if err != nil {
		return 0, fmt.Errorf("failed to search %s: %w", mailbox, err)
	}
	var found uint32
	for _, uid := range uids {
		// "n:*" also matches the last message when every UID is below n
		if uid >= from && uid > found {
			found = uid
		}
	}
	return found, nil
}

// expunge permanently removes the given UIDs from the selected mailbox.
// Without UIDPLUS, other messages already flagged \Deleted are unflagged
// around the EXPUNGE so they survive it.
func (c *IMAPClient) expunge(cl *client.Client, uids ...uint32) error {
	target := new(imap.SeqSet)
	target.AddNum(uids...)
	deleted := []interface{}{imap.DeletedFlag}
	if err := cl.UidStore(target, imap.FormatFlagsOp(imap.AddFlags, true), deleted, nil); err != nil {
		return fmt.Errorf("failed to flag deleted: %w", err)
	}

	uidplus, err := cl.Support("UIDPLUS")
	if err != nil {
		return err
	}
	if uidplus {
		cmd := &commands.Uid{Cmd: &imap.Command{Name: "EXPUNGE", Arguments: []interface{}{target}}}
		status, err := cl.Execute(cmd, nil)
		if err == nil {
			err = status.Err()
		}
		if err != nil {
			return fmt.Errorf("failed to expunge: %w", err)
		}
		return nil
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithFlags = []string{imap.DeletedFlag}
	flagged, err := cl.UidSearch(criteria)
	if err != nil {
		return fmt.Errorf("failed to search deleted messages: %w", err)
	}
	others := new(imap.SeqSet)
	for _, uid := range flagged {
		if !target.Contains(uid) {
			others.AddNum(uid)
		}
	}
	if !others.Empty() {
		if err := cl.UidStore(others, imap.FormatFlagsOp(imap.RemoveFlags, true), deleted, nil); err != nil {
			return fmt.Errorf("failed to protect deleted messages: %w", err)
		}
	}
	expungeErr := cl.Expunge(nil)
	if !others.Empty() {
		if err := cl.UidStore(others, imap.FormatFlagsOp(imap.AddFlags, true), deleted, nil); err != nil {
			c.logger.WithError(err).WithField("uids", others.String()).Warn("Failed to restore \\Deleted flags")
		}
	}
	if expungeErr != nil {
		return fmt.Errorf("failed to expunge: %w", expungeErr)
	}
	return nil
}

// MoveToTrash copies one message to the trash mailbox and expunges the
// original. It returns the trash mailbox and the message's UID there, zero
// when the copy could not be located.
func (c *IMAPClient) MoveToTrash(ctx context.Context, mailbox string, uid uint32, messageID string) (string, uint32, error) {
	var (
		trash  string
		newUID uint32
	)
	err := c.withConn(ctx, "trash", func(cl *client.Client) error {
		var err error
		if trash, err = c.specialMailbox(cl, `\Trash`, "Trash"); err != nil {
			return err
		}
		if trash == mailbox {
			return types.Errorf(types.KindValidation, "trash", "message is already in %s", trash)
		}
		next, err := uidNext(cl, trash)
		if err != nil {
			return err
		}
		if _, err := c.selectMailbox(cl, mailbox, false); err != nil {
			return err
		}
		seqSet := new(imap.SeqSet)
		seqSet.AddNum(uid)
		if err := cl.UidCopy(seqSet, trash); err != nil {
			return fmt.Errorf("failed to copy to %s: %w", trash, err)
		}
		if err := c.expunge(cl, uid); err != nil {
			return err
		}
		newUID, err = c.locate(cl, trash, next, messageID)
		return err
	})
	return trash, newUID, err
}

// Delete permanently deletes one message
func (c *IMAPClient) Delete(ctx context.Context, mailbox string, uid uint32) error {
	return c.withConn(ctx, "delete", func(cl *client.Client) error {
		if _, err := c.selectMailbox(cl, mailbox, false); err != nil {
			return err
		}
		return c.expunge(cl, uid)
	})
}

// AppendSent stores a copy of a sent message in the sent mailbox and returns
// the mailbox and the copy's UID, zero when it could not be located.
func (c *IMAPClient) AppendSent(ctx context.Context, raw []byte, messageID string) (string, uint32, error) {
	var (
		sent string
		uid  uint32
	)
	err := c.withConn(ctx, "append_sent", func(cl *client.Client) error {
		var err error
		if sent, err = c.specialMailbox(cl, `\Sent`, "Sent"); err != nil {
			return err
		}
		next, err := uidNext(cl, sent)
		if err != nil {
			return err
		}
		if err := cl.Append(sent, []string{imap.SeenFlag}, time.Now(), bytes.NewBuffer(raw)); err != nil {
			return fmt.Errorf("failed to append to %s: %w", sent, err)
		}
		uid, err = c.locate(cl, sent, next, messageID)
		return err
	})
	return sent, uid, err
}

func compositeID(mailbox string, uid uint32) string {
	return fmt.Sprintf("%s|%d", mailbox, uid)
}

func parseCompositeID(id string) (string, uint32, error) {
	idx := strings.LastIndex(id, "|")
	if idx <= 0 {
		return "", 0, types.Errorf(types.KindValidation, "parse id", "malformed IMAP id %q", id)
	}
	var uid uint32
	if _, err := fmt.Sscanf(id[idx+1:], "%d", &uid); err != nil || uid == 0 {
		return "", 0, types.Errorf(types.KindValidation, "parse id", "malformed IMAP id %q", id)
	}
	return id[:idx], uid, nil
}
