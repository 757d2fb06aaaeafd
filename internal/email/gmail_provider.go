package email

import (
	"context"
	"encoding/base64"
	"html"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/gmail/v1"

	"github.com/brandon/mailhub/pkg/types"
)

// GmailRemote is the Gmail surface the adapter needs; *GmailClient implements it.
type GmailRemote interface {
	ListLabels(ctx context.Context) ([]*gmail.Label, error)
	ListMessages(ctx context.Context, labelID string, pageSize int, pageToken, query string) ([]*gmail.Message, string, int, error)
	GetMessage(ctx context.Context, id string) (*gmail.Message, error)
	SendRaw(ctx context.Context, raw []byte, threadID string) (*gmail.Message, error)
	ModifyLabels(ctx context.Context, id string, add, remove []string) error
	Trash(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	GetAttachment(ctx context.Context, messageID, attachmentID string) (*gmail.MessagePartBody, error)
}

// Gmail system label ids
const (
	labelInbox     = "INBOX"
	labelSent      = "SENT"
	labelTrash     = "TRASH"
	labelUnread    = "UNREAD"
	labelStarred   = "STARRED"
	labelImportant = "IMPORTANT"
)

// gmailMaxPage is the largest page the messages.list endpoint returns.
const gmailMaxPage = 500

var mailboxLabels = map[string]string{
	"inbox":     labelInbox,
	"sent":      labelSent,
	"trash":     labelTrash,
	"spam":      "SPAM",
	"junk":      "SPAM",
	"drafts":    "DRAFT",
	"starred":   labelStarred,
	"important": labelImportant,
}

// gmailLabelID maps a mailbox name onto a label id.
func gmailLabelID(mailbox string) string {
	if id, ok := mailboxLabels[strings.ToLower(mailbox)]; ok {
		return id
	}
	return mailbox
}

// GmailProvider serves a remote-api account. Message ids are Gmail ids.
type GmailProvider struct {
	account *types.Account
	remote  GmailRemote
	cache   MessageCache
	pager   *pager
	logger  *logrus.Logger
	now     func() time.Time
}

// NewGmailProvider wires a Gmail adapter
func NewGmailProvider(account *types.Account, remote GmailRemote, mc MessageCache,
	persist PersistFunc, tokens *PageTokenIndex, logger *logrus.Logger) *GmailProvider {
	return &GmailProvider{
		account: account,
		remote:  remote,
		cache:   mc,
		pager: &pager{
			accountID: account.ID,
			backend:   types.BackendRemoteAPI,
			cache:     mc,
			persist:   persist,
			tokens:    tokens,
			logger:    logger,
		},
		logger: logger,
		now:    time.Now,
	}
}

// Backend reports the account backend
func (p *GmailProvider) Backend() types.Backend {
	return types.BackendRemoteAPI
}

// ListMailboxes lists labels as mailboxes
func (p *GmailProvider) ListMailboxes(ctx context.Context) ([]types.Mailbox, error) {
	labels, err := p.remote.ListLabels(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]types.Mailbox, 0, len(labels))
	for _, l := range labels {
		if l == nil {
			continue
		}
		out = append(out, types.Mailbox{
			ID:     l.Id,
			Name:   l.Name,
			Type:   strings.ToLower(l.Type),
			Total:  int(l.MessagesTotal),
			Unread: int(l.MessagesUnread),
		})
	}
	return out, nil
}

// ListMessages lists one page, cache first
func (p *GmailProvider) ListMessages(ctx context.Context, opts ListOptions) (*types.MessagePage, error) {
	return p.pager.list(ctx, opts, func(ctx context.Context, token string) (*remotePage, error) {
		msgs, next, total, err := p.remote.ListMessages(ctx, gmailLabelID(opts.Mailbox), opts.PageSize, token, opts.Search)
		if err != nil {
			return nil, err
		}
		return &remotePage{Messages: p.normalizeAll(msgs, opts.Mailbox), Next: next, Total: total}, nil
	})
}

// FetchRecent fetches the newest n messages of a mailbox from the API
func (p *GmailProvider) FetchRecent(ctx context.Context, mailbox string, n int) ([]types.Email, error) {
	var out []types.Email
	token := ""
	for len(out) < n {
		size := min(n-len(out), gmailMaxPage)
		msgs, next, _, err := p.remote.ListMessages(ctx, gmailLabelID(mailbox), size, token, "")
		if err != nil {
			return nil, err
		}
		out = append(out, p.normalizeAll(msgs, mailbox)...)
		if next == "" || len(msgs) == 0 {
			break
		}
		token = next
	}
	return out, nil
}

func (p *GmailProvider) normalizeAll(msgs []*gmail.Message, mailbox string) []types.Email {
	out := make([]types.Email, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		e := normalizeGmailMessage(m, mailbox)
		e.AccountID = p.account.ID
		out = append(out, e)
	}
	return out
}

// GetMessage fetches a message and caches it
func (p *GmailProvider) GetMessage(ctx context.Context, id string) (*types.Email, error) {
	if id == "" {
		return nil, types.Errorf(types.KindValidation, "get message", "message id is required")
	}
	m, err := p.remote.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	e := normalizeGmailMessage(m, primaryMailbox(m.LabelIds))
	e.AccountID = p.account.ID
	e = p.pager.persistOne(ctx, e)
	return &e, nil
}

// SendMessage sends a raw message through the API
func (p *GmailProvider) SendMessage(ctx context.Context, req *SendRequest) (*SendResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	from := p.account.Email
	raw, err := composeMessage(from, req, newMessageID(from), true, p.now().UTC())
	if err != nil {
		return nil, err
	}
	sent, err := p.remote.SendRaw(ctx, raw, req.ThreadID)
	if err != nil {
		return nil, err
	}

	// Cache the server's copy so later listings dedup against it
	if full, err := p.remote.GetMessage(ctx, sent.Id); err != nil {
		p.logger.WithError(err).WithField("account", p.account.ID).Warn("Failed to fetch sent message")
	} else {
		e := normalizeGmailMessage(full, labelSent)
		e.AccountID = p.account.ID
		p.pager.persistOne(ctx, e)
	}
	return &SendResult{RemoteID: sent.Id, ThreadID: sent.ThreadId}, nil
}

// ModifyFlags maps normalized flags onto UNREAD, STARRED and IMPORTANT
func (p *GmailProvider) ModifyFlags(ctx context.Context, id string, add, remove []string) error {
	fc := parseFlagChange(add, remove)
	if fc.empty() {
		return nil
	}
	var adds, removes []string
	if fc.read != nil {
		if *fc.read {
			removes = append(removes, labelUnread)
		} else {
			adds = append(adds, labelUnread)
		}
	}
	for _, f := range []struct {
		v     *bool
		label string
	}{{fc.starred, labelStarred}, {fc.important, labelImportant}} {
		if f.v == nil {
			continue
		}
		if *f.v {
			adds = append(adds, f.label)
		} else {
			removes = append(removes, f.label)
		}
	}

	if err := p.remote.ModifyLabels(ctx, id, adds, removes); err != nil {
		return err
	}
	p.updateCached(ctx, id, func(cached *types.Email) error {
		return p.cache.UpdateFlags(ctx, p.account.ID, cached.ID, fc.update())
	})
	return nil
}

// Trash moves a message to the trash
func (p *GmailProvider) Trash(ctx context.Context, id string) error {
	if err := p.remote.Trash(ctx, id); err != nil {
		return err
	}
	p.updateCached(ctx, id, func(cached *types.Email) error {
		return p.cache.MoveToMailbox(ctx, p.account.ID, cached.ID, labelTrash, "")
	})
	return nil
}

// Delete permanently deletes a message
func (p *GmailProvider) Delete(ctx context.Context, id string) error {
	if err := p.remote.Delete(ctx, id); err != nil {
		return err
	}
	p.updateCached(ctx, id, func(cached *types.Email) error {
		return p.cache.DeleteMessage(ctx, p.account.ID, cached.ID)
	})
	return nil
}

// updateCached applies fn to the cached copy of a remote message, if any.
func (p *GmailProvider) updateCached(ctx context.Context, remoteID string, fn func(*types.Email) error) {
	cached, err := p.cache.GetByRemoteID(ctx, p.account.ID, remoteID)
	if err != nil {
		if types.KindOf(err) != types.KindNotFound {
			p.logger.WithError(err).WithField("remote_id", remoteID).Warn("Failed to load cached email")
		}
		return
	}
	if err := fn(cached); err != nil {
		p.logger.WithError(err).WithField("email_id", cached.ID).Warn("Failed to update cached email")
	}
}

// GetAttachment downloads an attachment, taking its metadata from the
// cached copy when present.
func (p *GmailProvider) GetAttachment(ctx context.Context, messageID, attachmentID string) (*types.AttachmentContent, error) {
	meta, err := p.attachmentMeta(ctx, messageID, attachmentID)
	if err != nil {
		return nil, err
	}
	body, err := p.remote.GetAttachment(ctx, messageID, attachmentID)
	if err != nil {
		return nil, err
	}
	data, err := decodeGmailData(body.Data)
	if err != nil {
		return nil, types.NewError(types.KindRemoteBackend, "get attachment", err)
	}
	return &types.AttachmentContent{
		Filename: meta.Filename,
		MimeType: meta.MimeType,
		Data:     base64.StdEncoding.EncodeToString(data),
		Size:     int64(len(data)),
	}, nil
}

func (p *GmailProvider) attachmentMeta(ctx context.Context, messageID, attachmentID string) (*types.Attachment, error) {
	if cached, err := p.cache.GetByRemoteID(ctx, p.account.ID, messageID); err == nil {
		for i := range cached.Attachments {
			if cached.Attachments[i].ID == attachmentID {
				return &cached.Attachments[i], nil
			}
		}
	}
	m, err := p.remote.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	for _, part := range gmailParts(m.Payload) {
		if part.Body != nil && part.Body.AttachmentId == attachmentID {
			return &types.Attachment{ID: attachmentID, Filename: part.Filename, MimeType: part.MimeType, Size: part.Body.Size}, nil
		}
	}
	// Attachment ids rotate between fetches; fall back to an unnamed part
	return &types.Attachment{ID: attachmentID, MimeType: "application/octet-stream"}, nil
}

// Close releases nothing; the API client is stateless.
func (p *GmailProvider) Close() error {
	return nil
}

// primaryMailbox picks the mailbox a message is filed under from its labels.
func primaryMailbox(labels []string) string {
	for _, want := range []string{labelInbox, labelSent, labelTrash, "SPAM", "DRAFT"} {
		for _, l := range labels {
			if l == want {
				return want
			}
		}
	}
	if len(labels) > 0 {
		return labels[0]
	}
	return labelInbox
}

// normalizeGmailMessage converts a full-format Gmail message
func normalizeGmailMessage(m *gmail.Message, mailbox string) types.Email {
	e := types.Email{
		RemoteID:   m.Id,
		ThreadID:   m.ThreadId,
		Mailbox:    mailbox,
		Labels:     m.LabelIds,
		Snippet:    html.UnescapeString(m.Snippet),
		Date:       time.UnixMilli(m.InternalDate).UTC(),
		IsRead:     true,
		Recipients: []string{},
	}
	for _, l := range m.LabelIds {
		switch l {
		case labelUnread:
			e.IsRead = false
		case labelStarred:
			e.IsStarred = true
		case labelImportant:
			e.IsImportant = true
		}
	}

	payload := m.Payload
	e.Subject = gmailHeader(payload, "Subject")
	e.MessageID = gmailHeader(payload, "Message-Id")

	from := gmailHeader(payload, "From")
	if addr, err := mail.ParseAddress(from); err == nil {
		e.SenderName = addr.Name
		e.SenderEmail = strings.ToLower(addr.Address)
	} else {
		e.SenderEmail = strings.ToLower(strings.TrimSpace(from))
	}
	for _, key := range []string{"To", "Cc"} {
		list, err := mail.ParseAddressList(gmailHeader(payload, key))
		if err != nil {
			continue
		}
		for _, a := range list {
			e.Recipients = append(e.Recipients, a.Address)
		}
	}

	for _, part := range gmailParts(payload) {
		if part.Body == nil {
			continue
		}
		switch {
		case part.Body.AttachmentId != "" && part.Filename != "":
			e.Attachments = append(e.Attachments, types.Attachment{
				ID:       part.Body.AttachmentId,
				Filename: part.Filename,
				MimeType: part.MimeType,
				Size:     part.Body.Size,
			})
		case part.MimeType == "text/plain" && e.BodyText == "" && part.Body.Data != "":
			if b, err := decodeGmailData(part.Body.Data); err == nil {
				e.BodyText = string(b)
			}
		case part.MimeType == "text/html" && e.BodyHTML == "" && part.Body.Data != "":
			if b, err := decodeGmailData(part.Body.Data); err == nil {
				e.BodyHTML = string(b)
			}
		}
	}
	if e.Snippet == "" {
		e.Snippet = makeSnippet(e.BodyText, e.BodyHTML)
	}
	return e
}
