package email

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailhub/internal/cache"
	"github.com/brandon/mailhub/pkg/types"
)

// IMAPRemote is the IMAP surface the adapter needs; *IMAPClient implements it.
type IMAPRemote interface {
	ListMailboxes(ctx context.Context) ([]types.Mailbox, error)
	ListMessages(ctx context.Context, mailbox string, pageSize int, before uint32, search string) (*IMAPPage, error)
	FetchMessage(ctx context.Context, mailbox string, uid uint32) (*IMAPMessage, error)
	StoreFlags(ctx context.Context, mailbox string, uid uint32, flags []string, add bool) error
	MoveToTrash(ctx context.Context, mailbox string, uid uint32, messageID string) (string, uint32, error)
	Delete(ctx context.Context, mailbox string, uid uint32) error
	AppendSent(ctx context.Context, raw []byte, messageID string) (string, uint32, error)
	Close() error
}

// MailSender delivers composed messages; *SMTPClient implements it.
type MailSender interface {
	Send(ctx context.Context, from string, recipients []string, raw []byte) error
}

// IMAPProvider serves an imap-smtp account. Message ids are local cache ids
// resolved to mailbox and UID through the cache.
type IMAPProvider struct {
	account *types.Account
	remote  IMAPRemote
	sender  MailSender
	cache   MessageCache
	pager   *pager
	logger  *logrus.Logger
	now     func() time.Time
}

// NewIMAPProvider wires an IMAP adapter
func NewIMAPProvider(account *types.Account, remote IMAPRemote, sender MailSender, mc MessageCache,
	persist PersistFunc, tokens *PageTokenIndex, logger *logrus.Logger) *IMAPProvider {
	return &IMAPProvider{
		account: account,
		remote:  remote,
		sender:  sender,
		cache:   mc,
		pager: &pager{
			accountID: account.ID,
			backend:   types.BackendIMAPSMTP,
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
func (p *IMAPProvider) Backend() types.Backend {
	return types.BackendIMAPSMTP
}

// ListMailboxes lists the account's mailboxes
func (p *IMAPProvider) ListMailboxes(ctx context.Context) ([]types.Mailbox, error) {
	return p.remote.ListMailboxes(ctx)
}

// ListMessages lists one page, cache first
func (p *IMAPProvider) ListMessages(ctx context.Context, opts ListOptions) (*types.MessagePage, error) {
	return p.pager.list(ctx, opts, func(ctx context.Context, token string) (*remotePage, error) {
		var before uint32
		if token != "" {
			n, err := strconv.ParseUint(token, 10, 32)
			if err != nil || n == 0 {
				return nil, types.Errorf(types.KindValidation, "list messages", "malformed page token")
			}
			before = uint32(n)
		}
		page, err := p.remote.ListMessages(ctx, opts.Mailbox, opts.PageSize, before, opts.Search)
		if err != nil {
			return nil, err
		}
		rp := &remotePage{Messages: page.Messages, Total: page.Total}
		if page.Next > 0 {
			rp.Next = strconv.FormatUint(uint64(page.Next), 10)
		}
		return rp, nil
	})
}

// FetchRecent fetches the newest n messages of a mailbox from the server
func (p *IMAPProvider) FetchRecent(ctx context.Context, mailbox string, n int) ([]types.Email, error) {
	page, err := p.remote.ListMessages(ctx, mailbox, n, 0, "")
	if err != nil {
		return nil, err
	}
	for i := range page.Messages {
		page.Messages[i].AccountID = p.account.ID
	}
	return page.Messages, nil
}

// resolve maps a local id to the cached row and its mailbox and UID.
func (p *IMAPProvider) resolve(ctx context.Context, id string) (*types.Email, string, uint32, error) {
	localID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, "", 0, types.Errorf(types.KindValidation, "resolve message", "malformed message id %q", id)
	}
	cached, err := p.cache.GetByID(ctx, p.account.ID, localID)
	if err != nil {
		return nil, "", 0, err
	}
	mailbox, uid, err := parseCompositeID(cached.RemoteID)
	if err != nil {
		return nil, "", 0, types.Errorf(types.KindNotFound, "resolve message", "message %s has no IMAP location", id)
	}
	return cached, mailbox, uid, nil
}

// GetMessage fetches a message fresh from the server
func (p *IMAPProvider) GetMessage(ctx context.Context, id string) (*types.Email, error) {
	cached, mailbox, uid, err := p.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	fetched, err := p.remote.FetchMessage(ctx, mailbox, uid)
	if err != nil {
		return nil, err
	}
	msg := fetched.Email
	msg.ID = cached.ID
	msg.AccountID = p.account.ID
	msg.CachedAt = cached.CachedAt

	if msg.IsRead != cached.IsRead || msg.IsStarred != cached.IsStarred || msg.IsImportant != cached.IsImportant {
		upd := cache.FlagUpdate{IsRead: &msg.IsRead, IsStarred: &msg.IsStarred, IsImportant: &msg.IsImportant}
		if err := p.cache.UpdateFlags(ctx, p.account.ID, cached.ID, upd); err != nil {
			p.logger.WithError(err).WithField("email_id", cached.ID).Warn("Failed to refresh cached flags")
		}
	}
	return &msg, nil
}

// SendMessage sends through SMTP, then files a copy in the sent mailbox
func (p *IMAPProvider) SendMessage(ctx context.Context, req *SendRequest) (*SendResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	from := p.account.Email
	now := p.now().UTC()
	messageID := newMessageID(from)

	raw, err := composeMessage(from, req, messageID, false, now)
	if err != nil {
		return nil, err
	}
	if err := p.sender.Send(ctx, from, req.Recipients(), raw); err != nil {
		return nil, err
	}

	remoteID := "<" + messageID + ">"
	log := p.logger.WithField("account", p.account.ID)
	sentBox, sentUID, err := p.remote.AppendSent(ctx, raw, remoteID)
	switch {
	case err != nil:
		log.WithError(err).Warn("Failed to append sent copy")
	case sentUID == 0:
		log.WithField("mailbox", sentBox).Warn("Appended sent copy but could not locate it")
	default:
		p.pager.persistOne(ctx, types.Email{
			AccountID:   p.account.ID,
			RemoteID:    compositeID(sentBox, sentUID),
			MessageID:   remoteID,
			Mailbox:     sentBox,
			Labels:      []string{sentBox},
			Subject:     req.Subject,
			SenderEmail: strings.ToLower(from),
			Recipients:  append(append([]string{}, req.To...), req.Cc...),
			Date:        now,
			BodyText:    req.Body,
			BodyHTML:    req.HTMLBody,
			Snippet:     makeSnippet(req.Body, req.HTMLBody),
			IsRead:      true,
		})
	}
	return &SendResult{RemoteID: remoteID, ThreadID: req.ThreadID}, nil
}

// ModifyFlags maps normalized flags onto \Seen, \Flagged and $Important
func (p *IMAPProvider) ModifyFlags(ctx context.Context, id string, add, remove []string) error {
	fc := parseFlagChange(add, remove)
	if fc.empty() {
		return nil
	}
	cached, mailbox, uid, err := p.resolve(ctx, id)
	if err != nil {
		return err
	}

	var adds, removes []string
	apply := func(v *bool, flag string) {
		if v == nil {
			return
		}
		if *v {
			adds = append(adds, flag)
		} else {
			removes = append(removes, flag)
		}
	}
	apply(fc.read, `\Seen`)
	apply(fc.starred, `\Flagged`)
	apply(fc.important, importantKeyword)

	if err := p.remote.StoreFlags(ctx, mailbox, uid, adds, true); err != nil {
		return err
	}
	if err := p.remote.StoreFlags(ctx, mailbox, uid, removes, false); err != nil {
		return err
	}
	if err := p.cache.UpdateFlags(ctx, p.account.ID, cached.ID, fc.update()); err != nil {
		p.logger.WithError(err).WithField("email_id", cached.ID).Warn("Failed to update cached flags")
	}
	return nil
}

// Trash moves a message to the trash mailbox
func (p *IMAPProvider) Trash(ctx context.Context, id string) error {
	cached, mailbox, uid, err := p.resolve(ctx, id)
	if err != nil {
		return err
	}
	trash, newUID, err := p.remote.MoveToTrash(ctx, mailbox, uid, cached.MessageID)
	if err != nil {
		return err
	}
	log := p.logger.WithField("email_id", cached.ID)
	if newUID == 0 {
		// the cached location is stale; a sync of the trash re-caches it
		log.WithField("mailbox", trash).Warn("Trashed message could not be located, dropping it from the cache")
		if err := p.cache.DeleteMessage(ctx, p.account.ID, cached.ID); err != nil {
			log.WithError(err).Warn("Failed to delete cached email")
		}
		return nil
	}
	if err := p.cache.MoveToMailbox(ctx, p.account.ID, cached.ID, trash, compositeID(trash, newUID)); err != nil {
		log.WithError(err).Warn("Failed to move cached email")
	}
	return nil
}

// Delete permanently deletes a message
func (p *IMAPProvider) Delete(ctx context.Context, id string) error {
	cached, mailbox, uid, err := p.resolve(ctx, id)
	if err != nil {
		return err
	}
	if err := p.remote.Delete(ctx, mailbox, uid); err != nil {
		return err
	}
	if err := p.cache.DeleteMessage(ctx, p.account.ID, cached.ID); err != nil {
		p.logger.WithError(err).WithField("email_id", cached.ID).Warn("Failed to delete cached email")
	}
	return nil
}

// GetAttachment fetches the message and extracts one attachment
func (p *IMAPProvider) GetAttachment(ctx context.Context, messageID, attachmentID string) (*types.AttachmentContent, error) {
	_, mailbox, uid, err := p.resolve(ctx, messageID)
	if err != nil {
		return nil, err
	}
	fetched, err := p.remote.FetchMessage(ctx, mailbox, uid)
	if err != nil {
		return nil, err
	}
	body, err := parseRFC822(fetched.Raw)
	if err != nil {
		return nil, types.NewError(types.KindRemoteBackend, "get attachment", err)
	}
	return body.attachment(attachmentID)
}

// Close closes the IMAP connection
func (p *IMAPProvider) Close() error {
	return p.remote.Close()
}
