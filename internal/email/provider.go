package email

import (
	"context"
	"strings"

	"github.com/brandon/mailhub/internal/cache"
	"github.com/brandon/mailhub/pkg/types"
)

// Provider is the backend-agnostic mail capability every adapter implements.
type Provider interface {
	ListMailboxes(ctx context.Context) ([]types.Mailbox, error)
	ListMessages(ctx context.Context, opts ListOptions) (*types.MessagePage, error)
	GetMessage(ctx context.Context, id string) (*types.Email, error)
	SendMessage(ctx context.Context, req *SendRequest) (*SendResult, error)
	ModifyFlags(ctx context.Context, id string, add, remove []string) error
	Trash(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	GetAttachment(ctx context.Context, messageID, attachmentID string) (*types.AttachmentContent, error)
	// FetchRecent returns the newest n messages of a mailbox straight from
	// the remote backend without touching the cache.
	FetchRecent(ctx context.Context, mailbox string, n int) ([]types.Email, error)
	Backend() types.Backend
	Close() error
}

// MaxPageSize bounds ListOptions.PageSize.
const MaxPageSize = 500

// ListOptions selects one page of a mailbox
type ListOptions struct {
	Mailbox      string
	PageSize     int
	Page         int
	PageToken    string
	Search       string
	ForceRefresh bool
}

func (o *ListOptions) normalize() error {
	if o.Mailbox == "" {
		o.Mailbox = "INBOX"
	}
	if o.PageSize < 1 || o.PageSize > MaxPageSize {
		return types.Errorf(types.KindValidation, "list messages", "page size must be between 1 and %d", MaxPageSize)
	}
	if o.Page < 0 {
		return types.Errorf(types.KindValidation, "list messages", "page must not be negative")
	}
	o.Search = strings.TrimSpace(o.Search)
	return nil
}

// SendRequest is an outgoing message
type SendRequest struct {
	To         []string `json:"to"`
	Cc         []string `json:"cc,omitempty"`
	Bcc        []string `json:"bcc,omitempty"`
	Subject    string   `json:"subject"`
	Body       string   `json:"body"`
	HTMLBody   string   `json:"html_body,omitempty"`
	InReplyTo  string   `json:"in_reply_to,omitempty"`
	References []string `json:"references,omitempty"`
	ThreadID   string   `json:"thread_id,omitempty"`
}

// Validate checks the request has recipients and content.
func (r *SendRequest) Validate() error {
	if len(r.To)+len(r.Cc)+len(r.Bcc) == 0 {
		return types.Errorf(types.KindValidation, "send message", "at least one recipient is required")
	}
	if r.Body == "" && r.HTMLBody == "" {
		return types.Errorf(types.KindValidation, "send message", "body is required")
	}
	return nil
}

// Recipients returns every envelope recipient.
func (r *SendRequest) Recipients() []string {
	out := make([]string, 0, len(r.To)+len(r.Cc)+len(r.Bcc))
	out = append(out, r.To...)
	out = append(out, r.Cc...)
	return append(out, r.Bcc...)
}

// SendResult identifies a sent message on the remote backend
type SendResult struct {
	RemoteID string `json:"remote_id"`
	ThreadID string `json:"thread_id,omitempty"`
}

// PersistFunc hands freshly fetched messages to the cache and returns the
// rows actually inserted.
type PersistFunc func(ctx context.Context, accountID int64, msgs []types.Email) ([]types.Email, error)

// MessageCache is the cache surface the adapters read and update.
type MessageCache interface {
	QueryPage(ctx context.Context, q cache.PageQuery) cache.CacheResult
	GetByID(ctx context.Context, accountID, id int64) (*types.Email, error)
	GetByRemoteID(ctx context.Context, accountID int64, remoteID string) (*types.Email, error)
	Resolve(ctx context.Context, accountID int64, msgs []types.Email) ([]types.Email, error)
	UpdateFlags(ctx context.Context, accountID, id int64, upd cache.FlagUpdate) error
	MoveToMailbox(ctx context.Context, accountID, id int64, mailbox, remoteID string) error
	DeleteMessage(ctx context.Context, accountID, id int64) error
}

// flagChange is a normalized flag mutation. Unknown flag names are dropped.
type flagChange struct {
	read      *bool
	starred   *bool
	important *bool
}

func parseFlagChange(add, remove []string) flagChange {
	var fc flagChange
	set := func(name string, on bool) {
		v := on
		switch strings.ToLower(strings.TrimSpace(name)) {
		case types.FlagRead:
			fc.read = &v
		case types.FlagUnread:
			v = !on
			fc.read = &v
		case types.FlagStarred:
			fc.starred = &v
		case types.FlagImportant:
			fc.important = &v
		}
	}
	for _, f := range add {
		set(f, true)
	}
	for _, f := range remove {
		set(f, false)
	}
	return fc
}

func (fc flagChange) empty() bool {
	return fc.read == nil && fc.starred == nil && fc.important == nil
}

func (fc flagChange) update() cache.FlagUpdate {
	return cache.FlagUpdate{IsRead: fc.read, IsStarred: fc.starred, IsImportant: fc.important}
}
