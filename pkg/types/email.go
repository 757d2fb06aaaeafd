package types

import "time"

// Backend identifies which remote system serves an account.
type Backend string

const (
	BackendIMAPSMTP  Backend = "imap-smtp"
	BackendRemoteAPI Backend = "remote-api"
)

// Valid reports whether b is a known backend.
func (b Backend) Valid() bool {
	return b == BackendIMAPSMTP || b == BackendRemoteAPI
}

// Normalized flag vocabulary accepted by ModifyFlags.
const (
	FlagRead      = "read"
	FlagUnread    = "unread"
	FlagStarred   = "starred"
	FlagImportant = "important"
)

// Account represents a user mailbox served by exactly one backend
type Account struct {
	ID              int64      `json:"id"`
	Name            string     `json:"name"`
	Email           string     `json:"email"`
	Backend         Backend    `json:"backend"`
	AccessToken     string     `json:"-"`
	RefreshToken    string     `json:"-"`
	TokenExpiry     time.Time  `json:"-"`
	InitialSyncedAt *time.Time `json:"initial_synced_at,omitempty"`
}

// Credential is one IMAP/SMTP credential set for an account
type Credential struct {
	ID           int64  `db:"id"`
	AccountID    int64  `db:"account_id"`
	IMAPHost     string `db:"imap_host"`
	IMAPPort     int    `db:"imap_port"`
	IMAPUsername string `db:"imap_username"`
	IMAPPassword string `db:"imap_password"`
	SMTPHost     string `db:"smtp_host"`
	SMTPPort     int    `db:"smtp_port"`
	SMTPUsername string `db:"smtp_username"`
	SMTPPassword string `db:"smtp_password"`
	Active       bool   `db:"is_active"`
}

// Attachment is attachment metadata; content is never cached.
type Attachment struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

// AttachmentContent is an attachment fetched from the remote backend
type AttachmentContent struct {
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	Data     string `json:"data"` // base64
	Size     int64  `json:"size"`
}

// Email represents a normalized email message
type Email struct {
	ID          int64        `json:"id"`
	AccountID   int64        `json:"account_id"`
	RemoteID    string       `json:"remote_id"`
	ThreadID    string       `json:"thread_id,omitempty"`
	MessageID   string       `json:"message_id,omitempty"`
	Mailbox     string       `json:"mailbox"`
	Labels      []string     `json:"labels,omitempty"`
	Subject     string       `json:"subject"`
	SenderName  string       `json:"sender_name"`
	SenderEmail string       `json:"sender_email"`
	Recipients  []string     `json:"recipients"`
	Date        time.Time    `json:"date"`
	BodyText    string       `json:"body_text,omitempty"`
	BodyHTML    string       `json:"body_html,omitempty"`
	Snippet     string       `json:"snippet"`
	IsRead      bool         `json:"is_read"`
	IsStarred   bool         `json:"is_starred"`
	IsImportant bool         `json:"is_important"`
	Attachments []Attachment `json:"attachments,omitempty"`
	CachedAt    time.Time    `json:"cached_at"`
}

// HasAttachments reports whether the message carries attachment metadata.
func (e *Email) HasAttachments() bool {
	return len(e.Attachments) > 0
}

// DedupKey is the identity used to suppress repeated inserts of one message.
type DedupKey struct {
	AccountID   int64
	SenderEmail string
	Subject     string
	Unix        int64
}

// Key returns the message's dedup key.
func (e *Email) Key() DedupKey {
	return DedupKey{
		AccountID:   e.AccountID,
		SenderEmail: e.SenderEmail,
		Subject:     e.Subject,
		Unix:        e.Date.Unix(),
	}
}

// MessagePage is one page of normalized messages
type MessagePage struct {
	Messages      []Email `json:"messages"`
	NextPageToken string  `json:"next_page_token,omitempty"`
	Page          int     `json:"page"`
	Total         int     `json:"total_estimate"`
	FromCache     bool    `json:"from_cache"`
}

// Mailbox represents a folder or label
type Mailbox struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Type   string `json:"type"`
	Total  int    `json:"total"`
	Unread int    `json:"unread"`
}

// Summary is a cached AI-generated summary of one message
type Summary struct {
	EmailID     int64     `json:"email_id"`
	Text        string    `json:"summary"`
	Model       string    `json:"model"`
	GeneratedAt time.Time `json:"generated_at"`
}
