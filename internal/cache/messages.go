package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailhub/internal/metrics"
	"github.com/brandon/mailhub/pkg/types"
)

const emailColumns = `id, account_id, remote_id, thread_id, message_id, mailbox, labels, subject,
	sender_name, sender_email, recipients, date_unix, body_text, body_html, snippet,
	is_read, is_starred, is_important, attachments, cached_at`

type emailRow struct {
	ID          int64  `db:"id"`
	AccountID   int64  `db:"account_id"`
	RemoteID    string `db:"remote_id"`
	ThreadID    string `db:"thread_id"`
	MessageID   string `db:"message_id"`
	Mailbox     string `db:"mailbox"`
	Labels      string `db:"labels"`
	Subject     string `db:"subject"`
	SenderName  string `db:"sender_name"`
	SenderEmail string `db:"sender_email"`
	Recipients  string `db:"recipients"`
	DateUnix    int64  `db:"date_unix"`
	BodyText    string `db:"body_text"`
	BodyHTML    string `db:"body_html"`
	Snippet     string `db:"snippet"`
	IsRead      bool   `db:"is_read"`
	IsStarred   bool   `db:"is_starred"`
	IsImportant bool   `db:"is_important"`
	Attachments string `db:"attachments"`
	CachedAt    int64  `db:"cached_at"`
}

func (r *emailRow) toEmail(logger logrus.FieldLogger) types.Email {
	e := types.Email{
		ID:          r.ID,
		AccountID:   r.AccountID,
		RemoteID:    r.RemoteID,
		ThreadID:    r.ThreadID,
		MessageID:   r.MessageID,
		Mailbox:     r.Mailbox,
		Subject:     r.Subject,
		SenderName:  r.SenderName,
		SenderEmail: r.SenderEmail,
		Date:        time.Unix(r.DateUnix, 0).UTC(),
		BodyText:    r.BodyText,
		BodyHTML:    r.BodyHTML,
		Snippet:     r.Snippet,
		IsRead:      r.IsRead,
		IsStarred:   r.IsStarred,
		IsImportant: r.IsImportant,
		CachedAt:    time.Unix(r.CachedAt, 0).UTC(),
	}
	// Malformed JSON columns degrade to empty lists
	decodeColumn(logger, r.ID, "labels", r.Labels, &e.Labels)
	decodeColumn(logger, r.ID, "recipients", r.Recipients, &e.Recipients)
	decodeColumn(logger, r.ID, "attachments", r.Attachments, &e.Attachments)
	return e
}

func decodeColumn[T any](logger logrus.FieldLogger, id int64, column, raw string, dst *[]T) {
	if raw == "" {
		return
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		*dst = nil
		logger.WithError(err).WithFields(logrus.Fields{"email_id": id, "column": column}).Debug("Ignoring malformed JSON column")
	}
}

func marshalList[T any](v []T) string {
	if len(v) == 0 {
		return "[]"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// Upsert inserts messages whose dedup key is not yet cached and returns
// only the rows actually inserted. Existing rows are left untouched.
func (s *Store) Upsert(ctx context.Context, accountID int64, msgs []types.Email) ([]types.Email, error) {
	if len(msgs) == 0 {
		return nil, nil
	}

	tx, err := s.cache.DB().BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var inserted []types.Email
	for i := range msgs {
		msg := msgs[i]
		msg.AccountID = accountID

		var existing int64
		err := tx.GetContext(ctx, &existing, `
			SELECT id FROM emails
			WHERE account_id = ? AND sender_email = ? AND subject = ? AND date_unix = ?
			LIMIT 1`, accountID, msg.SenderEmail, msg.Subject, msg.Date.Unix())
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to check existing email: %w", err)
		}

		if err := s.insertEmail(ctx, tx, &msg); err != nil {
			return nil, err
		}
		inserted = append(inserted, msg)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit upsert: %w", err)
	}

	metrics.CacheUpserts.Add(float64(len(inserted)))
	s.logger.WithFields(logrus.Fields{
		"account":  accountID,
		"received": len(msgs),
		"inserted": len(inserted),
	}).Debug("Upserted emails")
	return inserted, nil
}

// ReplaceAll deletes every cached message of the account and inserts msgs
// unconditionally, in one transaction.
func (s *Store) ReplaceAll(ctx context.Context, accountID int64, msgs []types.Email) ([]types.Email, error) {
	tx, err := s.cache.DB().BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM emails WHERE account_id = ?", accountID); err != nil {
		return nil, fmt.Errorf("failed to purge account emails: %w", err)
	}

	inserted := make([]types.Email, 0, len(msgs))
	for i := range msgs {
		msg := msgs[i]
		msg.AccountID = accountID
		if err := s.insertEmail(ctx, tx, &msg); err != nil {
			return nil, err
		}
		inserted = append(inserted, msg)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit resync: %w", err)
	}
	metrics.CacheUpserts.Add(float64(len(inserted)))
	return inserted, nil
}

func (s *Store) insertEmail(ctx context.Context, tx *sqlx.Tx, msg *types.Email) error {
	now := s.now().UTC().Truncate(time.Second)
	res, err := tx.ExecContext(ctx, `
		INSERT INTO emails (account_id, remote_id, thread_id, message_id, mailbox, labels, subject,
			sender_name, sender_email, recipients, date_unix, body_text, body_html, snippet,
			is_read, is_starred, is_important, has_attachments, attachments, cached_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.AccountID, msg.RemoteID, msg.ThreadID, msg.MessageID, msg.Mailbox,
		marshalList(msg.Labels), msg.Subject, msg.SenderName, msg.SenderEmail,
		marshalList(msg.Recipients), msg.Date.Unix(), msg.BodyText, msg.BodyHTML, msg.Snippet,
		msg.IsRead, msg.IsStarred, msg.IsImportant, msg.HasAttachments(),
		marshalList(msg.Attachments), now.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert email: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	msg.ID = id
	msg.CachedAt = now
	msg.Date = time.Unix(msg.Date.Unix(), 0).UTC()
	return nil
}

// DeleteAccountMessages purges every cached message of the account
func (s *Store) DeleteAccountMessages(ctx context.Context, accountID int64) (int64, error) {
	res, err := s.cache.DB().ExecContext(ctx, "DELETE FROM emails WHERE account_id = ?", accountID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete account emails: %w", err)
	}
	return res.RowsAffected()
}

// CacheStatus is the outcome of a cached page read.
type CacheStatus int

const (
	CacheMiss CacheStatus = iota
	CacheHit
	CacheError
)

func (s CacheStatus) String() string {
	switch s {
	case CacheHit:
		return "hit"
	case CacheError:
		return "error"
	default:
		return "miss"
	}
}

// CacheResult carries a cached page or the reason none was served
type CacheResult struct {
	Status   CacheStatus
	Messages []types.Email
	Total    int
	Err      error
}

// PageQuery selects one page of cached messages
type PageQuery struct {
	AccountID      int64
	Mailbox        string
	PageSize       int
	Page           int
	Search         string
	IsRead         *bool
	HasAttachments *bool
}

// QueryPage reads one page of cached messages newest first. An empty page
// is a miss; a database failure is reported as CacheError, never returned.
func (s *Store) QueryPage(ctx context.Context, q PageQuery) CacheResult {
	if q.PageSize < 1 || q.Page < 1 {
		return CacheResult{Status: CacheError, Err: types.Errorf(types.KindValidation, "query page", "page and page size must be positive")}
	}

	conditions := []string{"account_id = ?"}
	args := []any{q.AccountID}

	if q.Mailbox != "" {
		conditions = append(conditions, `(mailbox = ? COLLATE NOCASE OR EXISTS (SELECT 1 FROM json_each(emails.labels) WHERE json_each.value = ?))`)
		args = append(args, q.Mailbox, q.Mailbox)
	}
	if q.Search != "" {
		like := likePattern(q.Search)
		conditions = append(conditions, `(casefold(subject) LIKE ? ESCAPE '\' OR casefold(sender_email) LIKE ? ESCAPE '\' OR casefold(sender_name) LIKE ? ESCAPE '\' OR casefold(body_text) LIKE ? ESCAPE '\')`)
		args = append(args, like, like, like, like)
	}
	if q.IsRead != nil {
		conditions = append(conditions, "is_read = ?")
		args = append(args, *q.IsRead)
	}
	if q.HasAttachments != nil {
		conditions = append(conditions, "has_attachments = ?")
		args = append(args, *q.HasAttachments)
	}
	where := strings.Join(conditions, " AND ")

	db := s.cache.DB()
	var total int
	if err := db.GetContext(ctx, &total, "SELECT COUNT(*) FROM emails WHERE "+where, args...); err != nil {
		metrics.CacheReads.WithLabelValues("error").Inc()
		return CacheResult{Status: CacheError, Err: fmt.Errorf("failed to count cached emails: %w", err)}
	}

	var rows []emailRow
	pageArgs := append(append([]any{}, args...), q.PageSize, (q.Page-1)*q.PageSize)
	query := "SELECT " + emailColumns + " FROM emails WHERE " + where + " ORDER BY date_unix DESC, id DESC LIMIT ? OFFSET ?"
	if err := db.SelectContext(ctx, &rows, query, pageArgs...); err != nil {
		metrics.CacheReads.WithLabelValues("error").Inc()
		return CacheResult{Status: CacheError, Err: fmt.Errorf("failed to query cached emails: %w", err)}
	}

	if len(rows) == 0 {
		metrics.CacheReads.WithLabelValues("miss").Inc()
		return CacheResult{Status: CacheMiss, Total: total}
	}

	msgs := make([]types.Email, len(rows))
	for i := range rows {
		msgs[i] = rows[i].toEmail(s.logger)
	}
	metrics.CacheReads.WithLabelValues("hit").Inc()
	return CacheResult{Status: CacheHit, Messages: msgs, Total: total}
}

// GetByID returns one cached message of the account
func (s *Store) GetByID(ctx context.Context, accountID, id int64) (*types.Email, error) {
	var row emailRow
	err := s.cache.DB().GetContext(ctx, &row,
		"SELECT "+emailColumns+" FROM emails WHERE account_id = ? AND id = ?", accountID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.Errorf(types.KindNotFound, "get email", "email %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get email: %w", err)
	}
	e := row.toEmail(s.logger)
	return &e, nil
}

// GetByRemoteID returns the cached copy of a remote message
func (s *Store) GetByRemoteID(ctx context.Context, accountID int64, remoteID string) (*types.Email, error) {
	var row emailRow
	err := s.cache.DB().GetContext(ctx, &row,
		"SELECT "+emailColumns+" FROM emails WHERE account_id = ? AND remote_id = ? ORDER BY id LIMIT 1", accountID, remoteID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.Errorf(types.KindNotFound, "get email", "remote email %s not cached", remoteID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get email: %w", err)
	}
	e := row.toEmail(s.logger)
	return &e, nil
}

// Resolve returns the cached rows matching the dedup keys of msgs, in the
// order of msgs. Messages without a cached row are skipped.
func (s *Store) Resolve(ctx context.Context, accountID int64, msgs []types.Email) ([]types.Email, error) {
	out := make([]types.Email, 0, len(msgs))
	for i := range msgs {
		var row emailRow
		err := s.cache.DB().GetContext(ctx, &row, "SELECT "+emailColumns+` FROM emails
			WHERE account_id = ? AND sender_email = ? AND subject = ? AND date_unix = ?
			ORDER BY id LIMIT 1`, accountID, msgs[i].SenderEmail, msgs[i].Subject, msgs[i].Date.Unix())
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to resolve email: %w", err)
		}
		out = append(out, row.toEmail(s.logger))
	}
	return out, nil
}

// FlagUpdate carries the mutable flag columns; nil fields are unchanged.
type FlagUpdate struct {
	IsRead      *bool
	IsStarred   *bool
	IsImportant *bool
}

// UpdateFlags updates the cached flags of one message
func (s *Store) UpdateFlags(ctx context.Context, accountID, id int64, upd FlagUpdate) error {
	var sets []string
	var args []any
	if upd.IsRead != nil {
		sets = append(sets, "is_read = ?")
		args = append(args, *upd.IsRead)
	}
	if upd.IsStarred != nil {
		sets = append(sets, "is_starred = ?")
		args = append(args, *upd.IsStarred)
	}
	if upd.IsImportant != nil {
		sets = append(sets, "is_important = ?")
		args = append(args, *upd.IsImportant)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, accountID, id)
	res, err := s.cache.DB().ExecContext(ctx,
		"UPDATE emails SET "+strings.Join(sets, ", ")+" WHERE account_id = ? AND id = ?", args...)
	if err != nil {
		return fmt.Errorf("failed to update flags: %w", err)
	}
	return requireRow(res, "update flags", id)
}

// MoveToMailbox records that a message now lives in another mailbox
func (s *Store) MoveToMailbox(ctx context.Context, accountID, id int64, mailbox, remoteID string) error {
	res, err := s.cache.DB().ExecContext(ctx, `
		UPDATE emails SET mailbox = ?, labels = ?, remote_id = COALESCE(NULLIF(?, ''), remote_id)
		WHERE account_id = ? AND id = ?`,
		mailbox, marshalList([]string{mailbox}), remoteID, accountID, id)
	if err != nil {
		return fmt.Errorf("failed to move email: %w", err)
	}
	return requireRow(res, "move email", id)
}

// DeleteMessage removes one cached message
func (s *Store) DeleteMessage(ctx context.Context, accountID, id int64) error {
	res, err := s.cache.DB().ExecContext(ctx, "DELETE FROM emails WHERE account_id = ? AND id = ?", accountID, id)
	if err != nil {
		return fmt.Errorf("failed to delete email: %w", err)
	}
	return requireRow(res, "delete email", id)
}

// likePattern matches s anywhere in a casefold()ed column
func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(casefold(s)) + "%"
}
