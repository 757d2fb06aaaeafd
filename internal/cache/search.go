package cache

import (
	"context"
	"fmt"
	"strings"

	"github.com/brandon/mailhub/pkg/types"
)

// MaxCandidates bounds the rows loaded for in-process ranking.
const MaxCandidates = 5000

// SearchCandidates returns the account's cached messages matching the
// structured filters of c, newest first. Values of one filter are ORed,
// distinct filters are ANDed. FreeText is ignored here.
func (s *Store) SearchCandidates(ctx context.Context, accountID int64, c types.SearchCriteria) ([]types.Email, error) {
	conditions := []string{"account_id = ?"}
	args := []any{accountID}

	anyOf := func(values []string, columns ...string) {
		if len(values) == 0 {
			return
		}
		var ors []string
		for _, v := range values {
			like := likePattern(v)
			for _, col := range columns {
				ors = append(ors, "casefold("+col+`) LIKE ? ESCAPE '\'`)
				args = append(args, like)
			}
		}
		conditions = append(conditions, "("+strings.Join(ors, " OR ")+")")
	}

	anyOf(c.From, "sender_email", "sender_name")
	anyOf(c.To, "recipients")
	anyOf(c.Subject, "subject")
	anyOf(c.Contains, "subject", "body_text", "sender_email", "sender_name")

	if len(c.Folders) > 0 {
		var ors []string
		for _, f := range c.Folders {
			ors = append(ors, `(mailbox = ? COLLATE NOCASE OR EXISTS (SELECT 1 FROM json_each(emails.labels) WHERE json_each.value = ? COLLATE NOCASE))`)
			args = append(args, f, f)
		}
		conditions = append(conditions, "("+strings.Join(ors, " OR ")+")")
	}
	if c.HasAttachment != nil {
		conditions = append(conditions, "has_attachments = ?")
		args = append(args, *c.HasAttachment)
	}
	if c.IsRead != nil {
		conditions = append(conditions, "is_read = ?")
		args = append(args, *c.IsRead)
	}
	if c.IsStarred != nil {
		conditions = append(conditions, "is_starred = ?")
		args = append(args, *c.IsStarred)
	}

	query := "SELECT " + emailColumns + " FROM emails WHERE " + strings.Join(conditions, " AND ") +
		" ORDER BY date_unix DESC, id DESC LIMIT ?"
	args = append(args, MaxCandidates)

	var rows []emailRow
	if err := s.cache.DB().SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to load search candidates: %w", err)
	}
	out := make([]types.Email, len(rows))
	for i := range rows {
		out[i] = rows[i].toEmail(s.logger)
	}
	return out, nil
}
