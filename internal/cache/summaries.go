package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/brandon/mailhub/pkg/types"
)

// GetSummary returns the cached summary of a message
func (s *Store) GetSummary(ctx context.Context, emailID int64) (*types.Summary, error) {
	var row struct {
		EmailID     int64  `db:"email_id"`
		Summary     string `db:"summary"`
		Model       string `db:"model"`
		GeneratedAt int64  `db:"generated_at"`
	}
	err := s.cache.DB().GetContext(ctx, &row,
		"SELECT email_id, summary, model, generated_at FROM summaries WHERE email_id = ?", emailID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.Errorf(types.KindNotFound, "get summary", "no summary for email %d", emailID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get summary: %w", err)
	}
	return &types.Summary{
		EmailID:     row.EmailID,
		Text:        row.Summary,
		Model:       row.Model,
		GeneratedAt: time.Unix(row.GeneratedAt, 0).UTC(),
	}, nil
}

// SaveSummary stores or replaces a message summary
func (s *Store) SaveSummary(ctx context.Context, sum *types.Summary) error {
	_, err := s.cache.DB().ExecContext(ctx, `
		INSERT INTO summaries (email_id, summary, model, generated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(email_id) DO UPDATE SET
			summary = excluded.summary,
			model = excluded.model,
			generated_at = excluded.generated_at`,
		sum.EmailID, sum.Text, sum.Model, sum.GeneratedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to save summary: %w", err)
	}
	return nil
}
