package cache

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
)

// StoredEmbedding is a cached message vector
type StoredEmbedding struct {
	EmailID int64
	Vector  []float32
}

// MissingEmbeddings returns up to limit messages of the account that have no
// embedding yet, newest first.
func (s *Store) MissingEmbeddings(ctx context.Context, accountID int64, limit int) ([]EmbeddingSource, error) {
	var rows []EmbeddingSource
	err := s.cache.DB().SelectContext(ctx, &rows, `
		SELECT id, subject, sender_name, sender_email, body_text, body_html
		FROM emails WHERE account_id = ? AND embedding IS NULL
		ORDER BY date_unix DESC LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load emails without embeddings: %w", err)
	}
	return rows, nil
}

// EmbeddingSource is the text material of a message to embed
type EmbeddingSource struct {
	ID          int64  `db:"id"`
	Subject     string `db:"subject"`
	SenderName  string `db:"sender_name"`
	SenderEmail string `db:"sender_email"`
	BodyText    string `db:"body_text"`
	BodyHTML    string `db:"body_html"`
}

// SetEmbedding stores the vector computed for a message
func (s *Store) SetEmbedding(ctx context.Context, emailID int64, model string, vec []float32) error {
	res, err := s.cache.DB().ExecContext(ctx,
		"UPDATE emails SET embedding = ?, embedding_model = ? WHERE id = ?", encodeVector(vec), model, emailID)
	if err != nil {
		return fmt.Errorf("failed to store embedding: %w", err)
	}
	return requireRow(res, "set embedding", emailID)
}

// Embeddings loads every stored vector of the account
func (s *Store) Embeddings(ctx context.Context, accountID int64) ([]StoredEmbedding, error) {
	rows, err := s.cache.DB().QueryContext(ctx,
		"SELECT id, embedding FROM emails WHERE account_id = ? AND embedding IS NOT NULL", accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load embeddings: %w", err)
	}
	defer rows.Close()

	var out []StoredEmbedding
	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan embedding: %w", err)
		}
		out = append(out, StoredEmbedding{EmailID: id, Vector: decodeVector(blob)})
	}
	return out, rows.Err()
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
