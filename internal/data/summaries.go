package data

import (
	"context"
	"fmt"
	"time"
)

// Summary levels.
const (
	LevelChunk      = "chunk"
	LevelDocument   = "document"
	LevelCollection = "collection"

	// CollectionSource is the source_file of the collection summary.
	CollectionSource = "_collection"
	// CommunityPrefix prefixes the source_file of community summaries.
	CommunityPrefix = "_community_"
)

// DocumentSummary is one row of document_summaries.
type DocumentSummary struct {
	ID          int64     `json:"id"`
	SourceFile  string    `json:"source_file"`
	Level       string    `json:"level"`
	Summary     string    `json:"summary"`
	Embedding   []float32 `json:"-"`
	EntityCount int       `json:"entity_count"`
	CreatedAt   time.Time `json:"created_at"`
}

const summaryColumns = `id, source_file, level, summary, summary_embedding, entity_count, created_at`

// InsertSummary appends a summary row and returns its id.
func (s *Store) InsertSummary(ctx context.Context, sum DocumentSummary) (int64, error) {
	if sum.CreatedAt.IsZero() {
		sum.CreatedAt = s.now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO document_summaries
		(source_file, level, summary, summary_embedding, entity_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sum.SourceFile, sum.Level, sum.Summary, EncodeVector(sum.Embedding), sum.EntityCount, sum.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert %s summary of %s: %w", sum.Level, sum.SourceFile, err)
	}
	return res.LastInsertId()
}

// Summaries returns rows of level, newest first, limited when limit > 0.
// An empty level matches every level.
func (s *Store) Summaries(ctx context.Context, level string, limit int) ([]DocumentSummary, error) {
	query := `SELECT ` + summaryColumns + ` FROM document_summaries`
	var args []any
	if level != "" {
		query += ` WHERE level = ?`
		args = append(args, level)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.querySummaries(ctx, query, args...)
}

// SummariesMissingEmbedding returns rows with no vector.
func (s *Store) SummariesMissingEmbedding(ctx context.Context) ([]DocumentSummary, error) {
	return s.querySummaries(ctx, `SELECT `+summaryColumns+` FROM document_summaries
		WHERE summary_embedding IS NULL ORDER BY id`)
}

// SetSummaryEmbedding stores the vector of summary id.
func (s *Store) SetSummaryEmbedding(ctx context.Context, id int64, vec []float32) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE document_summaries SET summary_embedding = ? WHERE id = ?`,
		EncodeVector(vec), id); err != nil {
		return fmt.Errorf("set embedding of summary %d: %w", id, err)
	}
	return nil
}

// DeleteSummaries removes every summary of source.
func (s *Store) DeleteSummaries(ctx context.Context, source string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM document_summaries WHERE source_file = ?`, source); err != nil {
		return fmt.Errorf("delete summaries of %s: %w", source, err)
	}
	return nil
}

// DeleteSummariesWithPrefix removes every summary whose source starts with
// prefix.
func (s *Store) DeleteSummariesWithPrefix(ctx context.Context, prefix string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM document_summaries WHERE substr(source_file, 1, ?) = ?`,
		len(prefix), prefix); err != nil {
		return fmt.Errorf("delete summaries with prefix %s: %w", prefix, err)
	}
	return nil
}

func (s *Store) querySummaries(ctx context.Context, query string, args ...any) ([]DocumentSummary, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query summaries: %w", err)
	}
	defer rows.Close()

	var out []DocumentSummary
	for rows.Next() {
		var (
			d    DocumentSummary
			blob []byte
		)
		if err := rows.Scan(&d.ID, &d.SourceFile, &d.Level, &d.Summary, &blob, &d.EntityCount, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		d.Embedding = DecodeVector(blob)
		out = append(out, d)
	}
	return out, rows.Err()
}
