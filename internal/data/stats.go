package data

import (
	"context"
	"fmt"
)

// Stats is a snapshot of the store used by the planner and verifier.
type Stats struct {
	Documents         int            `json:"documents"`
	Sources           int            `json:"sources"`
	EmbeddedChunks    int            `json:"embedded_chunks"`
	CurrentNodes      int            `json:"current_nodes"`
	HistoricalNodes   int            `json:"historical_nodes"`
	Edges             int            `json:"edges"`
	Links             int            `json:"links"`
	Summaries         map[string]int `json:"summaries"`
	DuplicateContents int            `json:"duplicate_contents"`
}

// Coverage is the embedded share of chunks in [0,1]; an empty store has
// coverage 0.
func (s Stats) Coverage() float64 {
	if s.Documents == 0 {
		return 0
	}
	return float64(s.EmbeddedChunks) / float64(s.Documents)
}

// Stats collects row counts.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Summaries: map[string]int{}}
	counts := []struct {
		query string
		dst   *int
	}{
		{`SELECT COUNT(*) FROM documents`, &st.Documents},
		{`SELECT COUNT(DISTINCT source_file) FROM documents`, &st.Sources},
		{`SELECT COUNT(*) FROM documents WHERE chunk_embedding IS NOT NULL`, &st.EmbeddedChunks},
		{`SELECT COUNT(*) FROM semantic_nodes WHERE valid_to IS NULL`, &st.CurrentNodes},
		{`SELECT COUNT(*) FROM semantic_nodes WHERE valid_to IS NOT NULL`, &st.HistoricalNodes},
		{`SELECT COUNT(*) FROM semantic_edges WHERE valid_to IS NULL`, &st.Edges},
		{`SELECT COUNT(*) FROM document_semantic_links`, &st.Links},
		{`SELECT COALESCE(SUM(n - 1), 0) FROM (SELECT COUNT(*) AS n FROM documents GROUP BY content HAVING n > 1)`, &st.DuplicateContents},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dst); err != nil {
			return Stats{}, fmt.Errorf("collect stats: %w", err)
		}
	}

	rows, err := s.db.QueryContext(ctx, `SELECT level, COUNT(*) FROM document_summaries GROUP BY level`)
	if err != nil {
		return Stats{}, fmt.Errorf("count summaries: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			level string
			n     int
		)
		if err := rows.Scan(&level, &n); err != nil {
			return Stats{}, fmt.Errorf("scan summary count: %w", err)
		}
		st.Summaries[level] = n
	}
	return st, rows.Err()
}

// SourceChunk identifies a chunk for orphan detection.
type SourceChunk struct {
	ID          int64  `json:"id"`
	SourceFile  string `json:"source_file"`
	ChunkIndex  int    `json:"chunk_index"`
	LinkedNodes int    `json:"linked_nodes"`
}

// ChunkLinks lists every chunk with its semantic-node link count.
func (s *Store) ChunkLinks(ctx context.Context) ([]SourceChunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.source_file, d.chunk_index, COUNT(l.semantic_node_id)
		FROM documents d
		LEFT JOIN document_semantic_links l ON l.document_id = d.id
		GROUP BY d.id
		ORDER BY d.source_file, d.chunk_index`)
	if err != nil {
		return nil, fmt.Errorf("query chunk links: %w", err)
	}
	defer rows.Close()

	var out []SourceChunk
	for rows.Next() {
		var c SourceChunk
		if err := rows.Scan(&c.ID, &c.SourceFile, &c.ChunkIndex, &c.LinkedNodes); err != nil {
			return nil, fmt.Errorf("scan chunk link: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
