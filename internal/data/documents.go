package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CHUNKS
// ═══════════════════════════════════════════════════════════════════════════════

// Chunk is one row of the documents table.
type Chunk struct {
	ID         int64          `json:"id"`
	SourceFile string         `json:"source_file"`
	SourceHash string         `json:"source_hash"`
	Title      string         `json:"title"`
	ChunkIndex int            `json:"chunk_index"`
	Content    string         `json:"content"`
	Embedding  []float32      `json:"-"`
	Metadata   map[string]any `json:"metadata"`
	Category   string         `json:"category"`
	Tags       []string       `json:"tags"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Summary returns the chunk summary recorded in metadata, if any.
func (c Chunk) Summary() string {
	s, _ := c.Metadata["summary"].(string)
	return s
}

// HasEmbedding reports whether the chunk has a vector.
func (c Chunk) HasEmbedding() bool { return len(c.Embedding) > 0 }

const chunkColumns = `id, source_file, source_hash, title, chunk_index, content,
	chunk_embedding, metadata, category, tags, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChunk(r rowScanner) (Chunk, error) {
	var (
		c        Chunk
		blob     []byte
		metadata string
		tags     string
	)
	if err := r.Scan(&c.ID, &c.SourceFile, &c.SourceHash, &c.Title, &c.ChunkIndex, &c.Content,
		&blob, &metadata, &c.Category, &tags, &c.CreatedAt); err != nil {
		return Chunk{}, err
	}
	c.Embedding = DecodeVector(blob)
	c.Metadata = map[string]any{}
	_ = json.Unmarshal([]byte(metadata), &c.Metadata)
	_ = json.Unmarshal([]byte(tags), &c.Tags)
	return c, nil
}

func insertChunk(ctx context.Context, tx *sql.Tx, c Chunk, now time.Time) (int64, error) {
	if c.Metadata == nil {
		c.Metadata = map[string]any{}
	}
	if c.SourceHash != "" {
		c.Metadata["source_hash"] = c.SourceHash
	}
	if c.Category != "" {
		c.Metadata["category"] = c.Category
	}
	meta, err := json.Marshal(c.Metadata)
	if err != nil {
		return 0, fmt.Errorf("marshal metadata: %w", err)
	}
	if c.Tags == nil {
		c.Tags = []string{}
	}
	tags, err := json.Marshal(c.Tags)
	if err != nil {
		return 0, fmt.Errorf("marshal tags: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO documents (source_file, source_hash, title, chunk_index, content,
			chunk_embedding, metadata, category, tags, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.SourceFile, c.SourceHash, c.Title, c.ChunkIndex, c.Content,
		EncodeVector(c.Embedding), string(meta), c.Category, string(tags), now)
	if err != nil {
		return 0, fmt.Errorf("insert chunk %s#%d: %w", c.SourceFile, c.ChunkIndex, err)
	}
	return res.LastInsertId()
}

// InsertChunks appends chunks in a single transaction and returns their ids
// in input order.
func (s *Store) InsertChunks(ctx context.Context, chunks []Chunk) ([]int64, error) {
	ids := make([]int64, 0, len(chunks))
	now := s.now().UTC()
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, c := range chunks {
			id, err := insertChunk(ctx, tx, c, now)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// ReplaceSource deletes every chunk of source and inserts chunks in its
// place, atomically. Links from the old chunks are removed by cascade.
func (s *Store) ReplaceSource(ctx context.Context, source string, chunks []Chunk) ([]int64, error) {
	ids := make([]int64, 0, len(chunks))
	now := s.now().UTC()
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE source_file = ?`, source); err != nil {
			return fmt.Errorf("delete chunks of %s: %w", source, err)
		}
		for _, c := range chunks {
			c.SourceFile = source
			id, err := insertChunk(ctx, tx, c, now)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug().Str("source", source).Int("chunks", len(ids)).Msg("source replaced")
	return ids, nil
}

// DeleteBySource removes every chunk of source and returns the row count.
func (s *Store) DeleteBySource(ctx context.Context, source string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE source_file = ?`, source)
	if err != nil {
		return 0, fmt.Errorf("delete chunks of %s: %w", source, err)
	}
	return res.RowsAffected()
}

// DeleteChunks removes the given chunk ids.
func (s *Store) DeleteChunks(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var total int64
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
			if err != nil {
				return fmt.Errorf("delete chunk %d: %w", id, err)
			}
			n, _ := res.RowsAffected()
			total += n
		}
		return nil
	})
	return total, err
}

// Chunk returns one chunk by id.
func (s *Store) Chunk(ctx context.Context, id int64) (Chunk, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+chunkColumns+` FROM documents WHERE id = ?`, id)
	c, err := scanChunk(row)
	if err == sql.ErrNoRows {
		return Chunk{}, fmt.Errorf("chunk %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Chunk{}, fmt.Errorf("get chunk %d: %w", id, err)
	}
	return c, nil
}

// Chunks returns the chunks of source ordered by index, or every chunk when
// source is empty.
func (s *Store) Chunks(ctx context.Context, source string) ([]Chunk, error) {
	query := `SELECT ` + chunkColumns + ` FROM documents`
	var args []any
	if source != "" {
		query += ` WHERE source_file = ?`
		args = append(args, source)
	}
	query += ` ORDER BY source_file, chunk_index`
	return s.queryChunks(ctx, query, args...)
}

// SampleChunks returns up to n random chunks.
func (s *Store) SampleChunks(ctx context.Context, n int) ([]Chunk, error) {
	if n <= 0 {
		return nil, nil
	}
	return s.queryChunks(ctx, `SELECT `+chunkColumns+` FROM documents ORDER BY RANDOM() LIMIT ?`, n)
}

// ChunksMissingEmbedding returns chunks without a vector.
func (s *Store) ChunksMissingEmbedding(ctx context.Context) ([]Chunk, error) {
	return s.queryChunks(ctx, `SELECT `+chunkColumns+` FROM documents
		WHERE chunk_embedding IS NULL ORDER BY source_file, chunk_index`)
}

func (s *Store) queryChunks(ctx context.Context, query string, args ...any) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetChunkEmbedding stores the vector of chunk id.
func (s *Store) SetChunkEmbedding(ctx context.Context, id int64, vec []float32) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE documents SET chunk_embedding = ? WHERE id = ?`,
		EncodeVector(vec), id); err != nil {
		return fmt.Errorf("set embedding of chunk %d: %w", id, err)
	}
	return nil
}

// MergeChunkMetadata merges patch into the chunk's metadata. Tags in patch
// under "keywords" are also copied to the tags column.
func (s *Store) MergeChunkMetadata(ctx context.Context, id int64, patch map[string]any) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRowContext(ctx, `SELECT metadata FROM documents WHERE id = ?`, id).Scan(&raw)
		if err == sql.ErrNoRows {
			return fmt.Errorf("chunk %d: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("read metadata of chunk %d: %w", id, err)
		}
		meta := map[string]any{}
		_ = json.Unmarshal([]byte(raw), &meta)
		for k, v := range patch {
			meta[k] = v
		}
		b, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE documents SET metadata = ? WHERE id = ?`, string(b), id); err != nil {
			return fmt.Errorf("update metadata of chunk %d: %w", id, err)
		}
		if kw, ok := patch["keywords"].([]string); ok {
			tags, _ := json.Marshal(kw)
			if _, err := tx.ExecContext(ctx, `UPDATE documents SET tags = ? WHERE id = ?`, string(tags), id); err != nil {
				return fmt.Errorf("update tags of chunk %d: %w", id, err)
			}
		}
		return nil
	})
}

// SourceHashes maps each stored source file to its content hash.
func (s *Store) SourceHashes(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT source_file, MAX(source_hash) FROM documents GROUP BY source_file`)
	if err != nil {
		return nil, fmt.Errorf("query source hashes: %w", err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var file, hash string
		if err := rows.Scan(&file, &hash); err != nil {
			return nil, fmt.Errorf("scan source hash: %w", err)
		}
		out[file] = hash
	}
	return out, rows.Err()
}

// ═══════════════════════════════════════════════════════════════════════════════
// VECTOR SEARCH
// ═══════════════════════════════════════════════════════════════════════════════

// SearchHit is one ranked chunk.
type SearchHit struct {
	ChunkID    int64   `json:"chunk_id"`
	SourceFile string  `json:"source_file"`
	ChunkIndex int     `json:"chunk_index"`
	Content    string  `json:"content"`
	Score      float64 `json:"score"`
}

// Search ranks every embedded chunk by cosine similarity to query and
// returns the top k. The scan is linear.
func (s *Store) Search(ctx context.Context, query []float32, k int) ([]SearchHit, error) {
	if len(query) == 0 || k <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, source_file, chunk_index, content, chunk_embedding
		FROM documents WHERE chunk_embedding IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("query embeddings: %w", err)
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var (
			h    SearchHit
			blob []byte
		)
		if err := rows.Scan(&h.ChunkID, &h.SourceFile, &h.ChunkIndex, &h.Content, &blob); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		h.Score = Cosine(query, DecodeVector(blob))
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// KeywordSearch is a LIKE fallback used when no embedding model is
// reachable.
func (s *Store) KeywordSearch(ctx context.Context, term string, limit int) ([]SearchHit, error) {
	term = strings.TrimSpace(term)
	if term == "" || limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, source_file, chunk_index, content FROM documents
		WHERE content LIKE ? ORDER BY source_file, chunk_index LIMIT ?`, "%"+term+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var h SearchHit
		if err := rows.Scan(&h.ChunkID, &h.SourceFile, &h.ChunkIndex, &h.Content); err != nil {
			return nil, fmt.Errorf("scan hit: %w", err)
		}
		h.Score = 1
		hits = append(hits, h)
	}
	return hits, rows.Err()
}
