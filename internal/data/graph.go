package data

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SEMANTIC GRAPH
// ═══════════════════════════════════════════════════════════════════════════════

// DefaultNodeConfidence is the confidence assigned to extracted facts.
const DefaultNodeConfidence = 0.8

// Node is one bitemporal fact row.
type Node struct {
	ID            int64      `json:"id"`
	Entity        string     `json:"entity"`
	Attribute     string     `json:"attribute"`
	Value         string     `json:"value"`
	Embedding     []float32  `json:"-"`
	Confidence    float64    `json:"confidence"`
	SourceSession string     `json:"source_session"`
	ValidFrom     time.Time  `json:"valid_from"`
	ValidTo       *time.Time `json:"valid_to,omitempty"`
}

// Current reports whether the row is the open version of its fact.
func (n Node) Current() bool { return n.ValidTo == nil }

// Edge relates two nodes.
type Edge struct {
	SourceID  int64      `json:"source_node_id"`
	TargetID  int64      `json:"target_node_id"`
	Relation  string     `json:"relation"`
	Weight    float64    `json:"weight"`
	ValidFrom time.Time  `json:"valid_from"`
	ValidTo   *time.Time `json:"valid_to,omitempty"`
}

// EntityEdge is an edge resolved to entity names.
type EntityEdge struct {
	Source   string  `json:"source"`
	Target   string  `json:"target"`
	Relation string  `json:"relation"`
	Weight   float64 `json:"weight"`
}

const nodeColumns = `id, entity, attribute, value, value_embedding, confidence,
	source_session, valid_from, valid_to`

func scanNode(r rowScanner) (Node, error) {
	var (
		n       Node
		blob    []byte
		validTo sql.NullTime
	)
	if err := r.Scan(&n.ID, &n.Entity, &n.Attribute, &n.Value, &blob, &n.Confidence,
		&n.SourceSession, &n.ValidFrom, &validTo); err != nil {
		return Node{}, err
	}
	n.Embedding = DecodeVector(blob)
	n.ValidTo = nullTime(validTo)
	return n, nil
}

// UpsertNode records a new value for (entity, attribute). In one
// transaction it closes the open row, inserts the new row and, when
// documentID is positive, links the node to that chunk.
func (s *Store) UpsertNode(ctx context.Context, n Node, documentID int64) (int64, error) {
	if n.Entity == "" || n.Attribute == "" {
		return 0, fmt.Errorf("upsert node: entity and attribute are required")
	}
	if n.Confidence <= 0 {
		n.Confidence = DefaultNodeConfidence
	}
	now := s.now().UTC()
	if n.ValidFrom.IsZero() {
		n.ValidFrom = now
	}

	var id int64
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE semantic_nodes SET valid_to = ?
			WHERE entity = ? AND attribute = ? AND valid_to IS NULL`,
			n.ValidFrom, n.Entity, n.Attribute); err != nil {
			return fmt.Errorf("close current %s.%s: %w", n.Entity, n.Attribute, err)
		}
		res, err := tx.ExecContext(ctx, `INSERT INTO semantic_nodes
			(entity, attribute, value, value_embedding, confidence, source_session, valid_from)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			n.Entity, n.Attribute, n.Value, EncodeVector(n.Embedding), n.Confidence, n.SourceSession, n.ValidFrom)
		if err != nil {
			return fmt.Errorf("insert node %s.%s: %w", n.Entity, n.Attribute, err)
		}
		if id, err = res.LastInsertId(); err != nil {
			return err
		}
		if documentID > 0 {
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO document_semantic_links
				(document_id, semantic_node_id, link_type, confidence) VALUES (?, ?, 'extracted', ?)`,
				documentID, id, n.Confidence); err != nil {
				return fmt.Errorf("link node %d to chunk %d: %w", id, documentID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// EntityNode returns the id of a current node for entity, creating an
// (entity, "name", entity) row when none exists.
func (s *Store) EntityNode(ctx context.Context, entity, session string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM semantic_nodes
		WHERE entity = ? AND valid_to IS NULL ORDER BY id DESC LIMIT 1`, entity).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("find entity %s: %w", entity, err)
	}
	return s.UpsertNode(ctx, Node{Entity: entity, Attribute: "name", Value: entity, SourceSession: session}, 0)
}

// UpsertEdge inserts the edge or refreshes its weight. Insertion is
// idempotent on (source, target, relation).
func (s *Store) UpsertEdge(ctx context.Context, e Edge) error {
	if e.Weight == 0 {
		e.Weight = 1
	}
	if e.ValidFrom.IsZero() {
		e.ValidFrom = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO semantic_edges
		(source_node_id, target_node_id, relation, weight, valid_from)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (source_node_id, target_node_id, relation)
		DO UPDATE SET weight = excluded.weight, valid_to = NULL`,
		e.SourceID, e.TargetID, e.Relation, e.Weight, e.ValidFrom)
	if err != nil {
		return fmt.Errorf("upsert edge %d-%s->%d: %w", e.SourceID, e.Relation, e.TargetID, err)
	}
	return nil
}

// CurrentNodes returns open rows, newest first, limited to limit when
// positive.
func (s *Store) CurrentNodes(ctx context.Context, limit int) ([]Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM semantic_nodes WHERE valid_to IS NULL ORDER BY id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryNodes(ctx, query, args...)
}

// NodesForEntities returns the open rows of the given entities.
func (s *Store) NodesForEntities(ctx context.Context, entities []string, limit int) ([]Node, error) {
	var out []Node
	for _, e := range entities {
		nodes, err := s.queryNodes(ctx, `SELECT `+nodeColumns+` FROM semantic_nodes
			WHERE entity = ? AND valid_to IS NULL ORDER BY id`, e)
		if err != nil {
			return nil, err
		}
		out = append(out, nodes...)
		if limit > 0 && len(out) >= limit {
			return out[:limit], nil
		}
	}
	return out, nil
}

// NodeHistory returns every version of (entity, attribute), oldest first.
func (s *Store) NodeHistory(ctx context.Context, entity, attribute string) ([]Node, error) {
	return s.queryNodes(ctx, `SELECT `+nodeColumns+` FROM semantic_nodes
		WHERE entity = ? AND attribute = ? ORDER BY id`, entity, attribute)
}

// NodesBySession returns rows written by session.
func (s *Store) NodesBySession(ctx context.Context, session string) ([]Node, error) {
	return s.queryNodes(ctx, `SELECT `+nodeColumns+` FROM semantic_nodes
		WHERE source_session = ? ORDER BY id`, session)
}

// SampleNodes returns up to n random open rows.
func (s *Store) SampleNodes(ctx context.Context, n int) ([]Node, error) {
	if n <= 0 {
		return nil, nil
	}
	return s.queryNodes(ctx, `SELECT `+nodeColumns+` FROM semantic_nodes
		WHERE valid_to IS NULL ORDER BY RANDOM() LIMIT ?`, n)
}

// SearchNodes ranks open rows with an embedding by similarity to query.
func (s *Store) SearchNodes(ctx context.Context, query []float32, k int) ([]Node, error) {
	nodes, err := s.queryNodes(ctx, `SELECT `+nodeColumns+` FROM semantic_nodes
		WHERE valid_to IS NULL AND value_embedding IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	scores := make(map[int64]float64, len(nodes))
	for _, n := range nodes {
		scores[n.ID] = Cosine(query, n.Embedding)
	}
	sort.SliceStable(nodes, func(i, j int) bool { return scores[nodes[i].ID] > scores[nodes[j].ID] })
	if k > 0 && len(nodes) > k {
		nodes = nodes[:k]
	}
	return nodes, nil
}

func (s *Store) queryNodes(ctx context.Context, query string, args ...any) ([]Node, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	defer rows.Close()

	var out []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// CurrentEntityEdges returns every open edge resolved to entity names.
func (s *Store) CurrentEntityEdges(ctx context.Context) ([]EntityEdge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT src.entity, dst.entity, e.relation, e.weight
		FROM semantic_edges e
		JOIN semantic_nodes src ON src.id = e.source_node_id
		JOIN semantic_nodes dst ON dst.id = e.target_node_id
		WHERE e.valid_to IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}
	defer rows.Close()

	var out []EntityEdge
	for rows.Next() {
		var e EntityEdge
		if err := rows.Scan(&e.Source, &e.Target, &e.Relation, &e.Weight); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LinkedNodeCount returns how many semantic nodes link to chunk id.
func (s *Store) LinkedNodeCount(ctx context.Context, documentID int64) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM document_semantic_links
		WHERE document_id = ?`, documentID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count links of chunk %d: %w", documentID, err)
	}
	return n, nil
}
