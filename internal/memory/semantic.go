package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/normanking/helix/internal/data"
)

// Fact is a candidate (entity, attribute, value) triple.
type Fact struct {
	Entity    string `json:"entity"`
	Attribute string `json:"attribute"`
	Value     string `json:"value"`
}

func (f Fact) String() string {
	return strings.TrimSpace(f.Entity + " " + f.Attribute + " " + f.Value)
}

// Valid reports whether the triple names an entity and attribute.
func (f Fact) Valid() bool {
	return strings.TrimSpace(f.Entity) != "" && strings.TrimSpace(f.Attribute) != ""
}

// Semantic writes into the same bitemporal graph the RAG executor fills.
type Semantic struct {
	store *data.Store
	embed Embedder
}

// NewSemantic wraps store. embed may be nil; recall then falls back to
// substring matching.
func NewSemantic(store *data.Store, embed Embedder) *Semantic {
	return &Semantic{store: store, embed: embed}
}

// Remember upserts f as the current value of (entity, attribute).
func (s *Semantic) Remember(ctx context.Context, f Fact, session string) (int64, error) {
	if !f.Valid() {
		return 0, errors.New("fact needs an entity and an attribute")
	}
	var vec []float32
	if s.embed != nil {
		if v, err := s.embed.Embed(ctx, f.String()); err == nil {
			vec = v
		}
	}
	id, err := s.store.UpsertNode(ctx, data.Node{
		Entity:        strings.TrimSpace(f.Entity),
		Attribute:     strings.TrimSpace(f.Attribute),
		Value:         strings.TrimSpace(f.Value),
		Embedding:     vec,
		Confidence:    data.DefaultNodeConfidence,
		SourceSession: session,
	}, 0)
	if err != nil {
		return 0, fmt.Errorf("remember fact: %w", err)
	}
	return id, nil
}

// Recall returns up to k current nodes related to query.
func (s *Semantic) Recall(ctx context.Context, query string, k int) ([]data.Node, error) {
	if s.embed != nil {
		if vec, err := s.embed.Embed(ctx, query); err == nil {
			return s.store.SearchNodes(ctx, vec, k)
		}
	}

	nodes, err := s.store.CurrentNodes(ctx, 0)
	if err != nil {
		return nil, err
	}
	words := strings.Fields(strings.ToLower(query))
	var out []data.Node
	for _, n := range nodes {
		text := strings.ToLower(n.Entity + " " + n.Value)
		for _, w := range words {
			if len(w) > 2 && strings.Contains(text, w) {
				out = append(out, n)
				break
			}
		}
		if k > 0 && len(out) >= k {
			break
		}
	}
	return out, nil
}

// History returns every version of (entity, attribute), oldest first.
func (s *Semantic) History(ctx context.Context, entity, attribute string) ([]data.Node, error) {
	return s.store.NodeHistory(ctx, entity, attribute)
}
