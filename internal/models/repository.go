// Package models holds the model catalog shared by every component that
// needs model metadata or prices.
//
// The repository is the single source of truth for the cost table: cloud
// adapters and the hybrid router both look prices up here.
package models

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sahilm/fuzzy"

	"github.com/normanking/helix/internal/config"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TYPES
// ═══════════════════════════════════════════════════════════════════════════════

// Source identifies where a model runs.
type Source string

const (
	SourceLocal  Source = "local"
	SourceCloudA Source = "cloud-a"
	SourceCloudB Source = "cloud-b"
	SourceCloudC Source = "cloud-c"
)

// IsCloud reports whether the model is billed per token.
func (s Source) IsCloud() bool {
	return s == SourceCloudA || s == SourceCloudB || s == SourceCloudC
}

// Domain is the primary strength of a model.
type Domain string

const (
	DomainGeneral      Domain = "general"
	DomainCoding       Domain = "coding"
	DomainCreative     Domain = "creative"
	DomainAnalysis     Domain = "analysis"
	DomainMultilingual Domain = "multilingual"
	DomainVision       Domain = "vision"
	DomainEmbedding    Domain = "embedding"
)

// ModelMetadata describes one model.
type ModelMetadata struct {
	ID              string   `json:"id"`
	DisplayName     string   `json:"display_name"`
	Source          Source   `json:"source"`
	Domain          Domain   `json:"domain"`
	Version         string   `json:"version,omitempty"`
	ContextLength   int      `json:"context_length"`
	InputCostPer1K  float64  `json:"input_cost_per_1k"`
	OutputCostPer1K float64  `json:"output_cost_per_1k"`
	Endpoint        string   `json:"endpoint,omitempty"`
	Tags            []string `json:"tags,omitempty"`
	Priority        int      `json:"priority"`
}

// PriceLookup estimates the USD cost of a call.
type PriceLookup interface {
	EstimateCost(modelID string, inputTokens, outputTokens int) (float64, bool)
}

// ErrNotFound is returned when a model id is not registered.
var ErrNotFound = errors.New("model not found")

// ═══════════════════════════════════════════════════════════════════════════════
// REPOSITORY
// ═══════════════════════════════════════════════════════════════════════════════

// Repository is a concurrency-safe model catalog keyed by model id.
type Repository struct {
	mu     sync.RWMutex
	models map[string]ModelMetadata
}

// NewRepository creates an empty repository.
func NewRepository() *Repository {
	return &Repository{models: make(map[string]ModelMetadata)}
}

// FromCatalog builds a repository from the cloud_models.json catalog.
func FromCatalog(catalog []config.CloudModel) *Repository {
	r := NewRepository()
	for i, m := range catalog {
		domain := Domain(m.Domain)
		if domain == "" {
			domain = DomainGeneral
		}
		var tags []string
		if m.Tier != "" {
			tags = append(tags, m.Tier)
		}
		_ = r.Register(ModelMetadata{
			ID:              m.ID,
			DisplayName:     m.DisplayName,
			Source:          Source(m.Provider),
			Domain:          domain,
			ContextLength:   m.ContextLength,
			InputCostPer1K:  m.InputPricePer1M / 1000,
			OutputCostPer1K: m.OutputPricePer1M / 1000,
			Tags:            tags,
			Priority:        len(catalog) - i,
		})
	}
	return r
}

// Register adds or replaces a model.
func (r *Repository) Register(m ModelMetadata) error {
	if m.ID == "" {
		return errors.New("model id is required")
	}
	if m.InputCostPer1K < 0 || m.OutputCostPer1K < 0 {
		return fmt.Errorf("model %s: negative price", m.ID)
	}
	if m.Source == SourceLocal {
		m.InputCostPer1K, m.OutputCostPer1K = 0, 0
	}
	r.mu.Lock()
	r.models[m.ID] = m
	r.mu.Unlock()
	return nil
}

// RegisterLocal adds locally installed models reported by the daemon.
func (r *Repository) RegisterLocal(names []string, endpoint string) {
	for _, name := range names {
		domain := DomainGeneral
		if strings.Contains(name, "embed") {
			domain = DomainEmbedding
		} else if strings.Contains(name, "coder") || strings.Contains(name, "code") {
			domain = DomainCoding
		}
		_ = r.Register(ModelMetadata{
			ID:          name,
			DisplayName: name,
			Source:      SourceLocal,
			Domain:      domain,
			Endpoint:    endpoint,
			Tags:        []string{"local"},
		})
	}
}

// Get returns a model by id.
func (r *Repository) Get(id string) (ModelMetadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[id]
	if !ok {
		return ModelMetadata{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return m, nil
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Source Source
	Domain Domain
	Tag    string
}

func (f Filter) match(m ModelMetadata) bool {
	if f.Source != "" && m.Source != f.Source {
		return false
	}
	if f.Domain != "" && m.Domain != f.Domain {
		return false
	}
	if f.Tag != "" && !hasTag(m, f.Tag) {
		return false
	}
	return true
}

// List returns matching models ordered by priority desc, then id.
func (r *Repository) List(f Filter) []ModelMetadata {
	r.mu.RLock()
	out := make([]ModelMetadata, 0, len(r.models))
	for _, m := range r.models {
		if f.match(m) {
			out = append(out, m)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Search fuzzy-matches query against model ids and display names.
func (r *Repository) Search(query string) []ModelMetadata {
	all := r.List(Filter{})
	if query == "" {
		return all
	}
	keys := make([]string, len(all))
	for i, m := range all {
		keys[i] = m.ID + " " + m.DisplayName
	}
	matches := fuzzy.Find(query, keys)
	out := make([]ModelMetadata, 0, len(matches))
	for _, match := range matches {
		out = append(out, all[match.Index])
	}
	return out
}

// ByTier returns the highest-priority cloud model tagged with tier
// (haiku, sonnet, opus, pro, flash).
func (r *Repository) ByTier(tier string) (ModelMetadata, bool) {
	for _, m := range r.List(Filter{Tag: tier}) {
		if m.Source.IsCloud() {
			return m, true
		}
	}
	return ModelMetadata{}, false
}

// Cheapest returns the cloud model with the lowest combined per-1K price.
func (r *Repository) Cheapest() (ModelMetadata, bool) {
	var best ModelMetadata
	found := false
	for _, m := range r.List(Filter{}) {
		if !m.Source.IsCloud() {
			continue
		}
		if !found || m.InputCostPer1K+m.OutputCostPer1K < best.InputCostPer1K+best.OutputCostPer1K {
			best, found = m, true
		}
	}
	return best, found
}

// EstimateCost implements PriceLookup. Unknown models report ok=false and a
// zero cost.
func (r *Repository) EstimateCost(modelID string, inputTokens, outputTokens int) (float64, bool) {
	m, err := r.Get(modelID)
	if err != nil {
		return 0, false
	}
	return (float64(inputTokens)*m.InputCostPer1K + float64(outputTokens)*m.OutputCostPer1K) / 1000, true
}

// Len returns the number of registered models.
func (r *Repository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.models)
}

func hasTag(m ModelMetadata, tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}
