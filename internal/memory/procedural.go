package memory

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sahilm/fuzzy"

	"github.com/normanking/helix/internal/data"
)

// Pattern is a reusable way of doing something, learned from a successful
// exchange or entered by hand.
type Pattern struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	Template     string    `json:"template"`
	Tags         []string  `json:"tags,omitempty"`
	Source       string    `json:"source"` // "execution" or "manual"
	SuccessCount int       `json:"success_count"`
	FailureCount int       `json:"failure_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SuccessRate is the posterior mean under a uniform Beta(1,1) prior.
func (p Pattern) SuccessRate() float64 {
	return float64(p.SuccessCount+1) / float64(p.SuccessCount+p.FailureCount+2)
}

func (p Pattern) searchText() string {
	return p.Name + " " + p.Description + " " + strings.Join(p.Tags, " ")
}

// MinSuccessRateForRetrieval hides patterns that keep failing.
const MinSuccessRateForRetrieval = 0.4

// Procedural stores patterns in the bbolt procedural bucket.
type Procedural struct {
	kv  *data.KV
	now func() time.Time
}

// NewProcedural wraps kv.
func NewProcedural(kv *data.KV) *Procedural {
	return &Procedural{kv: kv, now: time.Now}
}

// Save inserts or replaces p, assigning an id when empty.
func (p *Procedural) Save(pat Pattern) (Pattern, error) {
	if strings.TrimSpace(pat.Name) == "" {
		return Pattern{}, errors.New("pattern needs a name")
	}
	now := p.now().UTC()
	if pat.ID == "" {
		pat.ID = "pat_" + uuid.NewString()
		pat.CreatedAt = now
	}
	if pat.Source == "" {
		pat.Source = "manual"
	}
	pat.UpdatedAt = now
	if err := p.kv.PutJSON(data.BucketProcedural, pat.ID, pat); err != nil {
		return Pattern{}, fmt.Errorf("save pattern: %w", err)
	}
	return pat, nil
}

// Get loads one pattern.
func (p *Procedural) Get(id string) (Pattern, error) {
	var pat Pattern
	if err := p.kv.GetJSON(data.BucketProcedural, id, &pat); err != nil {
		return Pattern{}, err
	}
	return pat, nil
}

// RecordOutcome counts a use of the pattern.
func (p *Procedural) RecordOutcome(id string, success bool) (Pattern, error) {
	pat, err := p.Get(id)
	if err != nil {
		return Pattern{}, err
	}
	if success {
		pat.SuccessCount++
	} else {
		pat.FailureCount++
	}
	return p.Save(pat)
}

// Delete removes a pattern.
func (p *Procedural) Delete(id string) error {
	return p.kv.Delete(data.BucketProcedural, id)
}

// All returns every pattern sorted by name.
func (p *Procedural) All() ([]Pattern, error) {
	var out []Pattern
	err := data.ForEachJSON(p.kv, data.BucketProcedural, func(_ string, pat Pattern) error {
		out = append(out, pat)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Find fuzzy-matches query against names, descriptions and tags and returns
// the best retrievable patterns.
func (p *Procedural) Find(query string, limit int) ([]Pattern, error) {
	all, err := p.All()
	if err != nil {
		return nil, err
	}
	var usable []Pattern
	for _, pat := range all {
		if pat.SuccessRate() >= MinSuccessRateForRetrieval {
			usable = append(usable, pat)
		}
	}
	if strings.TrimSpace(query) == "" {
		return truncatePatterns(usable, limit), nil
	}

	texts := make([]string, len(usable))
	for i, pat := range usable {
		texts[i] = strings.ToLower(pat.searchText())
	}
	var out []Pattern
	seen := map[int]bool{}
	for _, word := range strings.Fields(strings.ToLower(query)) {
		if len(word) < 3 {
			continue
		}
		for _, m := range fuzzy.Find(word, texts) {
			if !seen[m.Index] {
				seen[m.Index] = true
				out = append(out, usable[m.Index])
			}
		}
	}
	return truncatePatterns(out, limit), nil
}

func truncatePatterns(p []Pattern, limit int) []Pattern {
	if limit > 0 && len(p) > limit {
		return p[:limit]
	}
	return p
}
