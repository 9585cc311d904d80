// Package prompts holds the prompt-pack registry. Packs are data: adding or
// disabling one is a YAML change, not a code change.
package prompts

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed static/packs.yaml
var builtinYAML []byte

// Pack is prepended to the user prompt for matching backends.
type Pack struct {
	Name           string `yaml:"name" json:"name"`
	Key            string `yaml:"key" json:"key"`
	Enabled        bool   `yaml:"enabled" json:"enabled"`
	System         string `yaml:"system" json:"system"`
	OutputContract string `yaml:"output_contract" json:"output_contract"`
	SafetyGuards   string `yaml:"safety_guards" json:"safety_guards"`
}

type packFile struct {
	Packs []Pack `yaml:"packs"`
}

// Registry selects packs by backend name.
type Registry struct {
	mu    sync.RWMutex
	packs map[string]Pack // by name
}

// Load builds the registry from the embedded packs, then merges the
// override file at path (config/prompt_packs.yaml) by pack name. A missing
// override file is not an error.
func Load(path string) (*Registry, error) {
	r := &Registry{packs: make(map[string]Pack)}
	if err := r.merge(builtinYAML); err != nil {
		return nil, fmt.Errorf("builtin packs: %w", err)
	}
	if path == "" {
		return r, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read prompt packs: %w", err)
	}
	if err := r.merge(data); err != nil {
		return nil, fmt.Errorf("prompt packs %s: %w", path, err)
	}
	return r, nil
}

func (r *Registry) merge(data []byte) error {
	var f packFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range f.Packs {
		if p.Name == "" || p.Key == "" {
			return fmt.Errorf("pack needs name and key: %+v", p)
		}
		r.packs[p.Name] = p
	}
	return nil
}

// Select returns the enabled pack for backend: exact key match first, then
// the longest key contained in the backend name.
func (r *Registry) Select(backend string) (Pack, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best Pack
	found := false
	for _, p := range r.packs {
		if !p.Enabled {
			continue
		}
		if p.Key == backend {
			return p, true
		}
		if strings.Contains(backend, p.Key) && (!found || len(p.Key) > len(best.Key) ||
			(len(p.Key) == len(best.Key) && p.Name < best.Name)) {
			best, found = p, true
		}
	}
	return best, found
}

// SetEnabled toggles a pack by name.
func (r *Registry) SetEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.packs[name]
	if !ok {
		return fmt.Errorf("prompt pack %q not found", name)
	}
	p.Enabled = enabled
	r.packs[name] = p
	return nil
}

// List returns every pack sorted by name.
func (r *Registry) List() []Pack {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Pack, 0, len(r.packs))
	for _, p := range r.packs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Apply prepends the pack sections to text.
func (p Pack) Apply(text string) string {
	var b strings.Builder
	section := func(title, body string) {
		if body = strings.TrimSpace(body); body != "" {
			b.WriteString("## ")
			b.WriteString(title)
			b.WriteString("\n")
			b.WriteString(body)
			b.WriteString("\n\n")
		}
	}
	section("Instructions", p.System)
	section("Output contract", p.OutputContract)
	section("Safety guards", p.SafetyGuards)
	if b.Len() == 0 {
		return text
	}
	b.WriteString("---\n\n")
	b.WriteString(text)
	return b.String()
}
