package router

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrPresetNotFound is returned when activating an unknown preset.
var ErrPresetNotFound = errors.New("preset not found")

// Preset is a named task → backend mapping, optionally scoped to a
// project directory.
type Preset struct {
	Name        string              `yaml:"name" json:"name"`
	Description string              `yaml:"description,omitempty" json:"description,omitempty"`
	Project     string              `yaml:"project,omitempty" json:"project,omitempty"`
	Mapping     map[TaskType]string `yaml:"mapping" json:"mapping"`
}

// Backend returns the mapped backend for t.
func (p Preset) Backend(t TaskType) (string, bool) {
	b, ok := p.Mapping[t]
	return b, ok && b != ""
}

type presetFile struct {
	Active  string   `yaml:"active,omitempty"`
	Presets []Preset `yaml:"presets"`
}

// BuiltinPresets are always available and cannot be overwritten from file.
func BuiltinPresets() []Preset {
	return []Preset{
		{
			Name:        "local-first",
			Description: "Keep everything on the local model except planning.",
			Mapping: map[TaskType]string{
				TaskPlan: BackendClaudeSonnet, TaskImplement: BackendLocal, TaskResearch: BackendLocal,
				TaskReview: BackendLocal, TaskVerify: BackendLocal, TaskChat: BackendLocal,
			},
		},
		{
			Name:        "cost-saver",
			Description: "Cheapest cloud tiers.",
			Mapping: map[TaskType]string{
				TaskPlan: BackendClaudeSonnet, TaskImplement: BackendClaudeHaiku, TaskResearch: BackendGeminiFlash,
				TaskReview: BackendClaudeHaiku, TaskVerify: BackendGeminiFlash, TaskChat: BackendLocal,
			},
		},
		{
			Name:        "cli-subscription",
			Description: "Route heavy work through flat-rate vendor CLIs.",
			Mapping: map[TaskType]string{
				TaskPlan: BackendClaudeCLI, TaskImplement: BackendClaudeCLI, TaskResearch: BackendGeminiCLI,
				TaskReview: BackendCodexCLI, TaskVerify: BackendClaudeHaiku, TaskChat: BackendLocal,
			},
		},
	}
}

// PresetManager holds presets and the active selection, persisted as YAML.
type PresetManager struct {
	mu      sync.RWMutex
	path    string
	presets map[string]Preset
	active  string
}

// NewPresetManager loads presets from path (config/presets.yaml). A missing
// file yields only the built-ins.
func NewPresetManager(path string) (*PresetManager, error) {
	m := &PresetManager{path: path, presets: make(map[string]Preset)}
	for _, p := range BuiltinPresets() {
		m.presets[p.Name] = p
	}
	if path == "" {
		return m, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read presets: %w", err)
	}
	var f presetFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse presets: %w", err)
	}
	for _, p := range f.Presets {
		if p.Name == "" {
			continue
		}
		if err := validateMapping(p); err != nil {
			return nil, err
		}
		m.presets[p.Name] = p
	}
	if f.Active != "" {
		if _, ok := m.presets[f.Active]; ok {
			m.active = f.Active
		}
	}
	return m, nil
}

func validateMapping(p Preset) error {
	for t := range p.Mapping {
		if !t.IsValid() {
			return fmt.Errorf("preset %s: unknown task type %q", p.Name, t)
		}
	}
	return nil
}

// List returns presets sorted by name.
func (m *PresetManager) List() []Preset {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Preset, 0, len(m.presets))
	for _, p := range m.presets {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns a preset by name.
func (m *PresetManager) Get(name string) (Preset, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.presets[name]
	return p, ok
}

// Activate selects the active preset. An empty name clears it.
func (m *PresetManager) Activate(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if name != "" {
		if _, ok := m.presets[name]; !ok {
			return fmt.Errorf("%w: %s", ErrPresetNotFound, name)
		}
	}
	m.active = name
	return nil
}

// Active returns the active preset for project. A preset scoped to a
// project only applies when project matches.
func (m *PresetManager) Active(project string) (Preset, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == "" {
		return Preset{}, false
	}
	p, ok := m.presets[m.active]
	if !ok {
		return Preset{}, false
	}
	if p.Project != "" && filepath.Clean(p.Project) != filepath.Clean(project) {
		return Preset{}, false
	}
	return p, true
}

// Upsert adds or replaces a user preset.
func (m *PresetManager) Upsert(p Preset) error {
	if p.Name == "" {
		return errors.New("preset name is required")
	}
	if err := validateMapping(p); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.presets[p.Name] = p
	return nil
}

// Save writes user presets (not built-ins) and the active name.
func (m *PresetManager) Save() error {
	if m.path == "" {
		return nil
	}
	builtin := make(map[string]bool)
	for _, p := range BuiltinPresets() {
		builtin[p.Name] = true
	}
	m.mu.RLock()
	f := presetFile{Active: m.active}
	for _, p := range m.presets {
		if !builtin[p.Name] {
			f.Presets = append(f.Presets, p)
		}
	}
	m.mu.RUnlock()
	sort.Slice(f.Presets, func(i, j int) bool { return f.Presets[i].Name < f.Presets[j].Name })

	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal presets: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("create preset dir: %w", err)
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write presets: %w", err)
	}
	return os.Rename(tmp, m.path)
}
