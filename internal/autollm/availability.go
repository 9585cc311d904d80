package autollm

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/normanking/helix/internal/config"
	"github.com/normanking/helix/internal/llm"
	"github.com/normanking/helix/internal/logging"
	"github.com/normanking/helix/internal/platform"
	"github.com/normanking/helix/internal/router"
)

// ═══════════════════════════════════════════════════════════════════════════════
// AVAILABILITY CHECKER
// ═══════════════════════════════════════════════════════════════════════════════

// ModelLister is the daemon probe. *llm.OllamaClient satisfies it.
type ModelLister interface {
	Tags(ctx context.Context) ([]llm.OllamaModel, error)
}

// AvailabilityCache is the last refresh result.
type AvailabilityCache struct {
	OllamaOnline   bool            `json:"ollama_online"`
	OllamaModels   map[string]bool `json:"ollama_models"`
	CloudProviders map[string]bool `json:"cloud_providers"`
	CLIs           map[string]bool `json:"clis"`
	LastRefresh    time.Time       `json:"last_refresh"`
}

// AvailabilityChecker determines which backends are actually usable. It
// caches daemon status, API key presence and CLI discovery.
type AvailabilityChecker struct {
	mu       sync.RWMutex
	cache    AvailabilityCache
	daemon   ModelLister
	apiKey   func(provider string) string
	findCLI  func(name string) (string, error)
	cacheTTL time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

// AvailabilityOption configures an AvailabilityChecker.
type AvailabilityOption func(*AvailabilityChecker)

// WithKeySource replaces config.APIKey.
func WithKeySource(fn func(provider string) string) AvailabilityOption {
	return func(c *AvailabilityChecker) { c.apiKey = fn }
}

// WithCLIFinder replaces platform.FindCLI.
func WithCLIFinder(fn func(name string) (string, error)) AvailabilityOption {
	return func(c *AvailabilityChecker) { c.findCLI = fn }
}

// WithCacheTTL sets how long a refresh stays fresh.
func WithCacheTTL(d time.Duration) AvailabilityOption {
	return func(c *AvailabilityChecker) { c.cacheTTL = d }
}

// NewAvailabilityChecker creates a checker probing daemon. daemon may be nil
// when no local endpoint is configured.
func NewAvailabilityChecker(daemon ModelLister, opts ...AvailabilityOption) *AvailabilityChecker {
	c := &AvailabilityChecker{
		daemon:   daemon,
		apiKey:   config.APIKey,
		findCLI:  platform.FindCLI,
		cacheTTL: 30 * time.Second,
		now:      time.Now,
		log:      logging.Component("autollm"),
		cache: AvailabilityCache{
			OllamaModels:   map[string]bool{},
			CloudProviders: map[string]bool{},
			CLIs:           map[string]bool{},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// cliVendors maps CLI backends onto their binaries.
var cliVendors = map[string]string{
	router.BackendClaudeCLI: "claude",
	router.BackendGeminiCLI: "gemini",
	router.BackendCodexCLI:  "codex",
}

// Refresh probes the daemon, API keys and CLIs in parallel.
func (c *AvailabilityChecker) Refresh(ctx context.Context) error {
	next := AvailabilityCache{
		OllamaModels:   map[string]bool{},
		CloudProviders: map[string]bool{},
		CLIs:           map[string]bool{},
	}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	if c.daemon != nil {
		g.Go(func() error {
			models, err := c.daemon.Tags(gctx)
			if err != nil {
				c.log.Debug().Err(err).Msg("local daemon offline")
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			next.OllamaOnline = true
			for _, m := range models {
				next.OllamaModels[m.Name] = true
			}
			return nil
		})
	}
	g.Go(func() error {
		for _, p := range []string{"anthropic", "gemini", "openai"} {
			ok := c.apiKey(p) != ""
			mu.Lock()
			next.CloudProviders[p] = ok
			mu.Unlock()
		}
		return nil
	})
	for backend, bin := range cliVendors {
		g.Go(func() error {
			_, err := c.findCLI(bin)
			mu.Lock()
			next.CLIs[backend] = err == nil
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	next.LastRefresh = c.now()
	c.mu.Lock()
	c.cache = next
	c.mu.Unlock()

	c.log.Debug().Bool("ollama", next.OllamaOnline).Int("local_models", len(next.OllamaModels)).
		Interface("providers", next.CloudProviders).Msg("backend availability refreshed")
	return nil
}

// RefreshIfStale refreshes when the cache is older than the TTL.
func (c *AvailabilityChecker) RefreshIfStale(ctx context.Context) error {
	c.mu.RLock()
	fresh := !c.cache.LastRefresh.IsZero() && c.now().Sub(c.cache.LastRefresh) < c.cacheTTL
	c.mu.RUnlock()
	if fresh {
		return nil
	}
	return c.Refresh(ctx)
}

// Snapshot returns a copy of the cache.
func (c *AvailabilityChecker) Snapshot() AvailabilityCache {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := c.cache
	out.OllamaModels = copyMap(c.cache.OllamaModels)
	out.CloudProviders = copyMap(c.cache.CloudProviders)
	out.CLIs = copyMap(c.cache.CLIs)
	return out
}

// IsOllamaOnline reports whether the last probe reached the daemon.
func (c *AvailabilityChecker) IsOllamaOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cache.OllamaOnline
}

// HasLocalModel reports whether model was listed by the daemon. A missing
// ":latest" tag matches either way.
func (c *AvailabilityChecker) HasLocalModel(model string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cache.OllamaModels[model] {
		return true
	}
	if strings.Contains(model, ":") {
		return c.cache.OllamaModels[strings.TrimSuffix(model, ":latest")]
	}
	return c.cache.OllamaModels[model+":latest"]
}

// BackendAvailable reports whether backend can be dispatched right now.
// Unknown backends are assumed available so the registry decides.
func (c *AvailabilityChecker) BackendAvailable(backend string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch {
	case backend == router.BackendLocal:
		return c.cache.OllamaOnline
	case strings.HasSuffix(backend, "-cli"):
		return c.cache.CLIs[backend]
	case strings.HasPrefix(backend, "claude-"):
		return c.cache.CloudProviders["anthropic"]
	case strings.HasPrefix(backend, "gemini-"):
		return c.cache.CloudProviders["gemini"]
	case strings.HasPrefix(backend, "openai-"):
		return c.cache.CloudProviders["openai"]
	}
	return true
}

func copyMap(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
