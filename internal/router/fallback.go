package router

// DefaultFallbackChains lists, per starting backend, the backends to try
// after it fails. claude-opus is the top tier and has none.
var DefaultFallbackChains = map[string][]string{
	BackendLocal:        {BackendClaudeSonnet, BackendClaudeOpus},
	BackendGeminiPro:    {BackendClaudeSonnet, BackendClaudeOpus},
	BackendGeminiFlash:  {BackendGeminiPro, BackendClaudeSonnet, BackendClaudeOpus},
	BackendClaudeHaiku:  {BackendClaudeSonnet, BackendClaudeOpus},
	BackendClaudeSonnet: {BackendClaudeOpus},
	BackendClaudeOpus:   {},
}

var defaultTail = []string{BackendClaudeSonnet, BackendClaudeOpus}

// FallbackManager answers "what next" after a backend fails.
type FallbackManager struct {
	chains    map[string][]string
	available func(string) bool
}

// FallbackOption configures a FallbackManager.
type FallbackOption func(*FallbackManager)

// WithAvailability skips backends for which fn returns false.
func WithAvailability(fn func(string) bool) FallbackOption {
	return func(m *FallbackManager) { m.available = fn }
}

// WithChain overrides the chain for one starting backend.
func WithChain(start string, next ...string) FallbackOption {
	return func(m *FallbackManager) { m.chains[start] = next }
}

// NewFallbackManager creates a manager with the default chains.
func NewFallbackManager(opts ...FallbackOption) *FallbackManager {
	m := &FallbackManager{chains: make(map[string][]string, len(DefaultFallbackChains))}
	for k, v := range DefaultFallbackChains {
		m.chains[k] = v
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Chain returns the full ordered chain starting at start, start included.
// CLIs and unknown backends fall back to claude-sonnet then claude-opus.
func (m *FallbackManager) Chain(start string) []string {
	next, ok := m.chains[start]
	if !ok {
		next = defaultTail
	}
	chain := []string{start}
	seen := map[string]bool{start: true}
	for _, b := range next {
		if seen[b] {
			continue
		}
		seen[b] = true
		chain = append(chain, b)
	}
	return chain
}

// Next returns the first backend after the ones already tried in the chain
// that started at start.
func (m *FallbackManager) Next(start string, tried []string) (string, bool) {
	done := make(map[string]bool, len(tried))
	for _, t := range tried {
		done[t] = true
	}
	for _, b := range m.Chain(start)[1:] {
		if done[b] {
			continue
		}
		if m.available != nil && !m.available(b) {
			continue
		}
		return b, true
	}
	return "", false
}
