package tools

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/helix/internal/logging"
)

// ═══════════════════════════════════════════════════════════════════════════════
// HOST
// ═══════════════════════════════════════════════════════════════════════════════

// Host resolves tool calls against a set of sandbox roots.
type Host struct {
	roots        []string
	confirm      ConfirmFunc
	httpClient   *http.Client
	searchURL    string
	maxFileSize  int64
	blockedPaths []*regexp.Regexp

	specs    []Spec
	handlers map[string]handler

	mu    sync.Mutex
	stats Stats
	log   zerolog.Logger
}

// Stats counts invocations.
type Stats struct {
	Invocations int            `json:"invocations"`
	Failures    int            `json:"failures"`
	Denied      int            `json:"denied"`
	ByTool      map[string]int `json:"by_tool"`
	TotalTime   time.Duration  `json:"total_time"`
}

// Option configures a Host.
type Option func(*Host)

// WithConfirm sets the confirmation callback for write_file/create_file.
// Without one, mutating tools are refused.
func WithConfirm(fn ConfirmFunc) Option {
	return func(h *Host) { h.confirm = fn }
}

// WithHTTPClient replaces the client used by the web tools.
func WithHTTPClient(c *http.Client) Option {
	return func(h *Host) { h.httpClient = c }
}

// WithSearchURL overrides the HTML search endpoint used by web_search.
func WithSearchURL(u string) Option {
	return func(h *Host) { h.searchURL = u }
}

// WithMaxFileSize caps the size read_file will load.
func WithMaxFileSize(n int64) Option {
	return func(h *Host) { h.maxFileSize = n }
}

// NewHost creates a host sandboxed to roots. Roots are made absolute and
// symlink-resolved; unusable roots are skipped.
func NewHost(roots []string, opts ...Option) *Host {
	h := &Host{
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		searchURL:   "https://html.duckduckgo.com/html/",
		maxFileSize: 1 << 20,
		blockedPaths: []*regexp.Regexp{
			regexp.MustCompile(`\.ssh/`),
			regexp.MustCompile(`\.aws/credentials`),
			regexp.MustCompile(`\.netrc$`),
			regexp.MustCompile(`\.env(\.local)?$`),
			regexp.MustCompile(`credentials\.json$`),
			regexp.MustCompile(`secrets\.ya?ml$`),
		},
		stats: Stats{ByTool: make(map[string]int)},
		log:   logging.Component("tools"),
	}
	for _, r := range roots {
		abs, err := canonical(r)
		if err != nil {
			h.log.Warn().Str("root", r).Err(err).Msg("skipping tool root")
			continue
		}
		h.roots = append(h.roots, abs)
	}
	for _, opt := range opts {
		opt(h)
	}
	h.register()
	return h
}

// Roots returns the canonical sandbox roots.
func (h *Host) Roots() []string {
	return append([]string(nil), h.roots...)
}

func (h *Host) register() {
	h.handlers = make(map[string]handler)
	add := func(s Spec, fn handler) {
		h.specs = append(h.specs, s)
		h.handlers[s.Name] = fn
	}
	add(Spec{
		Name:        ToolReadFile,
		Description: "Read a text file inside the project.",
		Parameters:  object(map[string]string{"path": "file path"}, "path"),
	}, h.readFile)
	add(Spec{
		Name:        ToolListDirectory,
		Description: "List the entries of a directory inside the project.",
		Parameters:  object(map[string]string{"path": "directory path"}, "path"),
	}, h.listDirectory)
	add(Spec{
		Name:        ToolSearchFiles,
		Description: "Search file contents for a regular expression. Optional glob filters file names.",
		Parameters:  object(map[string]string{"pattern": "regular expression", "path": "directory to search", "glob": "file name glob"}, "pattern"),
	}, h.searchFiles)
	add(Spec{
		Name:                 ToolWriteFile,
		Description:          "Overwrite a file inside the project. Requires user confirmation.",
		Parameters:           object(map[string]string{"path": "file path", "content": "new content"}, "path", "content"),
		RequiresConfirmation: true,
		Risk:                 RiskLow,
	}, h.writeFile)
	add(Spec{
		Name:                 ToolCreateFile,
		Description:          "Create a new file inside the project. Fails if it exists. Requires user confirmation.",
		Parameters:           object(map[string]string{"path": "file path", "content": "file content"}, "path", "content"),
		RequiresConfirmation: true,
		Risk:                 RiskLow,
	}, h.createFile)
	add(Spec{
		Name:        ToolGitStatus,
		Description: "Show the git working tree status of a repository inside the project.",
		Parameters:  object(map[string]string{"path": "repository path"}),
	}, h.gitStatus)
	add(Spec{
		Name:        ToolGitDiff,
		Description: "Show unstaged git changes, optionally limited to one file.",
		Parameters:  object(map[string]string{"path": "repository path", "file": "file to diff"}),
	}, h.gitDiff)
	add(Spec{
		Name:        ToolWebSearch,
		Description: "Search the web and return titles, links and snippets.",
		Parameters:  object(map[string]string{"query": "search query"}, "query"),
		Risk:        RiskMedium,
	}, h.webSearch)
	add(Spec{
		Name:        ToolFetchURL,
		Description: "Fetch a web page and return its readable text.",
		Parameters:  object(map[string]string{"url": "http or https URL"}, "url"),
		Risk:        RiskMedium,
	}, h.fetchURL)
}

// Specs returns the tool descriptions.
func (h *Host) Specs() []Spec {
	out := append([]Spec(nil), h.specs...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke runs the named tool.
func (h *Host) Invoke(ctx context.Context, name string, args map[string]any) (string, error) {
	fn, ok := h.handlers[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if args == nil {
		args = map[string]any{}
	}
	start := time.Now()
	out, err := fn(ctx, args)

	h.mu.Lock()
	h.stats.Invocations++
	h.stats.ByTool[name]++
	h.stats.TotalTime += time.Since(start)
	if err != nil {
		h.stats.Failures++
		if isDenied(err) {
			h.stats.Denied++
		}
	}
	h.mu.Unlock()

	ev := h.log.Debug()
	if err != nil {
		ev = h.log.Warn().Err(err)
	}
	ev.Str("tool", name).Dur("duration", time.Since(start)).Msg("tool invoked")
	return out, err
}

// Stats returns a copy of the invocation counters.
func (h *Host) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.stats
	s.ByTool = make(map[string]int, len(h.stats.ByTool))
	for k, v := range h.stats.ByTool {
		s.ByTool[k] = v
	}
	return s
}

// ═══════════════════════════════════════════════════════════════════════════════
// SANDBOX
// ═══════════════════════════════════════════════════════════════════════════════

// Resolve maps a tool path argument to an absolute path under a root.
// Relative paths are taken against the first root. Symlinks are followed
// for the existing part of the path so links cannot escape the sandbox.
func (h *Host) Resolve(p string) (string, error) {
	if len(h.roots) == 0 {
		return "", ErrAccessDenied
	}
	if p == "" {
		p = "."
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(h.roots[0], p)
	}
	abs, err := canonical(p)
	if err != nil {
		return "", err
	}
	for _, re := range h.blockedPaths {
		if re.MatchString(filepath.ToSlash(abs)) {
			return "", fmt.Errorf("%w: %s", ErrAccessDenied, p)
		}
	}
	for _, root := range h.roots {
		if within(root, abs) {
			return abs, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrAccessDenied, p)
}

// Rel returns abs relative to the root containing it.
func (h *Host) Rel(abs string) string {
	for _, root := range h.roots {
		if within(root, abs) {
			if rel, err := filepath.Rel(root, abs); err == nil {
				return filepath.ToSlash(rel)
			}
		}
	}
	return abs
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// canonical returns an absolute, cleaned path with symlinks resolved on the
// longest existing prefix.
func canonical(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	existing := abs
	var rest []string
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return abs, nil
		}
		rest = append([]string{filepath.Base(existing)}, rest...)
		existing = parent
	}
	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", fmt.Errorf("resolve symlinks: %w", err)
	}
	return filepath.Join(append([]string{resolved}, rest...)...), nil
}

func isDenied(err error) bool {
	return errors.Is(err, ErrAccessDenied) || errors.Is(err, ErrNotConfirmed)
}
