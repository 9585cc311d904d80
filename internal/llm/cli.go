package llm

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/helix/internal/logging"
	"github.com/normanking/helix/internal/platform"
)

// ═══════════════════════════════════════════════════════════════════════════════
// THINKING LEVELS
// ═══════════════════════════════════════════════════════════════════════════════

// ThinkingLevel selects reasoning depth and the subprocess timeout.
type ThinkingLevel string

const (
	ThinkingNone       ThinkingLevel = "none"
	ThinkingLight      ThinkingLevel = "light"
	ThinkingMedium     ThinkingLevel = "medium"
	ThinkingMediumDeep ThinkingLevel = "medium-deep"
	ThinkingDeep       ThinkingLevel = "deep"
)

// Timeout returns the per-level subprocess deadline.
func (l ThinkingLevel) Timeout() time.Duration {
	switch l {
	case ThinkingLight:
		return 30 * time.Minute
	case ThinkingMedium:
		return 45 * time.Minute
	case ThinkingMediumDeep:
		return 70 * time.Minute
	case ThinkingDeep:
		return 100 * time.Minute
	default:
		return 20 * time.Minute
	}
}

// thinkingTokens is the claude CLI MAX_THINKING_TOKENS budget per level.
func (l ThinkingLevel) thinkingTokens() int {
	switch l {
	case ThinkingLight:
		return 4000
	case ThinkingMedium:
		return 10000
	case ThinkingMediumDeep:
		return 20000
	case ThinkingDeep:
		return 31999
	default:
		return 0
	}
}

// reasoningEffort is the codex CLI reasoning effort per level.
func (l ThinkingLevel) reasoningEffort() string {
	switch l {
	case ThinkingLight:
		return "low"
	case ThinkingMedium, ThinkingMediumDeep:
		return "medium"
	case ThinkingDeep:
		return "high"
	default:
		return ""
	}
}

// ParseThinkingLevel maps a string to a level, defaulting to none.
func ParseThinkingLevel(s string) ThinkingLevel {
	switch l := ThinkingLevel(strings.ToLower(strings.TrimSpace(s))); l {
	case ThinkingLight, ThinkingMedium, ThinkingMediumDeep, ThinkingDeep:
		return l
	default:
		return ThinkingNone
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// CLI ADAPTER
// ═══════════════════════════════════════════════════════════════════════════════

// CLIVendor names a supported vendor CLI binary.
type CLIVendor string

const (
	CLIClaude CLIVendor = "claude"
	CLIGemini CLIVendor = "gemini"
	CLICodex  CLIVendor = "codex"
)

// DefaultKillGrace is how long a terminated subprocess may linger before it
// is killed.
const DefaultKillGrace = 5 * time.Second

// CLIConfig configures a CLIAdapter.
type CLIConfig struct {
	Name            string
	Vendor          CLIVendor
	Binary          string // resolved lazily with platform.FindCLI when empty
	WorkDir         string
	Thinking        ThinkingLevel
	SkipPermissions bool
	Model           string
	Continue        bool
	KillGrace       time.Duration
	Timeout         time.Duration // overrides the thinking-level timeout
}

// CLIAdapter wraps a vendor `-p <prompt>` subprocess. It never reports a
// cost: CLI plans are flat-rate.
type CLIAdapter struct {
	cfg CLIConfig
	log zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped atomic.Bool
}

// NewCLIAdapter creates a CLI adapter.
func NewCLIAdapter(cfg CLIConfig) *CLIAdapter {
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = DefaultKillGrace
	}
	if cfg.Thinking == "" {
		cfg.Thinking = ThinkingNone
	}
	if cfg.Name == "" {
		cfg.Name = string(cfg.Vendor) + "-cli"
	}
	return &CLIAdapter{
		cfg: cfg,
		log: logging.Component("llm.cli").With().Str("backend", cfg.Name).Logger(),
	}
}

// Name returns the backend name.
func (a *CLIAdapter) Name() string { return a.cfg.Name }

// Kind returns KindCloudCLI.
func (a *CLIAdapter) Kind() Kind { return KindCloudCLI }

// Available reports whether the binary can be located.
func (a *CLIAdapter) Available() bool {
	_, err := a.binary()
	return err == nil
}

func (a *CLIAdapter) binary() (string, error) {
	if a.cfg.Binary != "" {
		return a.cfg.Binary, nil
	}
	path, err := platform.FindCLI(string(a.cfg.Vendor))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCLINotAvailable, err)
	}
	return path, nil
}

// Stop interrupts the running subprocess: it is terminated immediately and
// killed after the grace period.
func (a *CLIAdapter) Stop() {
	a.stopped.Store(true)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
	}
}

// effective merges per-request overrides into the adapter config.
// Recognized: toggles skip_permissions/continue, context thinking_level/
// model/work_dir.
func (a *CLIAdapter) effective(req Request) CLIConfig {
	cfg := a.cfg
	if req.Toggle("skip_permissions") {
		cfg.SkipPermissions = true
	}
	if req.Toggle("continue") {
		cfg.Continue = true
	}
	if v := req.ContextString("thinking_level"); v != "" {
		cfg.Thinking = ParseThinkingLevel(v)
	}
	if v := req.ContextString("model"); v != "" {
		cfg.Model = v
	}
	if v := req.ContextString("work_dir"); v != "" {
		cfg.WorkDir = v
	}
	return cfg
}

// BuildCLIArgs returns the argument vector and extra environment for one
// invocation of the vendor CLI.
func BuildCLIArgs(cfg CLIConfig, prompt string) (args []string, env []string) {
	switch cfg.Vendor {
	case CLICodex:
		args = []string{"exec"}
		if cfg.Model != "" {
			args = append(args, "--model", cfg.Model)
		}
		if effort := cfg.Thinking.reasoningEffort(); effort != "" {
			args = append(args, "-c", "model_reasoning_effort="+effort)
		}
		if cfg.SkipPermissions {
			args = append(args, "--dangerously-bypass-approvals-and-sandbox")
		}
		args = append(args, prompt)
	case CLIGemini:
		args = []string{"-p", prompt}
		if cfg.Model != "" {
			args = append(args, "-m", cfg.Model)
		}
		if cfg.SkipPermissions {
			args = append(args, "--yolo")
		}
	default:
		args = []string{"-p", prompt, "--output-format", "text"}
		if cfg.Model != "" {
			args = append(args, "--model", cfg.Model)
		}
		if cfg.SkipPermissions {
			args = append(args, "--dangerously-skip-permissions")
		}
		if cfg.Continue {
			args = append(args, "--continue")
		}
		env = append(env, fmt.Sprintf("MAX_THINKING_TOKENS=%d", cfg.Thinking.thinkingTokens()))
	}
	return args, env
}

// childEnv builds the subprocess environment. The claude CLI must use the
// subscription login, so ANTHROPIC_API_KEY is removed.
func childEnv(vendor CLIVendor, extra []string) []string {
	env := make([]string, 0, len(os.Environ())+len(extra))
	for _, kv := range os.Environ() {
		if vendor == CLIClaude && strings.HasPrefix(kv, "ANTHROPIC_API_KEY=") {
			continue
		}
		env = append(env, kv)
	}
	return append(env, extra...)
}

// Send runs the CLI and streams stdout lines to req.OnToken.
func (a *CLIAdapter) Send(ctx context.Context, req Request) Response {
	start := time.Now()
	if err := req.Validate(); err != nil {
		return Failure(KindInvalid, err.Error(), start)
	}
	bin, err := a.binary()
	if err != nil {
		return Failure(KindCLINotAvailable, err.Error(), start)
	}

	cfg := a.effective(req)
	timeout := cfg.Thinking.Timeout()
	if cfg.Timeout > 0 {
		timeout = cfg.Timeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	a.stopped.Store(false)
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.cancel = nil
		a.mu.Unlock()
	}()

	args, extraEnv := BuildCLIArgs(cfg, req.Text)
	cmd := exec.Command(bin, args...)
	cmd.Dir = cfg.WorkDir
	cmd.Env = childEnv(cfg.Vendor, extraEnv)
	platform.PrepareCommand(cmd)

	var stderr bytes.Buffer
	cmd.Stderr = &limitedWriter{w: &stderr, n: MaxErrorBodySize}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Failure(KindClientInitError, err.Error(), start)
	}

	a.log.Info().Str("binary", bin).Str("thinking", string(cfg.Thinking)).Dur("timeout", timeout).Msg("starting cli")
	if err := cmd.Start(); err != nil {
		kind := KindClientInitError
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			kind = KindCLINotAvailable
		}
		return Failure(kind, err.Error(), start)
	}

	done := make(chan struct{})
	go a.watchdog(ctx, cmd, done, cfg.KillGrace)

	out, readErr := readStream(stdout, req.OnToken)
	waitErr := cmd.Wait()
	close(done)

	resp := Response{
		ElapsedMS: time.Since(start).Milliseconds(),
		Metadata: map[string]any{
			"thinking_level": string(cfg.Thinking),
			"vendor":         string(cfg.Vendor),
		},
	}
	switch {
	case a.stopped.Load() || errors.Is(ctx.Err(), context.Canceled):
		return withPartial(Failure(KindInterrupted, "cli interrupted", start), out)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return withPartial(Failure(KindTimeout, fmt.Sprintf("cli exceeded %s", timeout), start), out)
	case waitErr != nil:
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = waitErr.Error()
		}
		kind := ClassifyError(errors.New(msg))
		if kind == KindUnknown {
			kind = KindProcessError
		}
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			resp.Metadata["exit_code"] = exitErr.ExitCode()
		}
		f := Failure(kind, enrich(kind, msg), start)
		f.Metadata = resp.Metadata
		return f
	case readErr != nil:
		return Failure(KindParseError, readErr.Error(), start)
	}

	resp.Success = true
	resp.Text = strings.TrimSpace(out)
	return resp
}

// watchdog terminates the process group when ctx ends, then kills it after
// grace if it is still running.
func (a *CLIAdapter) watchdog(ctx context.Context, cmd *exec.Cmd, done <-chan struct{}, grace time.Duration) {
	select {
	case <-done:
		return
	case <-ctx.Done():
	}
	a.log.Warn().Int("pid", cmd.Process.Pid).Msg("terminating cli")
	_ = platform.Terminate(cmd.Process)
	select {
	case <-done:
	case <-time.After(grace):
		a.log.Warn().Int("pid", cmd.Process.Pid).Msg("killing cli after grace period")
		_ = platform.Kill(cmd.Process)
	}
}

func readStream(r io.Reader, onToken func(string)) (string, error) {
	var out strings.Builder
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			if out.Len()+len(line) > MaxResponseSize {
				return out.String(), errors.New("cli output exceeds limit")
			}
			out.WriteString(line)
			if onToken != nil {
				onToken(line)
			}
		}
		if err == io.EOF {
			return out.String(), nil
		}
		if err != nil {
			// A closed pipe after kill is expected; report what was read.
			return out.String(), nil
		}
	}
}

func withPartial(r Response, partial string) Response {
	if partial = strings.TrimSpace(partial); partial != "" {
		r.Metadata = map[string]any{"partial_output": logging.Truncate(partial, 2000)}
	}
	return r
}

// limitedWriter discards writes past n bytes.
type limitedWriter struct {
	w io.Writer
	n int
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	if l.n <= 0 {
		return len(p), nil
	}
	q := p
	if len(q) > l.n {
		q = q[:l.n]
	}
	n, err := l.w.Write(q)
	l.n -= n
	if err != nil {
		return n, err
	}
	return len(p), nil
}
