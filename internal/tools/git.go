package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
)

// gitStatus reports the working tree status using go-git, so no git binary
// is needed.
func (h *Host) gitStatus(_ context.Context, args map[string]any) (string, error) {
	p, _ := stringArg(args, "path", false)
	dir, err := h.Resolve(p)
	if err != nil {
		return "", err
	}
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return "", fmt.Errorf("git_status: %s is not a git repository", p)
		}
		return "", fmt.Errorf("git_status: open: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("git_status: worktree: %w", err)
	}
	st, err := wt.Status()
	if err != nil {
		return "", fmt.Errorf("git_status: %w", err)
	}

	branch := "(detached)"
	if head, err := repo.Head(); err == nil && head.Name().IsBranch() {
		branch = head.Name().Short()
	}
	if st.IsClean() {
		return fmt.Sprintf("On branch %s\nworking tree clean", branch), nil
	}

	files := make([]string, 0, len(st))
	for f := range st {
		files = append(files, f)
	}
	sort.Strings(files)
	var b strings.Builder
	fmt.Fprintf(&b, "On branch %s\n", branch)
	for _, f := range files {
		fs := st[f]
		fmt.Fprintf(&b, "%s %s\n", statusLabel(fs.Staging, fs.Worktree), f)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func statusLabel(staging, worktree git.StatusCode) string {
	switch {
	case staging == git.Untracked || worktree == git.Untracked:
		return "untracked"
	case staging == git.Added || worktree == git.Added:
		return "added    "
	case staging == git.Deleted || worktree == git.Deleted:
		return "deleted  "
	case staging == git.Renamed || worktree == git.Renamed:
		return "renamed  "
	case staging == git.UpdatedButUnmerged || worktree == git.UpdatedButUnmerged:
		return "conflict "
	default:
		return "modified "
	}
}

// gitDiff shells out to git: go-git has no unified worktree diff.
func (h *Host) gitDiff(ctx context.Context, args map[string]any) (string, error) {
	p, _ := stringArg(args, "path", false)
	dir, err := h.Resolve(p)
	if err != nil {
		return "", err
	}
	gitArgs := []string{"--no-pager", "diff", "--no-color"}
	if f, _ := stringArg(args, "file", false); f != "" {
		abs, err := h.Resolve(f)
		if err != nil {
			return "", err
		}
		gitArgs = append(gitArgs, "--", abs)
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", gitArgs...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("git_diff: %s", msg)
	}
	out := stdout.String()
	if out == "" {
		return "no changes", nil
	}
	const maxDiff = 64 << 10
	if len(out) > maxDiff {
		out = out[:maxDiff] + "\n... (diff truncated)"
	}
	return out, nil
}
