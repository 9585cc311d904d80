package tools

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"
)

// ═══════════════════════════════════════════════════════════════════════════════
// FILE TOOLS
// ═══════════════════════════════════════════════════════════════════════════════

func (h *Host) readFile(_ context.Context, args map[string]any) (string, error) {
	p, err := stringArg(args, "path", true)
	if err != nil {
		return "", err
	}
	abs, err := h.Resolve(p)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("read_file: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("read_file: %s is a directory", p)
	}
	if info.Size() > h.maxFileSize {
		return "", fmt.Errorf("read_file: file too large: %d bytes (max %d)", info.Size(), h.maxFileSize)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("read_file: %w", err)
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("read_file: %s is not a text file", p)
	}
	return string(data), nil
}

func (h *Host) listDirectory(_ context.Context, args map[string]any) (string, error) {
	p, err := stringArg(args, "path", false)
	if err != nil {
		return "", err
	}
	abs, err := h.Resolve(p)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return "", fmt.Errorf("list_directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir() != entries[j].IsDir() {
			return entries[i].IsDir()
		}
		return entries[i].Name() < entries[j].Name()
	})
	var b strings.Builder
	for _, e := range entries {
		if e.IsDir() {
			fmt.Fprintf(&b, "%s/\n", e.Name())
			continue
		}
		size := int64(0)
		if info, err := e.Info(); err == nil {
			size = info.Size()
		}
		fmt.Fprintf(&b, "%s (%d bytes)\n", e.Name(), size)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (h *Host) writeFile(ctx context.Context, args map[string]any) (string, error) {
	return h.write(ctx, ToolWriteFile, args, false)
}

func (h *Host) createFile(ctx context.Context, args map[string]any) (string, error) {
	return h.write(ctx, ToolCreateFile, args, true)
}

func (h *Host) write(ctx context.Context, tool string, args map[string]any, create bool) (string, error) {
	p, err := stringArg(args, "path", true)
	if err != nil {
		return "", err
	}
	content, err := stringArg(args, "content", false)
	if err != nil {
		return "", err
	}
	abs, err := h.Resolve(p)
	if err != nil {
		return "", err
	}
	_, statErr := os.Stat(abs)
	exists := statErr == nil
	if create && exists {
		return "", fmt.Errorf("%s: %s already exists", tool, p)
	}
	if statErr != nil && !errors.Is(statErr, fs.ErrNotExist) {
		return "", fmt.Errorf("%s: %w", tool, statErr)
	}

	verb := "create"
	if exists {
		verb = "overwrite"
	}
	summary := fmt.Sprintf("%s %s (%d bytes)", verb, h.Rel(abs), len(content))
	if h.confirm == nil {
		return "", fmt.Errorf("%s: %w", tool, ErrNotConfirmed)
	}
	ok, err := h.confirm(ctx, tool, summary)
	if err != nil {
		return "", fmt.Errorf("%s: confirm: %w", tool, err)
	}
	if !ok {
		return "", fmt.Errorf("%s: %w", tool, ErrNotConfirmed)
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("%s: %w", tool, err)
	}
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if create {
		flags = os.O_WRONLY | os.O_CREATE | os.O_EXCL
	}
	f, err := os.OpenFile(abs, flags, 0o644)
	if err != nil {
		return "", fmt.Errorf("%s: %w", tool, err)
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return "", fmt.Errorf("%s: %w", tool, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("%s: %w", tool, err)
	}
	h.log.Info().Str("tool", tool).Str("path", h.Rel(abs)).Int("bytes", len(content)).Msg("file written")
	return fmt.Sprintf("wrote %d bytes to %s", len(content), h.Rel(abs)), nil
}
