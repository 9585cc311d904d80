package tools

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	searchMaxMatches   = 100
	searchMaxPerFile   = 10
	searchMaxFileSize  = 1 << 20
	searchMaxLineRunes = 300
)

var (
	searchIgnoreDirs = map[string]bool{".git": true, "node_modules": true, "vendor": true, "__pycache__": true, ".venv": true}
	binaryExts       = map[string]bool{".exe": true, ".dll": true, ".so": true, ".dylib": true, ".png": true, ".jpg": true, ".gif": true, ".pdf": true, ".zip": true, ".tar": true, ".gz": true, ".db": true}
	errSearchLimit   = errors.New("search limit reached")
)

// searchFiles greps file contents under path. Output lines are
// "relpath:line: text".
func (h *Host) searchFiles(ctx context.Context, args map[string]any) (string, error) {
	pattern, err := stringArg(args, "pattern", true)
	if err != nil {
		return "", err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", fmt.Errorf("%w: bad pattern: %v", ErrBadArgument, err)
	}
	p, _ := stringArg(args, "path", false)
	glob, _ := stringArg(args, "glob", false)
	base, err := h.Resolve(p)
	if err != nil {
		return "", err
	}

	var out []string
	walkErr := filepath.WalkDir(base, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if path != base && searchIgnoreDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if glob != "" {
			if ok, _ := filepath.Match(glob, d.Name()); !ok {
				return nil
			}
		}
		if binaryExts[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > searchMaxFileSize {
			return nil
		}
		matches, err := grepFile(path, re)
		if err != nil {
			return nil
		}
		rel := h.Rel(path)
		for _, m := range matches {
			out = append(out, fmt.Sprintf("%s:%d: %s", rel, m.line, m.text))
			if len(out) >= searchMaxMatches {
				return errSearchLimit
			}
		}
		return nil
	})
	if walkErr != nil && !errors.Is(walkErr, errSearchLimit) {
		return "", fmt.Errorf("search_files: %w", walkErr)
	}
	if len(out) == 0 {
		return "no matches", nil
	}
	return strings.Join(out, "\n"), nil
}

type grepMatch struct {
	line int
	text string
}

func grepFile(path string, re *regexp.Regexp) ([]grepMatch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var matches []grepMatch
	sc := bufio.NewScanner(f)
	n := 0
	for sc.Scan() {
		n++
		line := sc.Text()
		if !re.MatchString(line) {
			continue
		}
		if r := []rune(line); len(r) > searchMaxLineRunes {
			line = string(r[:searchMaxLineRunes]) + "..."
		}
		matches = append(matches, grepMatch{line: n, text: line})
		if len(matches) >= searchMaxPerFile {
			break
		}
	}
	return matches, sc.Err()
}
