// Package ingestion discovers source files in the ingest folder, splits them
// into chunks, and tracks which files changed since the last build.
package ingestion

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"
)

// PreviewLength is the number of characters shown to the planner.
const PreviewLength = 500

// SupportedExtensions lists the file types the pipeline ingests.
var SupportedExtensions = map[string]bool{
	".txt": true, ".md": true, ".markdown": true, ".rst": true,
	".json": true, ".yaml": true, ".yml": true, ".csv": true, ".tsv": true,
	".log": true, ".py": true, ".go": true, ".js": true, ".ts": true,
	".html": true, ".xml": true,
}

// IsSupported reports whether path has a supported extension.
func IsSupported(path string) bool {
	return SupportedExtensions[strings.ToLower(filepath.Ext(path))]
}

// FileInfo describes one ingestible file. Name is the slash-separated path
// relative to the ingest root and is the file's identity in the store.
type FileInfo struct {
	Name    string `json:"name"`
	Path    string `json:"-"`
	Size    int64  `json:"size"`
	Ext     string `json:"ext"`
	Preview string `json:"preview"`
	Hash    string `json:"hash"`
}

// Discover walks root and returns every supported file sorted by name.
// Hidden files and directories are skipped. A missing root yields nothing.
func Discover(root string) ([]FileInfo, error) {
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil, nil
	}
	var out []FileInfo
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if strings.HasPrefix(d.Name(), ".") && path != root {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !IsSupported(path) {
			return nil
		}
		f, err := Describe(root, path)
		if err != nil {
			return err
		}
		out = append(out, f)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", root, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Describe builds the FileInfo of path under root.
func Describe(root, path string) (FileInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		return FileInfo{}, fmt.Errorf("stat %s: %w", path, err)
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return FileInfo{}, fmt.Errorf("relative path of %s: %w", path, err)
	}
	hash, err := HashFile(path)
	if err != nil {
		return FileInfo{}, err
	}
	preview, err := readPreview(path, PreviewLength)
	if err != nil {
		return FileInfo{}, err
	}
	return FileInfo{
		Name:    filepath.ToSlash(rel),
		Path:    path,
		Size:    info.Size(),
		Ext:     strings.ToLower(filepath.Ext(path)),
		Preview: preview,
		Hash:    hash,
	}, nil
}

// HashFile returns the hex SHA-256 of the file content.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ReadText loads a file as UTF-8, replacing invalid sequences.
func ReadText(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	if !utf8.Valid(b) {
		return strings.ToValidUTF8(string(b), "�"), nil
	}
	return string(b), nil
}

func readPreview(path string, n int) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	// 4 bytes per rune at most.
	buf := make([]byte, n*4)
	k, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", fmt.Errorf("read preview of %s: %w", path, err)
	}
	text := strings.ToValidUTF8(string(buf[:k]), "")
	runes := []rune(text)
	if len(runes) > n {
		runes = runes[:n]
	}
	return string(runes), nil
}
