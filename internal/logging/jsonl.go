package logging

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// JSONL appends one JSON document per line to a file. The file is opened in
// append mode for every write so that several processes may share it; the
// mutex only serializes writers inside this process.
type JSONL struct {
	mu   sync.Mutex
	path string
}

// NewJSONL returns an appender for path. The parent directory is created on
// first write.
func NewJSONL(path string) *JSONL {
	return &JSONL{path: path}
}

// Path returns the file path.
func (j *JSONL) Path() string {
	return j.path
}

// Append marshals v and writes it as a single line.
func (j *JSONL) Append(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal jsonl record: %w", err)
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(j.path), 0755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open %s: %w", j.path, err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("append %s: %w", j.path, err)
	}
	return nil
}

// ReadJSONL decodes every well-formed line of path into T. Malformed lines
// are skipped. A missing file yields an empty slice.
func ReadJSONL[T any](path string) ([]T, error) {
	var out []T
	err := ScanJSONL(path, func(rec T) bool {
		out = append(out, rec)
		return true
	})
	return out, err
}

// ScanJSONL streams decoded records to fn until fn returns false.
func ScanJSONL[T any](path string, fn func(T) bool) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec T
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		if !fn(rec) {
			return nil
		}
	}
	return sc.Err()
}
