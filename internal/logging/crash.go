package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"
)

// WriteCrash appends a panic dump to path (logs/crash.log).
func WriteCrash(path string, recovered any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = fmt.Fprintf(f, "=== %s ===\npanic: %v\n\n%s\n",
		time.Now().Format(time.RFC3339), recovered, debug.Stack())
	return err
}
