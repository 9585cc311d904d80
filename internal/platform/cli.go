package platform

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

// ErrCLINotFound is returned when a vendor CLI cannot be located.
var ErrCLINotFound = errors.New("cli not found")

// searchEnv carries the inputs of the fallback search so tests can fake them.
type searchEnv struct {
	goos     string
	home     string
	appData  string
	lookPath func(string) (string, error)
	exists   func(string) bool
}

func defaultSearchEnv() searchEnv {
	home, _ := os.UserHomeDir()
	return searchEnv{
		goos:     runtime.GOOS,
		home:     home,
		appData:  os.Getenv("APPDATA"),
		lookPath: exec.LookPath,
		exists: func(p string) bool {
			st, err := os.Stat(p)
			return err == nil && !st.IsDir()
		},
	}
}

// FallbackPaths lists the npm-global install locations checked after PATH.
func FallbackPaths(name string) []string {
	return defaultSearchEnv().fallbackPaths(name)
}

func (e searchEnv) fallbackPaths(name string) []string {
	switch e.goos {
	case "windows":
		if e.appData == "" {
			return nil
		}
		return []string{filepath.Join(e.appData, "npm", name+".cmd")}
	case "darwin":
		return []string{
			filepath.Join(e.home, ".npm-global", "bin", name),
			filepath.Join("/usr/local/bin", name),
			filepath.Join("/opt/homebrew/bin", name),
		}
	default:
		return []string{
			filepath.Join(e.home, ".npm-global", "bin", name),
			filepath.Join("/usr/local/bin", name),
		}
	}
}

// FindCLI locates a vendor CLI on PATH, then in the per-OS npm-global
// directories.
func FindCLI(name string) (string, error) {
	return defaultSearchEnv().find(name)
}

func (e searchEnv) find(name string) (string, error) {
	if p, err := e.lookPath(name); err == nil {
		return p, nil
	}
	for _, p := range e.fallbackPaths(name) {
		if e.exists(p) {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrCLINotFound, name)
}
