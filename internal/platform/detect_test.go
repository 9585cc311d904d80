package platform

import (
	"context"
	"errors"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectReturnsValidPlatform(t *testing.T) {
	Invalidate()
	info := Detect(context.Background())
	require.NotNil(t, info)
	assert.Equal(t, runtime.GOOS, info.OS)
	assert.NotEmpty(t, info.Platform)
	assert.Same(t, info, Detect(context.Background()))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		info Info
		want Platform
	}{
		{Info{OS: "darwin", Arch: "arm64"}, PlatformAppleSilicon},
		{Info{OS: "darwin", Arch: "amd64"}, PlatformMacOSIntel},
		{Info{OS: "linux", CUDAAvailable: true}, PlatformLinuxCUDA},
		{Info{OS: "linux"}, PlatformLinuxCPU},
		{Info{OS: "windows", CUDAAvailable: true}, PlatformWindowsCUDA},
		{Info{OS: "plan9"}, PlatformUnknown},
	}
	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			assert.Equal(t, tt.want, classify(&tt.info))
		})
	}
}

func notOnPath(string) (string, error) { return "", errors.New("not found") }

func TestFindCLIFallbacks(t *testing.T) {
	tests := []struct {
		name string
		env  searchEnv
		want string
	}{
		{
			name: "path wins",
			env: searchEnv{goos: "linux", home: "/home/u",
				lookPath: func(n string) (string, error) { return "/bin/" + n, nil },
				exists:   func(string) bool { return true }},
			want: "/bin/claude",
		},
		{
			name: "linux npm global",
			env: searchEnv{goos: "linux", home: "/home/u", lookPath: notOnPath,
				exists: func(p string) bool { return p == filepath.Join("/home/u", ".npm-global", "bin", "claude") }},
			want: filepath.Join("/home/u", ".npm-global", "bin", "claude"),
		},
		{
			name: "darwin homebrew",
			env: searchEnv{goos: "darwin", home: "/Users/u", lookPath: notOnPath,
				exists: func(p string) bool { return p == filepath.Join("/opt/homebrew/bin", "claude") }},
			want: filepath.Join("/opt/homebrew/bin", "claude"),
		},
		{
			name: "windows appdata",
			env: searchEnv{goos: "windows", appData: "C:/Users/u/AppData/Roaming", lookPath: notOnPath,
				exists: func(p string) bool { return filepath.Base(p) == "claude.cmd" }},
			want: filepath.Join("C:/Users/u/AppData/Roaming", "npm", "claude.cmd"),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.env.find("claude")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFindCLIMissing(t *testing.T) {
	env := searchEnv{goos: "linux", home: "/nowhere", lookPath: notOnPath, exists: func(string) bool { return false }}
	_, err := env.find("codex")
	assert.ErrorIs(t, err, ErrCLINotFound)
}
