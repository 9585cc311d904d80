package logging

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"unknown", LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseLevel(tt.input))
		})
	}
}

func TestSetupWritesRotatingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logs", "helix_app.log")

	require.NoError(t, Setup(&Config{Level: LevelDebug, FilePath: path}))
	defer Close()

	log.Info().Str("backend", "local").Msg("probe")
	cl := Component("router")
	cl.Debug().Msg("classified")

	require.NoError(t, Close())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"backend":"local"`)
	assert.Contains(t, string(data), `"component":"router"`)
}

func TestSetupRespectsLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	require.NoError(t, Setup(&Config{Level: LevelWarn, FilePath: path}))

	log.Info().Msg("hidden")
	log.Warn().Msg("shown")
	require.NoError(t, Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), "shown")
}

type record struct {
	N    int    `json:"n"`
	Note string `json:"note"`
}

func TestJSONLAppendAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "events.jsonl")
	j := NewJSONL(path)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			assert.NoError(t, j.Append(record{N: n, Note: "x"}))
		}(i)
	}
	wg.Wait()

	// A torn line must not break readers.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, _ = f.WriteString("{not json\n")
	f.Close()

	recs, err := ReadJSONL[record](path)
	require.NoError(t, err)
	assert.Len(t, recs, 20)
}

func TestReadJSONLMissingFile(t *testing.T) {
	recs, err := ReadJSONL[record](filepath.Join(t.TempDir(), "nope.jsonl"))
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestMask(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		hidden  string
		visible string
	}{
		{"anthropic key", "auth failed for sk-ant-REDACTED", "sk-ant-api03", "auth failed for"},
		{"google key", "key AIzaSyA1234567890abcdefghijklmno rejected", "AIzaSy", "rejected"},
		{"assignment", "api_key=abcdef1234567890XYZ", "abcdef1234567890XYZ", "api_key="},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Mask(tt.input)
			assert.NotContains(t, got, tt.hidden)
			assert.Contains(t, got, MaskedKey)
			assert.Contains(t, got, tt.visible)
		})
	}
}

func TestMaskTruncates(t *testing.T) {
	got := Mask(strings.Repeat("a", 500))
	assert.Equal(t, MaxMessageLen+3, len(got))
	assert.True(t, strings.HasSuffix(got, "..."))
}

func TestWriteCrash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "crash.log")
	require.NoError(t, WriteCrash(path, "boom"))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "panic: boom")
}
