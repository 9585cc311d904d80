package maintenance

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRotator struct {
	calls int
	err   error
}

func (r *countingRotator) Rotate() (bool, error) {
	r.calls++
	return r.err == nil, r.err
}

type countingRoller struct{ calls int }

func (r *countingRoller) Rollover() bool {
	r.calls++
	return true
}

func touch(t *testing.T, path string, mod time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	require.NoError(t, os.Chtimes(path, mod, mod))
}

func TestPruneOlderThan(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	touch(t, filepath.Join(dir, "old.png"), now.Add(-31*24*time.Hour))
	touch(t, filepath.Join(dir, "nested", "old.pdf"), now.Add(-40*24*time.Hour))
	touch(t, filepath.Join(dir, "fresh.png"), now.Add(-29*24*time.Hour))

	n, err := PruneOlderThan(dir, now.Add(-UploadRetention))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = os.Stat(filepath.Join(dir, "fresh.png"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "old.png"))
	assert.True(t, os.IsNotExist(err))

	n, err = PruneOlderThan(filepath.Join(dir, "missing"), now)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSchedulerRegistersConfiguredJobs(t *testing.T) {
	s, err := New(Config{UploadsDir: t.TempDir(), ChatLog: &countingRotator{}, Budget: &countingRoller{}})
	require.NoError(t, err)

	jobs := s.Jobs()
	assert.Len(t, jobs, 3)
	assert.Contains(t, jobs, "prune_uploads")
	assert.Contains(t, jobs, "rotate_chat_log")
	assert.Contains(t, jobs, "budget_rollover")

	s.Start()
	s.Stop()

	empty, err := New(Config{})
	require.NoError(t, err)
	assert.Empty(t, empty.Jobs())
}

func TestRunAll(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	touch(t, filepath.Join(dir, "stale.txt"), now.Add(-45*24*time.Hour))

	rot := &countingRotator{err: errors.New("disk full")}
	roll := &countingRoller{}
	s, err := New(Config{UploadsDir: dir, ChatLog: rot, Budget: roll, Now: func() time.Time { return now }})
	require.NoError(t, err)

	s.RunAll()
	assert.Equal(t, 1, rot.calls)
	assert.Equal(t, 1, roll.calls)
	_, err = os.Stat(filepath.Join(dir, "stale.txt"))
	assert.True(t, os.IsNotExist(err))
}
