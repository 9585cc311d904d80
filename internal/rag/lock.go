package rag

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/helix/internal/logging"
	"github.com/normanking/helix/internal/platform"
)

// DefaultLockTTL bounds how long a crashed holder can block builds.
const DefaultLockTTL = 2 * time.Hour

// lockGrace is how long an undecodable lock file is still treated as held.
const lockGrace = 10 * time.Second

// LockInfo is the JSON body of the lock file.
type LockInfo struct {
	Owner      string    `json:"owner"`
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// LockOption configures a FileLock.
type LockOption func(*FileLock)

// WithLockTTL sets the expiry of new locks.
func WithLockTTL(ttl time.Duration) LockOption {
	return func(l *FileLock) { l.ttl = ttl }
}

// WithLockClock replaces time.Now.
func WithLockClock(now func() time.Time) LockOption {
	return func(l *FileLock) { l.now = now }
}

// WithProcessCheck replaces the liveness probe used for stale detection.
func WithProcessCheck(alive func(pid int) bool) LockOption {
	return func(l *FileLock) { l.alive = alive }
}

// FileLock is a single-holder lock backed by a JSON file published with a
// hard link, shared by every process that points at the same path. A lock
// whose holder is dead or whose expiry has passed is reclaimed.
type FileLock struct {
	path  string
	ttl   time.Duration
	now   func() time.Time
	alive func(int) bool
	mu    sync.Mutex
	log   zerolog.Logger
}

// NewFileLock creates a lock at path; nothing is written until Acquire.
func NewFileLock(path string, opts ...LockOption) *FileLock {
	l := &FileLock{
		path:  path,
		ttl:   DefaultLockTTL,
		now:   time.Now,
		alive: platform.ProcessAlive,
		log:   logging.Component("rag.lock"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Path returns the lock file location.
func (l *FileLock) Path() string { return l.path }

// Acquire takes the lock for owner. It returns ErrBuildInProgress with the
// current holder when the lock is live.
func (l *FileLock) Acquire(owner string) (LockInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return LockInfo{}, fmt.Errorf("create lock directory: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		now := l.now()
		info := LockInfo{Owner: owner, PID: os.Getpid(), AcquiredAt: now, ExpiresAt: now.Add(l.ttl)}
		err := l.publish(info)
		if err == nil {
			l.log.Info().Str("owner", owner).Msg("build lock acquired")
			return info, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return LockInfo{}, err
		}

		raw, holder, rerr := l.load()
		if errors.Is(rerr, fs.ErrNotExist) {
			continue
		}
		if rerr != nil {
			// Readers never see a partial write, but an unreadable file
			// still counts as held until it has aged past lockGrace.
			if l.young() {
				return LockInfo{}, fmt.Errorf("%w: lock file unreadable: %v", ErrBuildInProgress, rerr)
			}
		} else if !l.stale(holder) {
			return holder, fmt.Errorf("%w: held by %s (pid %d)", ErrBuildInProgress, holder.Owner, holder.PID)
		}

		// Another process may have reclaimed it first.
		if again, err := os.ReadFile(l.path); err != nil || !bytes.Equal(again, raw) {
			continue
		}
		l.log.Warn().Str("holder", holder.Owner).Int("pid", holder.PID).Msg("reclaiming stale build lock")
		if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return LockInfo{}, fmt.Errorf("remove stale lock: %w", err)
		}
	}
	return LockInfo{}, ErrBuildInProgress
}

// publish writes info to a temp file and hard-links it into place, so the
// lock path appears fully written or not at all. It fails with fs.ErrExist
// when the path is taken.
func (l *FileLock) publish(info LockInfo) error {
	tmp, err := os.CreateTemp(filepath.Dir(l.path), filepath.Base(l.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create lock: %w", err)
	}
	defer os.Remove(tmp.Name())

	werr := json.NewEncoder(tmp).Encode(info)
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		return fmt.Errorf("write lock: %w", errors.Join(werr, cerr))
	}
	if err := os.Link(tmp.Name(), l.path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return err
		}
		return fmt.Errorf("create lock: %w", err)
	}
	return nil
}

// young reports whether the lock file was modified within lockGrace.
func (l *FileLock) young() bool {
	st, err := os.Stat(l.path)
	if err != nil {
		return false
	}
	return l.now().Sub(st.ModTime()) < lockGrace
}

// Release removes the lock if owner holds it. A lock file that cannot be
// decoded is left in place.
func (l *FileLock) Release(owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	holder, err := l.read()
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if holder.Owner != owner {
		return fmt.Errorf("lock held by %s, not %s", holder.Owner, owner)
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("release lock: %w", err)
	}
	l.log.Info().Str("owner", owner).Msg("build lock released")
	return nil
}

// Holder returns the live holder, if any. A stale lock reports no holder.
func (l *FileLock) Holder() (LockInfo, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	info, err := l.read()
	if errors.Is(err, fs.ErrNotExist) {
		return LockInfo{}, false, nil
	}
	if err != nil {
		return LockInfo{}, false, err
	}
	if l.stale(info) {
		return info, false, nil
	}
	return info, true, nil
}

func (l *FileLock) read() (LockInfo, error) {
	_, info, err := l.load()
	return info, err
}

func (l *FileLock) load() ([]byte, LockInfo, error) {
	b, err := os.ReadFile(l.path)
	if err != nil {
		return nil, LockInfo{}, err
	}
	var info LockInfo
	if err := json.Unmarshal(b, &info); err != nil {
		return b, LockInfo{}, fmt.Errorf("decode lock: %w", err)
	}
	return b, info, nil
}

func (l *FileLock) stale(info LockInfo) bool {
	if !info.ExpiresAt.IsZero() && l.now().After(info.ExpiresAt) {
		return true
	}
	return info.PID > 0 && !l.alive(info.PID)
}
