// Package maintenance runs periodic housekeeping: upload retention, chat log
// rotation and the daily budget rollover.
package maintenance

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/normanking/helix/internal/logging"
)

// Default schedules and limits.
const (
	UploadsSchedule  = "30 3 * * *"
	RotateSchedule   = "@hourly"
	RolloverSchedule = "0 0 * * *"

	UploadRetention = 30 * 24 * time.Hour
)

// Rotator rotates an append-only log once it is too large.
type Rotator interface {
	Rotate() (bool, error)
}

// DayRoller applies a pending calendar day change.
type DayRoller interface {
	Rollover() bool
}

// Config selects the jobs to schedule. Empty members are skipped.
type Config struct {
	UploadsDir string
	Retention  time.Duration
	ChatLog    Rotator
	Budget     DayRoller
	Location   *time.Location
	Now        func() time.Time
}

// Scheduler wraps a cron runner.
type Scheduler struct {
	cron *cron.Cron
	cfg  Config
	log  zerolog.Logger
	jobs map[string]cron.EntryID
}

// New registers every configured job. Nothing runs until Start.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Retention <= 0 {
		cfg.Retention = UploadRetention
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}

	log := logging.Component("maintenance")
	clog := cronLogger{log: log}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(cfg.Location),
			cron.WithLogger(clog),
			cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
		),
		cfg:  cfg,
		log:  log,
		jobs: make(map[string]cron.EntryID),
	}

	if cfg.UploadsDir != "" {
		if err := s.add("prune_uploads", UploadsSchedule, s.pruneUploads); err != nil {
			return nil, err
		}
	}
	if cfg.ChatLog != nil {
		if err := s.add("rotate_chat_log", RotateSchedule, s.rotateChatLog); err != nil {
			return nil, err
		}
	}
	if cfg.Budget != nil {
		if err := s.add("budget_rollover", RolloverSchedule, s.budgetRollover); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) add(name, spec string, fn func()) error {
	id, err := s.cron.AddFunc(spec, fn)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	s.jobs[name] = id
	return nil
}

// Jobs returns the registered job names with their next run time.
func (s *Scheduler) Jobs() map[string]time.Time {
	out := make(map[string]time.Time, len(s.jobs))
	for name, id := range s.jobs {
		out[name] = s.cron.Entry(id).Next
	}
	return out
}

// Start starts the scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Int("jobs", len(s.jobs)).Msg("maintenance scheduler started")
}

// Stop stops the scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// RunAll executes every configured job once, synchronously.
func (s *Scheduler) RunAll() {
	if s.cfg.UploadsDir != "" {
		s.pruneUploads()
	}
	if s.cfg.ChatLog != nil {
		s.rotateChatLog()
	}
	if s.cfg.Budget != nil {
		s.budgetRollover()
	}
}

func (s *Scheduler) pruneUploads() {
	n, err := PruneOlderThan(s.cfg.UploadsDir, s.cfg.Now().Add(-s.cfg.Retention))
	if err != nil {
		s.log.Warn().Err(err).Str("dir", s.cfg.UploadsDir).Msg("upload retention failed")
		return
	}
	if n > 0 {
		s.log.Info().Int("removed", n).Str("dir", s.cfg.UploadsDir).Msg("expired uploads removed")
	}
}

func (s *Scheduler) rotateChatLog() {
	rotated, err := s.cfg.ChatLog.Rotate()
	if err != nil {
		s.log.Warn().Err(err).Msg("chat log rotation failed")
		return
	}
	if rotated {
		s.log.Info().Msg("chat log rotated")
	}
}

func (s *Scheduler) budgetRollover() {
	if s.cfg.Budget.Rollover() {
		s.log.Debug().Msg("budget day rolled over by scheduler")
	}
}

// PruneOlderThan deletes regular files under dir last modified before
// cutoff and returns how many were removed. A missing dir is not an error.
func PruneOlderThan(dir string, cutoff time.Time) (int, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return 0, nil
	}
	removed := 0
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("remove %s: %w", path, err)
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// cronLogger routes cron's logging through zerolog.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
