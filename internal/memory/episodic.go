package memory

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/normanking/helix/internal/logging"
)

// MaxChatLogBytes is the size at which the chat log rotates to .bak.
const MaxChatLogBytes = 20 << 20

// Episodic is the searchable conversation log at data/chat_history_log.jsonl.
type Episodic struct {
	mu       sync.Mutex
	log      *logging.JSONL
	maxBytes int64
	now      func() time.Time
	logger   zerolog.Logger
}

// NewEpisodic appends to path.
func NewEpisodic(path string) *Episodic {
	return &Episodic{
		log:      logging.NewJSONL(path),
		maxBytes: MaxChatLogBytes,
		now:      time.Now,
		logger:   logging.Component("memory.episodic"),
	}
}

// Path returns the log file.
func (e *Episodic) Path() string { return e.log.Path() }

// Record appends t, filling its id and timestamp, rotating first when the
// log has outgrown its limit.
func (e *Episodic) Record(t Turn) (Turn, error) {
	if t.ID == "" {
		t.ID = "turn_" + uuid.NewString()
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = e.now().UTC()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.rotateLocked(); err != nil {
		e.logger.Warn().Err(err).Msg("rotate chat log")
	}
	if err := e.log.Append(t); err != nil {
		return Turn{}, err
	}
	return t, nil
}

// Rotate moves the log to .bak when it exceeds the limit.
func (e *Episodic) Rotate() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rotateLocked()
}

func (e *Episodic) rotateLocked() (bool, error) {
	info, err := os.Stat(e.log.Path())
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat chat log: %w", err)
	}
	if info.Size() < e.maxBytes {
		return false, nil
	}
	if err := os.Rename(e.log.Path(), e.log.Path()+".bak"); err != nil {
		return false, fmt.Errorf("rotate chat log: %w", err)
	}
	e.logger.Info().Int64("bytes", info.Size()).Msg("chat log rotated")
	return true, nil
}

// Search returns turns containing every word of query, newest first.
func (e *Episodic) Search(query string, limit int) ([]Turn, error) {
	words := strings.Fields(strings.ToLower(query))
	var hits []Turn
	err := logging.ScanJSONL(e.log.Path(), func(t Turn) bool {
		content := strings.ToLower(t.Content)
		for _, w := range words {
			if !strings.Contains(content, w) {
				return true
			}
		}
		hits = append(hits, t)
		return true
	})
	if err != nil {
		return nil, err
	}
	return newestFirst(hits, limit), nil
}

// Session returns the turns of one session in order.
func (e *Episodic) Session(id string) ([]Turn, error) {
	var out []Turn
	err := logging.ScanJSONL(e.log.Path(), func(t Turn) bool {
		if t.SessionID == id {
			out = append(out, t)
		}
		return true
	})
	return out, err
}

func newestFirst(turns []Turn, limit int) []Turn {
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	if limit > 0 && len(turns) > limit {
		turns = turns[:limit]
	}
	return turns
}
