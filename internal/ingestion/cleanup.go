package ingestion

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"

	"github.com/normanking/helix/internal/data"
	"github.com/normanking/helix/internal/logging"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CLEANUP MANAGER
// ═══════════════════════════════════════════════════════════════════════════════

// SafetyLevel grades how risky deleting an orphan is.
type SafetyLevel int

const (
	// SafetyAuto orphans have no semantic-node links.
	SafetyAuto SafetyLevel = 1
	// SafetyConfirm orphans are linked to nodes and need confirmation.
	SafetyConfirm SafetyLevel = 2
)

// Orphan groups the chunks of one missing source file that share a safety
// level.
type Orphan struct {
	SourceFile  string      `json:"source_file"`
	ChunkIDs    []int64     `json:"chunk_ids"`
	LinkedNodes int         `json:"linked_nodes"`
	Level       SafetyLevel `json:"level"`
}

// CleanupManager finds and removes rows whose source file is gone.
type CleanupManager struct {
	store *data.Store
	root  string
	log   zerolog.Logger
}

// NewCleanupManager inspects store against root.
func NewCleanupManager(store *data.Store, root string) *CleanupManager {
	return &CleanupManager{store: store, root: root, log: logging.Component("cleanup")}
}

// Scan returns the orphans grouped by source file and safety level, sorted
// by file then level. A file with both linked and unlinked chunks yields two
// groups.
func (m *CleanupManager) Scan(ctx context.Context) ([]Orphan, error) {
	links, err := m.store.ChunkLinks(ctx)
	if err != nil {
		return nil, err
	}
	// One group per (file, level): unlinked chunks stay auto-purgeable even
	// when a sibling chunk of the same file is linked.
	type key struct {
		source string
		level  SafetyLevel
	}
	groups := map[key]*Orphan{}
	exists := map[string]bool{}
	for _, c := range links {
		present, seen := exists[c.SourceFile]
		if !seen {
			_, statErr := os.Stat(filepath.Join(m.root, filepath.FromSlash(c.SourceFile)))
			present = statErr == nil
			exists[c.SourceFile] = present
		}
		if present {
			continue
		}
		k := key{source: c.SourceFile, level: SafetyAuto}
		if c.LinkedNodes > 0 {
			k.level = SafetyConfirm
		}
		o, ok := groups[k]
		if !ok {
			o = &Orphan{SourceFile: c.SourceFile, Level: k.level}
			groups[k] = o
		}
		o.ChunkIDs = append(o.ChunkIDs, c.ID)
		o.LinkedNodes += c.LinkedNodes
	}

	out := make([]Orphan, 0, len(groups))
	for _, o := range groups {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceFile != out[j].SourceFile {
			return out[i].SourceFile < out[j].SourceFile
		}
		return out[i].Level < out[j].Level
	})
	return out, nil
}

// Purge deletes orphans whose level is at most maxLevel, with their
// summaries, and returns the number of chunks removed.
func (m *CleanupManager) Purge(ctx context.Context, orphans []Orphan, maxLevel SafetyLevel) (int64, error) {
	var total int64
	for _, o := range orphans {
		if o.Level > maxLevel {
			continue
		}
		n, err := m.store.DeleteChunks(ctx, o.ChunkIDs)
		if err != nil {
			return total, fmt.Errorf("purge %s: %w", o.SourceFile, err)
		}
		if err := m.store.DeleteSummaries(ctx, o.SourceFile); err != nil {
			return total, err
		}
		total += n
		m.log.Info().Str("source", o.SourceFile).Int64("chunks", n).Int("level", int(o.Level)).Msg("orphan purged")
	}
	return total, nil
}
