package ingestion

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/normanking/helix/internal/data"
	"github.com/normanking/helix/internal/logging"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DIFF DETECTOR
// ═══════════════════════════════════════════════════════════════════════════════

// Partition names one bucket of a DiffResult.
type Partition string

const (
	PartitionNew       Partition = "new"
	PartitionModified  Partition = "modified"
	PartitionUnchanged Partition = "unchanged"
	PartitionDeleted   Partition = "deleted"
)

// DiffResult partitions the ingest folder against the persisted hashes.
// Every file on disk is in exactly one of New, Modified or Unchanged.
type DiffResult struct {
	New       []string            `json:"new"`
	Modified  []string            `json:"modified"`
	Unchanged []string            `json:"unchanged"`
	Deleted   []string            `json:"deleted"`
	Files     map[string]FileInfo `json:"-"`
}

// Changed returns new and modified names, sorted.
func (r DiffResult) Changed() []string {
	return r.Select(PartitionNew, PartitionModified)
}

// Select returns the union of the named partitions, sorted.
func (r DiffResult) Select(parts ...Partition) []string {
	var out []string
	for _, p := range parts {
		switch p {
		case PartitionNew:
			out = append(out, r.New...)
		case PartitionModified:
			out = append(out, r.Modified...)
		case PartitionUnchanged:
			out = append(out, r.Unchanged...)
		case PartitionDeleted:
			out = append(out, r.Deleted...)
		}
	}
	sort.Strings(out)
	return out
}

// Empty reports whether nothing changed.
func (r DiffResult) Empty() bool {
	return len(r.New) == 0 && len(r.Modified) == 0 && len(r.Deleted) == 0
}

// DiffDetector compares file SHA-256 hashes with the file_hashes bucket.
type DiffDetector struct {
	kv   *data.KV
	root string
	log  zerolog.Logger
}

// NewDiffDetector tracks root using kv.
func NewDiffDetector(kv *data.KV, root string) *DiffDetector {
	return &DiffDetector{kv: kv, root: root, log: logging.Component("diff")}
}

// Root returns the ingest folder.
func (d *DiffDetector) Root() string { return d.root }

// Detect computes the partition. It does not modify the stored hashes.
func (d *DiffDetector) Detect() (DiffResult, error) {
	files, err := Discover(d.root)
	if err != nil {
		return DiffResult{}, err
	}
	stored, err := d.kv.Strings(data.BucketFileHashes)
	if err != nil {
		return DiffResult{}, fmt.Errorf("load file hashes: %w", err)
	}

	res := DiffResult{Files: make(map[string]FileInfo, len(files))}
	for _, f := range files {
		res.Files[f.Name] = f
		prev, ok := stored[f.Name]
		switch {
		case !ok:
			res.New = append(res.New, f.Name)
		case prev != f.Hash:
			res.Modified = append(res.Modified, f.Name)
		default:
			res.Unchanged = append(res.Unchanged, f.Name)
		}
	}
	for name := range stored {
		if _, ok := res.Files[name]; !ok {
			res.Deleted = append(res.Deleted, name)
		}
	}
	sort.Strings(res.Deleted)

	d.log.Debug().Int("new", len(res.New)).Int("modified", len(res.Modified)).
		Int("unchanged", len(res.Unchanged)).Int("deleted", len(res.Deleted)).Msg("diff computed")
	return res, nil
}

// Commit stores the hashes of processed files and forgets deleted ones.
// Call it only after the execution phase succeeded.
func (d *DiffDetector) Commit(res DiffResult, processed []string) error {
	puts := make(map[string]string, len(processed))
	for _, name := range processed {
		f, ok := res.Files[name]
		if !ok {
			continue
		}
		puts[name] = f.Hash
	}
	if err := d.kv.ApplyStrings(data.BucketFileHashes, puts, res.Deleted); err != nil {
		return fmt.Errorf("commit file hashes: %w", err)
	}
	d.log.Info().Int("committed", len(puts)).Int("forgotten", len(res.Deleted)).Msg("file hashes committed")
	return nil
}

// Hashes returns the persisted table.
func (d *DiffDetector) Hashes() (map[string]string, error) {
	return d.kv.Strings(data.BucketFileHashes)
}
