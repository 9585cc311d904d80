// Package metrics records one usage line per backend call and exposes
// Prometheus collectors for the control server.
package metrics

import (
	"time"

	"github.com/normanking/helix/internal/logging"
)

// UsageRecord is one line of logs/usage_metrics.jsonl.
type UsageRecord struct {
	Timestamp  time.Time      `json:"timestamp"`
	Session    string         `json:"session"`
	Backend    string         `json:"backend"`
	TaskType   string         `json:"task_type"`
	Phase      string         `json:"phase"`
	DurationMS int64          `json:"duration_ms"`
	TokensEst  int            `json:"tokens_est"`
	CostEst    float64        `json:"cost_est"`
	Success    bool           `json:"success"`
	ErrorType  string         `json:"error_type,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Recorder appends usage records. It is safe for concurrent use.
type Recorder struct {
	log      *logging.JSONL
	exporter *Exporter
	now      func() time.Time
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithExporter mirrors every record into Prometheus collectors.
func WithExporter(e *Exporter) RecorderOption {
	return func(r *Recorder) { r.exporter = e }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

// NewRecorder writes to path (logs/usage_metrics.jsonl).
func NewRecorder(path string, opts ...RecorderOption) *Recorder {
	r := &Recorder{log: logging.NewJSONL(path), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Path returns the log file path.
func (r *Recorder) Path() string { return r.log.Path() }

// Record appends rec, stamping the timestamp when unset.
func (r *Recorder) Record(rec UsageRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = r.now()
	}
	if r.exporter != nil {
		r.exporter.ObserveCall(rec.Backend, rec.Success, rec.ErrorType, time.Duration(rec.DurationMS)*time.Millisecond, rec.CostEst)
	}
	return r.log.Append(rec)
}

// BackendSummary aggregates calls for one backend.
type BackendSummary struct {
	Calls    int     `json:"calls"`
	Failures int     `json:"failures"`
	Cost     float64 `json:"cost"`
}

// SessionSummary aggregates a session's calls.
type SessionSummary struct {
	Session         string                    `json:"session"`
	Calls           int                       `json:"calls"`
	Successes       int                       `json:"successes"`
	Failures        int                       `json:"failures"`
	TotalTokens     int                       `json:"total_tokens"`
	TotalCost       float64                   `json:"total_cost"`
	TotalDurationMS int64                     `json:"total_duration_ms"`
	ByStatus        map[string]int            `json:"by_status"`
	ByBackend       map[string]BackendSummary `json:"by_backend"`
}

// Summarize scans the log and aggregates calls of session. Failed calls are
// counted under their error type in ByStatus, successes under "success".
func (r *Recorder) Summarize(session string) (SessionSummary, error) {
	sum := SessionSummary{
		Session:   session,
		ByStatus:  map[string]int{},
		ByBackend: map[string]BackendSummary{},
	}
	err := logging.ScanJSONL(r.log.Path(), func(rec UsageRecord) bool {
		if rec.Session != session {
			return true
		}
		sum.Calls++
		sum.TotalTokens += rec.TokensEst
		sum.TotalDurationMS += rec.DurationMS

		b := sum.ByBackend[rec.Backend]
		b.Calls++
		if rec.Success {
			sum.Successes++
			sum.TotalCost += rec.CostEst
			sum.ByStatus["success"]++
			b.Cost += rec.CostEst
		} else {
			sum.Failures++
			kind := rec.ErrorType
			if kind == "" {
				kind = "error"
			}
			sum.ByStatus[kind]++
			b.Failures++
		}
		sum.ByBackend[rec.Backend] = b
		return true
	})
	return sum, err
}

// Records returns every record, optionally filtered by session.
func (r *Recorder) Records(session string) ([]UsageRecord, error) {
	all, err := logging.ReadJSONL[UsageRecord](r.log.Path())
	if err != nil || session == "" {
		return all, err
	}
	out := all[:0]
	for _, rec := range all {
		if rec.Session == session {
			out = append(out, rec)
		}
	}
	return out, nil
}
