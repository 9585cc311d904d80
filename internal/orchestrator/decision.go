package orchestrator

import (
	"time"

	"github.com/normanking/helix/internal/logging"
)

// Status is the final state of a routing decision.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusBlocked Status = "blocked"
)

// Decision is one line of logs/routing_decisions.jsonl.
type Decision struct {
	ID                string           `json:"id"`
	Timestamp         time.Time        `json:"timestamp"`
	SessionID         string           `json:"session_id"`
	Phase             string           `json:"phase,omitempty"`
	TaskType          string           `json:"task_type"`
	Confidence        float64          `json:"confidence"`
	Backend           string           `json:"backend"`
	FinalBackend      string           `json:"final_backend,omitempty"`
	UserForced        bool             `json:"user_forced"`
	Reasons           []string         `json:"reasons"`
	FallbackAttempted bool             `json:"fallback_attempted"`
	FallbackChain     []string         `json:"fallback_chain"`
	FinalStatus       Status           `json:"final_status"`
	ErrorKind         string           `json:"error_kind,omitempty"`
	ErrorMessage      string           `json:"error_message,omitempty"`
	MissingScopes     []Scope          `json:"missing_scopes,omitempty"`
	Approvals         ApprovalSnapshot `json:"approvals"`
	Preset            string           `json:"preset,omitempty"`
	PromptPack        string           `json:"prompt_pack,omitempty"`
	LocalAvailable    bool             `json:"local_available"`
	DurationMS        int64            `json:"duration_ms"`
	Tokens            int              `json:"tokens"`
	CostUSD           float64          `json:"cost_usd"`
}

// DecisionLogger appends finalized decisions and answers queries over the
// log.
type DecisionLogger struct {
	log *logging.JSONL
}

// NewDecisionLogger writes to path (logs/routing_decisions.jsonl).
func NewDecisionLogger(path string) *DecisionLogger {
	return &DecisionLogger{log: logging.NewJSONL(path)}
}

// Path returns the log path.
func (l *DecisionLogger) Path() string { return l.log.Path() }

// Append writes one decision.
func (l *DecisionLogger) Append(d Decision) error {
	return l.log.Append(d)
}

// Recent returns the last n decisions, oldest first.
func (l *DecisionLogger) Recent(n int) ([]Decision, error) {
	all, err := logging.ReadJSONL[Decision](l.log.Path())
	if err != nil {
		return nil, err
	}
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}

// BySession returns every decision for session, oldest first.
func (l *DecisionLogger) BySession(session string) ([]Decision, error) {
	var out []Decision
	err := logging.ScanJSONL(l.log.Path(), func(d Decision) bool {
		if d.SessionID == session {
			out = append(out, d)
		}
		return true
	})
	return out, err
}
