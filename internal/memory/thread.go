package memory

import (
	"regexp"
	"strings"
	"sync"
	"time"
)

// DefaultThreadTurns bounds the per-session working set.
const DefaultThreadTurns = 20

// SessionFact is a fact pulled out of the conversation by pattern matching.
type SessionFact struct {
	Fact        string    `json:"fact"`
	ExtractedAt time.Time `json:"extracted_at"`
}

// factPatterns run in the hot path, so they stay cheap.
var factPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)working on (?:a project called |the )?([A-Z][a-zA-Z0-9_-]+)`),
	regexp.MustCompile(`(?i)my project (?:is called |named |is )([A-Z][a-zA-Z0-9_-]+)`),
	regexp.MustCompile(`(?i)my name is ([A-Z][a-z]+)`),
	regexp.MustCompile(`(?i)\bI (?:prefer|always use|use) ([^.!?\n]+)`),
	regexp.MustCompile(`(?i)(?:deadline|due) (?:is |on )?([^.!?\n]+)`),
}

// ExtractFacts returns the pattern matches in message.
func ExtractFacts(message string) []string {
	var out []string
	for _, re := range factPatterns {
		for _, m := range re.FindAllStringSubmatch(message, -1) {
			if len(m) > 0 {
				out = append(out, strings.TrimSpace(m[0]))
			}
		}
	}
	return out
}

type threadState struct {
	turns []Turn
	facts []SessionFact
}

// Thread is the session-scoped working set. Nothing is persisted.
type Thread struct {
	mu       sync.Mutex
	limit    int
	sessions map[string]*threadState
	now      func() time.Time
}

// NewThread keeps the last limit turns per session.
func NewThread(limit int) *Thread {
	if limit <= 0 {
		limit = DefaultThreadTurns
	}
	return &Thread{limit: limit, sessions: map[string]*threadState{}, now: time.Now}
}

// Add appends a turn and extracts facts from user messages.
func (t *Thread) Add(turn Turn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.sessions[turn.SessionID]
	if st == nil {
		st = &threadState{}
		t.sessions[turn.SessionID] = st
	}
	st.turns = append(st.turns, turn)
	if len(st.turns) > t.limit {
		st.turns = st.turns[len(st.turns)-t.limit:]
	}
	if turn.Role != "user" {
		return
	}
	for _, f := range ExtractFacts(turn.Content) {
		if !hasFact(st.facts, f) {
			st.facts = append(st.facts, SessionFact{Fact: f, ExtractedAt: t.now()})
		}
	}
}

func hasFact(facts []SessionFact, f string) bool {
	for _, existing := range facts {
		if strings.EqualFold(existing.Fact, f) {
			return true
		}
	}
	return false
}

// Recent returns up to n of the latest turns, oldest first.
func (t *Thread) Recent(session string, n int) []Turn {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.sessions[session]
	if st == nil {
		return nil
	}
	turns := st.turns
	if n > 0 && len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	return append([]Turn(nil), turns...)
}

// Facts returns the session facts in extraction order.
func (t *Thread) Facts(session string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.sessions[session]
	if st == nil {
		return nil
	}
	out := make([]string, len(st.facts))
	for i, f := range st.facts {
		out[i] = f.Fact
	}
	return out
}

// Clear drops a session.
func (t *Thread) Clear(session string) {
	t.mu.Lock()
	delete(t.sessions, session)
	t.mu.Unlock()
}
