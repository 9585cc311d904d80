package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/normanking/helix/internal/bus"
	"github.com/normanking/helix/internal/rag"
)

// DefaultDecisionLimit caps /api/decisions when no limit is given.
const DefaultDecisionLimit = 50

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func unavailable(w http.ResponseWriter, what string) {
	writeError(w, http.StatusServiceUnavailable, what+" not configured")
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /api/status
func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Version:   s.cfg.Version,
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		StartedAt: s.started,
	}
	if s.deps.LLM != nil {
		resp.LLMState = s.deps.LLM.Status().State
	}
	if s.deps.Budget != nil {
		resp.BudgetLevel = s.deps.Budget.Status().Level
	}
	if s.deps.ThermalPolicy != nil {
		resp.ThermalPolicy = s.deps.ThermalPolicy.State()
	}
	if s.deps.Lock != nil {
		if _, held, err := s.deps.Lock.Holder(); err == nil {
			resp.BuildRunning = held
		}
	}
	if s.obs != nil {
		resp.WebsocketClients = s.obs.ClientCount()
	}
	if s.deps.Bus != nil {
		resp.BusSubscriptions = s.deps.Bus.Stats().Subscribers
	}
	writeJSON(w, http.StatusOK, resp)
}

// GET /api/decisions?limit=N&session=ID
func (s *Server) decisions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Decisions == nil {
		unavailable(w, "decision log")
		return
	}
	limit := DefaultDecisionLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	var (
		out any
		err error
	)
	if session := r.URL.Query().Get("session"); session != "" {
		decisions, qerr := s.deps.Decisions.BySession(session)
		if limit > 0 && len(decisions) > limit {
			decisions = decisions[len(decisions)-limit:]
		}
		out, err = decisions, qerr
	} else {
		out, err = s.deps.Decisions.Recent(limit)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// GET /api/metrics/session/{id}
func (s *Server) sessionMetrics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Usage == nil {
		unavailable(w, "usage metrics")
		return
	}
	sum, err := s.deps.Usage.Summarize(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// GET /api/budget
func (s *Server) budget(w http.ResponseWriter, r *http.Request) {
	if s.deps.Budget == nil {
		unavailable(w, "budget")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Budget.Status())
}

// POST /api/budget/reset?scope=session|daily
func (s *Server) budgetReset(w http.ResponseWriter, r *http.Request) {
	if s.deps.Budget == nil {
		unavailable(w, "budget")
		return
	}
	switch r.URL.Query().Get("scope") {
	case "", "session":
		s.deps.Budget.ResetSession()
	case "daily":
		s.deps.Budget.ResetDaily()
	default:
		writeError(w, http.StatusBadRequest, "scope must be session or daily")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Budget.Status())
}

// GET /api/thermal
func (s *Server) thermal(w http.ResponseWriter, r *http.Request) {
	if s.deps.Thermal == nil && s.deps.ThermalPolicy == nil {
		unavailable(w, "thermal monitor")
		return
	}
	var resp ThermalResponse
	if s.deps.ThermalPolicy != nil {
		resp.Policy = s.deps.ThermalPolicy.State()
	}
	if s.deps.Thermal != nil {
		if reading, ok := s.deps.Thermal.Last(); ok {
			resp.Reading = &reading
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// GET /api/llm
func (s *Server) llm(w http.ResponseWriter, r *http.Request) {
	if s.deps.LLM == nil {
		unavailable(w, "local LLM manager")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.LLM.Status())
}

// GET /api/rag/diff
func (s *Server) ragDiff(w http.ResponseWriter, r *http.Request) {
	if s.deps.Builds == nil {
		unavailable(w, "rag builder")
		return
	}
	diff, err := s.deps.Builds.Diff()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, DiffResponse{DiffResult: diff, Pending: len(diff.Changed()) + len(diff.Deleted)})
}

// GET /api/lock
func (s *Server) lock(w http.ResponseWriter, r *http.Request) {
	if s.deps.Lock == nil {
		unavailable(w, "execution lock")
		return
	}
	info, held, err := s.deps.Lock.Holder()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := LockResponse{Held: held}
	if held {
		resp.Info = &info
	}
	writeJSON(w, http.StatusOK, resp)
}

// POST /api/rag/build starts a build and returns its session id. Progress is
// published on the bus and streamed over /ws/events. A held lock answers 409.
func (s *Server) startBuild(w http.ResponseWriter, r *http.Request) {
	if s.deps.Builds == nil {
		unavailable(w, "rag builder")
		return
	}
	var opts rag.BuildOptions
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	events := s.deps.Builds.Start(s.baseCtx, opts)

	// A busy build reports error then build_completed before doing anything.
	var head []rag.Event
	for ev := range events {
		head = append(head, ev)
		if ev.Type != rag.EventError {
			break
		}
	}
	if len(head) == 0 {
		writeError(w, http.StatusInternalServerError, "build produced no events")
		return
	}
	last := head[len(head)-1]
	for _, ev := range head {
		s.publish(ev)
	}

	if last.Type == rag.EventBuildCompleted && last.Status == rag.StatusBusy {
		writeError(w, http.StatusConflict, last.Message)
		return
	}

	s.builds.Add(1)
	go func() {
		defer s.builds.Done()
		for ev := range events {
			s.publish(ev)
		}
	}()
	writeJSON(w, http.StatusAccepted, BuildStartedResponse{Session: last.Session})
}

func (s *Server) publish(ev rag.Event) {
	if s.deps.Bus == nil {
		return
	}
	out := bus.NewEvent(bus.EventBuild, "rag", ev)
	out.Session = ev.Session
	out.Message = string(ev.Type)
	if err := s.deps.Bus.Publish(out); err != nil {
		s.log.Debug().Err(err).Msg("publish build event")
	}
}
