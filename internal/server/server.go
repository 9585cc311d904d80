package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/normanking/helix/internal/bus"
	"github.com/normanking/helix/internal/logging"
)

// Deps are the components the API reads from. Nil members answer 503.
type Deps struct {
	Bus           *bus.Bus
	Decisions     DecisionSource
	Usage         UsageSource
	Budget        BudgetSource
	Thermal       ThermalSource
	ThermalPolicy ThermalPolicySource
	LLM           LLMSource
	Builds        BuildRunner
	Lock          LockSource

	// Metrics serves /metrics.
	Metrics http.Handler
}

// Server is the control API.
type Server struct {
	cfg     Config
	deps    Deps
	router  *chi.Mux
	obs     *bus.Observer
	started time.Time
	log     zerolog.Logger

	// builds outlive the request that started them.
	baseCtx context.Context
	cancel  context.CancelFunc
	builds  sync.WaitGroup

	mu   sync.Mutex
	http *http.Server
}

// New builds the router. A nil bus disables /ws/events.
func New(cfg Config, deps Deps) *Server {
	def := DefaultConfig()
	if cfg.Port == 0 {
		cfg.Port = def.Port
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.Version == "" {
		cfg.Version = def.Version
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		router:  chi.NewRouter(),
		started: time.Now(),
		log:     logging.Component("server"),
		baseCtx: ctx,
		cancel:  cancel,
	}
	if deps.Bus != nil {
		s.obs = bus.NewObserver(deps.Bus)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.health)

	r.Group(func(r chi.Router) {
		r.Use(s.auth)

		r.Route("/api", func(r chi.Router) {
			r.Get("/status", s.status)
			r.Get("/decisions", s.decisions)
			r.Get("/metrics/session/{id}", s.sessionMetrics)
			r.Get("/budget", s.budget)
			r.Post("/budget/reset", s.budgetReset)
			r.Get("/thermal", s.thermal)
			r.Get("/llm", s.llm)
			r.Post("/rag/build", s.startBuild)
			r.Get("/rag/diff", s.ragDiff)
			r.Get("/lock", s.lock)
		})

		if s.obs != nil {
			r.Handle("/ws/events", s.obs)
		}
		if s.deps.Metrics != nil {
			r.Handle("/metrics", s.deps.Metrics)
		}
	})
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Addr is the listen address.
func (s *Server) Addr() string { return fmt.Sprintf("127.0.0.1:%d", s.cfg.Port) }

// ListenAndServe blocks until ctx is cancelled or the listener fails, then
// shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.Addr(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()

	errc := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", ln.Addr().String()).Msg("control server listening")
		errc <- srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		s.close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.close()
	if err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	s.log.Info().Msg("control server stopped")
	return nil
}

// close cancels running builds and disconnects websocket clients.
func (s *Server) close() {
	s.cancel()
	if s.obs != nil {
		s.obs.Close()
	}
	s.builds.Wait()
}

// ═══════════════════════════════════════════════════════════════════════════════
// MIDDLEWARE
// ═══════════════════════════════════════════════════════════════════════════════

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

// auth accepts "Authorization: Bearer <password>" or, for websocket
// clients that cannot set headers, ?token=<password>.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.CheckPassword == nil {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || token == r.Header.Get("Authorization") {
			token = r.URL.Query().Get("token")
		}
		if !s.cfg.CheckPassword(token) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}
