// Package httpapi exposes a pool's submission API over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/shrek82/asynpool/core"
	"github.com/shrek82/asynpool/logger"
)

// Server routes HTTP requests to one pool.
type Server struct {
	pool    *core.Pool
	router  chi.Router
	log     logger.Logger
	timeout time.Duration
}

// NewServer builds the router. timeout bounds how long a request waits for
// its reply; zero means 30 seconds.
func NewServer(pool *core.Pool, log logger.Logger, timeout time.Duration) *Server {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if log == nil {
		log = logger.NewStdLogger()
	}
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	s := &Server{
		pool:    pool,
		router:  router,
		log:     log.WithFields(map[string]any{"component": "http"}),
		timeout: timeout,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/stats", s.handleStats)
	s.router.Post("/query", s.handleQuery)
	s.router.Route("/tx", func(r chi.Router) {
		r.Post("/", s.handleBegin)
		r.Post("/{handle}/commit", s.handleFinish("commit"))
		r.Post("/{handle}/rollback", s.handleFinish("rollback"))
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type queryRequest struct {
	SQL  string `json:"sql"`
	Args []any  `json:"args"`
	Tx   string `json:"tx"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if _, err := s.pool.Stats(ctx); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "down"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.pool.Stats(r.Context())
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	reply, err := s.pool.QueryContext(ctx, req.Tx, req.SQL, req.Args...)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeReply(w, reply)
}

func (s *Server) handleBegin(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	tx, err := s.pool.BeginContext(ctx)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"handle": tx})
}

func (s *Server) handleFinish(stmt string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
		defer cancel()

		reply, err := s.pool.QueryContext(ctx, chi.URLParam(r, "handle"), stmt)
		if err != nil {
			s.writeError(w, statusFor(err), err)
			return
		}
		s.writeReply(w, reply)
	}
}

// writeReply answers 200 for a successful statement and 422 for one the
// database refused; the body is the reply either way.
func (s *Server) writeReply(w http.ResponseWriter, reply *core.Reply) {
	code := http.StatusOK
	if reply.Error != "" {
		code = http.StatusUnprocessableEntity
	}
	s.writeJSON(w, code, reply)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrEmptyStatement):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrTransactionNotStarted):
		return http.StatusConflict
	case errors.Is(err, core.ErrPoolClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		var se *core.StatementError
		if errors.As(err, &se) {
			return http.StatusUnprocessableEntity
		}
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	if code >= http.StatusInternalServerError {
		s.log.Error("request failed: %v", err)
	}
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.log.Info("listening on %s", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
