package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jnesss/filemon/database"
	"github.com/jnesss/filemon/process"
	"github.com/jnesss/filemon/sigma"
)

const defaultLimit = 100

// Server exposes recorded operations, processes and rule matches over HTTP.
// Any dependency may be nil; its routes then answer with empty results.
type Server struct {
	store      Store
	procs      Processes
	rules      Rules
	gatherer   prometheus.Gatherer
	listenAddr string
	logger     *zap.Logger
}

func NewServer(listenAddr string, store Store, procs Processes, rules Rules, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	return &Server{
		store:      store,
		procs:      procs,
		rules:      rules,
		gatherer:   gatherer,
		listenAddr: listenAddr,
		logger:     logger,
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/operations", s.handleOperations)
	mux.HandleFunc("GET /api/processes", s.handleProcesses)
	mux.HandleFunc("GET /api/sigma/rules", s.handleSigmaRules)
	mux.HandleFunc("GET /api/sigma/matches", s.handleSigmaMatches)
	mux.HandleFunc("POST /api/sigma/matches/{id}", s.handleSigmaMatchStatus)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return s.logRequests(mux)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("took", time.Since(start)))
	})
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.listenAddr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("web server shutdown", zap.Error(err))
		}
	}()

	s.logger.Info("web server listening", zap.String("addr", s.listenAddr))
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleOperations(w http.ResponseWriter, r *http.Request) {
	q := database.OperationQuery{Op: r.URL.Query().Get("op")}

	limit, err := queryInt(r, "limit", defaultLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	q.Limit = int(limit)
	pid, err := queryInt(r, "pid", 0)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	q.PID = int32(pid)

	ops := []database.Operation{}
	if s.store != nil {
		found, err := s.store.Operations(q)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		if found != nil {
			ops = found
		}
	}
	s.writeJSON(w, http.StatusOK, ops)
}

func (s *Server) handleProcesses(w http.ResponseWriter, r *http.Request) {
	procs := []process.Info{}
	if s.procs != nil {
		procs = append(procs, s.procs.List()...)
	}
	s.writeJSON(w, http.StatusOK, procs)
}

func (s *Server) handleSigmaRules(w http.ResponseWriter, r *http.Request) {
	rules := []sigma.RuleInfo{}
	if s.rules != nil {
		rules = append(rules, s.rules.Rules()...)
	}
	s.writeJSON(w, http.StatusOK, rules)
}

func (s *Server) handleSigmaMatches(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	matches := []database.Match{}
	if s.store != nil {
		found, err := s.store.Matches(r.URL.Query().Get("status"), int(limit))
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		if found != nil {
			matches = found
		}
	}
	s.writeJSON(w, http.StatusOK, matches)
}

func (s *Server) handleSigmaMatchStatus(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("invalid match id"))
		return
	}

	var req matchStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if s.store == nil {
		s.writeError(w, http.StatusNotFound, database.ErrNotFound)
		return
	}

	if err := s.store.UpdateMatchStatus(id, req.Status); err != nil {
		switch {
		case errors.Is(err, database.ErrNotFound):
			s.writeError(w, http.StatusNotFound, err)
		case errors.Is(err, database.ErrInvalidStatus):
			s.writeError(w, http.StatusBadRequest, err)
		default:
			s.writeError(w, http.StatusInternalServerError, err)
		}
		return
	}

	s.logger.Info("match status updated", zap.Int64("id", id), zap.String("status", req.Status))
	s.writeJSON(w, http.StatusOK, matchStatusResponse{ID: id, Status: req.Status})
}

func queryInt(r *http.Request, key string, def int64) (int64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + key)
	}
	return n, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encoding response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}
