package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/directory-cli/internal/config"
	"github.com/sells-group/directory-cli/internal/enrich"
	"github.com/sells-group/directory-cli/internal/model"
	"github.com/sells-group/directory-cli/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server for run status and run triggers",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, config.ModeServe)
		if err != nil {
			return err
		}
		defer env.Close()

		srvState := newServer(ctx, env.Store, env.Driver, time.Duration(cfg.Enrich.RetryCooldownHours)*time.Hour)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           srvState.routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		srvState.wait()
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// serveStore is the store surface the HTTP handlers read.
type serveStore interface {
	Ping(ctx context.Context) error
	ListRuns(ctx context.Context, limit int) ([]model.Run, error)
	GetRun(ctx context.Context, id string) (*model.Run, error)
	CountPending(ctx context.Context, f store.PendingFilter) (map[model.FieldGroup]int, error)
}

// runner starts convergence runs. *enrich.Driver implements it.
type runner interface {
	Run(ctx context.Context, opts enrich.RunOpts) (*enrich.RunStats, error)
}

// server owns the single in-process run slot.
type server struct {
	ctx      context.Context
	store    serveStore
	driver   runner
	cooldown time.Duration

	mu      sync.Mutex
	current *enrich.RunStats
	wg      sync.WaitGroup
}

func newServer(ctx context.Context, st serveStore, d runner, cooldown time.Duration) *server {
	return &server{ctx: ctx, store: st, driver: d, cooldown: cooldown}
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/pending", s.handlePending)
	r.Route("/runs", func(r chi.Router) {
		r.Get("/", s.handleListRuns)
		r.Post("/", s.handleStartRun)
		r.Get("/current", s.handleCurrentRun)
		r.Get("/{id}", s.handleGetRun)
	})
	return r
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		zap.L().Warn("health check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handlePending(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	f := store.PendingFilter{
		Groups:   model.AllGroups,
		Cutoff:   now.Add(-s.cooldown),
		Locality: r.URL.Query().Get("locality"),
	}
	counts, err := s.store.CountPending(r.Context(), f)
	if err != nil {
		zap.L().Error("count pending failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "count pending failed")
		return
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	respond(w, http.StatusOK, map[string]any{"groups": counts, "total": total})
}

func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	runs, err := s.store.ListRuns(r.Context(), limit)
	if err != nil {
		zap.L().Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list runs failed")
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	respond(w, http.StatusOK, runs)
}

func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "run not found")
	case err != nil:
		zap.L().Error("get run failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "get run failed")
	default:
		respond(w, http.StatusOK, run)
	}
}

type startRunRequest struct {
	Groups   []string `json:"groups"`
	Locality string   `json:"locality"`
}

type runStatusResponse struct {
	RunID   string           `json:"run_id,omitempty"`
	Status  model.RunStatus  `json:"status"`
	Summary model.RunSummary `json:"summary"`
}

// handleStartRun starts a run in the background. Only one run is active at a time.
func (s *server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	groups, ok := model.ParseGroups(req.Groups)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown field group")
		return
	}

	s.mu.Lock()
	if s.current != nil && s.current.Status() == model.RunStatusRunning {
		s.mu.Unlock()
		writeError(w, http.StatusConflict, "a run is already in progress")
		return
	}
	stats := enrich.NewRunStats()
	s.current = stats
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		_, err := s.driver.Run(s.ctx, enrich.RunOpts{Groups: groups, Locality: req.Locality, Stats: stats})
		if err != nil {
			zap.L().Error("triggered run failed", zap.Error(err))
		}
	}()

	respond(w, http.StatusAccepted, map[string]any{"status": "accepted", "groups": groups})
}

func (s *server) handleCurrentRun(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	cur := s.current
	s.mu.Unlock()
	if cur == nil {
		writeError(w, http.StatusNotFound, "no run started")
		return
	}
	respond(w, http.StatusOK, runStatusResponse{RunID: cur.RunID(), Status: cur.Status(), Summary: cur.Summary()})
}

// wait blocks until a triggered run has finished.
func (s *server) wait() {
	s.wg.Wait()
}

func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	respond(w, status, map[string]string{"error": msg})
}
