// Package gateway provides a reusable terminal gateway server that can
// be embedded in other binaries (e.g. the standalone all-in-one
// binary).
package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/termgate/termgate/internal/gateway/agentreg"
	"github.com/termgate/termgate/internal/gateway/agentsock"
	"github.com/termgate/termgate/internal/gateway/config"
	"github.com/termgate/termgate/internal/gateway/db"
	"github.com/termgate/termgate/internal/gateway/location"
	"github.com/termgate/termgate/internal/gateway/projects"
	"github.com/termgate/termgate/internal/gateway/router"
	"github.com/termgate/termgate/internal/gateway/viewersock"
	"github.com/termgate/termgate/internal/logging"
	"github.com/termgate/termgate/internal/metrics"
	"github.com/termgate/termgate/internal/util/timefmt"
)

// ServerConfig holds configuration for a gateway server.
type ServerConfig struct {
	ConfigPath string // Optional YAML config file
	Addr       string // Overrides the configured listen address when set
	DataDir    string // Overrides the configured data directory when set
}

// Server is a reusable gateway instance.
type Server struct {
	cfg        *config.Config
	sqlDB      *sql.DB
	server     *http.Server
	locations  *location.Store
	registry   *agentreg.Registry
	agents     *agentsock.Handler
	viewers    *viewersock.Handler
	router     *router.Router
	shutdownCh chan struct{}
}

// NewServer creates a gateway server: loads configuration, opens and
// migrates the database, resets location state from before the
// restart, and wires the components. Call Serve to start listening.
func NewServer(sc ServerConfig) (*Server, error) {
	cfg, err := config.Load(sc.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if sc.Addr != "" {
		cfg.Addr = sc.Addr
	}
	if sc.DataDir != "" {
		cfg.DataDir = sc.DataDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	sqlDB, err := db.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	// No transport can have survived a restart, so every row claiming
	// to be live is stale.
	locations := location.NewStore(sqlDB)
	if err := locations.DeactivateAll(context.Background()); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("reset location state: %w", err)
	}

	log := slog.Default()
	registry := agentreg.New()
	agents := agentsock.New(cfg, registry, locations, projects.NewSQLStore(sqlDB), log)
	rt := router.New(cfg, locations, registry, agents, log)
	viewers := viewersock.New(cfg, rt, log)

	shutdownCh := make(chan struct{})

	mux := http.NewServeMux()
	mux.Handle("/ws/terminal", rejectDuringShutdown(shutdownCh, viewers))
	mux.Handle("/ws/agent", rejectDuringShutdown(shutdownCh, agents))
	mux.HandleFunc("/api/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			router.Stats
			Timestamp string `json:"timestamp"`
		}{rt.Snapshot(), timefmt.Format(time.Now())})
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Handler:           logging.HTTPMiddleware(metrics.HTTPMiddleware(mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Server{
		cfg:        cfg,
		sqlDB:      sqlDB,
		server:     server,
		locations:  locations,
		registry:   registry,
		agents:     agents,
		viewers:    viewers,
		router:     rt,
		shutdownCh: shutdownCh,
	}, nil
}

// Config returns the resolved configuration, for the standalone binary
// to inspect the address and provision secrets.
func (s *Server) Config() *config.Config {
	return s.cfg
}

// Serve starts the gateway listener. It blocks until ctx is cancelled,
// then performs graceful shutdown.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		_ = s.sqlDB.Close()
		return fmt.Errorf("listen tcp: %w", err)
	}

	s.router.StartJanitor()

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		slog.Info("gateway shutting down...")

		// 1. Reject new websocket connections.
		close(s.shutdownCh)

		// 2. Stop reaping; no new state transitions from the janitor.
		s.router.StopJanitor()

		// 3. Tear down active sessions, then both socket populations.
		s.router.Shutdown()
		s.viewers.Shutdown()
		s.agents.Shutdown()

		// 4. Drain in-flight HTTP requests.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)

		close(shutdownDone)
	}()

	slog.Info("gateway listening", "addr", s.cfg.Addr)

	if err := s.server.Serve(ln); err != http.ErrServerClosed {
		_ = s.sqlDB.Close()
		return fmt.Errorf("serve: %w", err)
	}

	<-shutdownDone

	// Checkpoint WAL into the main DB file before closing.
	if _, err := s.sqlDB.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		slog.Warn("WAL checkpoint failed", "error", err)
	}
	_ = s.sqlDB.Close()
	return nil
}

// rejectDuringShutdown turns away new connections once shutdown began.
func rejectDuringShutdown(shutdownCh <-chan struct{}, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-shutdownCh:
			http.Error(w, "gateway is shutting down", http.StatusServiceUnavailable)
			return
		default:
		}
		next.ServeHTTP(w, r)
	})
}
