// Package server exposes the QuillVec database over HTTP and a line-oriented
// TCP protocol, and owns durability: the gob snapshot and the framed
// append-only command log replayed at startup.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quillvec/quillvec/pkg/core"
	"github.com/quillvec/quillvec/pkg/metrics"
	"github.com/quillvec/quillvec/pkg/persistence"
)

// Server ties the database to its network frontends and persistence.
type Server struct {
	cfg Config
	db  *core.DB

	taskManager *TaskManager

	// aof is nil when the command log is disabled.
	aof *persistence.LazyAOFWriter

	httpServer  *http.Server
	tcpListener net.Listener

	// dirtyCounter counts writes since the last snapshot.
	dirtyCounter atomic.Int64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a server around a fresh database, restores state from the
// snapshot and AOF (when configured), and prepares the HTTP routes. Call
// Start to begin serving.
func New(cfg Config) (*Server, error) {
	s := &Server{
		cfg:         cfg,
		db:          core.NewDB(),
		taskManager: NewTaskManager(),
		stopCh:      make(chan struct{}),
	}

	if err := s.loadSnapshot(); err != nil {
		return nil, err
	}

	if cfg.AOF.Path != "" {
		if err := s.replayAOF(cfg.AOF.Path); err != nil {
			return nil, err
		}
		writer, err := persistence.NewAOFWriter(cfg.AOF.Path)
		if err != nil {
			return nil, fmt.Errorf("open AOF: %w", err)
		}
		s.aof = persistence.NewLazyAOFWriterWithConfig(
			writer,
			cfg.AOF.FlushInterval,
			cfg.AOF.SyncInterval,
			cfg.AOF.MaxBufferSize,
		)
	}

	s.httpServer = &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: s.routes(),
	}

	return s, nil
}

// DB exposes the underlying database, mainly for embedding and tests.
func (s *Server) DB() *core.DB {
	return s.db
}

// routes assembles the HTTP handler chain. /healthz and /metrics stay
// outside authentication so probes and scrapers need no token.
func (s *Server) routes() http.Handler {
	apiMux := http.NewServeMux()
	s.registerAPIRoutes(apiMux)

	var api http.Handler = apiMux
	api = s.authMiddleware(api)

	rootMux := http.NewServeMux()
	rootMux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	s.registerPublicRoutes(rootMux)
	rootMux.Handle("/", api)

	var root http.Handler = rootMux
	root = loggingMiddleware(root)
	root = recoveryMiddleware(root)
	return root
}

// Start begins serving HTTP (blocking) after launching the TCP listener and
// the maintenance loop. It returns when the server shuts down.
func (s *Server) Start() error {
	if s.cfg.TCPAddr != "" {
		ln, err := net.Listen("tcp", s.cfg.TCPAddr)
		if err != nil {
			return fmt.Errorf("tcp listen: %w", err)
		}
		s.tcpListener = ln
		s.wg.Add(1)
		go s.serveTCP(ln)
		slog.Info("tcp listener started", "addr", s.cfg.TCPAddr)
	}

	if s.cfg.Maintenance.Interval > 0 {
		s.wg.Add(1)
		go s.maintenanceLoop(s.cfg.Maintenance.Interval)
	}

	slog.Info("http server starting", "addr", s.cfg.HTTPAddr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the listeners, waits for background loops, and closes the
// AOF so every acknowledged write is on disk.
func (s *Server) Shutdown(ctx context.Context) error {
	var firstErr error

	s.stopOnce.Do(func() { close(s.stopCh) })

	if s.tcpListener != nil {
		if err := s.tcpListener.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := s.httpServer.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}

	s.wg.Wait()

	if s.aof != nil {
		if err := s.aof.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	slog.Info("server stopped")
	return firstErr
}

// maintenanceLoop periodically vacuums tombstoned nodes and refreshes the
// per-index gauges.
func (s *Server) maintenanceLoop(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.db.RunMaintenance("") {
				metrics.MaintenanceRunsTotal.WithLabelValues("auto").Inc()
			}
			s.updateIndexGauges()
			s.maybeAutoSnapshot()
		case <-s.stopCh:
			return
		}
	}
}

// maybeAutoSnapshot persists the database once enough writes accumulated.
func (s *Server) maybeAutoSnapshot() {
	if s.cfg.SnapshotEvery <= 0 || s.cfg.SnapshotPath == "" {
		return
	}
	if s.dirtyCounter.Load() < s.cfg.SnapshotEvery {
		return
	}
	if err := s.saveSnapshot(); err != nil {
		slog.Error("automatic snapshot failed", "error", err)
	}
}

func (s *Server) updateIndexGauges() {
	infos, err := s.db.GetVectorIndexInfo()
	if err != nil {
		return
	}
	for _, info := range infos {
		metrics.TotalVectors.WithLabelValues(info.Name).Set(float64(info.VectorCount))
		if stats, err := s.db.GetIndexStats(info.Name); err == nil {
			metrics.IndexMemoryBytes.WithLabelValues(info.Name).Set(float64(stats.MemoryUsage))
		}
	}
}
