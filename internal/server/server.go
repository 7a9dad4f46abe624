package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"ytdlp-web/internal/config"
	"ytdlp-web/internal/destination"
	"ytdlp-web/internal/downloader"
	"ytdlp-web/internal/metrics"
	"ytdlp-web/internal/task"
)

type Options struct {
	Config   *config.Config
	Manager  *task.Manager
	Resolver *destination.Resolver
	Checker  *downloader.Checker
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

type Server struct {
	addr     string
	cfg      *config.Config
	manager  *task.Manager
	resolver *destination.Resolver
	checker  *downloader.Checker
	metrics  *metrics.Metrics
	logger   *slog.Logger
	handler  http.Handler
	http     *http.Server
}

func NewServer(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, errors.New("server: config is required")
	}
	if opts.Manager == nil {
		return nil, errors.New("server: task manager is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	checker := opts.Checker
	if checker == nil {
		checker = &downloader.Checker{
			YTDLP:        opts.Config.YTDLPPath,
			Aria2c:       opts.Config.Aria2cPath,
			RequireAria2: opts.Config.UseAria2c,
		}
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = &destination.Resolver{
			DownloadDir: opts.Config.DownloadPath,
			VODDir:      opts.Config.VODDownloadPath,
			FallbackDir: opts.Config.FallbackPath,
		}
	}

	s := &Server{
		addr:     opts.Config.Addr(),
		cfg:      opts.Config,
		manager:  opts.Manager,
		resolver: resolver,
		checker:  checker,
		metrics:  opts.Metrics,
		logger:   logger.With("component", "http"),
	}
	s.handler = s.routes()
	s.http = &http.Server{
		Addr:              s.addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Static Files (Web UI)
	if s.cfg.WebDir != "" {
		mux.Handle("GET /", http.FileServer(http.Dir(s.cfg.WebDir)))
	}

	// API Endpoints
	tm := s.manager
	mux.HandleFunc("POST /start_download", tm.HandleStart)
	mux.HandleFunc("POST /start_vod_download", tm.HandleStartVOD)
	mux.HandleFunc("GET /status/{id}", tm.HandleStatus)
	mux.HandleFunc("POST /cancel_download/{id}", tm.HandleCancel)
	mux.HandleFunc("DELETE /remove_task/{id}", tm.HandleRemove)
	mux.HandleFunc("POST /remove_task/{id}", tm.HandleRemove)
	mux.HandleFunc("POST /batch_remove", tm.HandleBatchRemove)
	mux.HandleFunc("GET /get_tasks", tm.HandleList)
	mux.HandleFunc("GET /statistics", tm.HandleStatistics)
	mux.HandleFunc("POST /clear_tasks", tm.HandleClear)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /info", s.handleInfo)
	mux.Handle("GET /metrics", s.metrics.Handler())

	return s.instrument(mux)
}

// Handler returns the routed and instrumented handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("server starting", "addr", s.addr, "web_dir", s.cfg.WebDir)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.http.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// instrument logs each request and records it under its route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		s.metrics.ObserveRequest(route, rec.code, elapsed)

		level := slog.LevelDebug
		if rec.code >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.logger.Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"route", route,
			"code", rec.code,
			"elapsed", elapsed)
	})
}

type healthResponse struct {
	Status string `json:"status"`
	task.Health
	Uptime        string            `json:"uptime"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Dependencies  downloader.Report `json:"dependencies"`
	Config        configSummary     `json:"config"`
}

type configSummary struct {
	DownloadDir  string `json:"download_dir"`
	VODDir       string `json:"vod_download_dir"`
	StoreBackend string `json:"store_backend"`
	UseAria2c    bool   `json:"use_aria2c"`
	MaxTasks     int    `json:"max_tasks"`
	ProbeHLS     bool   `json:"probe_hls"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.manager.Health()
	report := s.checker.Check(r.Context())

	resp := healthResponse{
		Status:        "healthy",
		Health:        h,
		Uptime:        strings.TrimSpace(humanize.RelTime(h.StartedAt, h.StartedAt.Add(h.Uptime), "", "")),
		UptimeSeconds: int64(h.Uptime / time.Second),
		Dependencies:  report,
		Config: configSummary{
			DownloadDir:  s.resolver.Dir(false),
			VODDir:       s.resolver.Dir(true),
			StoreBackend: s.cfg.StoreBackend,
			UseAria2c:    s.cfg.UseAria2c,
			MaxTasks:     s.cfg.MaxTasks,
			ProbeHLS:     s.cfg.ProbeHLS,
		},
	}
	code := http.StatusOK
	if !report.AllOK {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("failed to encode health response", "error", err)
	}
}
