package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"ytdlp-web/internal/config"
	"ytdlp-web/internal/database"
	"ytdlp-web/internal/destination"
	"ytdlp-web/internal/downloader"
	playlist "ytdlp-web/internal/m3u8"
	"ytdlp-web/internal/metrics"
	"ytdlp-web/internal/process"
	"ytdlp-web/internal/server"
	"ytdlp-web/internal/task"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "config.json", "path to a JSON or YAML config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	resolver := &destination.Resolver{
		DownloadDir: cfg.DownloadPath,
		VODDir:      cfg.VODDownloadPath,
		FallbackDir: cfg.FallbackPath,
		Logger:      logger,
	}
	if err := resolver.EnsureFallback(); err != nil {
		logger.Error("failed to create fallback download directory", "path", cfg.FallbackPath, "error", err)
		os.Exit(1)
	}

	repo, closeRepo, err := openRepository(cfg)
	if err != nil {
		logger.Error("failed to open task storage", "backend", cfg.StoreBackend, "error", err)
		os.Exit(1)
	}
	defer closeRepo()

	m := metrics.New("ytdlp_web")

	var prober *playlist.Prober
	if cfg.ProbeHLS {
		prober = playlist.NewProber(cfg.Headers, 15*time.Second)
	}

	tm := task.NewManager(task.Config{
		Builder: &downloader.Builder{
			YTDLP:             cfg.YTDLPPath,
			Aria2c:            cfg.Aria2cPath,
			UseAria2:          cfg.UseAria2c,
			MaxFilenameLength: cfg.MaxFilenameLength,
		},
		Resolver:          resolver,
		Supervisor:        process.NewSupervisor(cfg.TerminateGrace.Std()),
		Persister:         task.NewPersister(repo, cfg.SaveInterval.Std(), logger, m),
		Prober:            prober,
		Metrics:           m,
		Logger:            logger,
		MaxLogLines:       cfg.MaxLogLines,
		MaxTasks:          cfg.MaxTasks,
		MaxFilenameLength: cfg.MaxFilenameLength,
		Shortcuts:         cfg.CreateShortcuts,
	})
	tm.Load()

	checker := &downloader.Checker{
		YTDLP:        cfg.YTDLPPath,
		Aria2c:       cfg.Aria2cPath,
		RequireAria2: cfg.UseAria2c,
	}
	if cfg.Aria2RPCUrl != "" {
		checker.RPC = downloader.NewAria2Client(cfg.Aria2RPCUrl, cfg.Aria2Secret)
	}
	logDependencies(logger, checker)

	srv, err := server.NewServer(server.Options{
		Config:   cfg,
		Manager:  tm,
		Resolver: resolver,
		Checker:  checker,
		Metrics:  m,
		Logger:   logger,
	})
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go retentionLoop(ctx, tm, cfg.TaskRetention.Std(), logger)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	errc := make(chan error, 1)
	go func() { errc <- srv.Start() }()

	select {
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errc:
		if err != nil {
			logger.Error("server stopped", "error", err)
		}
	}
	cancel()

	shutCtx, cancelShut := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShut()
	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := tm.Shutdown(shutCtx); err != nil {
		logger.Warn("task manager shutdown", "error", err)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.LogLevel))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// openRepository returns the configured task storage and a close func.
func openRepository(cfg *config.Config) (task.Repository, func(), error) {
	if cfg.StoreBackend != config.BackendSQLite {
		return task.NewJSONFile(cfg.TaskFile), func() {}, nil
	}
	db, err := database.Init(cfg.SQLitePath)
	if err != nil {
		return nil, nil, err
	}
	repo, err := task.NewSQLiteRepository(db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return repo, func() { db.Close() }, nil
}

func logDependencies(logger *slog.Logger, checker *downloader.Checker) {
	ctx, cancel := context.WithTimeout(context.Background(), downloader.DefaultCheckTimeout)
	defer cancel()

	r := checker.Check(ctx)
	attrs := []any{
		"yt_dlp", r.YTDLP.Info,
		"aria2c", r.Aria2c.Info,
	}
	if r.Aria2RPC != nil {
		attrs = append(attrs, "aria2_rpc", r.Aria2RPC.Info)
	}
	if !r.AllOK {
		logger.Warn("missing downloader dependencies", attrs...)
		return
	}
	logger.Info("downloader dependencies", attrs...)
}

// retentionLoop drops tasks older than maxAge every hour.
func retentionLoop(ctx context.Context, tm *task.Manager, maxAge time.Duration, logger *slog.Logger) {
	if maxAge <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := tm.RemoveExpired(maxAge); n > 0 {
				logger.Debug("retention sweep", "removed", n)
			}
		}
	}
}
