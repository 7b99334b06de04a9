// Command smalltalk is the main entry point for the small-talk TTS session
// orchestration service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Hirtol/small-talk-sub000/internal/config"
	"github.com/Hirtol/small-talk-sub000/internal/health"
	"github.com/Hirtol/small-talk-sub000/internal/observe"
	"github.com/Hirtol/small-talk-sub000/internal/postprocess"
	"github.com/Hirtol/small-talk-sub000/internal/rvccoord"
	"github.com/Hirtol/small-talk-sub000/internal/session"
	"github.com/Hirtol/small-talk-sub000/internal/store/postgres"
	"github.com/Hirtol/small-talk-sub000/internal/ttscoord"
	"github.com/Hirtol/small-talk-sub000/internal/voiceregistry"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	opsAddr := flag.String("ops-addr", "127.0.0.1:9090", "bind address for the health/metrics ops surface")
	flag.Parse()

	// ── Load configuration ──────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "smalltalk: %v\n", err)
		return 1
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)
	logger.Info("smalltalk starting", "config", *configPath, "appdata_dir", cfg.Dirs.AppDataDir)

	// ── OpenTelemetry ─────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "small-talk"})
	if err != nil {
		logger.Error("failed to initialise observability providers", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			logger.Error("otel shutdown error", "error", err)
		}
	}()

	// ── Domain collaborators ─────────────────────────────────────────────
	voices := voiceregistry.New(cfg.Dirs.AppDataDir)

	var ttsCfgs []ttscoord.WorkerConfig
	for model, be := range cfg.TTS {
		if !be.Enabled {
			continue
		}
		ttsCfgs = append(ttsCfgs, ttscoord.WorkerConfig{
			Model:      model,
			Dir:        be.InstancePath,
			APIAddress: be.APIAddress,
			Timeout:    be.Timeout,
		})
	}
	ttsCoord := ttscoord.New(ttsCfgs, unconfiguredSttFunc)
	defer ttsCoord.Close()

	var fastCfg, hqCfg *rvccoord.WorkerConfig
	if be, ok := cfg.RVC["fast"]; ok && be.Enabled {
		fastCfg = &rvccoord.WorkerConfig{Dir: be.LocalPath, APIAddress: be.ConfigAddr, Timeout: be.Timeout}
	}
	if be, ok := cfg.RVC["high_quality"]; ok && be.Enabled {
		hqCfg = &rvccoord.WorkerConfig{Dir: be.LocalPath, APIAddress: be.ConfigAddr, Timeout: be.Timeout}
	}
	rvcCoord := rvccoord.New(fastCfg, hqCfg)
	defer rvcCoord.Close()

	pipeline := postprocess.New(ttsCoord, rvcCoord)

	// Index is optional: only when postgres.enabled does this process
	// coordinate game ownership with any sibling instances.
	var sessionIndex session.SessionIndex
	if cfg.Postgres.Enabled {
		nodeID, err := os.Hostname()
		if err != nil || nodeID == "" {
			nodeID = fmt.Sprintf("smalltalk-%d", os.Getpid())
		}
		pgStore, err := postgres.NewStore(ctx, cfg.Postgres.DSN, nodeID)
		if err != nil {
			logger.Error("failed to connect to postgres session index", "error", err)
			return 1
		}
		defer pgStore.Close()
		sessionIndex = pgStore
		logger.Info("postgres session index enabled", "node_id", nodeID)
	}

	registry := session.NewRegistry(session.Config{
		AppDataDir: cfg.Dirs.AppDataDir,
		Voices:     voices,
		Tts:        ttsCoord,
		Rvc:        rvcCoord,
		Pipeline:   pipeline,
		Classifier: unconfiguredClassifier,
		Logger:     logger,
		Index:      sessionIndex,
	})

	// ── Ops HTTP surface (health/metrics only — transport is out of scope) ──
	metrics := observe.DefaultMetrics()
	mux := http.NewServeMux()
	healthHandler := health.New(health.Checker{
		Name: "appdata_dir",
		Check: func(ctx context.Context) error {
			_, err := os.Stat(cfg.Dirs.AppDataDir)
			return err
		},
	})
	healthHandler.Register(mux)

	// The otel Prometheus exporter InitProvider built registers its
	// collector against prometheus.DefaultRegisterer, so promhttp's default
	// handler scrapes it without any extra wiring.
	mux.Handle("GET /metrics", promhttp.Handler())

	opsServer := &http.Server{
		Addr:    *opsAddr,
		Handler: observe.Middleware(metrics)(mux),
	}

	serveErrCh := make(chan error, 1)
	go func() {
		logger.Info("ops surface listening", "addr", *opsAddr)
		if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- err
			return
		}
		serveErrCh <- nil
	}()

	logger.Info("smalltalk ready — press Ctrl+C to shut down")

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, stopping…")
	case err := <-serveErrCh:
		if err != nil {
			logger.Error("ops server error", "error", err)
		}
	}

	// ── Graceful shutdown ────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("ops server shutdown error", "error", err)
	}
	if err := registry.Shutdown(shutdownCtx); err != nil {
		logger.Error("session registry shutdown error", "error", err)
		return 1
	}

	logger.Info("goodbye")
	return 0
}

// unconfiguredSttFunc is the seam for an externally-hosted speech-to-text
// model, out of scope per spec.md §1. Any verify_percentage post-processing
// request fails with this error rather than a nil-pointer panic until a real
// STT backend is wired in.
func unconfiguredSttFunc(ctx context.Context, wav []byte) (string, error) {
	return "", errors.New("smalltalk: no speech-to-text backend configured")
}

// unconfiguredClassifier is the seam for an externally-hosted emotion
// classifier model, out of scope per spec.md §1. Requests default to the
// Neutral bucket via the session actor's nil-classifier fallback, so this is
// never actually invoked unless explicitly wired to a real model.
var unconfiguredClassifier session.EmotionClassifier
