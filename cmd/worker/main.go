// SPDX-License-Identifier: MIT

// The worker binary dubs one live stream end to end: it pulls the input,
// segments audio on silence boundaries, trades fragments with the
// speech-to-speech service and republishes the re-paired A/V. One process,
// one stream; the orchestrator scales by running more of them.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/config"
	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/control"
	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/log"
	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/telemetry"
	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/version"
	"github.com/leonardoFu/live-broadcast-dubbing-sub001/internal/worker"
)

const shutdownTimeout = 15 * time.Second

// maskURL strips user info from a URL for safe logging.
func maskURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "invalid-url-redacted"
	}
	parsed.User = nil
	return parsed.String()
}

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		os.Exit(0)
	}

	// Config path: explicit via --config, otherwise auto-load
	// ${DUB_DATA_DIR}/config.yaml when it exists.
	effectivePath := strings.TrimSpace(*configPath)
	if effectivePath == "" {
		dataDir := strings.TrimSpace(config.ParseString("DUB_DATA_DIR", config.Defaults().DataDir))
		autoPath := filepath.Join(dataDir, "config.yaml")
		if _, err := os.Stat(autoPath); err == nil {
			effectivePath = autoPath
		}
	}

	loader := config.NewLoader(effectivePath, version.Version)
	cfg, err := loader.Load()
	if err != nil {
		boot := log.L()
		boot.Fatal().
			Err(err).
			Str(log.FieldEvent, "config.load_failed").
			Str(log.FieldPath, effectivePath).
			Msg("failed to load configuration")
	}

	log.Configure(log.Config{
		Level:   cfg.LogLevel,
		Service: cfg.LogService,
		Version: version.Version,
	})
	logger := log.WithStream("main", cfg.StreamID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if effectivePath != "" {
		logger.Info().
			Str(log.FieldEvent, "config.loaded").
			Str("source", "file").
			Str(log.FieldPath, effectivePath).
			Msg("loaded configuration from file")
	} else {
		logger.Info().
			Str(log.FieldEvent, "config.loaded").
			Str("source", "env+defaults").
			Msg("loaded configuration from environment and defaults")
	}

	logger.Info().
		Str(log.FieldEvent, "startup").
		Str("version", version.Version).
		Str("commit", version.Commit).
		Str("build_date", version.Date).
		Msg("starting dubbing worker")
	logger.Info().Msgf("→ Input: %s", maskURL(cfg.InputURL))
	logger.Info().Msgf("→ Output: %s", maskURL(cfg.OutputURL))
	logger.Info().Msgf("→ STS: %s (%s → %s, voice %s)", maskURL(cfg.STSURL), cfg.SourceLanguage, cfg.TargetLanguage, cfg.VoiceProfile)
	if cfg.VAD.Enabled {
		logger.Info().Msgf("→ Segmentation: silence-driven (threshold %.1f dB, %s–%s)",
			cfg.VAD.SilenceThresholdDB, cfg.VAD.MinSegmentDuration, cfg.VAD.MaxSegmentDuration)
	} else {
		logger.Info().Msgf("→ Segmentation: fixed %s windows", cfg.SegmentDuration)
	}
	logger.Info().Msgf("→ Data dir: %s", cfg.DataDir)

	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.LogService,
		ServiceVersion: version.Version,
		StreamID:       cfg.StreamID,
		ExporterType:   cfg.Telemetry.ExporterType,
		Endpoint:       cfg.Telemetry.Endpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
	})
	if err != nil {
		logger.Fatal().
			Err(err).
			Str(log.FieldEvent, "telemetry.init_failed").
			Msg("failed to initialise tracing")
	}

	runner, err := worker.New(cfg)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str(log.FieldEvent, "worker.invalid").
			Msg("failed to assemble worker")
	}

	// Long-lived side tasks share one group: the reload listeners and the
	// two HTTP servers. The first failure cancels gctx and unwinds the rest.
	g, gctx := errgroup.WithContext(ctx)

	// Hot reload: file watcher plus SIGHUP, tunables only. The holder
	// rejects identity changes so the running pipeline never flips streams.
	holder := config.NewHolder(cfg, loader, effectivePath)
	tunablesCh := make(chan config.Tunables, 1)
	holder.RegisterTunablesListener(tunablesCh)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case t := <-tunablesCh:
				runner.ApplyTunables(t)
			}
		}
	})
	if err := holder.StartWatcher(gctx); err != nil {
		logger.Warn().Err(err).Msg("config watcher unavailable, reload via SIGHUP or /api/reload only")
	}
	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				// The holder logs the outcome either way.
				_ = holder.Reload(gctx)
			}
		}
	})

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	ctrl := control.New(control.Options{
		Addr:     cfg.ListenAddr,
		StreamID: cfg.StreamID,
		Version:  version.Version,
		Status:   runner.Status,
		Config:   holder.Current,
		Reload: func() (config.Tunables, error) {
			if err := holder.Reload(context.Background()); err != nil {
				return config.Tunables{}, err
			}
			return holder.Current().Tunables(), nil
		},
		Recent: runner.RecentFragments,
	})
	g.Go(func() error {
		if err := ctrl.Start(); err != nil {
			return fmt.Errorf("control api: %w", err)
		}
		return nil
	})

	if err := runner.Start(gctx); err != nil {
		stop()
		runner.Cleanup()
		shutdownServers(ctrl, metricsSrv, logger)
		_ = g.Wait()
		_ = tp.Shutdown(context.Background())
		logger.Error().
			Err(err).
			Str(log.FieldEvent, "worker.start_failed").
			Msg("worker failed to start")
		os.Exit(1)
	}

	select {
	case <-runner.Done():
		logger.Info().Str(log.FieldEvent, "shutdown.stream_done").Msg("stream finished")
	case <-gctx.Done():
		if ctx.Err() != nil {
			logger.Info().Str(log.FieldEvent, "shutdown.signal").Msg("shutdown signal received")
		} else {
			logger.Error().Str(log.FieldEvent, "shutdown.server_failed").Msg("server failed, shutting down")
		}
	}
	stop()

	runner.Cleanup()
	shutdownServers(ctrl, metricsSrv, logger)
	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Str(log.FieldEvent, "shutdown.server_failed").Msg("background task failed")
	}
	if err := tp.Shutdown(context.Background()); err != nil {
		logger.Warn().Err(err).Msg("tracer shutdown failed")
	}

	st := runner.Status()
	if st.State == string(worker.StateError) {
		logger.Error().Str("last_error", st.LastError).Msg("worker exiting after failure")
		os.Exit(1)
	}
	logger.Info().
		Int64("pairs_published", st.Counters.PairsPublished).
		Int64("fallbacks", st.Counters.Fallbacks).
		Msg("worker exiting")
}

// shutdownServers closes the control and metrics listeners, bounded by one
// shared deadline. The runner is already down by the time this runs, so a
// stuck client is the only thing the timeout guards.
func shutdownServers(ctrl *control.Server, metricsSrv *http.Server, logger zerolog.Logger) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := ctrl.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("control api shutdown failed")
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("metrics server shutdown failed")
		}
	}
}
