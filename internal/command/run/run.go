package run

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	cmdflags "github.com/xqms/gpu-claim/internal/command/flags"
	"github.com/xqms/gpu-claim/internal/config"

	"github.com/xqms/gpu-claim/pkg/arbiter"
	"github.com/xqms/gpu-claim/pkg/defaults"
	"github.com/xqms/gpu-claim/pkg/gpu"
	"github.com/xqms/gpu-claim/pkg/log"
	"github.com/xqms/gpu-claim/pkg/metrics"
	"github.com/xqms/gpu-claim/pkg/sentinel"
	"github.com/xqms/gpu-claim/pkg/server"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

// NewCommand builds the "run" subcommand, which starts the arbiter daemon
// and blocks until it receives a termination signal.
func NewCommand(cfg *config.Config) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the GPU reservation arbiter",
		PreRunE: func(c *cobra.Command, _ []string) error {
			cmdflags.BindCommandToViper(c)

			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	cmdflags.AddServerFlagsToCommand(cmd, cfg)
	cmdflags.AddMetricsFlagsToCommand(cmd, cfg)

	return cmd, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := log.GetLogger(ctx)
	ctx = log.WithLogger(ctx, logger)

	logger.Info("starting gpu-arbiterd")

	if err := os.MkdirAll(defaults.StateRootDir, defaults.DataDirPerm); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	gate, err := gpu.NewGate(logger)
	if err != nil {
		return fmt.Errorf("constructing device gate: %w", err)
	}

	prober := gpu.NewProber(logger)
	if err := prober.Init(gate); err != nil {
		return fmt.Errorf("initializing device probe: %w", err)
	}
	defer func() {
		if err := prober.Shutdown(); err != nil {
			logger.WithError(err).Warn("failed to shut down device probe cleanly")
		}
	}()

	core, err := arbiter.NewServer(ctx, arbiter.Config{
		GPULimitPerUser: cfg.GPULimitPerUser,
		IdleTimeout:     cfg.IdleTimeout,
	}, gate, prober, cfg.SentinelFile, logger)
	if err != nil {
		return fmt.Errorf("constructing arbiter core: %w", err)
	}

	metricsReg := metrics.New()

	srv := server.New(server.Config{
		SocketPath:   cfg.SocketPath,
		TickInterval: cfg.TickInterval,
		MaxClients:   defaults.MaxClients,
		MaxFrameSize: defaults.MaxFrameSize,
	}, core, logger, metricsReg)

	ctx, cancel := context.WithCancel(ctx)
	wg := &sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()

		// Logic assertions raised inside the core loop (state invariant
		// violations, never recoverable I/O errors) are only caught here, so
		// they abort the whole process rather than leaving the arbiter
		// running on corrupt state.
		defer func() {
			if r := recover(); r != nil {
				logger.WithField("panic", r).Error("core loop invariant violation, aborting")
				os.Exit(1)
			}
		}()

		if err := srv.Run(ctx); err != nil {
			logger.WithError(err).Error("control server exited")
			cancel()
		}
	}()

	if cfg.MetricsAddr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()

			if err := serveMetrics(ctx, cfg.MetricsAddr, metricsReg); err != nil {
				logger.WithError(err).Error("metrics server exited")
				cancel()
			}
		}()
	}

	if !cfg.DisableSentinelWatch {
		wg.Add(1)
		go func() {
			defer wg.Done()

			watcher := sentinel.New(cfg.SentinelFile, logger)

			err := watcher.Watch(ctx, func(exists bool) {
				logger.WithField("maintenance", exists).Info("sentinel watcher observed a change")
				core.SetMaintenance(exists)
			})
			if err != nil && ctx.Err() == nil {
				logger.WithError(err).Warn("sentinel watcher exited, falling back to per-tick stat only")
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("shutdown signal received")
	case <-ctx.Done():
	}

	cancel()
	wg.Wait()

	logger.Info("gpu-arbiterd exiting")

	return nil
}

func serveMetrics(ctx context.Context, addr string, reg *metrics.Registry) error {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(reg.Gatherer(), promhttp.HandlerOpts{})).Methods(http.MethodGet)

	httpSrv := &http.Server{Addr: addr, Handler: router}

	go func() {
		<-ctx.Done()
		_ = httpSrv.Close()
	}()

	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	return nil
}
