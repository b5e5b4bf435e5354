package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tripwire/procsup/internal/api"
	"github.com/tripwire/procsup/internal/audit"
	"github.com/tripwire/procsup/internal/config"
	"github.com/tripwire/procsup/internal/feed"
	"github.com/tripwire/procsup/internal/hook"
	"github.com/tripwire/procsup/internal/metrics"
	"github.com/tripwire/procsup/internal/supervisor"
)

func serveCmd() *cobra.Command {
	var (
		configPath string
		addr       string
		enableWS   bool
		auditPath  string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the admin HTTP surface against a fresh in-process Supervisor",
		Long: `serve constructs one Supervisor from the given (or default) policy and
mounts the AdminAPI over it at --listen-addr (else admin.addr from --config,
else 127.0.0.1:9090), blocking until SIGINT/SIGTERM. Each
invocation starts with an empty task registry: this command is for driving
and inspecting the supervisor it owns, not for attaching to tasks admitted
by a separate process.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath, addr, enableWS, auditPath)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML policy file (internal/config.Config); defaults applied if empty")
	cmd.Flags().StringVar(&addr, "listen-addr", "", "override the admin API listen address from --config/admin.addr")
	cmd.Flags().BoolVar(&enableWS, "ws", false, "also mount the event feed WebSocket endpoint at /events")
	cmd.Flags().StringVar(&auditPath, "audit-log", "", "append-only hash-chained audit log path; empty disables the audit trail")
	return cmd
}

func runServe(configPath, addrOverride string, enableWS bool, auditPath string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	var cfg *config.Config
	if configPath != "" {
		loaded, err := config.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		cfg = loaded
	} else {
		cfg = &config.Config{}
	}
	addr := cfg.Admin.Addr
	if addrOverride != "" {
		addr = addrOverride
	}
	if addr == "" {
		addr = "127.0.0.1:9090"
	}

	var auditLogger *audit.Logger
	if auditPath != "" {
		var err error
		auditLogger, err = audit.Open(auditPath)
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		defer auditLogger.Close()
	}

	broadcaster := feed.NewBroadcaster(logger, 0)

	globalHooks := hook.Registrations{}
	for _, kind := range []hook.Kind{hook.OnSuccess, hook.OnFailure, hook.OnTerminated, hook.OnTimeout, hook.OnTaskStartFail, hook.OnChange} {
		fns := hook.Set{broadcaster.HookFunc()}
		if auditLogger != nil {
			fns = append(fns, auditHookFunc(auditLogger, logger))
		}
		globalHooks[kind] = fns
	}

	concurrency := cfg.Concurrency
	if cfg.Unlimited {
		concurrency = 0
	}
	var rateIntervalMs int64
	var rateCap int
	if cfg.RateLimit != nil {
		rateIntervalMs = cfg.RateLimit.IntervalMs
		rateCap = cfg.RateLimit.Cap
	}

	sup, err := supervisor.New(supervisor.Config{
		LogDir:         cfg.LogDir,
		Concurrency:    concurrency,
		RateIntervalMs: rateIntervalMs,
		RateCap:        rateCap,
		DefaultIdleMs:  cfg.IdleTimeoutMs,
		GlobalHooks:    globalHooks,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	exporter := metrics.New(metricsSource{sup: sup})

	var signingKey []byte
	if cfg.Admin.JWTSecret != "" {
		signingKey = []byte(cfg.Admin.JWTSecret)
	}

	srv := api.NewServer(sup, exporter, logger)
	mux := http.NewServeMux()
	mux.Handle("/", api.NewRouter(srv, signingKey))
	if enableWS || cfg.Admin.EnableWebSocket {
		mux.Handle("/events", feed.NewHandler(broadcaster, logger, 0))
	}

	httpSrv := &http.Server{Addr: addr, Handler: mux}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("procqueue: admin API listening", slog.String("addr", addr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-sigCh:
		logger.Info("procqueue: shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	sup.Shutdown(supervisor.ShutdownOptions{Timeout: 10 * time.Second, Force: true})
	return nil
}

// auditHookFunc adapts a lifecycle hook invocation into an audit.Logger
// task event append.
func auditHookFunc(l *audit.Logger, logger *slog.Logger) hook.Func {
	return func(_ context.Context, evt hook.Event) {
		if _, err := l.AppendTaskEvent(string(evt.Kind), evt.TaskID, evt.Args); err != nil {
			logger.Warn("procqueue: audit append failed", slog.String("error", err.Error()))
		}
	}
}

// metricsSource adapts *supervisor.Supervisor to internal/metrics.Source
// without internal/metrics importing internal/supervisor, keeping metrics a
// leaf package.
type metricsSource struct {
	sup *supervisor.Supervisor
}

func (m metricsSource) GetQueueStats() metrics.QueueStats {
	qs := m.sup.GetQueueStats()
	return metrics.QueueStats{
		Size:           qs.Size,
		Running:        len(m.sup.GetRunningTasks()),
		Paused:         qs.Paused,
		TotalCompleted: qs.TotalCompleted,
		TotalFailed:    qs.TotalFailed,
		TotalCancelled: qs.TotalCancelled,
		AvgWaitTimeMs:  qs.AvgWaitTimeMs,
		AvgRunTimeMs:   qs.AvgRunTimeMs,
		UtilizationPct: qs.UtilizationPct,
	}
}
