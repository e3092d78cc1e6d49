package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"chat-delivery-pipeline/internal/app"
	"chat-delivery-pipeline/internal/config"
	"chat-delivery-pipeline/internal/logging"
	"chat-delivery-pipeline/internal/supervisor"
	"chat-delivery-pipeline/internal/telemetry"
)

func main() {
	var child bool
	cmd := &cobra.Command{
		Use:           "worker",
		Short:         "Run the message, presence, notification and task consumers",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), child)
		},
	}
	cmd.Flags().BoolVar(&child, "child", false, "run as a child of a multi-process worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, child bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	workerID := cfg.Worker.ID
	if workerID == "" {
		hostname, _ := os.Hostname()
		workerID = fmt.Sprintf("%s-%d", hostname, os.Getpid())
	}
	log = log.With(zap.String("worker_id", workerID))

	if cfg.Worker.Processes > 1 && !child {
		return runParent(ctx, cfg, workerID, log)
	}

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	sup := supervisor.New(cfg.Worker.RestartDelay, log)
	sup.Add(a.Consumers()...)
	sup.Add(a.Sweeps()...)
	sup.Add(metricsServer(cfg))
	sup.OnShutdown(a)

	log.Info("worker started",
		zap.Duration("visibility_timeout", cfg.Queue.VisibilityTimeout),
		zap.Duration("dlq_sweep_interval", cfg.Queue.DLQSweepInterval),
		zap.String("dlq", cfg.Queue.DLQName),
	)
	return sup.Run(ctx)
}

// runParent forks WORKER_PROCESSES children and restarts any that exits. Each child
// serves metrics on the parent's port plus its index.
func runParent(ctx context.Context, cfg config.Config, workerID string, log *zap.Logger) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	sup := supervisor.New(cfg.Worker.RestartDelay, log)
	for i := 1; i <= cfg.Worker.Processes; i++ {
		env := []string{fmt.Sprintf("WORKER_ID=%s-%d", workerID, i)}
		if addr, err := offsetPort(cfg.MetricsAddr, i); err == nil {
			env = append(env, "METRICS_ADDR="+addr)
		}
		name := fmt.Sprintf("worker-%d", i)
		sup.Add(supervisor.NewProcessRole(name, exe, []string{"--child"}, env, cfg.API.ShutdownTimeout))
	}
	sup.Add(metricsServer(cfg))
	log.Info("process supervisor started", zap.Int("processes", cfg.Worker.Processes))
	return sup.Run(ctx)
}

func offsetPort(addr string, offset int) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", err
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(host, strconv.Itoa(p+offset)), nil
}

func metricsServer(cfg config.Config) *supervisor.HTTPServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return supervisor.NewHTTPServer("metrics", &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: cfg.API.ReadTimeout}, cfg.API.ShutdownTimeout)
}
