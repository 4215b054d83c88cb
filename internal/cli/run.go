package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/ChuLiYu/zbworker/internal/client"
	"github.com/ChuLiYu/zbworker/internal/config"
	"github.com/ChuLiYu/zbworker/internal/metrics"
	"github.com/ChuLiYu/zbworker/internal/worker"
)

const metricsShutdownTimeout = 5 * time.Second

func buildRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the configured job workers",
		Long:  "Start one worker per workers[] entry and run until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile, configExplicit)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger, err := newLogger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWorkers(ctx, cfg, logger)
		},
	}
	return cmd
}

// runWorkers starts every configured worker and blocks until ctx is done,
// then closes the client within cfg.CloseTimeout.
func runWorkers(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if len(cfg.Workers) == 0 {
		return errors.New("no workers configured")
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		var err error
		if collector, err = metrics.NewCollector(reg); err != nil {
			return fmt.Errorf("failed to create metrics collector: %w", err)
		}
		srv := metrics.StartServer(cfg.Metrics.Port, reg)
		logger.Info("Metrics server started", "addr", srv.Addr)
		defer shutdownServer(srv, logger)
	}

	opts, cleanup, err := clientOptions(cfg, logger, collector)
	if err != nil {
		return err
	}
	defer cleanup()

	c, err := client.New(opts)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	for _, wc := range cfg.Workers {
		w, err := c.NewWorker(workerConfig(wc, logger))
		if err != nil {
			c.Close(cfg.CloseTimeout)
			return fmt.Errorf("failed to start worker %q: %w", wc.TaskType, err)
		}
		logger.Info("Worker started", "worker", w.Name(), "task_type", w.TaskType(), "batch", wc.Batch)
	}

	<-ctx.Done()
	logger.Info("Received shutdown signal, stopping gracefully", "close_timeout", cfg.CloseTimeout)

	if err := c.Close(cfg.CloseTimeout); err != nil {
		return fmt.Errorf("failed to close client: %w", err)
	}
	logger.Info("Workers stopped")
	return nil
}

// workerConfig builds a worker that completes every job with the configured
// variables.
func workerConfig(wc config.Worker, logger *slog.Logger) worker.Config {
	cfg := worker.Config{
		TaskType:               wc.TaskType,
		Name:                   wc.Name,
		MaxJobsToActivate:      wc.MaxJobsToActivate,
		JobBatchMinSize:        wc.JobBatchMinSize,
		JobBatchMaxWait:        wc.JobBatchMaxWait,
		Timeout:                wc.Timeout,
		LongPoll:               wc.LongPoll,
		FetchVariables:         wc.FetchVariables,
		FailProcessOnException: wc.FailProcessOnException,
		PollErrorDelay:         wc.PollErrorDelay,
	}
	if wc.PollRate > 0 {
		cfg.PollRate = rate.Limit(wc.PollRate)
	}

	complete := func(ctx context.Context, job *worker.ActiveJob) error {
		logger.Info("Completing job",
			"job_key", job.Key,
			"task_type", job.Type,
			"bpmn_process_id", job.BpmnProcessID,
			"retries", job.Retries)
		return job.Complete(ctx, wc.CompleteVariables)
	}

	if wc.Batch {
		cfg.BatchHandler = func(ctx context.Context, jobs []*worker.ActiveJob) error {
			var errs []error
			for _, job := range jobs {
				if err := complete(ctx, job); err != nil {
					errs = append(errs, err)
				}
			}
			return errors.Join(errs...)
		}
	} else {
		cfg.Handler = complete
	}
	return cfg
}

func shutdownServer(srv *http.Server, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("Metrics server shutdown failed", "error", err)
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
