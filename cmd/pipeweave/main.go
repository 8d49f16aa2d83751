// Command pipeweave runs the task orchestrator: the HTTP API surface, and
// either a continuous polling dispatcher loop or a tick-driven one, plus a
// cron-scheduled maintenance sweep (idempotency cleanup, DLQ retention
// purge, database sweep for running runs with an overdue heartbeat).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"

	"github.com/pipeweave/pipeweave/internal/api"
	pwconfig "github.com/pipeweave/pipeweave/internal/config"
	"github.com/pipeweave/pipeweave/internal/dispatcher"
	"github.com/pipeweave/pipeweave/internal/dlq"
	"github.com/pipeweave/pipeweave/internal/domain"
	"github.com/pipeweave/pipeweave/internal/executor"
	"github.com/pipeweave/pipeweave/internal/heartbeat"
	"github.com/pipeweave/pipeweave/internal/idempotency"
	"github.com/pipeweave/pipeweave/internal/maintenance"
	"github.com/pipeweave/pipeweave/internal/pipeline"
	"github.com/pipeweave/pipeweave/internal/platform/logging"
	"github.com/pipeweave/pipeweave/internal/platform/otelinit"
	"github.com/pipeweave/pipeweave/internal/queue"
	"github.com/pipeweave/pipeweave/internal/registry"
	"github.com/pipeweave/pipeweave/internal/retry"
	"github.com/pipeweave/pipeweave/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "pipeweave",
	Short: "A DAG task orchestrator: register services, trigger pipelines, dispatch work to workers.",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the dispatcher loop",
	RunE:  runServe,
}

var dbCleanupCmd = &cobra.Command{
	Use:   "db-cleanup",
	Short: "Purge expired idempotency cache entries and DLQ entries past retention",
	RunE:  runDBCleanup,
}

func init() {
	rootCmd.PersistentFlags().String("database-url", "", "Postgres connection string")
	rootCmd.PersistentFlags().String("secret-key", "", "HMAC key used to sign worker storage tokens")
	rootCmd.PersistentFlags().String("mode", "continuous", `dispatcher mode: "continuous" or "tick"`)
	rootCmd.PersistentFlags().Int("port", 8080, "HTTP listen port")
	rootCmd.PersistentFlags().Int("max-concurrency", 10, "maximum task runs claimed per dispatcher tick")
	rootCmd.PersistentFlags().Int("poll-interval-ms", 1000, "dispatcher poll interval in continuous mode")
	rootCmd.PersistentFlags().String("log-level", "normal", `log verbosity: "minimal", "normal", or "detailed"`)
	rootCmd.PersistentFlags().Int("dlq-retention-days", 30, "days a DLQ entry is retained before purge")
	rootCmd.PersistentFlags().Int("idempotency-ttl-sec", 3600, "default idempotency cache TTL in seconds")
	rootCmd.PersistentFlags().Int("max-retry-delay-ms", 300000, "ceiling applied to exponential retry backoff")
	rootCmd.PersistentFlags().String("heartbeat-journal-path", "pipeweave-heartbeat.db", "bbolt journal path for heartbeat deadlines")
	rootCmd.PersistentFlags().String("config", "", "optional config file to load and watch for changes")

	for _, name := range []string{
		"database-url", "secret-key", "mode", "port", "max-concurrency", "poll-interval-ms",
		"log-level", "dlq-retention-days", "idempotency-ttl-sec", "max-retry-delay-ms",
		"heartbeat-journal-path", "config",
	} {
		if err := viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name)); err != nil {
			panic(err)
		}
	}

	rootCmd.AddCommand(serveCmd, dbCleanupCmd)
}

func loadConfig() (pwconfig.Config, error) {
	if path := viper.GetString("config"); path != "" {
		viper.SetConfigFile(path)
		if err := viper.ReadInConfig(); err != nil {
			return pwconfig.Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}
	cfg, err := pwconfig.New(viper.GetViper())
	if err != nil {
		return pwconfig.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return pwconfig.Config{}, err
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log := logging.Init("pipeweave")
	log = log.With("mode", cfg.Mode)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, "pipeweave")
	shutdownMetrics, _, _ := otelinit.InitMetrics(ctx, "pipeweave")
	defer func() {
		ctxSd, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		otelinit.Flush(ctxSd, shutdownTrace)
		_ = shutdownMetrics(ctxSd)
	}()

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	reg := registry.New(st, log, registry.NewMetrics(otel.Meter("pipeweave")))
	pipelines := pipeline.New(st)
	idem := idempotency.New(st)
	maint := maintenance.New(st)
	q := queue.New(st, reg, idem, maint)
	dlqQueue := dlq.New(st)
	retryMgr := retry.New(st)
	exec := executor.New(st, pipelines, q, maint, log)

	journal, err := heartbeat.OpenJournal(viper.GetString("heartbeat-journal-path"))
	if err != nil {
		log.Warn("heartbeat journal unavailable, continuing without it", "error", err)
		journal = nil
	}
	if journal != nil {
		defer journal.Close()
	}

	onTimeout := func(ctx context.Context, runID, taskID string) {
		task, err := reg.GetTask(ctx, taskID)
		if err != nil {
			log.Error("heartbeat timeout: load task failed", "taskRunId", runID, "error", err)
			return
		}
		run, err := q.Get(ctx, runID)
		if err != nil {
			log.Error("heartbeat timeout: load run failed", "taskRunId", runID, "error", err)
			return
		}
		errorCode := "HEARTBEAT_TIMEOUT"
		outcome, err := retryMgr.ScheduleRetry(ctx, retry.Input{
			RunID:           runID,
			TaskID:          taskID,
			Attempt:         run.Attempt,
			MaxRetries:      task.MaxRetries,
			RetryBackoff:    task.RetryBackoff,
			RetryDelayMs:    task.RetryDelayMs,
			MaxRetryDelayMs: task.MaxRetryDelayMs,
			Error:           "heartbeat timeout",
			ErrorCode:       errorCode,
		})
		if err != nil {
			log.Error("heartbeat timeout: schedule retry", "taskRunId", runID, "error", err)
			return
		}
		if outcome.Result == domain.ScheduleScheduled {
			return
		}

		failed, err := q.MarkFailed(ctx, runID, "heartbeat timeout", &errorCode)
		if err != nil {
			log.Error("heartbeat timeout: mark failed", "taskRunId", runID, "error", err)
			return
		}
		if _, err := dlqQueue.Add(ctx, failed, "heartbeat timeout"); err != nil {
			log.Error("heartbeat timeout: dlq add failed", "taskRunId", runID, "error", err)
		}
		if err := exec.HandleTaskFailure(ctx, runID); err != nil {
			log.Error("heartbeat timeout: handle pipeline failure", "taskRunId", runID, "error", err)
		}
	}
	hb := heartbeat.New(st, journal, log, onTimeout)
	if n, err := hb.StartupSweep(ctx); err != nil {
		log.Error("heartbeat startup sweep failed", "error", err)
	} else if n > 0 {
		log.Info("heartbeat startup sweep recovered overdue runs", "count", n)
	}

	transport := dispatcher.NewTransport([]byte(cfg.SecretKey))
	defer transport.Close()
	dsp := dispatcher.New(dispatcher.Config{
		Queue:          q,
		Registry:       reg,
		Maintenance:    maint,
		Heartbeat:      hb,
		Retry:          retryMgr,
		DLQ:            dlqQueue,
		Executor:       exec,
		Transport:      transport,
		Log:            log,
		MaxConcurrency: cfg.MaxConcurrency,
	})

	server := api.New(api.Config{
		Log:         log,
		Registry:    reg,
		Pipelines:   pipelines,
		Queue:       q,
		Executor:    exec,
		Maintenance: maint,
		Heartbeat:   hb,
		DLQ:         dlqQueue,
		Dispatcher:  dsp,
	})

	c := server.Cron()
	if _, err := c.AddFunc("@hourly", func() {
		hourlyCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if n, err := hb.HourlySweep(hourlyCtx); err != nil {
			log.Error("hourly heartbeat sweep failed", "error", err)
		} else if n > 0 {
			log.Info("hourly heartbeat sweep recovered overdue runs", "count", n)
		}
		if n, err := idem.CleanupExpired(hourlyCtx); err != nil {
			log.Error("idempotency cleanup failed", "error", err)
		} else if n > 0 {
			log.Info("idempotency cache cleaned up", "expired", n)
		}
		if n, err := dlqQueue.Purge(hourlyCtx, cfg.DLQRetentionDays); err != nil {
			log.Error("dlq purge failed", "error", err)
		} else if n > 0 {
			log.Info("dlq purged", "count", n)
		}
	}); err != nil {
		return fmt.Errorf("schedule hourly sweep: %w", err)
	}
	c.Start()
	defer c.Stop()

	if cfg.Mode == "continuous" {
		dsp.RunContinuous(ctx, cfg.PollInterval())
		defer dsp.Stop()
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: server,
	}
	go func() {
		log.Info("http server listening", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server error", "error", err)
			cancel()
		}
	}()

	if err := pwconfig.WatchFile(viper.GetViper(), log, func(pwconfig.Config) {
		log.Warn("config file changed; restart the process to apply it")
	}); err != nil {
		log.Warn("config file watch failed to start", "error", err)
	}

	<-ctx.Done()
	log.Info("shutdown initiated")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	log.Info("shutdown complete")
	return nil
}

func runDBCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logging.Init("pipeweave-db-cleanup")

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()
	idem := idempotency.New(st)
	dlqQueue := dlq.New(st)

	n, err := idem.CleanupExpired(ctx)
	if err != nil {
		return fmt.Errorf("cleanup idempotency cache: %w", err)
	}
	log.Info("idempotency cache cleaned up", "expired", n)

	purged, err := dlqQueue.Purge(ctx, cfg.DLQRetentionDays)
	if err != nil {
		return fmt.Errorf("purge dlq: %w", err)
	}
	log.Info("dlq purged", "count", purged)
	return nil
}

func main() {
	viper.SetEnvPrefix("pipeweave")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	if err := rootCmd.Execute(); err != nil {
		slog.Error("pipeweave exited with error", "error", err)
		os.Exit(1)
	}
}
