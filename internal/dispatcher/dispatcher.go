// Package dispatcher implements the Dispatcher/scheduler loop: per tick,
// claim runnable task runs under maintenance and concurrency gating, mark
// them running, hand them to a worker over the Transport, and arm their
// heartbeat. Dispatch failures are isolated per run and folded into the
// retry-or-DLQ failure path; the loop itself never stops on a single
// run's error, mirroring the teacher's worker-pool coordinator which
// logs and continues rather than aborting the whole DAG on one task's
// transport error.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pipeweave/pipeweave/internal/domain"
	"github.com/pipeweave/pipeweave/internal/dlq"
	"github.com/pipeweave/pipeweave/internal/executor"
	"github.com/pipeweave/pipeweave/internal/heartbeat"
	"github.com/pipeweave/pipeweave/internal/maintenance"
	"github.com/pipeweave/pipeweave/internal/queue"
	"github.com/pipeweave/pipeweave/internal/registry"
	"github.com/pipeweave/pipeweave/internal/retry"
)

// Dispatcher is the Scheduler loop component. A single instance is shared
// across both deployment modes: a background goroutine calls Tick on an
// interval (continuous mode), or an HTTP handler calls Tick directly
// (tick-driven mode) — the tick body is identical either way.
type Dispatcher struct {
	queue       *queue.Manager
	reg         *registry.Registry
	maintenance *maintenance.Controller
	heartbeat   *heartbeat.Monitor
	retry       *retry.Manager
	dlq         *dlq.Queue
	executor    *executor.Executor
	transport   *Transport
	log         *slog.Logger

	maxConcurrency int

	stop chan struct{}
	wg   sync.WaitGroup
}

// Config bundles the dispatcher's collaborators and tuning knobs.
type Config struct {
	Queue          *queue.Manager
	Registry       *registry.Registry
	Maintenance    *maintenance.Controller
	Heartbeat      *heartbeat.Monitor
	Retry          *retry.Manager
	DLQ            *dlq.Queue
	Executor       *executor.Executor
	Transport      *Transport
	Log            *slog.Logger
	MaxConcurrency int
}

// New builds a Dispatcher.
func New(cfg Config) *Dispatcher {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	maxConcurrency := cfg.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = 10
	}
	return &Dispatcher{
		queue:          cfg.Queue,
		reg:            cfg.Registry,
		maintenance:    cfg.Maintenance,
		heartbeat:      cfg.Heartbeat,
		retry:          cfg.Retry,
		dlq:            cfg.DLQ,
		executor:       cfg.Executor,
		transport:      cfg.Transport,
		log:            log,
		maxConcurrency: maxConcurrency,
		stop:           make(chan struct{}),
	}
}

// RunContinuous starts the background tick loop (continuous mode). Call
// Stop to shut it down.
func (d *Dispatcher) RunContinuous(ctx context.Context, interval time.Duration) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-d.stop:
				return
			case <-ticker.C:
				if _, err := d.Tick(ctx); err != nil {
					d.log.Error("dispatcher tick failed", "error", err)
				}
			}
		}
	}()
}

// Stop ends the background loop started by RunContinuous.
func (d *Dispatcher) Stop() {
	close(d.stop)
	d.wg.Wait()
}

// Tick is the scheduler loop body, usable directly by a tick-driven HTTP
// route. It returns the number of runs claimed this tick.
func (d *Dispatcher) Tick(ctx context.Context) (int, error) {
	canAccept, err := d.maintenance.CanAcceptTasks(ctx)
	if err != nil {
		return 0, fmt.Errorf("check maintenance state: %w", err)
	}
	if !canAccept {
		return 0, nil
	}

	runs, err := d.queue.GetNext(ctx, d.maxConcurrency)
	if err != nil {
		return 0, fmt.Errorf("claim next runnable task runs: %w", err)
	}

	var wg sync.WaitGroup
	for _, run := range runs {
		wg.Add(1)
		go func(run domain.TaskRun) {
			defer wg.Done()
			d.dispatchOne(ctx, run)
		}(run)
	}
	wg.Wait()
	return len(runs), nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, run domain.TaskRun) {
	if err := d.queue.MarkRunning(ctx, run.ID); err != nil {
		d.log.Error("mark running failed", "runId", run.ID, "error", err)
		return
	}

	task, err := d.reg.GetTask(ctx, run.TaskID)
	if err != nil {
		d.log.Error("load task definition failed", "taskId", run.TaskID, "error", err)
		d.handleDispatchFailure(ctx, run, task, "task definition not found")
		return
	}
	service, err := d.reg.GetService(ctx, task.ServiceID)
	if err != nil {
		d.log.Error("load service failed", "serviceId", task.ServiceID, "error", err)
		d.handleDispatchFailure(ctx, run, task, "service not found")
		return
	}

	if err := d.transport.Dispatch(ctx, service.BaseURL, run); err != nil {
		d.log.Warn("dispatch failed", "runId", run.ID, "taskId", run.TaskID, "error", err)
		d.handleDispatchFailure(ctx, run, task, err.Error())
		return
	}

	d.heartbeat.StartTracking(run.ID, run.TaskID, task.HeartbeatIntervalMs)
}

// handleDispatchFailure is the synchronous-dispatch-error branch of the
// tick body: consult the task def, retry if attempts remain, else DLQ.
func (d *Dispatcher) handleDispatchFailure(ctx context.Context, run domain.TaskRun, task domain.Task, errMsg string) {
	errorCode := "DISPATCH_FAILED"
	outcome, err := d.retry.ScheduleRetry(ctx, retry.Input{
		RunID:           run.ID,
		TaskID:          run.TaskID,
		Attempt:         run.Attempt,
		MaxRetries:      run.MaxRetries,
		RetryBackoff:    task.RetryBackoff,
		RetryDelayMs:    task.RetryDelayMs,
		MaxRetryDelayMs: task.MaxRetryDelayMs,
		Error:           errMsg,
		ErrorCode:       errorCode,
	})
	if err != nil {
		d.log.Error("schedule retry failed", "runId", run.ID, "error", err)
		return
	}
	if outcome.Result == domain.ScheduleScheduled {
		return
	}

	failed, err := d.queue.MarkFailed(ctx, run.ID, errMsg, &errorCode)
	if err != nil {
		d.log.Error("mark failed after retry exhaustion failed", "runId", run.ID, "error", err)
		return
	}
	if _, err := d.dlq.Add(ctx, failed, errMsg); err != nil {
		d.log.Error("dlq add failed", "runId", run.ID, "error", err)
	}
	if err := d.executor.HandleTaskFailure(ctx, run.ID); err != nil {
		d.log.Error("handle task failure failed", "runId", run.ID, "error", err)
	}
}
