// Package executor implements PipelineExecutor: triggering pipeline runs,
// queueing downstream tasks as predecessors complete (join-aware), and
// enforcing the pipeline's failure mode when a task fails.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/pipeweave/pipeweave/internal/domain"
	"github.com/pipeweave/pipeweave/internal/graph"
	"github.com/pipeweave/pipeweave/internal/idgen"
	"github.com/pipeweave/pipeweave/internal/maintenance"
	"github.com/pipeweave/pipeweave/internal/pipeline"
	"github.com/pipeweave/pipeweave/internal/queue"
	"github.com/pipeweave/pipeweave/internal/store"
)

// ErrMaintenanceDenied is returned by TriggerPipeline when the maintenance
// mode does not currently admit new pipeline runs.
var ErrMaintenanceDenied = fmt.Errorf("maintenance mode denies new pipeline runs")

// Executor is the PipelineExecutor component.
type Executor struct {
	store       *store.Store
	pipelines   *pipeline.Store
	queue       *queue.Manager
	maintenance *maintenance.Controller
	log         *slog.Logger
}

// New builds an Executor.
func New(st *store.Store, pipelines *pipeline.Store, q *queue.Manager, maint *maintenance.Controller, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{store: st, pipelines: pipelines, queue: q, maintenance: maint, log: log}
}

// Validate loads a pipeline's structure snapshot and runs it through the
// graph validator.
func (e *Executor) Validate(ctx context.Context, pipelineID string) (domain.Pipeline, graph.ValidationResult, error) {
	p, err := e.pipelines.Get(ctx, pipelineID)
	if err != nil {
		return domain.Pipeline{}, graph.ValidationResult{}, fmt.Errorf("load pipeline %s: %w", pipelineID, err)
	}
	nodes := structureToNodes(p.Structure)
	return p, graph.Validate(nodes), nil
}

func structureToNodes(structure map[string]domain.PipelineNode) []graph.Node {
	ids := make([]string, 0, len(structure))
	for id := range structure {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	nodes := make([]graph.Node, 0, len(structure))
	for _, id := range ids {
		nodes = append(nodes, graph.Node{TaskID: id, AllowedNext: structure[id].AllowedNext})
	}
	return nodes
}

// DryRun validates a pipeline and returns its topological execution plan
// without creating a run.
func (e *Executor) DryRun(ctx context.Context, pipelineID string) (graph.ValidationResult, []graph.Level, error) {
	p, result, err := e.Validate(ctx, pipelineID)
	if err != nil {
		return result, nil, err
	}
	if !result.OK() {
		return result, nil, nil
	}
	return result, result.Graph.TopologicalSort(p.EntryTasks), nil
}

// TriggerInput is the parameter set accepted by TriggerPipeline.
type TriggerInput struct {
	PipelineID  string
	Input       []byte
	FailureMode *domain.FailureMode
	Priority    *int
	Metadata    map[string]any
}

// TriggerResult is what TriggerPipeline returns.
type TriggerResult struct {
	PipelineRunID   string
	Status          domain.PipelineRunStatus
	InputPath       string
	EntryTaskIDs    []string
	QueuedTaskRunIDs []string
}

// TriggerPipeline validates, then in one transaction inserts the
// PipelineRun and enqueues every entry task.
func (e *Executor) TriggerPipeline(ctx context.Context, in TriggerInput) (TriggerResult, error) {
	if e.maintenance != nil {
		ok, err := e.maintenance.CanAcceptTasks(ctx)
		if err != nil {
			return TriggerResult{}, fmt.Errorf("check maintenance state: %w", err)
		}
		if !ok {
			return TriggerResult{}, ErrMaintenanceDenied
		}
	}

	p, result, err := e.Validate(ctx, in.PipelineID)
	if err != nil {
		return TriggerResult{}, err
	}
	if !result.OK() {
		return TriggerResult{}, fmt.Errorf("pipeline %s failed validation: %v", in.PipelineID, result.Errors)
	}

	runID := idgen.New(idgen.PrefixPipelineRun)
	inputPath := fmt.Sprintf("runs/%s/input.json", runID)
	failureMode := p.FailureMode
	if in.FailureMode != nil {
		failureMode = *in.FailureMode
	}

	var queuedIDs []string
	err = e.store.Transaction(ctx, func(tx *store.Tx) error {
		if err := insertPipelineRun(ctx, tx, runID, p, failureMode, inputPath, in.Metadata); err != nil {
			return err
		}
		for _, taskID := range p.EntryTasks {
			res, err := e.queue.EnqueueTx(ctx, tx, queue.EnqueueInput{
				TaskID:        taskID,
				Input:         in.Input,
				Priority:      in.Priority,
				PipelineRunID: &runID,
				Metadata:      in.Metadata,
			})
			if err != nil {
				return fmt.Errorf("enqueue entry task %s: %w", taskID, err)
			}
			queuedIDs = append(queuedIDs, res.RunID)
		}
		return nil
	})
	if err != nil {
		return TriggerResult{}, err
	}

	e.log.Info("pipeline triggered", "pipelineId", in.PipelineID, "pipelineRunId", runID, "entryTasks", len(p.EntryTasks))
	return TriggerResult{
		PipelineRunID:    runID,
		Status:           domain.PipelineRunRunning,
		InputPath:        inputPath,
		EntryTaskIDs:     p.EntryTasks,
		QueuedTaskRunIDs: queuedIDs,
	}, nil
}

func insertPipelineRun(ctx context.Context, tx *store.Tx, runID string, p domain.Pipeline, failureMode domain.FailureMode, inputPath string, metadata map[string]any) error {
	structureJSON, err := json.Marshal(p.Structure)
	if err != nil {
		return fmt.Errorf("marshal structure snapshot: %w", err)
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal pipeline run metadata: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO pipeline_runs (id, pipeline_id, pipeline_version, structure_snapshot, status, input_path, failure_mode, metadata)
		VALUES ($1,$2,$3,$4,'running',$5,$6,$7)
	`, runID, p.ID, p.Version, structureJSON, inputPath, failureMode, metadataJSON)
	if err != nil {
		return fmt.Errorf("insert pipeline_run %s: %w", runID, err)
	}
	return nil
}

// QueueDownstreamTasks is invoked from the success callback path once a
// TaskRun completes. It determines the next set (intersected with
// allowedNext when the worker supplied programmatic routing), checks join
// readiness against the frozen structure snapshot, and enqueues.
func (e *Executor) QueueDownstreamTasks(ctx context.Context, completedRunID string, selectedNext []string) ([]string, error) {
	run, err := e.queue.Get(ctx, completedRunID)
	if err != nil {
		return nil, fmt.Errorf("load completed run %s: %w", completedRunID, err)
	}
	if run.PipelineRunID == nil {
		return nil, nil // standalone run; nothing to queue downstream
	}

	pr, err := e.pipelines.GetRun(ctx, *run.PipelineRunID)
	if err != nil {
		return nil, fmt.Errorf("load pipeline run %s: %w", *run.PipelineRunID, err)
	}

	node, ok := pr.StructureSnapshot[run.TaskID]
	allowedNext := []string{}
	if ok {
		allowedNext = node.AllowedNext
	}

	next := allowedNext
	if selectedNext != nil {
		next = intersect(selectedNext, allowedNext, e.log, run.TaskID)
	}
	if len(next) == 0 {
		return nil, e.checkPipelineCompletion(ctx, *run.PipelineRunID)
	}

	nodes := structureToNodes(pr.StructureSnapshot)
	validation := graph.Validate(nodes)
	if validation.Graph == nil {
		return nil, fmt.Errorf("pipeline run %s has an invalid frozen structure snapshot", *run.PipelineRunID)
	}
	g := validation.Graph

	var queued []string
	for _, nextTaskID := range next {
		preds := g.Predecessors(nextTaskID)
		if len(preds) > 1 {
			ready, err := e.joinReady(ctx, *run.PipelineRunID, preds)
			if err != nil {
				return nil, err
			}
			if !ready {
				continue // the last predecessor to finish triggers this enqueue
			}
		}

		upstreamRefs, err := e.buildUpstreamRefs(ctx, *run.PipelineRunID, preds)
		if err != nil {
			return nil, err
		}

		res, err := e.queue.Enqueue(ctx, queue.EnqueueInput{
			TaskID:        nextTaskID,
			Input:         nil,
			Priority:      &run.Priority,
			PipelineRunID: run.PipelineRunID,
			UpstreamRefs:  upstreamRefs,
		})
		if err != nil {
			return nil, fmt.Errorf("enqueue downstream task %s: %w", nextTaskID, err)
		}
		queued = append(queued, res.RunID)
	}
	return queued, nil
}

func intersect(selected, allowed []string, log *slog.Logger, taskID string) []string {
	allowedSet := make(map[string]bool, len(allowed))
	for _, id := range allowed {
		allowedSet[id] = true
	}
	var out []string
	for _, id := range selected {
		if allowedSet[id] {
			out = append(out, id)
		} else {
			log.Warn("dropping invalid programmatic next-task selection", "taskId", taskID, "selected", id)
		}
	}
	return out
}

func (e *Executor) joinReady(ctx context.Context, pipelineRunID string, preds []string) (bool, error) {
	for _, pred := range preds {
		var n int64
		err := e.store.Get(ctx, &n, `
			SELECT count(*) FROM task_runs WHERE pipeline_run_id = $1 AND task_id = $2 AND status = 'completed'
		`, pipelineRunID, pred)
		if err != nil {
			return false, fmt.Errorf("check join readiness for %s: %w", pred, err)
		}
		if n == 0 {
			return false, nil
		}
	}
	return true, nil
}

func (e *Executor) buildUpstreamRefs(ctx context.Context, pipelineRunID string, preds []string) (map[string]domain.UpstreamRef, error) {
	refs := make(map[string]domain.UpstreamRef, len(preds))
	for _, pred := range preds {
		var row struct {
			OutputPath string `db:"output_path"`
			AssetsJSON []byte `db:"assets"`
		}
		err := e.store.Get(ctx, &row, `
			SELECT output_path, assets FROM task_runs
			WHERE pipeline_run_id = $1 AND task_id = $2 AND status = 'completed'
			ORDER BY completed_at DESC LIMIT 1
		`, pipelineRunID, pred)
		if err != nil {
			return nil, fmt.Errorf("load upstream ref for %s: %w", pred, err)
		}
		ref := domain.UpstreamRef{OutputPath: row.OutputPath}
		if len(row.AssetsJSON) > 0 {
			_ = json.Unmarshal(row.AssetsJSON, &ref.Assets)
		}
		refs[pred] = ref
	}
	return refs, nil
}

// HandleTaskFailure applies the pipeline's failure mode once a TaskRun
// reaches a terminal failure (failed/timeout/cancelled via retry
// exhaustion).
func (e *Executor) HandleTaskFailure(ctx context.Context, taskRunID string) error {
	run, err := e.queue.Get(ctx, taskRunID)
	if err != nil {
		return fmt.Errorf("load failed run %s: %w", taskRunID, err)
	}
	if run.PipelineRunID == nil {
		return nil
	}
	pr, err := e.pipelines.GetRun(ctx, *run.PipelineRunID)
	if err != nil {
		return fmt.Errorf("load pipeline run %s: %w", *run.PipelineRunID, err)
	}

	if pr.FailureMode == domain.FailFast {
		_, err := e.store.Exec(ctx, `
			UPDATE task_runs SET status = 'cancelled', error = 'Pipeline failed in fail-fast mode', completed_at = now()
			WHERE pipeline_run_id = $1 AND status = 'pending'
		`, *run.PipelineRunID)
		if err != nil {
			return fmt.Errorf("cancel pending runs for pipeline run %s: %w", *run.PipelineRunID, err)
		}
		_, err = e.store.Exec(ctx, `
			UPDATE pipeline_runs SET status = 'failed', completed_at = now() WHERE id = $1
		`, *run.PipelineRunID)
		if err != nil {
			return fmt.Errorf("mark pipeline run %s failed: %w", *run.PipelineRunID, err)
		}
		return nil
	}
	return e.checkPipelineCompletion(ctx, *run.PipelineRunID)
}

// checkPipelineCompletion marks a pipeline run terminal once no TaskRun in
// it remains pending/running/waiting.
func (e *Executor) checkPipelineCompletion(ctx context.Context, pipelineRunID string) error {
	var active int64
	if err := e.store.Get(ctx, &active, `
		SELECT count(*) FROM task_runs WHERE pipeline_run_id = $1 AND status IN ('pending', 'running', 'waiting')
	`, pipelineRunID); err != nil {
		return fmt.Errorf("count active runs for pipeline run %s: %w", pipelineRunID, err)
	}
	if active > 0 {
		return nil
	}

	var failedCount int64
	if err := e.store.Get(ctx, &failedCount, `
		SELECT count(*) FROM task_runs WHERE pipeline_run_id = $1 AND status IN ('failed', 'timeout', 'cancelled')
	`, pipelineRunID); err != nil {
		return fmt.Errorf("count failed runs for pipeline run %s: %w", pipelineRunID, err)
	}

	status := domain.PipelineRunCompleted
	if failedCount > 0 {
		status = domain.PipelineRunFailed
	}
	_, err := e.store.Exec(ctx, `
		UPDATE pipeline_runs SET status = $2, completed_at = now() WHERE id = $1 AND status = 'running'
	`, pipelineRunID, status)
	if err != nil {
		return fmt.Errorf("finalize pipeline run %s: %w", pipelineRunID, err)
	}
	return nil
}

