// Package dlq implements the dead-letter queue: retaining enough context
// from a permanently-failed TaskRun to inspect or manually replay it.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pipeweave/pipeweave/internal/domain"
	"github.com/pipeweave/pipeweave/internal/idgen"
	"github.com/pipeweave/pipeweave/internal/store"
)

// Queue is the DLQ component.
type Queue struct {
	store *store.Store
}

// New builds a Queue.
func New(st *store.Store) *Queue {
	return &Queue{store: st}
}

// Add persists a permanently-failed run's full context and returns the new
// DLQ entry ID.
func (q *Queue) Add(ctx context.Context, run domain.TaskRun, failureError string) (string, error) {
	id := idgen.New(idgen.PrefixDLQ)
	upstreamJSON, err := json.Marshal(run.UpstreamRefs)
	if err != nil {
		return "", fmt.Errorf("marshal upstreamRefs for dlq entry: %w", err)
	}
	attemptsJSON, err := json.Marshal(run.PreviousAttempts)
	if err != nil {
		return "", fmt.Errorf("marshal previousAttempts for dlq entry: %w", err)
	}
	_, err = q.store.Exec(ctx, `
		INSERT INTO dlq (
			id, task_run_id, task_id, pipeline_run_id, code_version, code_hash, error,
			attempts, input_path, upstream_refs, previous_attempts, failed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,now())
	`, id, run.ID, run.TaskID, run.PipelineRunID, run.CodeVersion, run.CodeHash, failureError,
		run.Attempt, run.InputPath, upstreamJSON, attemptsJSON)
	if err != nil {
		return "", fmt.Errorf("insert dlq entry for run %s: %w", run.ID, err)
	}
	return id, nil
}

type entryRow struct {
	domain.DLQEntry
	UpstreamRefsJSON     []byte `db:"upstream_refs"`
	PreviousAttemptsJSON []byte `db:"previous_attempts"`
}

func (row entryRow) toDomain() (domain.DLQEntry, error) {
	e := row.DLQEntry
	if len(row.UpstreamRefsJSON) > 0 {
		if err := json.Unmarshal(row.UpstreamRefsJSON, &e.UpstreamRefs); err != nil {
			return domain.DLQEntry{}, err
		}
	}
	if len(row.PreviousAttemptsJSON) > 0 {
		if err := json.Unmarshal(row.PreviousAttemptsJSON, &e.PreviousAttempts); err != nil {
			return domain.DLQEntry{}, err
		}
	}
	return e, nil
}

// List returns not-yet-retried DLQ entries, newest first.
func (q *Queue) List(ctx context.Context, limit, offset int) ([]domain.DLQEntry, error) {
	var rows []entryRow
	err := q.store.Select(ctx, &rows, `
		SELECT * FROM dlq WHERE retried_at IS NULL
		ORDER BY failed_at DESC LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list dlq entries: %w", err)
	}
	out := make([]domain.DLQEntry, 0, len(rows))
	for _, row := range rows {
		e, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// MarkRetried records that dlqID was manually replayed as newRunID.
func (q *Queue) MarkRetried(ctx context.Context, dlqID, newRunID string) error {
	_, err := q.store.Exec(ctx, `
		UPDATE dlq SET retried_at = now(), retry_run_id = $2 WHERE id = $1
	`, dlqID, newRunID)
	if err != nil {
		return fmt.Errorf("mark dlq entry %s retried: %w", dlqID, err)
	}
	return nil
}

// Purge deletes entries older than retentionDays. Intended to be driven by
// a periodic maintenance job or the `db-cleanup` CLI command.
func (q *Queue) Purge(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	res, err := q.store.Exec(ctx, `DELETE FROM dlq WHERE failed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge dlq entries older than %d days: %w", retentionDays, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
