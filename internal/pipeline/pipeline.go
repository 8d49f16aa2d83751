// Package pipeline stores pipeline definitions: named DAGs of tasks with
// declared entry points, versioned on each upsert. Registration of
// services/tasks lives in the registry package; this package owns the
// separate Pipeline/PipelineRun entities the executor and graph validator
// operate on.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pipeweave/pipeweave/internal/domain"
	"github.com/pipeweave/pipeweave/internal/store"
)

// Store is the pipeline definitions repository.
type Store struct {
	store *store.Store
}

// New builds a Store.
func New(st *store.Store) *Store {
	return &Store{store: st}
}

// UpsertInput is what Upsert accepts.
type UpsertInput struct {
	ID          string
	Name        string
	Description string
	EntryTasks  []string
	Structure   map[string]domain.PipelineNode
	FailureMode domain.FailureMode
}

// Upsert creates or updates a pipeline definition, bumping its version on
// every upsert of an existing pipeline, whether or not the structure changed.
func (s *Store) Upsert(ctx context.Context, in UpsertInput) (domain.Pipeline, error) {
	entryJSON, err := json.Marshal(in.EntryTasks)
	if err != nil {
		return domain.Pipeline{}, fmt.Errorf("marshal entryTasks: %w", err)
	}
	structureJSON, err := json.Marshal(in.Structure)
	if err != nil {
		return domain.Pipeline{}, fmt.Errorf("marshal structure: %w", err)
	}

	var existingVersion int
	err = s.store.Get(ctx, &existingVersion, `SELECT version FROM pipelines WHERE id = $1`, in.ID)
	isNew := err != nil
	version := 1
	if !isNew {
		version = existingVersion + 1
	}

	now := time.Now().UTC()
	_, err = s.store.Exec(ctx, `
		INSERT INTO pipelines (id, name, description, entry_tasks, structure, version, failure_mode, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			entry_tasks = EXCLUDED.entry_tasks,
			structure = EXCLUDED.structure,
			version = EXCLUDED.version,
			failure_mode = EXCLUDED.failure_mode,
			updated_at = EXCLUDED.updated_at
	`, in.ID, in.Name, in.Description, entryJSON, structureJSON, version, in.FailureMode, now)
	if err != nil {
		return domain.Pipeline{}, fmt.Errorf("upsert pipeline %s: %w", in.ID, err)
	}
	return s.Get(ctx, in.ID)
}

type pipelineRow struct {
	domain.Pipeline
	EntryTasksJSON []byte `db:"entry_tasks"`
	StructureJSON  []byte `db:"structure"`
}

func (row pipelineRow) toDomain() (domain.Pipeline, error) {
	p := row.Pipeline
	if len(row.EntryTasksJSON) > 0 {
		if err := json.Unmarshal(row.EntryTasksJSON, &p.EntryTasks); err != nil {
			return domain.Pipeline{}, err
		}
	}
	if len(row.StructureJSON) > 0 {
		if err := json.Unmarshal(row.StructureJSON, &p.Structure); err != nil {
			return domain.Pipeline{}, err
		}
	}
	return p, nil
}

// Get loads one pipeline definition by ID.
func (s *Store) Get(ctx context.Context, id string) (domain.Pipeline, error) {
	var row pipelineRow
	if err := s.store.Get(ctx, &row, `SELECT * FROM pipelines WHERE id = $1`, id); err != nil {
		return domain.Pipeline{}, err
	}
	return row.toDomain()
}

// List returns every pipeline definition.
func (s *Store) List(ctx context.Context) ([]domain.Pipeline, error) {
	var rows []pipelineRow
	if err := s.store.Select(ctx, &rows, `SELECT * FROM pipelines ORDER BY created_at`); err != nil {
		return nil, err
	}
	out := make([]domain.Pipeline, 0, len(rows))
	for _, row := range rows {
		p, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

type runRow struct {
	domain.PipelineRun
	StructureSnapshotJSON []byte `db:"structure_snapshot"`
	MetadataJSON          []byte `db:"metadata"`
}

func (row runRow) toDomain() (domain.PipelineRun, error) {
	r := row.PipelineRun
	if len(row.StructureSnapshotJSON) > 0 {
		if err := json.Unmarshal(row.StructureSnapshotJSON, &r.StructureSnapshot); err != nil {
			return domain.PipelineRun{}, err
		}
	}
	if len(row.MetadataJSON) > 0 {
		if err := json.Unmarshal(row.MetadataJSON, &r.Metadata); err != nil {
			return domain.PipelineRun{}, err
		}
	}
	return r, nil
}

// GetRun loads a single pipeline run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (domain.PipelineRun, error) {
	var row runRow
	if err := s.store.Get(ctx, &row, `SELECT * FROM pipeline_runs WHERE id = $1`, id); err != nil {
		return domain.PipelineRun{}, err
	}
	return row.toDomain()
}

// ListRuns returns pipeline runs, optionally filtered by pipelineID, newest
// first.
func (s *Store) ListRuns(ctx context.Context, pipelineID string, limit, offset int) ([]domain.PipelineRun, error) {
	var rows []runRow
	var err error
	if pipelineID == "" {
		err = s.store.Select(ctx, &rows, `
			SELECT * FROM pipeline_runs ORDER BY created_at DESC LIMIT $1 OFFSET $2
		`, limit, offset)
	} else {
		err = s.store.Select(ctx, &rows, `
			SELECT * FROM pipeline_runs WHERE pipeline_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3
		`, pipelineID, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("list pipeline runs: %w", err)
	}
	out := make([]domain.PipelineRun, 0, len(rows))
	for _, row := range rows {
		r, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
