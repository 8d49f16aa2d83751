// Package maintenance implements the admission-control state machine:
// running -> waiting_for_maintenance -> maintenance -> running. The
// dispatcher consults CanAcceptTasks() every tick; QueueManager's completion paths
// call OnTaskStatusChange so a pending drain can auto-advance once the
// last active task finishes.
package maintenance

import (
	"context"
	"fmt"

	"github.com/pipeweave/pipeweave/internal/domain"
	"github.com/pipeweave/pipeweave/internal/store"
)

// ErrActiveTasksRemain is returned by EnterMaintenance when pending or
// running task runs still exist.
var ErrActiveTasksRemain = fmt.Errorf("cannot enter maintenance: active task runs remain")

// Controller is the Maintenance component. The singleton row it reads and
// writes lives in maintenance_state; there is no in-process lock and no
// transaction: a guarded transition runs its active-task count query and
// then a separate, unconditional UPDATE of the singleton row.
type Controller struct {
	store *store.Store
}

// New builds a Controller.
func New(st *store.Store) *Controller {
	return &Controller{store: st}
}

// State returns the current mode and when it last changed.
func (c *Controller) State(ctx context.Context) (domain.MaintenanceState, error) {
	var s domain.MaintenanceState
	err := c.store.Get(ctx, &s, `SELECT mode, mode_changed_at FROM maintenance_state WHERE singleton`)
	return s, err
}

func (c *Controller) activeCount(ctx context.Context) (int64, error) {
	var n int64
	err := c.store.Get(ctx, &n, `SELECT count(*) FROM task_runs WHERE status IN ('pending', 'running')`)
	return n, err
}

// RequestMaintenance transitions directly to maintenance if nothing is
// active, else to waiting_for_maintenance so new admissions are already
// blocked while existing work drains.
func (c *Controller) RequestMaintenance(ctx context.Context) (domain.MaintenanceMode, error) {
	active, err := c.activeCount(ctx)
	if err != nil {
		return "", fmt.Errorf("count active task runs: %w", err)
	}
	target := domain.ModeWaitingForMaintenance
	if active == 0 {
		target = domain.ModeMaintenance
	}
	if err := c.setMode(ctx, target); err != nil {
		return "", err
	}
	return target, nil
}

// EnterMaintenance transitions straight to maintenance; rejected unless
// there are zero pending and zero running task runs.
func (c *Controller) EnterMaintenance(ctx context.Context) error {
	active, err := c.activeCount(ctx)
	if err != nil {
		return fmt.Errorf("count active task runs: %w", err)
	}
	if active > 0 {
		return ErrActiveTasksRemain
	}
	return c.setMode(ctx, domain.ModeMaintenance)
}

// ExitMaintenance returns to running from maintenance or
// waiting_for_maintenance.
func (c *Controller) ExitMaintenance(ctx context.Context) error {
	return c.setMode(ctx, domain.ModeRunning)
}

// OnTaskStatusChange is the event-driven hook QueueManager calls after
// MarkCompleted/MarkFailed. If waiting_for_maintenance and no active tasks
// remain, auto-advance to maintenance.
func (c *Controller) OnTaskStatusChange(ctx context.Context) error {
	state, err := c.State(ctx)
	if err != nil {
		return fmt.Errorf("load maintenance state: %w", err)
	}
	if state.Mode != domain.ModeWaitingForMaintenance {
		return nil
	}
	active, err := c.activeCount(ctx)
	if err != nil {
		return fmt.Errorf("count active task runs: %w", err)
	}
	if active == 0 {
		return c.setMode(ctx, domain.ModeMaintenance)
	}
	return nil
}

// CanAcceptTasks reports whether the dispatcher may claim new work this
// tick.
func (c *Controller) CanAcceptTasks(ctx context.Context) (bool, error) {
	state, err := c.State(ctx)
	if err != nil {
		return false, err
	}
	return state.Mode == domain.ModeRunning, nil
}

func (c *Controller) setMode(ctx context.Context, mode domain.MaintenanceMode) error {
	_, err := c.store.Exec(ctx, `
		UPDATE maintenance_state SET mode = $1, mode_changed_at = now() WHERE singleton
	`, mode)
	if err != nil {
		return fmt.Errorf("set maintenance mode to %s: %w", mode, err)
	}
	return nil
}
