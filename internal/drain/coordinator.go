// Package drain implements server drain mode: an administrative switch that
// stops new job assignments and new material updates so the server can be
// shut down or upgraded once the work in flight has finished.
package drain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/EternisAI/silo-dispatch/internal/db"
	"github.com/EternisAI/silo-dispatch/internal/jobs"
)

var (
	ErrAlreadyDraining = errors.New("server is already in drain mode")
	ErrNotDraining     = errors.New("server is not in drain mode")
	ErrDraining        = errors.New("server is in drain mode")
)

type JobLister interface {
	RunningJobs() []jobs.Job
	ScheduledJobs() []jobs.Job
}

type State struct {
	IsDrainMode bool
	UpdatedBy   string
	UpdatedOn   time.Time
}

// Info is the drain status report. IsCompletelyDrained is computed when the
// report is built.
type Info struct {
	State
	RunningMDUs         []MDU
	RunningJobs         []jobs.Job
	ScheduledJobs       []jobs.Job
	IsCompletelyDrained bool
}

type Coordinator struct {
	store   db.Store
	jobs    JobLister
	tracker *Tracker

	mu    sync.RWMutex
	state State
	now   func() time.Time
}

func NewCoordinator(store db.Store, jobLister JobLister) *Coordinator {
	c := &Coordinator{
		store: store,
		jobs:  jobLister,
		now:   time.Now,
	}
	c.tracker = newGatedTracker(c.UnlessDraining)
	return c
}

// Load restores the persisted drain flag.
func (c *Coordinator) Load(ctx context.Context) error {
	record, err := c.store.LoadDrainMode(ctx)
	if err != nil {
		return fmt.Errorf("failed to load drain mode: %w", err)
	}

	c.mu.Lock()
	c.state = State{
		IsDrainMode: record.IsDrainMode,
		UpdatedBy:   record.UpdatedBy,
		UpdatedOn:   record.UpdatedOn,
	}
	c.mu.Unlock()

	if record.IsDrainMode {
		slog.Warn("Server starting in drain mode", "updated_by", record.UpdatedBy, "updated_on", record.UpdatedOn)
	}
	return nil
}

func (c *Coordinator) Tracker() *Tracker {
	return c.tracker
}

func (c *Coordinator) IsDraining() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.IsDrainMode
}

// UnlessDraining runs fn while holding the drain flag steady, or returns
// ErrDraining without calling it. Enable and Disable wait for fn to return.
// fn must not call back into the Coordinator.
func (c *Coordinator) UnlessDraining(fn func() error) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.state.IsDrainMode {
		return ErrDraining
	}
	return fn()
}

func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Coordinator) Enable(ctx context.Context, user string) (State, error) {
	return c.set(ctx, true, user)
}

func (c *Coordinator) Disable(ctx context.Context, user string) (State, error) {
	return c.set(ctx, false, user)
}

func (c *Coordinator) set(ctx context.Context, draining bool, user string) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.IsDrainMode == draining {
		if draining {
			return c.state, ErrAlreadyDraining
		}
		return c.state, ErrNotDraining
	}

	next := State{IsDrainMode: draining, UpdatedBy: user, UpdatedOn: c.now()}
	if err := c.store.SaveDrainMode(ctx, db.DrainModeRecord{
		IsDrainMode: next.IsDrainMode,
		UpdatedBy:   next.UpdatedBy,
		UpdatedOn:   next.UpdatedOn,
	}); err != nil {
		return c.state, fmt.Errorf("failed to persist drain mode: %w", err)
	}
	c.state = next

	slog.Info("Drain mode changed", "is_drain_mode", draining, "updated_by", user)
	return next, nil
}

// IsCompletelyDrained is true when no material update and no job is running.
func (c *Coordinator) IsCompletelyDrained() bool {
	return c.tracker.Count() == 0 && len(c.jobs.RunningJobs()) == 0
}

func (c *Coordinator) Info() Info {
	running := c.jobs.RunningJobs()
	mdus := c.tracker.Running()
	return Info{
		State:               c.State(),
		RunningMDUs:         mdus,
		RunningJobs:         running,
		ScheduledJobs:       c.jobs.ScheduledJobs(),
		IsCompletelyDrained: len(mdus) == 0 && len(running) == 0,
	}
}
