// Package consolidator runs the nightly maintenance cycle: relationship
// cooling, memory decay, graph maintenance, retention pruning and the gated
// digest tasks, each inside its own failure boundary.
package consolidator

import (
	"context"
	"fmt"
	"time"

	"github.com/memfabric/memfabric/pkg/atom"
	"github.com/memfabric/memfabric/pkg/logger"
)

// Cadence gates how often a task runs within the nightly cycle.
type Cadence string

const (
	CadenceDaily   Cadence = "daily"
	CadenceWeekly  Cadence = "weekly"  // runs when the cycle falls on Sunday
	CadenceMonthly Cadence = "monthly" // runs on the 1st of the month
)

// Task is one maintenance step. Run returns PII-free numeric counters only.
type Task struct {
	Name    string
	Cadence Cadence
	Run     func(ctx context.Context, dryRun bool) (map[string]int, error)
}

// TaskStatus is a task's outcome within one run.
type TaskStatus string

const (
	StatusOK      TaskStatus = "ok"
	StatusError   TaskStatus = "error"
	StatusSkipped TaskStatus = "skipped"
)

// TaskResult records one task's outcome. Counters and status only, never
// user identifiers.
type TaskResult struct {
	Name      string         `json:"name"`
	Status    TaskStatus     `json:"status"`
	ElapsedMS int64          `json:"elapsed_ms"`
	Counters  map[string]int `json:"counters,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// RunResult is the aggregate record of one consolidation cycle.
type RunResult struct {
	RunID     string       `json:"run_id"`
	StartedAt time.Time    `json:"started_at"`
	ElapsedMS int64        `json:"elapsed_ms"`
	DryRun    bool         `json:"dry_run"`
	Tasks     []TaskResult `json:"tasks"`
}

// Consolidator owns the ordered task list and the append-only run log.
type Consolidator struct {
	tasks []Task
	store atom.Store
	log   logger.Logger
	now   func() time.Time
}

// New creates a consolidator. Tasks run in exactly the order given.
func New(store atom.Store, log logger.Logger, tasks ...Task) *Consolidator {
	return &Consolidator{tasks: tasks, store: store, log: log, now: time.Now}
}

// Run executes the fixed-order task list. A failing or panicking task is
// recorded with status=error and the remaining tasks still run. Every run
// appends one aggregate record to the run log.
func (c *Consolidator) Run(ctx context.Context, dryRun bool) *RunResult {
	start := c.now()
	result := &RunResult{
		RunID:     atom.NewMemoryID(),
		StartedAt: start,
		DryRun:    dryRun,
	}

	for _, task := range c.tasks {
		if !c.due(task, start) {
			result.Tasks = append(result.Tasks, TaskResult{
				Name:   task.Name,
				Status: StatusSkipped,
			})
			continue
		}
		result.Tasks = append(result.Tasks, c.runOne(ctx, task, dryRun))
	}

	result.ElapsedMS = time.Since(start).Milliseconds()
	c.appendRunLog(ctx, result)

	c.log.InfoContext(ctx, "consolidation cycle finished",
		"run_id", result.RunID,
		"tasks", len(result.Tasks),
		"elapsed_ms", result.ElapsedMS,
		"dry_run", dryRun,
	)
	return result
}

func (c *Consolidator) runOne(ctx context.Context, task Task, dryRun bool) (tr TaskResult) {
	tr = TaskResult{Name: task.Name, Status: StatusOK}
	start := c.now()

	defer func() {
		tr.ElapsedMS = time.Since(start).Milliseconds()
		if r := recover(); r != nil {
			tr.Status = StatusError
			tr.Error = fmt.Sprintf("panic: %v", r)
			c.log.ErrorContext(ctx, "consolidation task panicked",
				"task", task.Name,
				"panic", fmt.Sprintf("%v", r),
			)
		}
	}()

	counters, err := task.Run(ctx, dryRun)
	tr.Counters = counters
	if err != nil {
		tr.Status = StatusError
		tr.Error = err.Error()
		c.log.WarnContext(ctx, "consolidation task failed",
			"task", task.Name,
			"error", err,
		)
	}
	return tr
}

func (c *Consolidator) due(task Task, at time.Time) bool {
	switch task.Cadence {
	case CadenceWeekly:
		return at.Weekday() == time.Sunday
	case CadenceMonthly:
		return at.Day() == 1
	default:
		return true
	}
}

func (c *Consolidator) appendRunLog(ctx context.Context, result *RunResult) {
	detail := map[string]string{
		"run_id":     result.RunID,
		"elapsed_ms": fmt.Sprintf("%d", result.ElapsedMS),
	}
	for _, tr := range result.Tasks {
		detail["task:"+tr.Name] = string(tr.Status)
	}

	ev := &atom.TraceEvent{
		EventID:   atom.NewMemoryID(),
		Subject:   "consolidation",
		Action:    "nightly_run",
		Actor:     "consolidator",
		Detail:    detail,
		Timestamp: c.now(),
	}
	if err := c.store.AppendTrace(ctx, ev); err != nil {
		c.log.WarnContext(ctx, "failed to append run log", "error", err)
	}
}

// History returns past run records from the run log.
func (c *Consolidator) History(ctx context.Context) ([]*atom.TraceEvent, error) {
	return c.store.TraceChain(ctx, "consolidation")
}

// setClock swaps the time source in tests.
func (c *Consolidator) setClock(now func() time.Time) { c.now = now }
