package pipeline

import (
	"context"
	"fmt"
	"time"

	"etl-sync/internal/graph"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Runner composes the dependency graph and the scheduler to drive one pass
// over all registered tasks. It orchestrates both without owning their
// internals: the graph owns topology and history, the scheduler owns
// trigger and retry state.
type Runner struct {
	graph *graph.Graph
	sched *Scheduler
	log   *zap.Logger
}

func NewRunner(g *graph.Graph, s *Scheduler, log *zap.Logger) *Runner {
	r := &Runner{graph: g, sched: s, log: log}
	s.SetOnResult(func(id string, err error, start, end time.Time) {
		status := graph.StatusSuccess
		meta := map[string]string{"trigger": "schedule"}
		if err != nil {
			status = graph.StatusFailed
			meta["error"] = err.Error()
		}
		if recErr := g.RecordExecution(id, status, start, end, meta); recErr != nil {
			log.Warn("failed to record scheduled execution", zap.String("task", id), zap.Error(recErr))
		}
	})
	return r
}

// RegisterTask adds a task to the graph and registers it with the
// scheduler. Tasks with a zero schedule interval only run through
// RunPipeline.
func (r *Runner) RegisterTask(id string, deps []string, fn TaskFunc, schedule ScheduleConfig, retry *RetryConfig) error {
	if err := r.graph.AddTask(id, deps); err != nil {
		return err
	}
	if err := r.sched.ScheduleTask(id, fn, schedule, retry); err != nil {
		r.graph.RemoveTask(id)
		return err
	}
	return nil
}

// RunPipeline executes one task by ID, or, with an empty ID, validates the
// whole graph and executes the full topological order. The pass
// short-circuits on the first task whose dependencies are not all
// successful or whose own execution fails; later tasks are simply not
// attempted. Every outcome is recorded.
func (r *Runner) RunPipeline(ctx context.Context, taskID string) error {
	runID := uuid.NewString()

	if taskID != "" {
		return r.runTask(ctx, taskID, runID)
	}

	order, err := r.graph.ExecutionOrder()
	if err != nil {
		return fmt.Errorf("pipeline validation failed: %w", err)
	}
	r.log.Info("starting pipeline pass",
		zap.String("run_id", runID),
		zap.Int("tasks", len(order)))

	for _, id := range order {
		if err := r.runTask(ctx, id, runID); err != nil {
			r.log.Error("pipeline pass aborted",
				zap.String("run_id", runID),
				zap.String("task", id),
				zap.Error(err))
			return err
		}
	}
	r.log.Info("pipeline pass complete", zap.String("run_id", runID))
	return nil
}

func (r *Runner) runTask(ctx context.Context, id, runID string) error {
	if err := r.checkDependencies(id); err != nil {
		start := r.now()
		if recErr := r.graph.RecordExecution(id, graph.StatusFailed, start, start, map[string]string{
			"run_id": runID,
			"error":  err.Error(),
		}); recErr != nil {
			return recErr
		}
		return err
	}

	start := r.now()
	err := r.sched.ExecuteTask(ctx, id)
	end := r.now()

	status := graph.StatusSuccess
	meta := map[string]string{"run_id": runID}
	if err != nil {
		status = graph.StatusFailed
		meta["error"] = err.Error()
	}
	if recErr := r.graph.RecordExecution(id, status, start, end, meta); recErr != nil {
		return recErr
	}
	if err != nil {
		return fmt.Errorf("task %s failed: %w", id, err)
	}
	return nil
}

func (r *Runner) checkDependencies(id string) error {
	if !r.graph.DependenciesMet(id) {
		return fmt.Errorf("task %s has unmet dependencies", id)
	}
	return nil
}

func (r *Runner) now() time.Time {
	return time.Now()
}
