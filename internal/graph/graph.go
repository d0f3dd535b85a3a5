package graph

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrCycleDetected means the task graph is not a DAG.
var ErrCycleDetected = errors.New("cycle detected in task graph")

// Task statuses as derived from execution history.
const (
	StatusPending = "pending"
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Task is one node. Edges point dependency -> dependent: a task runs only
// after everything it depends on has recorded success.
type Task struct {
	ID           string
	Dependencies []string
}

// ExecutionRecord is one appended attempt. The latest record defines the
// task's current status.
type ExecutionRecord struct {
	TaskID    string
	Timestamp time.Time
	Status    string
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Metadata  map[string]string
}

// Graph owns task topology and execution history.
type Graph struct {
	mu      sync.Mutex
	tasks   map[string]*Task
	history map[string][]ExecutionRecord
	now     func() time.Time
}

func New() *Graph {
	return &Graph{
		tasks:   make(map[string]*Task),
		history: make(map[string][]ExecutionRecord),
		now:     time.Now,
	}
}

// AddTask registers a task with its dependencies. Dependencies may be added
// before the tasks they name; ValidateDependencies catches ones that never
// materialize.
func (g *Graph) AddTask(id string, deps []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.tasks[id]; exists {
		return fmt.Errorf("task %s already registered", id)
	}
	g.tasks[id] = &Task{ID: id, Dependencies: append([]string(nil), deps...)}
	return nil
}

// RemoveTask drops a task and its history. Tasks still depending on it will
// fail validation until they are removed or re-pointed.
func (g *Graph) RemoveTask(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.tasks, id)
	delete(g.history, id)
}

// Tasks returns the registered task IDs, sorted.
func (g *Graph) Tasks() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]string, 0, len(g.tasks))
	for id := range g.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ExecutionOrder returns a topological ordering of all tasks, dependencies
// first. Fails with ErrCycleDetected when the graph is not a DAG and errors
// on references to unregistered tasks. Ties break alphabetically so the
// order is deterministic.
func (g *Graph) ExecutionOrder() ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	indegree := make(map[string]int, len(g.tasks))
	dependents := make(map[string][]string)
	for id, t := range g.tasks {
		if _, ok := indegree[id]; !ok {
			indegree[id] = 0
		}
		for _, dep := range t.Dependencies {
			if _, ok := g.tasks[dep]; !ok {
				return nil, fmt.Errorf("task %s depends on unregistered task %s", id, dep)
			}
			indegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var ready []string
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(g.tasks))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		changed := false
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
				changed = true
			}
		}
		if changed {
			sort.Strings(ready)
		}
	}

	if len(order) != len(g.tasks) {
		return nil, ErrCycleDetected
	}
	return order, nil
}

// ValidateDependencies reports whether every referenced dependency exists
// and the graph is acyclic.
func (g *Graph) ValidateDependencies() bool {
	_, err := g.ExecutionOrder()
	return err == nil
}

// ReadyTasks returns pending tasks whose dependencies have all recorded
// success, sorted for determinism.
func (g *Graph) ReadyTasks() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var ready []string
	for id, t := range g.tasks {
		if g.statusLocked(id) != StatusPending {
			continue
		}
		ok := true
		for _, dep := range t.Dependencies {
			if g.statusLocked(dep) != StatusSuccess {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)
	return ready
}

// DependenciesMet reports whether every dependency of a task has recorded
// success. Unregistered tasks are never met.
func (g *Graph) DependenciesMet(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	if !ok {
		return false
	}
	for _, dep := range t.Dependencies {
		if g.statusLocked(dep) != StatusSuccess {
			return false
		}
	}
	return true
}

// RecordExecution appends an attempt for a task.
func (g *Graph) RecordExecution(id, status string, start, end time.Time, metadata map[string]string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.tasks[id]; !ok {
		return fmt.Errorf("cannot record execution for unregistered task %s", id)
	}
	g.history[id] = append(g.history[id], ExecutionRecord{
		TaskID:    id,
		Timestamp: g.now(),
		Status:    status,
		StartTime: start,
		EndTime:   end,
		Duration:  end.Sub(start),
		Metadata:  metadata,
	})
	return nil
}

// TaskStatus derives the current status: the latest execution record's
// status, or pending when the task has never run.
func (g *Graph) TaskStatus(id string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.statusLocked(id)
}

func (g *Graph) statusLocked(id string) string {
	records := g.history[id]
	if len(records) == 0 {
		return StatusPending
	}
	return records[len(records)-1].Status
}

// History returns the execution records of a task, oldest first.
func (g *Graph) History(id string) []ExecutionRecord {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]ExecutionRecord(nil), g.history[id]...)
}
