package runner

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Task is one unit of scheduled background work.
type Task interface {
	Name() string
	// Schedule is a six-field cron expression. An empty schedule registers
	// the task for RunOnce only.
	Schedule() string
	Timeout() time.Duration
	Run(ctx context.Context) error
}

// TaskRegistry holds tasks by name.
type TaskRegistry struct {
	tasks map[string]Task
}

// NewTaskRegistry creates an empty registry.
func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{tasks: make(map[string]Task)}
}

// Register adds task. Names must be unique.
func (r *TaskRegistry) Register(task Task) error {
	if _, dup := r.tasks[task.Name()]; dup {
		return fmt.Errorf("task %q already registered", task.Name())
	}
	r.tasks[task.Name()] = task
	return nil
}

// Get returns a task by name.
func (r *TaskRegistry) Get(name string) (Task, bool) {
	task, ok := r.tasks[name]
	return task, ok
}

// All returns the registered tasks keyed by name.
func (r *TaskRegistry) All() map[string]Task {
	return r.tasks
}

// Names returns the registered task names in order.
func (r *TaskRegistry) Names() []string {
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
