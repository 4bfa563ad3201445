package dispatcher

import (
	"sync"

	"github.com/cloacina/cloacina/pkg/task"
)

// TaskRegistry is the process-wide, read-mostly map from fully-qualified
// task name to its implementation. Any dynamic re-registration must occur
// before the affected workflow is executed.
type TaskRegistry struct {
	mu    sync.RWMutex
	tasks map[string]task.Task
}

func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{tasks: make(map[string]task.Task)}
}

func (r *TaskRegistry) Register(t task.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[t.Metadata().Name] = t
}

func (r *TaskRegistry) Lookup(name string) (task.Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[name]
	return t, ok
}
