package memory

import (
	"context"
	"sync"

	commands "aep-command/internal/commands/domain"
)

// TaskRepository is an in-memory task store. Tasks are never updated.
type TaskRepository struct {
	mu     sync.RWMutex
	nextID int64
	data   map[int64]commands.CommandTask
}

// NewTaskRepository constructs a repository.
func NewTaskRepository() *TaskRepository {
	return &TaskRepository{data: make(map[int64]commands.CommandTask)}
}

// Create assigns an id and stores the task.
func (r *TaskRepository) Create(ctx context.Context, task *commands.CommandTask) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	task.ID = r.nextID
	stored := *task
	stored.Args = cloneRaw(task.Args)
	r.data[stored.ID] = stored
	return nil
}

// GetByID returns nil, nil when absent.
func (r *TaskRepository) GetByID(ctx context.Context, id int64) (*commands.CommandTask, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	stored, ok := r.data[id]
	if !ok {
		return nil, nil
	}
	return &stored, nil
}

// Count reports the number of stored tasks.
func (r *TaskRepository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data)
}
