package memory

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	commands "aep-command/internal/commands/domain"
)

// ErrDuplicateExecution mirrors the unique (aep_task_id, device_id) index.
var ErrDuplicateExecution = errors.New("memory: duplicate execution key")

// ExecutionRepository is an in-memory execution store. UpdateStatus holds the
// write lock across compare and set, matching the SQL conditional update.
type ExecutionRepository struct {
	mu     sync.RWMutex
	nextID int64
	byKey  map[commands.ExecutionKey]*commands.CommandExecution
	now    func() time.Time
}

// NewExecutionRepository constructs a repository.
func NewExecutionRepository() *ExecutionRepository {
	return &ExecutionRepository{
		byKey: make(map[commands.ExecutionKey]*commands.CommandExecution),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Create stores a new execution and assigns its id.
func (r *ExecutionRepository) Create(ctx context.Context, exec *commands.CommandExecution) error {
	_ = ctx
	key := commands.ExecutionKey{AepTaskID: exec.AepTaskID, DeviceID: exec.DeviceID}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byKey[key]; exists {
		return ErrDuplicateExecution
	}
	r.nextID++
	exec.ID = r.nextID
	stored := *exec
	stored.RequestPayload = cloneRaw(exec.RequestPayload)
	r.byKey[key] = &stored
	return nil
}

// GetByKey returns nil, nil when absent.
func (r *ExecutionRepository) GetByKey(ctx context.Context, key commands.ExecutionKey) (*commands.CommandExecution, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	stored, ok := r.byKey[key]
	if !ok {
		return nil, nil
	}
	out := *stored
	return &out, nil
}

// ListByTask returns a task's executions ordered by id.
func (r *ExecutionRepository) ListByTask(ctx context.Context, taskID int64) ([]commands.CommandExecution, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]commands.CommandExecution, 0)
	for _, stored := range r.byKey {
		if stored.CommandTaskID == taskID {
			result = append(result, *stored)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// UpdateStatus applies target only while the stored status equals expected.
func (r *ExecutionRepository) UpdateStatus(ctx context.Context, key commands.ExecutionKey, expected, target commands.ExecutionStatus, patch commands.StatusPatch) (int64, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.byKey[key]
	if !ok || stored.Status != expected {
		return 0, nil
	}
	stored.Status = target
	if len(patch.ResultDetail) > 0 {
		stored.ResultDetail = cloneRaw(patch.ResultDetail)
	}
	if patch.RawCallback != "" {
		stored.LastRawCallback = patch.RawCallback
	}
	if !patch.CallbackTime.IsZero() {
		stored.LastCallbackTime = patch.CallbackTime
	}
	if !patch.SentTime.IsZero() {
		stored.SentTime = patch.SentTime
	}
	if patch.ExternalErrorMsg != "" {
		stored.ExternalErrorMsg = patch.ExternalErrorMsg
	}
	stored.UpdatedAt = r.now()
	return 1, nil
}

// Count reports the number of stored executions.
func (r *ExecutionRepository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey)
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}
