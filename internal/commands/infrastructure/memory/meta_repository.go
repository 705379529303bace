package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	commands "aep-command/internal/commands/domain"
)

type metaKey struct {
	pipelineID        int64
	serviceIdentifier string
}

// MetaRepository is an in-memory command metadata store for demo/testing.
type MetaRepository struct {
	mu     sync.RWMutex
	nextID int64
	byID   map[int64]*commands.CommandMeta
	byKey  map[metaKey]int64
	now    func() time.Time
}

// NewMetaRepository constructs a repository.
func NewMetaRepository() *MetaRepository {
	return &MetaRepository{
		byID:  make(map[int64]*commands.CommandMeta),
		byKey: make(map[metaKey]int64),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Upsert inserts or redefines by (pipeline, service identifier) atomically.
func (r *MetaRepository) Upsert(ctx context.Context, meta commands.CommandMeta) (commands.CommandMeta, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	key := metaKey{meta.PipelineID, meta.ServiceIdentifier}
	if id, ok := r.byKey[key]; ok {
		stored := r.byID[id]
		stored.Name = meta.Name
		stored.PayloadSchema = cloneRaw(meta.PayloadSchema)
		stored.Remark = meta.Remark
		stored.Version++
		stored.UpdatedAt = now
		return *stored, nil
	}

	r.nextID++
	stored := meta
	stored.ID = r.nextID
	stored.Version = 1
	stored.Status = commands.MetaUnverified
	stored.PayloadSchema = cloneRaw(meta.PayloadSchema)
	stored.CreatedAt = now
	stored.UpdatedAt = now
	r.byID[stored.ID] = &stored
	r.byKey[key] = stored.ID
	return stored, nil
}

// UpdateByID overwrites mutable fields; ErrNotFound when absent.
func (r *MetaRepository) UpdateByID(ctx context.Context, meta commands.CommandMeta) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.byID[meta.ID]
	if !ok {
		return commands.ErrNotFound
	}
	stored.Name = meta.Name
	stored.PayloadSchema = cloneRaw(meta.PayloadSchema)
	stored.Remark = meta.Remark
	stored.UpdatedAt = r.now()
	return nil
}

// SetStatus writes status unconditionally.
func (r *MetaRepository) SetStatus(ctx context.Context, id int64, status commands.MetaStatus) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.byID[id]
	if !ok {
		return commands.ErrNotFound
	}
	stored.Status = status
	stored.UpdatedAt = r.now()
	return nil
}

// CompareAndSetStatus writes target only while the status equals expected.
func (r *MetaRepository) CompareAndSetStatus(ctx context.Context, id int64, expected, target commands.MetaStatus) (int64, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.byID[id]
	if !ok || stored.Status != expected {
		return 0, nil
	}
	stored.Status = target
	stored.UpdatedAt = r.now()
	return 1, nil
}

// GetByID returns nil, nil when absent.
func (r *MetaRepository) GetByID(ctx context.Context, id int64) (*commands.CommandMeta, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	stored, ok := r.byID[id]
	if !ok {
		return nil, nil
	}
	out := *stored
	return &out, nil
}

// GetByKey returns nil, nil when absent.
func (r *MetaRepository) GetByKey(ctx context.Context, pipelineID int64, serviceIdentifier string) (*commands.CommandMeta, error) {
	r.mu.RLock()
	id, ok := r.byKey[metaKey{pipelineID, serviceIdentifier}]
	r.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return r.GetByID(ctx, id)
}

// ListByPipeline returns definitions ordered by service identifier.
func (r *MetaRepository) ListByPipeline(ctx context.Context, pipelineID int64) ([]commands.CommandMeta, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]commands.CommandMeta, 0)
	for _, stored := range r.byID {
		if stored.PipelineID == pipelineID {
			result = append(result, *stored)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ServiceIdentifier < result[j].ServiceIdentifier
	})
	return result, nil
}
