package application

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"

	commands "aep-command/internal/commands/domain"
	"aep-command/internal/observability/metrics"
)

// Registry owns command metadata definitions.
type Registry struct {
	repo      MetaRepository
	validator SchemaValidator
	logger    *log.Logger
}

// NewRegistry constructs a metadata registry.
func NewRegistry(repo MetaRepository, validator SchemaValidator, logger *log.Logger) (*Registry, error) {
	if repo == nil {
		return nil, errors.New("commands: nil meta repository")
	}
	if validator == nil {
		return nil, errors.New("commands: nil schema validator")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Registry{repo: repo, validator: validator, logger: logger}, nil
}

// CreateOrUpdate validates the payload schema and upserts the definition by
// (pipeline, service identifier). A redefinition bumps the version and keeps the status.
func (r *Registry) CreateOrUpdate(ctx context.Context, meta commands.CommandMeta) (commands.CommandMeta, error) {
	if meta.ServiceIdentifier == "" {
		return commands.CommandMeta{}, commands.NewValidationError(commands.ErrSchemaMissingField, "serviceIdentifier", "service identifier is required")
	}
	if err := r.validator.ValidateSchema(meta.PayloadSchema, meta.ServiceIdentifier); err != nil {
		metrics.IncMetaChange("upsert", metrics.ResultError)
		return commands.CommandMeta{}, err
	}
	saved, err := r.repo.Upsert(ctx, meta)
	if err != nil {
		metrics.IncMetaChange("upsert", metrics.ResultError)
		return commands.CommandMeta{}, err
	}
	metrics.IncMetaChange("upsert", metrics.ResultSuccess)
	r.logger.Printf("commands: meta saved id=%d pipeline=%d service=%s version=%d", saved.ID, saved.PipelineID, saved.ServiceIdentifier, saved.Version)
	return saved, nil
}

// UpdateByID overwrites name, payload schema and remark of an existing definition.
func (r *Registry) UpdateByID(ctx context.Context, meta commands.CommandMeta) (commands.CommandMeta, error) {
	current, err := r.repo.GetByID(ctx, meta.ID)
	if err != nil {
		return commands.CommandMeta{}, err
	}
	if current == nil {
		return commands.CommandMeta{}, commands.ErrNotFound
	}

	updated := *current
	if meta.Name != "" {
		updated.Name = meta.Name
	}
	updated.Remark = meta.Remark
	if len(meta.PayloadSchema) > 0 && !bytes.Equal(meta.PayloadSchema, current.PayloadSchema) {
		if err := r.validator.ValidateSchema(meta.PayloadSchema, current.ServiceIdentifier); err != nil {
			metrics.IncMetaChange("update", metrics.ResultError)
			return commands.CommandMeta{}, err
		}
		updated.PayloadSchema = meta.PayloadSchema
	}
	if err := r.repo.UpdateByID(ctx, updated); err != nil {
		metrics.IncMetaChange("update", metrics.ResultError)
		return commands.CommandMeta{}, err
	}
	metrics.IncMetaChange("update", metrics.ResultSuccess)
	return updated, nil
}

// Deprecate marks a definition DEPRECATED regardless of its current status.
func (r *Registry) Deprecate(ctx context.Context, id int64) error {
	current, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if current == nil {
		return commands.ErrNotFound
	}
	if err := r.repo.SetStatus(ctx, id, commands.MetaDeprecated); err != nil {
		metrics.IncMetaChange("deprecate", metrics.ResultError)
		return err
	}
	metrics.IncMetaChange("deprecate", metrics.ResultSuccess)
	r.logger.Printf("commands: meta deprecated id=%d from=%s", id, current.Status)
	return nil
}

// Verify moves an UNVERIFIED definition to VERIFIED.
func (r *Registry) Verify(ctx context.Context, id int64) error {
	current, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if current == nil {
		return commands.ErrNotFound
	}
	if current.Status != commands.MetaUnverified {
		metrics.IncMetaChange("verify", "illegal")
		return &commands.TransitionError{From: current.Status.String(), To: commands.MetaVerified.String()}
	}
	affected, err := r.repo.CompareAndSetStatus(ctx, id, commands.MetaUnverified, commands.MetaVerified)
	if err != nil {
		metrics.IncMetaChange("verify", metrics.ResultError)
		return err
	}
	if affected == 0 {
		// Lost a race with another verify or a deprecate.
		metrics.IncMetaChange("verify", "illegal")
		return &commands.TransitionError{From: commands.MetaUnverified.String(), To: commands.MetaVerified.String()}
	}
	metrics.IncMetaChange("verify", metrics.ResultSuccess)
	return nil
}

// LookupPayloadSchema returns the payload schema for a key; ok is false when no definition exists.
func (r *Registry) LookupPayloadSchema(ctx context.Context, pipelineID int64, serviceIdentifier string) (json.RawMessage, bool, error) {
	meta, err := r.repo.GetByKey(ctx, pipelineID, serviceIdentifier)
	if err != nil {
		return nil, false, err
	}
	if meta == nil {
		return nil, false, nil
	}
	return meta.PayloadSchema, true, nil
}

// Get returns a definition by id.
func (r *Registry) Get(ctx context.Context, id int64) (commands.CommandMeta, error) {
	meta, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return commands.CommandMeta{}, err
	}
	if meta == nil {
		return commands.CommandMeta{}, commands.ErrNotFound
	}
	return *meta, nil
}

// GetByKey returns the definition for (pipeline, service identifier).
func (r *Registry) GetByKey(ctx context.Context, pipelineID int64, serviceIdentifier string) (commands.CommandMeta, error) {
	meta, err := r.repo.GetByKey(ctx, pipelineID, serviceIdentifier)
	if err != nil {
		return commands.CommandMeta{}, err
	}
	if meta == nil {
		return commands.CommandMeta{}, commands.ErrNotFound
	}
	return *meta, nil
}

// ListByPipeline returns all definitions of a pipeline ordered by service identifier.
func (r *Registry) ListByPipeline(ctx context.Context, pipelineID int64) ([]commands.CommandMeta, error) {
	return r.repo.ListByPipeline(ctx, pipelineID)
}
