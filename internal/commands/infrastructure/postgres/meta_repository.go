package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	commands "aep-command/internal/commands/domain"
)

const metaColumns = `id, pipeline_id, service_identifier, name, version, payload_schema, status, remark, created_at, updated_at`

// MetaRepository is a Postgres implementation for command metadata.
type MetaRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewMetaRepository constructs a repository.
func NewMetaRepository(db *sql.DB) *MetaRepository {
	return &MetaRepository{db: db, now: time.Now}
}

// Upsert inserts the definition or, on a (pipeline_id, service_identifier)
// conflict, redefines it and bumps the version. The status is never touched here.
func (r *MetaRepository) Upsert(ctx context.Context, meta commands.CommandMeta) (commands.CommandMeta, error) {
	if r == nil || r.db == nil {
		return commands.CommandMeta{}, errors.New("meta repo: nil db")
	}
	now := r.now().UTC()
	row := r.db.QueryRowContext(ctx, `
INSERT INTO command_meta (
	pipeline_id, service_identifier, name, version, payload_schema, status, remark, created_at, updated_at
) VALUES (
	$1, $2, $3, 1, $4, $5, $6, $7, $7
)
ON CONFLICT (pipeline_id, service_identifier)
DO UPDATE SET
	name = EXCLUDED.name,
	payload_schema = EXCLUDED.payload_schema,
	remark = EXCLUDED.remark,
	version = command_meta.version + 1,
	updated_at = EXCLUDED.updated_at
RETURNING `+metaColumns,
		meta.PipelineID, meta.ServiceIdentifier, meta.Name, []byte(meta.PayloadSchema), commands.MetaUnverified, meta.Remark, now)

	saved, err := scanMeta(row)
	if err != nil {
		return commands.CommandMeta{}, err
	}
	if saved == nil {
		return commands.CommandMeta{}, errors.New("meta repo: upsert returned no row")
	}
	return *saved, nil
}

// UpdateByID overwrites name, payload schema and remark.
func (r *MetaRepository) UpdateByID(ctx context.Context, meta commands.CommandMeta) error {
	if r == nil || r.db == nil {
		return errors.New("meta repo: nil db")
	}
	result, err := r.db.ExecContext(ctx, `
UPDATE command_meta
SET name = $1, payload_schema = $2, remark = $3, updated_at = $4
WHERE id = $5`, meta.Name, []byte(meta.PayloadSchema), meta.Remark, r.now().UTC(), meta.ID)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// SetStatus writes status unconditionally.
func (r *MetaRepository) SetStatus(ctx context.Context, id int64, status commands.MetaStatus) error {
	if r == nil || r.db == nil {
		return errors.New("meta repo: nil db")
	}
	result, err := r.db.ExecContext(ctx, `
UPDATE command_meta
SET status = $1, updated_at = $2
WHERE id = $3`, status, r.now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// CompareAndSetStatus writes target only while status equals expected.
func (r *MetaRepository) CompareAndSetStatus(ctx context.Context, id int64, expected, target commands.MetaStatus) (int64, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("meta repo: nil db")
	}
	result, err := r.db.ExecContext(ctx, `
UPDATE command_meta
SET status = $1, updated_at = $2
WHERE id = $3 AND status = $4`, target, r.now().UTC(), id, expected)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// GetByID returns nil, nil when absent.
func (r *MetaRepository) GetByID(ctx context.Context, id int64) (*commands.CommandMeta, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("meta repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT `+metaColumns+`
FROM command_meta
WHERE id = $1`, id)
	return scanMeta(row)
}

// GetByKey returns nil, nil when absent.
func (r *MetaRepository) GetByKey(ctx context.Context, pipelineID int64, serviceIdentifier string) (*commands.CommandMeta, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("meta repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT `+metaColumns+`
FROM command_meta
WHERE pipeline_id = $1 AND service_identifier = $2`, pipelineID, serviceIdentifier)
	return scanMeta(row)
}

// ListByPipeline returns a pipeline's definitions ordered by service identifier.
func (r *MetaRepository) ListByPipeline(ctx context.Context, pipelineID int64) ([]commands.CommandMeta, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("meta repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+metaColumns+`
FROM command_meta
WHERE pipeline_id = $1
ORDER BY service_identifier ASC`, pipelineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]commands.CommandMeta, 0)
	for rows.Next() {
		meta, err := scanMeta(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *meta)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func scanMeta(row rowScanner) (*commands.CommandMeta, error) {
	var meta commands.CommandMeta
	var payload []byte
	var remark sql.NullString
	if err := row.Scan(
		&meta.ID,
		&meta.PipelineID,
		&meta.ServiceIdentifier,
		&meta.Name,
		&meta.Version,
		&payload,
		&meta.Status,
		&remark,
		&meta.CreatedAt,
		&meta.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	meta.PayloadSchema = payload
	meta.Remark = remark.String
	meta.CreatedAt = meta.CreatedAt.UTC()
	meta.UpdatedAt = meta.UpdatedAt.UTC()
	return &meta, nil
}

func requireRow(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return commands.ErrNotFound
	}
	return nil
}
