package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	commands "aep-command/internal/commands/domain"
)

// TaskRepository is a Postgres implementation for command tasks. Rows are insert-only.
type TaskRepository struct {
	db *sql.DB
}

// NewTaskRepository constructs a repository.
func NewTaskRepository(db *sql.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

// Create inserts a task and sets its id.
func (r *TaskRepository) Create(ctx context.Context, task *commands.CommandTask) error {
	if r == nil || r.db == nil {
		return errors.New("task repo: nil db")
	}
	if task == nil {
		return errors.New("task repo: nil task")
	}
	args := task.Args
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if !json.Valid(args) {
		return errors.New("task repo: invalid args")
	}
	return r.db.QueryRowContext(ctx, `
INSERT INTO command_task (
	tenant_id, pipeline_id, service_identifier, name, args, create_by, created_at, updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8
)
RETURNING id`,
		task.TenantID, task.PipelineID, task.ServiceIdentifier, task.Name, []byte(args), task.CreateBy, task.CreatedAt.UTC(), task.UpdatedAt.UTC(),
	).Scan(&task.ID)
}

// GetByID returns nil, nil when absent.
func (r *TaskRepository) GetByID(ctx context.Context, id int64) (*commands.CommandTask, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("task repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT id, tenant_id, pipeline_id, service_identifier, name, args, create_by, created_at, updated_at
FROM command_task
WHERE id = $1`, id)
	return scanTask(row)
}

func scanTask(row rowScanner) (*commands.CommandTask, error) {
	var task commands.CommandTask
	var args []byte
	var createBy sql.NullString
	if err := row.Scan(
		&task.ID,
		&task.TenantID,
		&task.PipelineID,
		&task.ServiceIdentifier,
		&task.Name,
		&args,
		&createBy,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	task.Args = args
	task.CreateBy = createBy.String
	task.CreatedAt = task.CreatedAt.UTC()
	task.UpdatedAt = task.UpdatedAt.UTC()
	return &task, nil
}
