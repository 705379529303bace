package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	commands "aep-command/internal/commands/domain"
)

const executionColumns = `id, command_task_id, tenant_id, pipeline_id, device_id, device_sn, service_identifier,
	aep_task_id, status, external_error_msg, request_payload, result_detail, last_raw_callback,
	sent_time, last_callback_time, created_at, updated_at`

// ExecutionRepository is a Postgres implementation for command executions.
type ExecutionRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewExecutionRepository constructs a repository.
func NewExecutionRepository(db *sql.DB) *ExecutionRepository {
	return &ExecutionRepository{db: db, now: time.Now}
}

// Create inserts an execution and sets its id.
func (r *ExecutionRepository) Create(ctx context.Context, exec *commands.CommandExecution) error {
	if r == nil || r.db == nil {
		return errors.New("execution repo: nil db")
	}
	if exec == nil {
		return errors.New("execution repo: nil execution")
	}
	return r.db.QueryRowContext(ctx, `
INSERT INTO command_execution (
	command_task_id, tenant_id, pipeline_id, device_id, device_sn, service_identifier,
	aep_task_id, status, request_payload, sent_time, created_at, updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
)
RETURNING id`,
		exec.CommandTaskID, exec.TenantID, exec.PipelineID, exec.DeviceID, exec.DeviceSN, exec.ServiceIdentifier,
		exec.AepTaskID, exec.Status, nullJSON(exec.RequestPayload), nullTime(exec.SentTime), exec.CreatedAt.UTC(), exec.UpdatedAt.UTC(),
	).Scan(&exec.ID)
}

// GetByKey returns nil, nil when absent.
func (r *ExecutionRepository) GetByKey(ctx context.Context, key commands.ExecutionKey) (*commands.CommandExecution, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("execution repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT `+executionColumns+`
FROM command_execution
WHERE aep_task_id = $1 AND device_id = $2`, key.AepTaskID, key.DeviceID)
	return scanExecution(row)
}

// ListByTask returns a task's executions ordered by id.
func (r *ExecutionRepository) ListByTask(ctx context.Context, taskID int64) ([]commands.CommandExecution, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("execution repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+executionColumns+`
FROM command_execution
WHERE command_task_id = $1
ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]commands.CommandExecution, 0)
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *exec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateStatus is the compare-and-swap transition: the row changes only while
// its status still equals expected. Empty patch fields keep the stored value.
func (r *ExecutionRepository) UpdateStatus(ctx context.Context, key commands.ExecutionKey, expected, target commands.ExecutionStatus, patch commands.StatusPatch) (int64, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("execution repo: nil db")
	}
	result, err := r.db.ExecContext(ctx, `
UPDATE command_execution
SET status = $1,
	result_detail = COALESCE($2, result_detail),
	last_raw_callback = COALESCE($3, last_raw_callback),
	last_callback_time = COALESCE($4, last_callback_time),
	sent_time = COALESCE($5, sent_time),
	external_error_msg = COALESCE($6, external_error_msg),
	updated_at = $7
WHERE aep_task_id = $8 AND device_id = $9 AND status = $10`,
		target,
		nullJSON(patch.ResultDetail),
		nullString(patch.RawCallback),
		nullTime(patch.CallbackTime),
		nullTime(patch.SentTime),
		nullString(patch.ExternalErrorMsg),
		r.now().UTC(),
		key.AepTaskID,
		key.DeviceID,
		expected,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanExecution(row rowScanner) (*commands.CommandExecution, error) {
	var exec commands.CommandExecution
	var errMsg, rawCallback sql.NullString
	var requestPayload, resultDetail []byte
	var sentTime, callbackTime sql.NullTime
	if err := row.Scan(
		&exec.ID,
		&exec.CommandTaskID,
		&exec.TenantID,
		&exec.PipelineID,
		&exec.DeviceID,
		&exec.DeviceSN,
		&exec.ServiceIdentifier,
		&exec.AepTaskID,
		&exec.Status,
		&errMsg,
		&requestPayload,
		&resultDetail,
		&rawCallback,
		&sentTime,
		&callbackTime,
		&exec.CreatedAt,
		&exec.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	exec.ExternalErrorMsg = errMsg.String
	exec.RequestPayload = requestPayload
	exec.ResultDetail = resultDetail
	exec.LastRawCallback = rawCallback.String
	exec.SentTime = timeOrZero(sentTime)
	exec.LastCallbackTime = timeOrZero(callbackTime)
	exec.CreatedAt = exec.CreatedAt.UTC()
	exec.UpdatedAt = exec.UpdatedAt.UTC()
	return &exec, nil
}
