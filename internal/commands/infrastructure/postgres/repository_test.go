package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	commands "aep-command/internal/commands/domain"
)

var fixedNow = time.Date(2026, time.March, 1, 8, 0, 0, 0, time.UTC)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func metaRow() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "pipeline_id", "service_identifier", "name", "version", "payload_schema", "status", "remark", "created_at", "updated_at"})
}

func TestMetaRepository_UpsertUsesConflictUpdate(t *testing.T) {
	db, mock := newMock(t)
	repo := NewMetaRepository(db)
	repo.now = func() time.Time { return fixedNow }

	payload := json.RawMessage(`{"serviceIdentifier":"reboot"}`)
	mock.ExpectQuery(regexp.QuoteMeta("ON CONFLICT (pipeline_id, service_identifier)")).
		WithArgs(int64(1), "reboot", "Reboot", []byte(payload), int64(commands.MetaUnverified), "", fixedNow).
		WillReturnRows(metaRow().AddRow(int64(5), int64(1), "reboot", "Reboot", 2, []byte(payload), int64(1), nil, fixedNow, fixedNow))

	saved, err := repo.Upsert(context.Background(), commands.CommandMeta{PipelineID: 1, ServiceIdentifier: "reboot", Name: "Reboot", PayloadSchema: payload})
	require.NoError(t, err)
	assert.Equal(t, int64(5), saved.ID)
	assert.Equal(t, 2, saved.Version)
	assert.Equal(t, commands.MetaVerified, saved.Status)
	assert.JSONEq(t, string(payload), string(saved.PayloadSchema))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMetaRepository_GetByKeyAbsent(t *testing.T) {
	db, mock := newMock(t)
	repo := NewMetaRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE pipeline_id = $1 AND service_identifier = $2")).
		WithArgs(int64(1), "missing").
		WillReturnRows(metaRow())

	meta, err := repo.GetByKey(context.Background(), 1, "missing")
	require.NoError(t, err)
	assert.Nil(t, meta)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMetaRepository_CompareAndSetStatus(t *testing.T) {
	db, mock := newMock(t)
	repo := NewMetaRepository(db)
	repo.now = func() time.Time { return fixedNow }

	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $3 AND status = $4")).
		WithArgs(int64(commands.MetaVerified), fixedNow, int64(9), int64(commands.MetaUnverified)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	affected, err := repo.CompareAndSetStatus(context.Background(), 9, commands.MetaUnverified, commands.MetaVerified)
	require.NoError(t, err)
	assert.Zero(t, affected)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMetaRepository_SetStatusMissingRow(t *testing.T) {
	db, mock := newMock(t)
	repo := NewMetaRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE command_meta")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.SetStatus(context.Background(), 9, commands.MetaDeprecated)
	assert.True(t, errors.Is(err, commands.ErrNotFound))
}

func TestTaskRepository_CreateReturnsID(t *testing.T) {
	db, mock := newMock(t)
	repo := NewTaskRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO command_task")).
		WithArgs("tenant-a", int64(1), "reboot", "Reboot", []byte(`{}`), "alice", fixedNow, fixedNow).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(11)))

	task := commands.NewCommandTask("tenant-a", 1, "reboot", "Reboot", nil, "alice", fixedNow)
	require.NoError(t, repo.Create(context.Background(), &task))
	assert.Equal(t, int64(11), task.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskRepository_RejectsInvalidArgs(t *testing.T) {
	db, _ := newMock(t)
	repo := NewTaskRepository(db)
	task := commands.CommandTask{Args: json.RawMessage(`{broken`)}
	assert.Error(t, repo.Create(context.Background(), &task))
}

func TestExecutionRepository_UpdateStatusIsConditional(t *testing.T) {
	db, mock := newMock(t)
	repo := NewExecutionRepository(db)
	repo.now = func() time.Time { return fixedNow }

	key := commands.ExecutionKey{AepTaskID: "aep-1", DeviceID: 7}
	patch := commands.StatusPatch{ResultDetail: json.RawMessage(`{"ok":true}`), CallbackTime: fixedNow}

	mock.ExpectExec(regexp.QuoteMeta("WHERE aep_task_id = $8 AND device_id = $9 AND status = $10")).
		WithArgs(int64(commands.StatusDelivered), []byte(`{"ok":true}`), nil, fixedNow, nil, nil, fixedNow, "aep-1", int64(7), int64(commands.StatusSent)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("WHERE aep_task_id = $8 AND device_id = $9 AND status = $10")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	first, err := repo.UpdateStatus(context.Background(), key, commands.StatusSent, commands.StatusDelivered, patch)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first)

	second, err := repo.UpdateStatus(context.Background(), key, commands.StatusSent, commands.StatusDelivered, patch)
	require.NoError(t, err)
	assert.Equal(t, int64(0), second)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecutionRepository_GetByKeyScansNullableColumns(t *testing.T) {
	db, mock := newMock(t)
	repo := NewExecutionRepository(db)

	columns := []string{"id", "command_task_id", "tenant_id", "pipeline_id", "device_id", "device_sn", "service_identifier",
		"aep_task_id", "status", "external_error_msg", "request_payload", "result_detail", "last_raw_callback",
		"sent_time", "last_callback_time", "created_at", "updated_at"}
	mock.ExpectQuery(regexp.QuoteMeta("FROM command_execution")).
		WithArgs("aep-1", int64(7)).
		WillReturnRows(sqlmock.NewRows(columns).AddRow(
			int64(3), int64(1), "tenant-a", int64(1), int64(7), "SN-7", "reboot",
			"aep-1", int64(0), nil, []byte(`{}`), nil, nil,
			nil, nil, fixedNow, fixedNow,
		))

	exec, err := repo.GetByKey(context.Background(), commands.ExecutionKey{AepTaskID: "aep-1", DeviceID: 7})
	require.NoError(t, err)
	require.NotNil(t, exec)
	assert.Equal(t, commands.StatusSaved, exec.Status)
	assert.True(t, exec.SentTime.IsZero())
	assert.Empty(t, exec.ExternalErrorMsg)
	assert.Nil(t, exec.ResultDetail)
	require.NoError(t, mock.ExpectationsWereMet())
}
