package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aep-command/internal/eventing"
)

func envelopeJSON(t *testing.T, id string) []byte {
	t.Helper()
	data, err := json.Marshal(eventing.Envelope{EventID: id, EventType: "events.Sample", Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	return data
}

func TestOutboxClaimPendingOrdersByCreatedAt(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	store := NewOutboxStore(db, WithClaimLease(30*time.Second))
	store.now = func() time.Time { return now }

	rows := sqlmock.NewRows([]string{"id", "payload", "created_at"}).
		AddRow("ob-2", envelopeJSON(t, "evt-2"), now.Add(-time.Second)).
		AddRow("ob-1", envelopeJSON(t, "evt-1"), now.Add(-time.Minute))
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs(10, now.Add(-30*time.Second), now).
		WillReturnRows(rows)

	records, err := store.ClaimPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "ob-1", records[0].ID)
	assert.Equal(t, "evt-1", records[0].Envelope.EventID)
	assert.Equal(t, "ob-2", records[1].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxInsertWrapsError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO event_outbox").WillReturnError(errors.New("conn reset"))
	_, err = NewOutboxStore(db).Insert(context.Background(), eventing.Envelope{EventID: "evt-1", EventType: "events.Sample"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "events.Sample")
}

func TestOutboxPurgeSent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	before := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec("DELETE FROM event_outbox WHERE status = 'sent'").
		WithArgs(before).
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := NewOutboxStore(db).PurgeSent(context.Background(), before)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessedStoreRoundTrip(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewProcessedStore(db)
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("evt-1", "consumer-a").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	seen, err := store.HasProcessed(context.Background(), "evt-1", "consumer-a")
	require.NoError(t, err)
	assert.True(t, seen)

	_, err = store.HasProcessed(context.Background(), "", "consumer-a")
	require.Error(t, err)

	before := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec("DELETE FROM processed_events").WithArgs(before).WillReturnResult(sqlmock.NewResult(0, 2))
	n, err := store.PurgeBefore(context.Background(), before)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDLQStoreRecordAndList(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewDLQStore(db)
	at := time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return at }

	mock.ExpectExec("INSERT INTO dead_letter_events").
		WithArgs("evt-9", "events.Sample", "tenant-a", sqlmock.AnyArg(), "boom", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.RecordFailure(context.Background(), eventing.Envelope{EventID: "evt-9", EventType: "events.Sample", TenantID: "tenant-a"}, errors.New("boom")))
	require.Error(t, store.RecordFailure(context.Background(), eventing.Envelope{}, nil))

	mock.ExpectQuery("FROM dead_letter_events").
		WithArgs(20).
		WillReturnRows(sqlmock.NewRows([]string{"event_id", "event_type", "tenant_id", "payload", "error", "attempts", "first_seen_at", "last_seen_at"}).
			AddRow("evt-9", "events.Sample", "tenant-a", envelopeJSON(t, "evt-9"), "boom", 2, at, at))
	letters, err := store.List(context.Background(), 20)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, 2, letters[0].Attempts)
	assert.Equal(t, "evt-9", letters[0].Envelope.EventID)
	require.NoError(t, mock.ExpectationsWereMet())
}
