package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aep-command/internal/auth"
	"aep-command/internal/eventing"
	"aep-command/internal/eventing/infrastructure/memory"
)

type failingLister struct{}

func (failingLister) List(context.Context, int) ([]eventing.DeadLetter, error) {
	return nil, errors.New("db down")
}

func serve(t *testing.T, store DeadLetterLister, target string) *httptest.ResponseRecorder {
	t.Helper()
	handler, err := NewDeadLetterHandler(store, log.New(io.Discard, "", 0))
	require.NoError(t, err)
	mux := http.NewServeMux()
	handler.Register(mux)

	req := httptest.NewRequest(http.MethodGet, target, nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), "tenant-a", auth.RoleAdmin, "admin-1"))
	resp := httptest.NewRecorder()
	mux.ServeHTTP(resp, req)
	return resp
}

func TestDeadLettersScopedToTenant(t *testing.T) {
	store := memory.NewDLQStore()
	ctx := context.Background()
	require.NoError(t, store.RecordFailure(ctx, eventing.Envelope{EventID: "evt-a", EventType: "x", TenantID: "tenant-a"}, errors.New("boom")))
	require.NoError(t, store.RecordFailure(ctx, eventing.Envelope{EventID: "evt-b", EventType: "x", TenantID: "tenant-b"}, errors.New("boom")))

	resp := serve(t, store, "/api/v1/dead-letters")
	require.Equal(t, http.StatusOK, resp.Code)
	var letters []eventing.DeadLetter
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &letters))
	require.Len(t, letters, 1)
	assert.Equal(t, "evt-a", letters[0].EventID)
	assert.Equal(t, "boom", letters[0].Error)
}

func TestDeadLettersBadLimit(t *testing.T) {
	resp := serve(t, memory.NewDLQStore(), "/api/v1/dead-letters?limit=-1")
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestDeadLettersStoreError(t *testing.T) {
	resp := serve(t, failingLister{}, "/api/v1/dead-letters")
	assert.Equal(t, http.StatusInternalServerError, resp.Code)
}
