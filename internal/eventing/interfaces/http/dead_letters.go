package http

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"aep-command/internal/auth"
	"aep-command/internal/eventing"
)

const maxDeadLetterLimit = 500

// DeadLetterLister reads stored dispatch failures.
type DeadLetterLister interface {
	List(ctx context.Context, limit int) ([]eventing.DeadLetter, error)
}

// DeadLetterHandler exposes the dead letter queue to administrators.
type DeadLetterHandler struct {
	store  DeadLetterLister
	logger *log.Logger
}

// NewDeadLetterHandler constructs the handler.
func NewDeadLetterHandler(store DeadLetterLister, logger *log.Logger) (*DeadLetterHandler, error) {
	if store == nil {
		return nil, errors.New("dead letter handler: nil store")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &DeadLetterHandler{store: store, logger: logger}, nil
}

// Register mounts the routes.
func (h *DeadLetterHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/dead-letters", h.list)
}

func (h *DeadLetterHandler) list(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(parsed, maxDeadLetterLimit)
	}
	letters, err := h.store.List(r.Context(), limit)
	if err != nil {
		h.logger.Printf("dead letters: list failed: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	tenantID := auth.TenantIDFromContext(r.Context())
	visible := make([]eventing.DeadLetter, 0, len(letters))
	for _, letter := range letters {
		if tenantID != "" && letter.TenantID != "" && letter.TenantID != tenantID {
			continue
		}
		visible = append(visible, letter)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(visible)
}
