package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"aep-command/internal/audit"
	"aep-command/internal/auth"
	commandsapp "aep-command/internal/commands/application"
	commands "aep-command/internal/commands/domain"
)

const maxBodyBytes = 1 << 20

// Handler provides command metadata and task HTTP endpoints.
type Handler struct {
	registry    *commandsapp.Registry
	tasks       *commandsapp.TaskService
	auditLogger audit.Logger
	validate    *validator.Validate
	logger      *log.Logger
}

// NewHandler constructs a handler. auditLogger may be nil.
func NewHandler(registry *commandsapp.Registry, tasks *commandsapp.TaskService, auditLogger audit.Logger, logger *log.Logger) (*Handler, error) {
	if registry == nil {
		return nil, errors.New("commands handler: nil registry")
	}
	if tasks == nil {
		return nil, errors.New("commands handler: nil task service")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{
		registry:    registry,
		tasks:       tasks,
		auditLogger: auditLogger,
		validate:    validator.New(),
		logger:      logger,
	}, nil
}

// Register mounts the routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/command-metas", h.handleUpsertMeta)
	mux.HandleFunc("GET /api/v1/command-metas", h.handleListMetas)
	mux.HandleFunc("GET /api/v1/command-metas/{id}", h.handleGetMeta)
	mux.HandleFunc("PUT /api/v1/command-metas/{id}", h.handleUpdateMeta)
	mux.HandleFunc("POST /api/v1/command-metas/{id}/verify", h.handleVerifyMeta)
	mux.HandleFunc("POST /api/v1/command-metas/{id}/deprecate", h.handleDeprecateMeta)

	mux.HandleFunc("POST /api/v1/command-tasks", h.handleCreateTask)
	mux.HandleFunc("GET /api/v1/command-tasks/{id}", h.handleGetTask)
	mux.HandleFunc("GET /api/v1/command-tasks/{id}/preview", h.handlePreview)
	mux.HandleFunc("GET /api/v1/command-tasks/{id}/executions", h.handleListExecutions)
	mux.HandleFunc("POST /api/v1/command-tasks/{id}/send", h.handleSend)
}

type upsertMetaRequest struct {
	PipelineID        int64           `json:"pipeline_id" validate:"gte=0"`
	ServiceIdentifier string          `json:"service_identifier" validate:"required,max=128"`
	Name              string          `json:"name" validate:"required,max=255"`
	PayloadSchema     json.RawMessage `json:"payload_schema" validate:"required"`
	Remark            string          `json:"remark" validate:"max=1024"`
}

type updateMetaRequest struct {
	Name          string          `json:"name" validate:"max=255"`
	PayloadSchema json.RawMessage `json:"payload_schema"`
	Remark        string          `json:"remark" validate:"max=1024"`
}

type createTaskRequest struct {
	TenantID          string          `json:"tenant_id"`
	PipelineID        int64           `json:"pipeline_id" validate:"gte=0"`
	ServiceIdentifier string          `json:"service_identifier" validate:"required"`
	Name              string          `json:"name" validate:"max=255"`
	Args              json.RawMessage `json:"args"`
}

type sendRequest struct {
	DeviceID   int64  `json:"device_id" validate:"required,gt=0"`
	DeviceSN   string `json:"device_sn" validate:"required"`
	PipelineID int64  `json:"pipeline_id" validate:"gte=0"`
	Async      bool   `json:"async"`
}

func (h *Handler) handleUpsertMeta(w http.ResponseWriter, r *http.Request) {
	var req upsertMetaRequest
	if !h.decode(w, r, &req) {
		return
	}
	saved, err := h.registry.CreateOrUpdate(r.Context(), commands.CommandMeta{
		PipelineID:        req.PipelineID,
		ServiceIdentifier: req.ServiceIdentifier,
		Name:              req.Name,
		PayloadSchema:     req.PayloadSchema,
		Remark:            req.Remark,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
	h.logAudit(r, audit.ActionMetaUpsert, "command_meta", saved.ID, saved.PipelineID, map[string]any{
		"service_identifier": saved.ServiceIdentifier,
		"version":            saved.Version,
	})
}

func (h *Handler) handleListMetas(w http.ResponseWriter, r *http.Request) {
	value := r.URL.Query().Get("pipeline_id")
	if value == "" {
		http.Error(w, "pipeline_id required", http.StatusBadRequest)
		return
	}
	pipelineID, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		http.Error(w, "pipeline_id must be an integer", http.StatusBadRequest)
		return
	}
	list, err := h.registry.ListByPipeline(r.Context(), pipelineID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if list == nil {
		list = []commands.CommandMeta{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) handleGetMeta(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	meta, err := h.registry.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (h *Handler) handleUpdateMeta(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req updateMetaRequest
	if !h.decode(w, r, &req) {
		return
	}
	updated, err := h.registry.UpdateByID(r.Context(), commands.CommandMeta{
		ID:            id,
		Name:          req.Name,
		PayloadSchema: req.PayloadSchema,
		Remark:        req.Remark,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
	h.logAudit(r, audit.ActionMetaUpdate, "command_meta", updated.ID, updated.PipelineID, nil)
}

func (h *Handler) handleVerifyMeta(w http.ResponseWriter, r *http.Request) {
	h.changeMetaStatus(w, r, audit.ActionMetaVerify, h.registry.Verify)
}

func (h *Handler) handleDeprecateMeta(w http.ResponseWriter, r *http.Request) {
	h.changeMetaStatus(w, r, audit.ActionMetaDeprecate, h.registry.Deprecate)
}

func (h *Handler) changeMetaStatus(w http.ResponseWriter, r *http.Request, action string, apply func(ctx context.Context, id int64) error) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := apply(r.Context(), id); err != nil {
		h.respondError(w, err)
		return
	}
	meta, err := h.registry.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
	h.logAudit(r, action, "command_meta", meta.ID, meta.PipelineID, map[string]any{"status": meta.Status.String()})
}

func (h *Handler) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if !h.decode(w, r, &req) {
		return
	}
	task, err := h.tasks.CreateTask(r.Context(), commandsapp.CreateTaskRequest{
		TenantID:          req.TenantID,
		PipelineID:        req.PipelineID,
		ServiceIdentifier: req.ServiceIdentifier,
		Name:              req.Name,
		Args:              req.Args,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
	h.logAudit(r, audit.ActionTaskCreate, "command_task", task.ID, task.PipelineID, map[string]any{
		"service_identifier": task.ServiceIdentifier,
	})
}

func (h *Handler) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	task, err := h.tasks.GetTask(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *Handler) handlePreview(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	content, err := h.tasks.PreviewContent(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "content": content})
}

func (h *Handler) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	list, err := h.tasks.ListExecutions(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if list == nil {
		list = []commands.CommandExecution{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req sendRequest
	if !h.decode(w, r, &req) {
		return
	}
	send := commandsapp.SendRequest{
		TaskID:     id,
		DeviceID:   req.DeviceID,
		DeviceSN:   req.DeviceSN,
		PipelineID: req.PipelineID,
	}
	meta := map[string]any{"device_id": req.DeviceID, "device_sn": req.DeviceSN, "async": req.Async}

	if req.Async {
		// Existence and tenant checks stay synchronous so the caller gets a 404/403 now.
		task, err := h.tasks.GetTask(r.Context(), id)
		if err != nil {
			h.respondError(w, err)
			return
		}
		future := h.tasks.SendCommandAsync(r.Context(), send)
		go h.logAsyncResult(future, id, req.DeviceID)
		writeJSON(w, http.StatusAccepted, map[string]any{"task_id": id, "device_id": req.DeviceID, "accepted": true})
		h.logAudit(r, audit.ActionTaskSend, "command_task", id, task.PipelineID, meta)
		return
	}

	aepTaskID, err := h.tasks.SendCommand(r.Context(), send)
	if err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "device_id": req.DeviceID, "aep_task_id": aepTaskID})
	meta["aep_task_id"] = aepTaskID
	pipelineID := req.PipelineID
	if pipelineID == 0 {
		if task, err := h.tasks.GetTask(r.Context(), id); err == nil {
			pipelineID = task.PipelineID
		}
	}
	h.logAudit(r, audit.ActionTaskSend, "command_task", id, pipelineID, meta)
}

func (h *Handler) logAsyncResult(future *commandsapp.SendFuture, taskID, deviceID int64) {
	aepTaskID, err := future.Wait(context.Background())
	if err != nil {
		h.logger.Printf("commands http: async send failed task=%d device=%d err=%v", taskID, deviceID, err)
		return
	}
	h.logger.Printf("commands http: async send done task=%d device=%d aep_task_id=%s", taskID, deviceID, aepTaskID)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body error", http.StatusBadRequest)
		return false
	}
	defer r.Body.Close()
	if err := json.Unmarshal(body, target); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return false
	}
	if err := h.validate.Struct(target); err != nil {
		http.Error(w, validationMessage(err), http.StatusBadRequest)
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fe.Field()+" failed "+fe.Tag())
	}
	return "invalid request: " + strings.Join(parts, "; ")
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Printf("commands http: %v", err)
	}
	http.Error(w, err.Error(), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, commands.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrTenantMismatch):
		return http.StatusForbidden
	case errors.Is(err, commands.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, commands.ErrIllegalStateTransition), errors.Is(err, commands.ErrStateTransitionFailed):
		return http.StatusConflict
	case errors.Is(err, commands.ErrExternalDispatch):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) logAudit(r *http.Request, action, resourceType string, resourceID, pipelineID int64, metadata map[string]any) {
	if h.auditLogger == nil {
		return
	}
	var raw json.RawMessage
	if metadata != nil {
		raw, _ = json.Marshal(metadata)
	}
	err := h.auditLogger.Log(r.Context(), audit.Entry{
		TenantID:     auth.TenantIDFromContext(r.Context()),
		Actor:        auth.SubjectFromContext(r.Context()),
		Role:         string(auth.RoleFromContext(r.Context())),
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   strconv.FormatInt(resourceID, 10),
		PipelineID:   pipelineID,
		Metadata:     raw,
		IP:           audit.ClientIP(r),
		UserAgent:    r.UserAgent(),
	})
	if err != nil {
		h.logger.Printf("commands http: audit %s failed: %v", action, err)
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
