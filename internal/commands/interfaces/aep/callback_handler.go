package aep

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	commandsapp "aep-command/internal/commands/application"
)

const (
	maxCallbackBytes           = 4 << 20
	messageTypeCommandResponse = "commandResponse"
)

// ResponseApplier applies decoded command responses.
type ResponseApplier interface {
	HandleBatch(ctx context.Context, responses []commandsapp.CommandResponse) commandsapp.BatchResult
}

// CallbackHandler receives AEP command response pushes.
// It always answers 200 once the body is read so AEP does not retry.
type CallbackHandler struct {
	applier ResponseApplier
	logger  *log.Logger
}

// NewCallbackHandler constructs a callback handler.
func NewCallbackHandler(applier ResponseApplier, logger *log.Logger) (*CallbackHandler, error) {
	if applier == nil {
		return nil, errors.New("aep callback: nil response handler")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &CallbackHandler{applier: applier, logger: logger}, nil
}

// ServeHTTP handles POST /callbacks/aep/command-response.
func (h *CallbackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBytes))
	if err != nil {
		h.logger.Printf("aep callback: read body error: %v", err)
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	items, err := splitItems(body)
	if err != nil {
		h.logger.Printf("aep callback: decode error: %v body=%s", err, truncate(body, 256))
		writeAck(w, commandsapp.BatchResult{})
		return
	}

	responses := make([]commandsapp.CommandResponse, 0, len(items))
	for _, item := range items {
		resp, err := decodeItem(item)
		if err != nil {
			h.logger.Printf("aep callback: skip item: %v raw=%s", err, truncate(item, 256))
			continue
		}
		responses = append(responses, resp)
	}

	result := h.applier.HandleBatch(r.Context(), responses)
	h.logger.Printf("aep callback: received=%d decoded=%d applied=%d", len(items), len(responses), result.Counts[commandsapp.OutcomeApplied])
	writeAck(w, result)
}

type callbackItem struct {
	TaskID      flexString     `json:"taskId"`
	DeviceID    flexString     `json:"deviceId"`
	MessageType string         `json:"messageType"`
	Result      callbackResult `json:"result"`
}

type callbackResult struct {
	ResultCode   string          `json:"resultCode"`
	ResultDetail json.RawMessage `json:"resultDetail"`
	ErrorMsg     string          `json:"errorMsg"`
}

// flexString accepts a JSON string or number; AEP sends ids as either.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

func splitItems(body []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, errors.New("empty body")
	}
	if trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, err
		}
		return items, nil
	}
	if !json.Valid(trimmed) {
		return nil, errors.New("invalid json")
	}
	return []json.RawMessage{json.RawMessage(trimmed)}, nil
}

func decodeItem(raw json.RawMessage) (commandsapp.CommandResponse, error) {
	var item callbackItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return commandsapp.CommandResponse{}, err
	}
	if item.MessageType != "" && item.MessageType != messageTypeCommandResponse {
		return commandsapp.CommandResponse{}, errors.New("unsupported messageType " + item.MessageType)
	}
	deviceID, err := strconv.ParseInt(strings.TrimSpace(string(item.DeviceID)), 10, 64)
	if err != nil {
		return commandsapp.CommandResponse{}, errors.New("deviceId must be numeric")
	}
	return commandsapp.CommandResponse{
		AepTaskID:     strings.TrimSpace(string(item.TaskID)),
		DeviceID:      deviceID,
		TargetStatus:  item.Result.ResultCode,
		ResultPayload: item.Result.ResultDetail,
		RawCallback:   string(raw),
		ErrorMsg:      item.Result.ErrorMsg,
	}, nil
}

func writeAck(w http.ResponseWriter, result commandsapp.BatchResult) {
	counts := make(map[string]int, len(result.Counts))
	for outcome, n := range result.Counts {
		counts[string(outcome)] = n
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{"received": len(result.Outcomes), "outcomes": counts})
}

func truncate(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return string(data[:n]) + "..."
}
