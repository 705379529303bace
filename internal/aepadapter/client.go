package aepadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	commandPath    = "/aep_device_command/command"
	apiVersion     = "20190712225145"
	defaultTTL     = 7200
	defaultTimeout = 10 * time.Second
)

// Client is a minimal AEP device-command client.
type Client struct {
	baseURL   string
	appKey    string
	appSecret string
	masterKey string
	operator  string
	ttl       int
	timeout   time.Duration
	products  ProductResolver
	now       func() time.Time
}

// ProductResolver maps a pipeline to its AEP product id.
type ProductResolver func(pipelineID int64) (int64, bool)

// Option configures the client.
type Option func(*Client)

// WithOperator sets the operator recorded on each command.
func WithOperator(operator string) Option {
	return func(c *Client) {
		if operator != "" {
			c.operator = operator
		}
	}
}

// WithTTL sets the command time-to-live in seconds.
func WithTTL(seconds int) Option {
	return func(c *Client) {
		if seconds > 0 {
			c.ttl = seconds
		}
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithProducts maps pipelines to product ids, falling back to defaultProductID.
func WithProducts(defaultProductID int64, overrides map[int64]int64) Option {
	return func(c *Client) {
		c.products = func(pipelineID int64) (int64, bool) {
			if id, ok := overrides[pipelineID]; ok && id != 0 {
				return id, true
			}
			return defaultProductID, defaultProductID != 0
		}
	}
}

// NewClient constructs an AEP client.
func NewClient(baseURL, appKey, appSecret, masterKey string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("aepadapter: empty base url")
	}
	if appKey == "" || appSecret == "" {
		return nil, errors.New("aepadapter: empty application credentials")
	}
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		appKey:    appKey,
		appSecret: appSecret,
		masterKey: masterKey,
		operator:  "aep-command",
		ttl:       defaultTTL,
		timeout:   defaultTimeout,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.products == nil {
		c.products = func(int64) (int64, bool) { return 0, false }
	}
	return c, nil
}

// DispatchRequest identifies the device and the command to run on it.
type DispatchRequest struct {
	DeviceSN          string
	PipelineID        int64
	ServiceIdentifier string
	Params            json.RawMessage
}

// APIError is returned when AEP answers with a non-zero code.
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("aepadapter: code=%d msg=%s", e.Code, e.Msg)
}

type commandContent struct {
	ServiceIdentifier string          `json:"serviceIdentifier"`
	Params            json.RawMessage `json:"params"`
}

type commandBody struct {
	DeviceID  string         `json:"deviceId"`
	ProductID int64          `json:"productId"`
	Operator  string         `json:"operator"`
	TTL       int            `json:"ttl,omitempty"`
	Content   commandContent `json:"content"`
}

type commandResponse struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Result struct {
		CommandID string `json:"commandId"`
	} `json:"result"`
}

// Dispatch sends a command and returns the AEP command id. It blocks for the round-trip.
func (c *Client) Dispatch(ctx context.Context, req DispatchRequest) (string, error) {
	if req.DeviceSN == "" || req.ServiceIdentifier == "" {
		return "", errors.New("aepadapter: invalid dispatch args")
	}
	productID, ok := c.products(req.PipelineID)
	if !ok {
		return "", fmt.Errorf("aepadapter: no product id for pipeline %d", req.PipelineID)
	}
	params := req.Params
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	body := commandBody{
		DeviceID:  req.DeviceSN,
		ProductID: productID,
		Operator:  c.operator,
		TTL:       c.ttl,
		Content: commandContent{
			ServiceIdentifier: req.ServiceIdentifier,
			Params:            params,
		},
	}
	var resp commandResponse
	if err := c.doJSON(ctx, http.MethodPost, commandPath, body, &resp); err != nil {
		return "", err
	}
	if resp.Code != 0 {
		return "", &APIError{Code: resp.Code, Msg: resp.Msg}
	}
	if resp.Result.CommandID == "" {
		return "", errors.New("aepadapter: empty command id")
	}
	return resp.Result.CommandID, nil
}

// DispatchWithCallback runs Dispatch on its own goroutine and reports through done.
func (c *Client) DispatchWithCallback(ctx context.Context, req DispatchRequest, done func(commandID string, err error)) {
	go func() {
		commandID, err := c.Dispatch(ctx, req)
		if done != nil {
			done(commandID, err)
		}
	}()
}

// DispatchAsync adapts the callback form into a Future.
func (c *Client) DispatchAsync(ctx context.Context, req DispatchRequest) *Future {
	future := NewFuture()
	c.DispatchWithCallback(ctx, req, future.Complete)
	return future
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	timestamp := strconv.FormatInt(c.now().UnixMilli(), 10)
	headers := map[string]string{}
	if c.masterKey != "" {
		headers["MasterKey"] = c.masterKey
	}
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set("application", c.appKey)
	req.Header.Set("timestamp", timestamp)
	req.Header.Set("version", apiVersion)
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	req.Header.Set("signature", Sign(c.appKey, c.appSecret, timestamp, headers, payload))

	// One handle per call; command volume is low next to telemetry.
	client := &http.Client{Timeout: c.timeout}
	defer client.CloseIdleConnections()

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("aepadapter: http %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
