package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"aep-command/internal/auth"
)

const defaultSchema = `{
	"serviceIdentifier": "%s",
	"inputSchema": {
		"type": "object",
		"properties": {"value": {"type": "number"}},
		"required": ["value"]
	},
	"aepContentTemplate": {"params": {"value": "${args.value}"}}
}`

type config struct {
	baseURL      string
	jwtSecret    string
	tenantID     string
	pipelineID   int64
	service      string
	devicePrefix string
	deviceCount  int
	concurrency  int
	async        bool
	idsOut       string
}

type client struct {
	baseURL string
	token   string
	http    *http.Client
}

type sendResult struct {
	DeviceID  int64
	AepTaskID string
	Status    int
	Latency   time.Duration
	Err       error
}

func main() {
	cfg := parseConfig()
	if cfg.baseURL == "" {
		log.Fatal("BASE_URL is required")
	}
	if cfg.jwtSecret == "" {
		log.Fatal("AUTH_JWT_SECRET is required")
	}
	if cfg.deviceCount <= 0 {
		log.Fatal("device-count must be > 0")
	}
	if cfg.concurrency <= 0 {
		cfg.concurrency = 1
	}

	token, err := auth.IssueJWT([]byte(cfg.jwtSecret), cfg.tenantID, auth.RoleAdmin, "dispatch-load", time.Hour)
	if err != nil {
		log.Fatalf("sign token: %v", err)
	}
	api := &client{
		baseURL: strings.TrimRight(cfg.baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	ctx := context.Background()

	metaID, err := api.ensureMeta(ctx, cfg.pipelineID, cfg.service)
	if err != nil {
		log.Fatalf("register meta: %v", err)
	}
	taskID, err := api.createTask(ctx, cfg.pipelineID, cfg.service)
	if err != nil {
		log.Fatalf("create task: %v", err)
	}
	log.Printf("meta=%d task=%d: sending to %d devices (concurrency=%d async=%v)", metaID, taskID, cfg.deviceCount, cfg.concurrency, cfg.async)

	results := api.fanOut(ctx, taskID, cfg)
	report(results)

	ids := make([]string, 0, len(results))
	for _, res := range results {
		if res.AepTaskID != "" {
			ids = append(ids, res.AepTaskID)
		}
	}
	if err := writeLines(cfg.idsOut, ids); err != nil {
		log.Fatalf("write ids: %v", err)
	}
	log.Printf("dispatch load completed")
}

func parseConfig() config {
	cfg := config{}
	flag.StringVar(&cfg.baseURL, "base-url", envOrDefault("BASE_URL", "http://localhost:8080"), "API base URL")
	flag.StringVar(&cfg.jwtSecret, "jwt-secret", envOrDefault("AUTH_JWT_SECRET", ""), "JWT secret used to mint an admin token")
	flag.StringVar(&cfg.tenantID, "tenant-id", envOrDefault("TENANT_ID", "tenant-demo"), "tenant id")
	flag.Int64Var(&cfg.pipelineID, "pipeline-id", int64(envOrInt("PIPELINE_ID", 1)), "pipeline id")
	flag.StringVar(&cfg.service, "service", envOrDefault("SERVICE_IDENTIFIER", "loadTestSet"), "service identifier")
	flag.StringVar(&cfg.devicePrefix, "device-prefix", envOrDefault("DEVICE_PREFIX", "SN-LOAD-"), "device serial prefix")
	flag.IntVar(&cfg.deviceCount, "device-count", envOrInt("DEVICE_COUNT", 100), "number of devices")
	flag.IntVar(&cfg.concurrency, "concurrency", envOrInt("CONCURRENCY", 10), "parallel send requests")
	flag.BoolVar(&cfg.async, "async", envOrBool("ASYNC", false), "use the async send path")
	flag.StringVar(&cfg.idsOut, "ids-out", envOrDefault("IDS_OUT", ""), "output file for AEP task ids")
	flag.Parse()
	return cfg
}

func (c *client) ensureMeta(ctx context.Context, pipelineID int64, service string) (int64, error) {
	body := map[string]any{
		"pipeline_id":        pipelineID,
		"service_identifier": service,
		"name":               "load test " + service,
		"payload_schema":     json.RawMessage(fmt.Sprintf(defaultSchema, service)),
	}
	var meta struct {
		ID     int64  `json:"id"`
		Status string `json:"status"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/api/v1/command-metas", body, &meta); err != nil {
		return 0, err
	}
	if meta.Status != "VERIFIED" {
		path := "/api/v1/command-metas/" + strconv.FormatInt(meta.ID, 10) + "/verify"
		if _, err := c.do(ctx, http.MethodPost, path, nil, nil); err != nil {
			return 0, err
		}
	}
	return meta.ID, nil
}

func (c *client) createTask(ctx context.Context, pipelineID int64, service string) (int64, error) {
	body := map[string]any{
		"pipeline_id":        pipelineID,
		"service_identifier": service,
		"args":               map[string]any{"value": 1},
	}
	var task struct {
		ID int64 `json:"id"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/api/v1/command-tasks", body, &task); err != nil {
		return 0, err
	}
	return task.ID, nil
}

func (c *client) fanOut(ctx context.Context, taskID int64, cfg config) []sendResult {
	results := make([]sendResult, cfg.deviceCount)
	sem := make(chan struct{}, cfg.concurrency)
	var wg sync.WaitGroup
	path := "/api/v1/command-tasks/" + strconv.FormatInt(taskID, 10) + "/send"
	for i := 0; i < cfg.deviceCount; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			deviceID := int64(i + 1)
			body := map[string]any{
				"device_id": deviceID,
				"device_sn": fmt.Sprintf("%s%d", cfg.devicePrefix, deviceID),
				"async":     cfg.async,
			}
			var resp struct {
				AepTaskID string `json:"aep_task_id"`
			}
			start := time.Now()
			status, err := c.do(ctx, http.MethodPost, path, body, &resp)
			results[i] = sendResult{DeviceID: deviceID, AepTaskID: resp.AepTaskID, Status: status, Latency: time.Since(start), Err: err}
		}(i)
	}
	wg.Wait()
	return results
}

func (c *client) do(ctx context.Context, method, path string, body any, out any) (int, error) {
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("%s %s: http %d", method, path, resp.StatusCode)
	}
	if out != nil && resp.StatusCode != http.StatusAccepted {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func report(results []sendResult) {
	byStatus := make(map[int]int)
	latencies := make([]time.Duration, 0, len(results))
	failed := 0
	for _, res := range results {
		byStatus[res.Status]++
		latencies = append(latencies, res.Latency)
		if res.Err != nil {
			failed++
		}
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	log.Printf("sent=%d failed=%d by_status=%v", len(results), failed, byStatus)
	if len(latencies) > 0 {
		log.Printf("latency p50=%s p95=%s max=%s",
			latencies[len(latencies)/2],
			latencies[int(float64(len(latencies)-1)*0.95)],
			latencies[len(latencies)-1])
	}
}

func writeLines(path string, lines []string) error {
	if path == "" {
		return nil
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644)
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func envOrBool(key string, fallback bool) bool {
	switch strings.TrimSpace(strings.ToLower(os.Getenv(key))) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}
