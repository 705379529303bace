package main

import (
	"bytes"
	"encoding/json"
	"log"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"aep-command/internal/auth"
	"aep-command/internal/config"
)

// fakeConfig drives the fake AEP command API used for local runs and load tests.
type fakeConfig struct {
	Addr           string        `env:"FAKE_AEP_ADDR" envDefault:":18080"`
	Latency        time.Duration `env:"FAKE_AEP_LATENCY" envDefault:"0s"`
	RejectRate     float64       `env:"FAKE_AEP_REJECT_RATE" envDefault:"0"`
	TimeoutRate    float64       `env:"FAKE_AEP_TIMEOUT_RATE" envDefault:"0"`
	CallbackURL    string        `env:"FAKE_AEP_CALLBACK_URL"`
	CallbackDelay  time.Duration `env:"FAKE_AEP_CALLBACK_DELAY" envDefault:"200ms"`
	CallbackSecret string        `env:"CALLBACK_HMAC_SECRET"`
}

type fakeAEPServer struct {
	cfg    fakeConfig
	start  time.Time
	client *http.Client

	seq        int64
	totalCalls int64

	mu        sync.Mutex
	byDevice  map[string]int64
	byService map[string]int64
	byResult  map[string]int64
}

type commandRequest struct {
	DeviceID  string `json:"deviceId"`
	ProductID int64  `json:"productId"`
	Operator  string `json:"operator"`
	TTL       int    `json:"ttl"`
	Content   struct {
		ServiceIdentifier string          `json:"serviceIdentifier"`
		Params            json.RawMessage `json:"params"`
	} `json:"content"`
}

func main() {
	var cfg fakeConfig
	if err := config.ParseEnv(&cfg); err != nil {
		log.Fatal(err)
	}

	srv := &fakeAEPServer{
		cfg:       cfg,
		start:     time.Now().UTC(),
		client:    &http.Client{Timeout: 5 * time.Second},
		byDevice:  make(map[string]int64),
		byService: make(map[string]int64),
		byResult:  make(map[string]int64),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", srv.handleHealth)
	mux.HandleFunc("/metrics", srv.handleMetrics)
	mux.HandleFunc("/aep_device_command/command", srv.handleCommand)

	log.Printf("fake AEP command server listening on %s", cfg.Addr)
	if err := http.ListenAndServe(cfg.Addr, mux); err != nil {
		log.Fatal(err)
	}
}

func (s *fakeAEPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *fakeAEPServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, map[string]any{
		"started_at": s.start.Format(time.RFC3339),
		"total":      atomic.LoadInt64(&s.totalCalls),
		"by_device":  s.byDevice,
		"by_service": s.byService,
		"by_result":  s.byResult,
	})
}

func (s *fakeAEPServer) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	if r.Header.Get("application") == "" || r.Header.Get("signature") == "" {
		http.Error(w, "missing signature headers", http.StatusUnauthorized)
		return
	}
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, map[string]any{"code": 400, "msg": "invalid json"})
		return
	}
	if s.cfg.Latency > 0 {
		time.Sleep(s.cfg.Latency)
	}

	if req.DeviceID == "" || req.Content.ServiceIdentifier == "" {
		s.record(req, "invalid")
		writeJSON(w, map[string]any{"code": 400, "msg": "deviceId and serviceIdentifier required"})
		return
	}
	if s.cfg.RejectRate > 0 && rand.Float64() < s.cfg.RejectRate {
		s.record(req, "rejected")
		writeJSON(w, map[string]any{"code": 7, "msg": "device offline"})
		return
	}

	commandID := strconv.FormatInt(atomic.AddInt64(&s.seq, 1)+100000, 10)
	s.record(req, "accepted")
	writeJSON(w, map[string]any{
		"code": 0,
		"msg":  "ok",
		"result": map[string]any{
			"commandId":     commandID,
			"commandStatus": "指令已保存",
		},
	})

	if s.cfg.CallbackURL != "" {
		go s.pushLifecycle(commandID, req)
	}
}

// pushLifecycle replays the callbacks AEP would push for an accepted command.
func (s *fakeAEPServer) pushLifecycle(commandID string, req commandRequest) {
	deviceID := numericSuffix(req.DeviceID)
	codes := []string{"SENT", "DELIVERED", "COMPLETED"}
	if s.cfg.TimeoutRate > 0 && rand.Float64() < s.cfg.TimeoutRate {
		codes = []string{"SENT", "TIMEOUT"}
	}
	for _, code := range codes {
		time.Sleep(s.cfg.CallbackDelay)
		item := map[string]any{
			"taskId":      commandID,
			"deviceId":    deviceID,
			"messageType": "commandResponse",
			"timestamp":   time.Now().UnixMilli(),
			"result": map[string]any{
				"resultCode":   code,
				"resultDetail": map[string]any{"serviceIdentifier": req.Content.ServiceIdentifier},
			},
		}
		if err := s.post(item); err != nil {
			log.Printf("fake aep: callback %s for %s failed: %v", code, commandID, err)
			return
		}
	}
}

func (s *fakeAEPServer) post(item any) error {
	body, err := json.Marshal(item)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, s.cfg.CallbackURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.CallbackSecret != "" {
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		req.Header.Set("X-Callback-Timestamp", ts)
		req.Header.Set("X-Callback-Signature", auth.SignCallback([]byte(s.cfg.CallbackSecret), ts, body))
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

func (s *fakeAEPServer) record(req commandRequest, result string) {
	atomic.AddInt64(&s.totalCalls, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if req.DeviceID != "" {
		s.byDevice[req.DeviceID]++
	}
	if req.Content.ServiceIdentifier != "" {
		s.byService[req.Content.ServiceIdentifier]++
	}
	s.byResult[result]++
}

// numericSuffix maps a serial like "SN-7" to device id 7; AEP keys callbacks by device id.
func numericSuffix(sn string) int64 {
	end := len(sn)
	start := end
	for start > 0 && sn[start-1] >= '0' && sn[start-1] <= '9' {
		start--
	}
	id, err := strconv.ParseInt(strings.TrimLeft(sn[start:end], "0"), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
