package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("STORAGE", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/aep?sslmode=disable")
	t.Setenv("AEP_BASE_URL", "https://ag-api.example.com")
	t.Setenv("AUTH_JWT_SECRET", "secret")
	t.Setenv("COMMANDS_CONFIG", "")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, StoragePostgres, cfg.Storage)
	assert.Equal(t, "aep-command", cfg.AEP.Operator)
	assert.Equal(t, 7200, cfg.AEP.TTL)
	assert.Equal(t, 10*time.Second, cfg.AEP.Timeout)
	assert.Equal(t, 2*time.Second, cfg.OutboxInterval)
	assert.Equal(t, 5*time.Minute, cfg.CallbackMaxSkew())
}

func TestLoadFallsBackToPGDSN(t *testing.T) {
	setRequired(t)
	t.Setenv("DATABASE_URL", "")
	t.Setenv("PG_DSN", "postgres://pg/aep")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://pg/aep", cfg.DBDSN)
}

func TestLoadRequiresSettings(t *testing.T) {
	cases := map[string]string{
		"DATABASE_URL":    "DATABASE_URL or PG_DSN",
		"AEP_BASE_URL":    "AEP_BASE_URL",
		"AUTH_JWT_SECRET": "AUTH_JWT_SECRET",
	}
	for key, want := range cases {
		t.Run(key, func(t *testing.T) {
			setRequired(t)
			t.Setenv("PG_DSN", "")
			t.Setenv(key, "")
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), want)
		})
	}
}

func TestLoadMemoryStorageNeedsNoDSN(t *testing.T) {
	setRequired(t)
	t.Setenv("STORAGE", "Memory")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("PG_DSN", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, StorageMemory, cfg.Storage)
}

func TestLoadUnknownStorage(t *testing.T) {
	setRequired(t)
	t.Setenv("STORAGE", "redis")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadOverlay(t *testing.T) {
	setRequired(t)
	path := filepath.Join(t.TempDir(), "commands.yaml")
	doc := `
aep:
  product_id: 15000
  operator: dispatch-bot
  ttl_seconds: 600
  pipelines:
    1: 15001
    2: 15002
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	t.Setenv("COMMANDS_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, int64(15000), cfg.AEP.ProductID)
	assert.Equal(t, "dispatch-bot", cfg.AEP.Operator)
	assert.Equal(t, 600, cfg.AEP.TTL)
	assert.Equal(t, map[int64]int64{1: 15001, 2: 15002}, cfg.AEP.Products)
}

func TestLoadOverlayMissingFile(t *testing.T) {
	setRequired(t)
	t.Setenv("COMMANDS_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))

	_, err := Load()
	require.Error(t, err)
}

func TestLoadNotifyWebhooks(t *testing.T) {
	setRequired(t)
	t.Setenv("NOTIFY_WEBHOOK_URLS", "https://hooks.example.com/a,https://hooks.example.com/b")
	t.Setenv("NOTIFY_STALL_AFTER", "15m")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"https://hooks.example.com/a", "https://hooks.example.com/b"}, cfg.Notify.WebhookURLs)
	assert.Equal(t, 15*time.Minute, cfg.Notify.StallAfter)
	assert.Equal(t, time.Minute, cfg.Notify.Cooldown)
	assert.Equal(t, 10*time.Minute, cfg.Notify.DedupeWindow)
	assert.Equal(t, 5*time.Second, cfg.Notify.RequestTimeout)
}

func TestLoadNotifyWindows(t *testing.T) {
	setRequired(t)
	t.Setenv("NOTIFY_DEDUPE_WINDOW", "30m")
	t.Setenv("NOTIFY_REQUEST_TIMEOUT", "2s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, cfg.Notify.DedupeWindow)
	assert.Equal(t, 2*time.Second, cfg.Notify.RequestTimeout)
}
