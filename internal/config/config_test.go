package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/arcano/internal/models"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("MYSQL_DSN", "arcano:secret@tcp(localhost:3306)/arcano?parseTime=true")
	t.Setenv("SUPABASE_JWT_SECRET", "jwt-secret")
	t.Setenv("RUNNINGHUB_API_KEY", "rh-key")
	t.Setenv("PAYMENT_PROVIDER", "none")
	t.Setenv("S3_REGION", "us-east-1")
	t.Setenv("S3_ACCESS_KEY", "ak")
	t.Setenv("S3_SECRET_KEY", "sk")
	t.Setenv("S3_BUCKET", "arcano")
	t.Setenv("S3_PUBLIC_BASE_URL", "https://cdn.example.com")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.Equal(t, 30*time.Second, cfg.PendingTimeout)
	assert.Equal(t, 15*time.Second, cfg.ReconcileInterval)
	assert.Equal(t, 60*time.Second, cfg.CampaignStallAfter)
	assert.Equal(t, 5, cfg.CampaignMaxResumes)
	assert.Equal(t, int64(25<<20), cfg.MaxUploadBytes)
	assert.Equal(t, "https://www.runninghub.ai", cfg.RunningHubBaseURL)
	assert.Len(t, cfg.Tools, len(models.Tools()))
	assert.Equal(t, 60, cfg.Tools[models.ToolUpscaler].Cost)
	assert.Equal(t, 150, cfg.Tools[models.ToolVideoUpscaler].Cost)
}

func TestLoadReadsEnvFileAndOverrides(t *testing.T) {
	setRequired(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "arcano.env")
	content := "UPSCALER_COST=42\nRUNNINGHUB_UPSCALER_WORKFLOW=1877\nPENDING_TIMEOUT=45\nRECONCILE_INTERVAL=10s\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("CONFIG_ENV_PATH", path)
	// godotenv.Load never overrides variables that already exist, so make
	// sure the ones from the file are unset before loading.
	for _, key := range []string{"UPSCALER_COST", "RUNNINGHUB_UPSCALER_WORKFLOW", "PENDING_TIMEOUT", "RECONCILE_INTERVAL"} {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}

	cfg, err := Load()
	require.NoError(t, err)

	upscaler := cfg.Tools[models.ToolUpscaler]
	assert.Equal(t, 42, upscaler.Cost)
	assert.Equal(t, "1877", upscaler.WorkflowID)
	assert.Equal(t, 45*time.Second, cfg.PendingTimeout)
	assert.Equal(t, 10*time.Second, cfg.ReconcileInterval)
}

func TestLoadReportsMissing(t *testing.T) {
	setRequired(t)
	t.Setenv("MYSQL_DSN", "")
	t.Setenv("PAYMENT_PROVIDER", "yookassa")
	t.Setenv("YOOKASSA_SHOP_ID", "")
	t.Setenv("YOOKASSA_SECRET_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MYSQL_DSN")
	assert.Contains(t, err.Error(), "YOOKASSA_SHOP_ID")
	assert.Contains(t, err.Error(), "YOOKASSA_SECRET_KEY")
}

func TestGetList(t *testing.T) {
	t.Setenv("CORS_ALLOWED_ORIGINS", " https://arcano.app, ,https://admin.arcano.app ")
	assert.Equal(t, []string{"https://arcano.app", "https://admin.arcano.app"}, getList("CORS_ALLOWED_ORIGINS", nil))

	t.Setenv("CORS_ALLOWED_ORIGINS", "")
	assert.Equal(t, []string{"*"}, getList("CORS_ALLOWED_ORIGINS", []string{"*"}))
}

func TestWebhookURL(t *testing.T) {
	cfg := Config{PublicBaseURL: "https://api.arcano.app"}
	assert.Equal(t, "https://api.arcano.app/webhooks/runninghub", cfg.WebhookURL())

	cfg.RunningHubHookToken = "a b"
	assert.Equal(t, "https://api.arcano.app/webhooks/runninghub?token=a+b", cfg.WebhookURL())
}

func TestNormalizeBaseURL(t *testing.T) {
	const fallback = "https://www.runninghub.ai"
	assert.Equal(t, fallback, normalizeBaseURL("  ", fallback))
	assert.Equal(t, "https://www.runninghub.cn", normalizeBaseURL("www.runninghub.cn/", fallback))
	assert.Equal(t, "http://localhost:9000", normalizeBaseURL("http://localhost:9000", fallback))
}
