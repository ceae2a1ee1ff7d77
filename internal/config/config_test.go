package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 10, cfg.DispatchRateLimit)
	assert.Equal(t, time.Minute, cfg.DispatchRateWindow)
	assert.Equal(t, 30*time.Second, cfg.ConnectorTimeout)
	assert.Equal(t, time.Hour, cfg.IdempotencyTTL)
	assert.Equal(t, ProviderLog, cfg.EmailProvider)
	assert.True(t, cfg.WorkerEnabled)
	assert.Equal(t, cfg.AWSRegion, cfg.SQSRegion)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DISPATCH_RATE_LIMIT", "25")
	t.Setenv("DISPATCH_RATE_WINDOW", "2m")
	t.Setenv("CONNECTOR_TIMEOUT", "5")
	t.Setenv("WORKER_ENABLED", "false")
	t.Setenv("EMAIL_PROVIDER", "ses")
	t.Setenv("SES_FROM_EMAIL", "cobranzas@example.com")
	t.Setenv("CHAT_PROVIDER", "http")
	t.Setenv("CHAT_API_URL", "https://chat.example.com")
	t.Setenv("WEBHOOK_SECRET", "global")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 25, cfg.DispatchRateLimit)
	assert.Equal(t, 2*time.Minute, cfg.DispatchRateWindow)
	assert.Equal(t, 5*time.Second, cfg.ConnectorTimeout)
	assert.False(t, cfg.WorkerEnabled)
	assert.Equal(t, "global", cfg.WebhookSecret)
	assert.Equal(t, "cobranzas@example.com", cfg.Credentials().Default.EmailFrom)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"port", map[string]string{"PORT": "abc"}},
		{"duration", map[string]string{"IDEMPOTENCY_TTL": "forever"}},
		{"bool", map[string]string{"WORKER_ENABLED": "maybe"}},
		{"email provider", map[string]string{"EMAIL_PROVIDER": "pigeon"}},
		{"chat http without url", map[string]string{"CHAT_PROVIDER": "http"}},
		{"voice provider", map[string]string{"VOICE_PROVIDER": "sns"}},
		{"tenant file", map[string]string{"TENANT_CONFIG_FILE": "/nonexistent/tenants.json"}},
		{"zero dispatch limit", map[string]string{"DISPATCH_RATE_LIMIT": "0"}},
		{"negative dispatch limit", map[string]string{"DISPATCH_RATE_LIMIT": "-5"}},
		{"zero api limit", map[string]string{"API_RATE_LIMIT": "0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestTenantSettings(t *testing.T) {
	tenant := uuid.New()
	path := filepath.Join(t.TempDir(), "tenants.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"`+tenant.String()+`": {
			"webhookSecret": "t-secret",
			"emailFrom": "pagos@acme.com",
			"chatToken": "tok"
		}
	}`), 0o600))

	t.Setenv("TENANT_CONFIG_FILE", path)
	t.Setenv("CHAT_API_TOKEN", "global-tok")
	cfg, err := Load()
	require.NoError(t, err)

	require.Contains(t, cfg.Tenants, tenant)
	assert.Equal(t, map[uuid.UUID]string{tenant: "t-secret"}, cfg.TenantWebhookSecrets())

	creds := cfg.Credentials()
	got := creds.ForTenant(tenant)
	assert.Equal(t, "pagos@acme.com", got.EmailFrom)
	assert.Equal(t, "tok", got.ChatToken)

	other := creds.ForTenant(uuid.New())
	assert.Equal(t, "global-tok", other.ChatToken)
	assert.Equal(t, cfg.SMTPFrom, other.EmailFrom)
}

func TestLoadTenants_BadID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenants.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"acme": {}}`), 0o600))

	_, err := LoadTenants(path)
	assert.Error(t, err)
}
