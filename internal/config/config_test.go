package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/vexdb/internal/ratelimit"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vexdb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o640))
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.Equal(t, 10, cfg.Server.Workers)
	assert.Equal(t, 30*time.Second, cfg.Server.SearchTimeout.Std())
	assert.Equal(t, 45*time.Second, cfg.Server.HybridTimeout.Std())
	assert.Equal(t, 30*24*time.Hour, cfg.Retention())
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, string(ratelimit.StrategySlidingWindow), cfg.RateLimit.Strategy)
}

func TestFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
storage:
  root: /var/lib/vexdb
server:
  listen: ":9090"
  workers: 4
  search_timeout: 10s
rate_limit:
  strategy: token_bucket
  per_minute: 60
backup:
  retention_days: 7
tenants:
  - id: acme
    permissions: ["read", "write"]
    api_keys: ["k-acme-1"]
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/vexdb", cfg.Storage.Root)
	assert.Equal(t, ":9090", cfg.Server.Listen)
	assert.Equal(t, 4, cfg.Server.Workers)
	assert.Equal(t, 10*time.Second, cfg.Server.SearchTimeout.Std())
	assert.Equal(t, 7*24*time.Hour, cfg.Retention())

	q := cfg.RateLimit.Quota()
	assert.Equal(t, int64(60), q.PerMinute)
	assert.Equal(t, ratelimit.DefaultQuota.PerHour, q.PerHour)

	require.Len(t, cfg.Tenants, 1)
	assert.True(t, cfg.Tenants[0].IsActive())
	assert.Equal(t, []string{"k-acme-1"}, cfg.Tenants[0].ResolvedKeys())
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "server:\n  listen: \":9090\"\n")
	t.Setenv("VEXDB_LISTEN", ":7070")
	t.Setenv("VEXDB_KV_URL", "redis://localhost:6379/0")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Listen)
	assert.Equal(t, "redis://localhost:6379/0", cfg.KV.URL)
}

func TestAPIKeysExpandEnv(t *testing.T) {
	t.Setenv("ACME_KEY", "secret-123")
	tc := TenantConfig{APIKeys: []string{"$ACME_KEY", "$UNSET_KEY_VAR", "literal"}}
	assert.Equal(t, []string{"secret-123", "literal"}, tc.ResolvedKeys())
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad strategy", "rate_limit:\n  strategy: roulette\n"},
		{"zero workers", "server:\n  workers: -1\n"},
		{"tls half set", "server:\n  tls_cert: /tmp/cert.pem\n"},
		{"duplicate tenant", "tenants:\n  - id: a\n  - id: a\n"},
		{"empty tenant id", "tenants:\n  - permissions: [read]\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			assert.Error(t, err)
		})
	}
}

func TestInactiveTenantFlag(t *testing.T) {
	path := writeConfig(t, "tenants:\n  - id: frozen\n    active: false\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Tenants, 1)
	assert.False(t, cfg.Tenants[0].IsActive())
}
