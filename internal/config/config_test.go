package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// clearEnv blanks every variable ApplyEnv reads.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"ORIGAMI_API_URL", "ORIGAMI_USERNAME", "ORIGAMI_API_KEY", "ORIGAMI_API_SECRET"} {
		t.Setenv(k, "")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "127.0.0.1:8080", cfg.Listen)
	assert.Equal(t, "Asia/Jerusalem", cfg.Timezone)
	assert.Equal(t, "sunday", cfg.WeekStart)
	assert.Empty(t, cfg.Refresh)
	assert.Equal(t, "e_90", cfg.Upstream.DataName)
	assert.Equal(t, 30*time.Second, cfg.Upstream.Timeout())
	assert.Equal(t, "fld_1544", cfg.Fields.Start)
	assert.Equal(t, "fld_1545", cfg.Fields.End)
	assert.Equal(t, "g_", cfg.Fields.GroupPrefix)
	assert.Equal(t, []string{"_id", "id"}, cfg.Fields.ID)
	assert.Equal(t, "פגישה", cfg.Fields.DefaultTitle)
	assert.Equal(t, []string{"instanceList", "data"}, cfg.Parser.EnvelopeKeys)
	assert.Equal(t, []string{"root", "group", "scan"}, cfg.Parser.Strategies)
	assert.False(t, cfg.Parser.Dedupe)
	assert.Nil(t, cfg.BasicAuth)
}

func TestNormalize(t *testing.T) {
	cfg := &Config{
		WeekStart: "MONDAY",
		Upstream:  UpstreamConfig{TimeoutSeconds: -5, Token: "  secret \n"},
		Proxy:     ProxyConfig{RatePerSecond: -1},
	}
	cfg.Normalize()

	assert.Equal(t, "monday", cfg.WeekStart)
	assert.Zero(t, cfg.Upstream.TimeoutSeconds)
	assert.Zero(t, cfg.Upstream.Timeout())
	assert.Equal(t, "secret", cfg.Upstream.Token)
	assert.Equal(t, 5.0, cfg.Proxy.RatePerSecond)
	assert.Equal(t, 10, cfg.Proxy.Burst)

	cfg.WeekStart = "friday"
	cfg.Normalize()
	assert.Equal(t, "sunday", cfg.WeekStart)
}

func TestLoad_CreatesDefaultFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
timezone: UTC
week_start: monday
upstream:
  data_name: e_12
fields:
  start: begin
  group: slots
parser:
  dedupe: true
basic_auth:
  username: admin
  password: pw
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "UTC", cfg.Timezone)
	assert.Equal(t, "monday", cfg.WeekStart)
	assert.Equal(t, "e_12", cfg.Upstream.DataName)
	assert.Equal(t, 30, cfg.Upstream.TimeoutSeconds)
	assert.Equal(t, "begin", cfg.Fields.Start)
	assert.Equal(t, "fld_1545", cfg.Fields.End)
	assert.Equal(t, "slots", cfg.Fields.Group)
	assert.True(t, cfg.Parser.Dedupe)
	require.NotNil(t, cfg.BasicAuth)
	assert.Equal(t, "admin", cfg.BasicAuth.Username)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)
}

func TestLoad_ExplicitZeroTimeout(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("upstream:\n  timeout_seconds: 0\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Zero(t, cfg.Upstream.Timeout())
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: [unclosed"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_EmptyPath(t *testing.T) {
	_, err := Load("")
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("ORIGAMI_API_URL", "https://acme.origami.ms/entities/api/instance_data/format/json")
	t.Setenv("ORIGAMI_USERNAME", "svc@acme.test")
	t.Setenv("ORIGAMI_API_SECRET", "from-secret")

	cfg := DefaultConfig()
	cfg.Upstream.Token = "from-file"
	require.NoError(t, cfg.ApplyEnv())
	assert.Equal(t, "https://acme.origami.ms/entities/api/instance_data/format/json", cfg.Upstream.URL)
	assert.Equal(t, "svc@acme.test", cfg.Upstream.Username)
	assert.Equal(t, "from-secret", cfg.Upstream.Token)

	// API_KEY wins over API_SECRET.
	t.Setenv("ORIGAMI_API_KEY", "from-key")
	require.NoError(t, cfg.ApplyEnv())
	assert.Equal(t, "from-key", cfg.Upstream.Token)
}

func TestApplyEnv_UnsetKeepsFile(t *testing.T) {
	clearEnv(t)
	cfg := DefaultConfig()
	cfg.Upstream.Token = "from-file"
	require.NoError(t, cfg.ApplyEnv())
	assert.Equal(t, "from-file", cfg.Upstream.Token)
	assert.Equal(t, defaultUpstreamURL, cfg.Upstream.URL)
}

func TestSave_DoesNotLeakEnvToken(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	_, err := Load(path)
	require.NoError(t, err)

	t.Setenv("ORIGAMI_API_KEY", "env-only")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env-only", cfg.Upstream.Token)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var onDisk Config
	require.NoError(t, yaml.Unmarshal(raw, &onDisk))
	assert.Empty(t, onDisk.Upstream.Token)
}

func TestLocation(t *testing.T) {
	cfg := &Config{Timezone: "local"}
	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, time.Local, loc)

	cfg.Timezone = "Not/AZone"
	loc, err = cfg.Location()
	assert.Error(t, err)
	assert.Equal(t, time.Local, loc)
}
