package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"
)

const (
	defaultListen      = "127.0.0.1:8080"
	defaultTimezone    = "Asia/Jerusalem"
	defaultWeekStart   = "sunday"
	defaultLogLevel    = "info"
	defaultUpstreamURL = "https://example.origami.ms/entities/api/instance_data/format/json"
	defaultDataName    = "e_90"
	defaultTimeoutSec  = 30
	defaultStartField  = "fld_1544"
	defaultEndField    = "fld_1545"
	defaultGroupPrefix = "g_"
	defaultTitle       = "פגישה"
	defaultProxyRate   = 5.0
	defaultProxyBurst  = 10
	envPrefix          = "ORIGAMI_"
)

const configTempFilePattern = ".slotcal-config-*.tmp"

// UpstreamConfig describes how to reach the Origami instance-data API.
type UpstreamConfig struct {
	// URL is the instance_data JSON endpoint.
	URL string `yaml:"url" json:"url"`
	// Username and Token form the shared service credential injected by the proxy.
	Username string `yaml:"username" json:"username"`
	Token    string `yaml:"token" json:"-"`
	// DataName is the entity data source identifier (entity_data_name).
	DataName string `yaml:"data_name" json:"data_name"`
	// TimeoutSeconds bounds a single upstream call. 0 disables the timeout.
	TimeoutSeconds int `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// Timeout returns TimeoutSeconds as a duration.
func (u UpstreamConfig) Timeout() time.Duration {
	return time.Duration(u.TimeoutSeconds) * time.Second
}

// FieldsConfig is the field naming contract with the upstream schema.
type FieldsConfig struct {
	Start string `yaml:"start" json:"start"`
	End   string `yaml:"end" json:"end"`
	// Group optionally names a field group (single sub-record or repeating group).
	Group string `yaml:"group,omitempty" json:"group,omitempty"`
	// GroupPrefix marks keys scanned as field groups, e.g. "g_".
	GroupPrefix string `yaml:"group_prefix" json:"group_prefix"`
	// ID lists identity fields tried in order.
	ID []string `yaml:"id" json:"id"`
	// Title optionally names a display-label field.
	Title string `yaml:"title,omitempty" json:"title,omitempty"`
	// DefaultTitle is used when a record has no title.
	DefaultTitle string `yaml:"default_title" json:"default_title"`
}

// ParserConfig controls how upstream payloads are normalized into templates.
type ParserConfig struct {
	// EnvelopeKeys are tried in order when the payload is an object.
	EnvelopeKeys []string `yaml:"envelope_keys" json:"envelope_keys"`
	// Strategies is the ordered list of extraction strategies: root, group, scan.
	Strategies []string `yaml:"strategies" json:"strategies"`
	// Dedupe drops templates repeating an earlier (start, end, title). Off by
	// default: the same slot found by two strategies is emitted twice.
	Dedupe bool `yaml:"dedupe" json:"dedupe"`
}

// ProxyConfig limits traffic through /api/proxy and /api/refresh per client.
type ProxyConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second" json:"rate_per_second"`
	Burst         int     `yaml:"burst" json:"burst"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the Web UI/API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the Web UI and API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone slots are expanded in (e.g. "Asia/Jerusalem").
	Timezone string `yaml:"timezone" json:"timezone"`

	// WeekStart is "sunday" (default) or "monday".
	WeekStart string `yaml:"week_start" json:"week_start"`

	// Refresh is an optional cron spec (e.g. "*/15 * * * *") for periodic
	// template refresh. Empty means refresh at startup and on demand only.
	Refresh string `yaml:"refresh" json:"refresh"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	Upstream UpstreamConfig `yaml:"upstream" json:"upstream"`
	Fields   FieldsConfig   `yaml:"fields" json:"fields"`
	Parser   ParserConfig   `yaml:"parser" json:"parser"`
	Proxy    ProxyConfig    `yaml:"proxy" json:"proxy"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	cfg := &Config{
		Upstream: UpstreamConfig{TimeoutSeconds: defaultTimeoutSec},
	}
	cfg.Normalize()
	return cfg
}

// Normalize fills in missing/zero values with defaults so that partially
// filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	switch strings.ToLower(c.WeekStart) {
	case "monday":
		c.WeekStart = "monday"
	default:
		c.WeekStart = defaultWeekStart
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}

	if c.Upstream.URL == "" {
		c.Upstream.URL = defaultUpstreamURL
	}
	if c.Upstream.DataName == "" {
		c.Upstream.DataName = defaultDataName
	}
	if c.Upstream.TimeoutSeconds < 0 {
		c.Upstream.TimeoutSeconds = 0
	}
	c.Upstream.Username = strings.TrimSpace(c.Upstream.Username)
	c.Upstream.Token = strings.TrimSpace(c.Upstream.Token)

	if c.Fields.Start == "" {
		c.Fields.Start = defaultStartField
	}
	if c.Fields.End == "" {
		c.Fields.End = defaultEndField
	}
	if c.Fields.GroupPrefix == "" {
		c.Fields.GroupPrefix = defaultGroupPrefix
	}
	if len(c.Fields.ID) == 0 {
		c.Fields.ID = []string{"_id", "id"}
	}
	if c.Fields.DefaultTitle == "" {
		c.Fields.DefaultTitle = defaultTitle
	}

	if len(c.Parser.EnvelopeKeys) == 0 {
		c.Parser.EnvelopeKeys = []string{"instanceList", "data"}
	}
	if len(c.Parser.Strategies) == 0 {
		c.Parser.Strategies = []string{"root", "group", "scan"}
	}

	if c.Proxy.RatePerSecond <= 0 {
		c.Proxy.RatePerSecond = defaultProxyRate
	}
	if c.Proxy.Burst <= 0 {
		c.Proxy.Burst = defaultProxyBurst
	}
}

// Location resolves Timezone, falling back to time.Local.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || strings.EqualFold(c.Timezone, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local, err
	}
	return loc, nil
}

// ApplyEnv overlays upstream settings from ORIGAMI_* environment variables:
// ORIGAMI_API_URL, ORIGAMI_USERNAME, and ORIGAMI_API_KEY (or
// ORIGAMI_API_SECRET) for the token. Set variables win over the file.
func (c *Config) ApplyEnv() error {
	k := koanf.New(".")
	provider := env.Provider(envPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	})
	if err := k.Load(provider, nil); err != nil {
		return err
	}

	if v := strings.TrimSpace(k.String("api_url")); v != "" {
		c.Upstream.URL = v
	}
	if v := strings.TrimSpace(k.String("username")); v != "" {
		c.Upstream.Username = v
	}
	token := strings.TrimSpace(k.String("api_key"))
	if token == "" {
		token = strings.TrimSpace(k.String("api_secret"))
	}
	if token != "" {
		c.Upstream.Token = token
	}
	return nil
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
//   - In both cases ORIGAMI_* environment variables are applied last and are
//     never written back to disk.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		// First run: create default config file.
		cfg := DefaultConfig()
		saveErr := Save(path, cfg)
		if envErr := cfg.ApplyEnv(); envErr != nil {
			return cfg, envErr
		}
		// Even if save fails, return cfg with error so caller can decide.
		return cfg, saveErr
	}

	// Decode over defaults so keys absent from the file keep their default.
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes cfg to path atomically (temp file + rename) with 0600 perms.
// The parent directory is created with 0700 if missing.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, configTempFilePattern)
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

// Save is a convenience method delegating to the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
