package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Store backends.
const (
	BackendBbolt = "bbolt"
	BackendRedis = "redis"
)

// Config holds all application configuration.
type Config struct {
	// Cloudflare
	CloudflareAPIURL       string        `koanf:"cloudflare_api_url"`
	CloudflareAPIToken     string        `koanf:"cloudflare_api_token"`
	CloudflareZoneID       string        `koanf:"cloudflare_zone_id"`
	CloudflareHTTPTimeout  time.Duration `koanf:"cloudflare_http_timeout"`
	CloudflareRulesPerPage int           `koanf:"cloudflare_rules_per_page"`
	CloudflareAPIDebug     bool          `koanf:"cloudflare_api_debug"`

	// Block behaviour
	RuleNoteTemplate string   `koanf:"rule_note_template"`
	BlockWhitelist   []string `koanf:"block_whitelist"`
	BlockKeyPrefix   string   `koanf:"block_key_prefix"`

	// Storage
	StoreBackend  string `koanf:"store_backend"`
	DataDir       string `koanf:"data_dir"`
	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`
	RedisTLS      bool   `koanf:"redis_tls"`

	// Alerting
	SlackWebhookURL string `koanf:"slack_webhook_url"`

	// Log backend
	LokiAddr            string        `koanf:"loki_addr"`
	LokiUsername        string        `koanf:"loki_username"`
	LokiPassword        string        `koanf:"loki_password"`
	LokiHTTPTimeout     time.Duration `koanf:"loki_http_timeout"`
	LokiBreakerFailures int           `koanf:"loki_breaker_failures"`
	LokiBreakerTimeout  time.Duration `koanf:"loki_breaker_timeout"`
	LokiFallbackWindow  time.Duration `koanf:"loki_fallback_window"`

	// Operational
	ListenAddr      string        `koanf:"listen_addr"`
	LogLevel        string        `koanf:"log_level"`
	LogFormat       string        `koanf:"log_format"`
	MetricsEnabled  bool          `koanf:"metrics_enabled"`
	MetricsAddr     string        `koanf:"metrics_addr"`
	JanitorInterval time.Duration `koanf:"janitor_interval"`
}

// sanitise removes a single layer of matching surrounding quotes from all string
// fields and string slice elements. This normalises values from Docker --env-file
// which does not strip shell quoting.
func (c *Config) sanitise() {
	for _, p := range []*string{
		&c.CloudflareAPIURL,
		&c.CloudflareAPIToken,
		&c.CloudflareZoneID,
		&c.RuleNoteTemplate,
		&c.BlockKeyPrefix,
		&c.StoreBackend,
		&c.DataDir,
		&c.RedisAddr,
		&c.RedisPassword,
		&c.SlackWebhookURL,
		&c.LokiAddr,
		&c.LokiUsername,
		&c.LokiPassword,
		&c.ListenAddr,
		&c.LogLevel,
		&c.LogFormat,
		&c.MetricsAddr,
	} {
		*p = stripEnvQuotes(*p)
	}

	for i, s := range c.BlockWhitelist {
		c.BlockWhitelist[i] = stripEnvQuotes(s)
	}
}

// defaults sets sensible default values.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"cloudflare_api_url":        "https://api.cloudflare.com/client/v4",
		"cloudflare_http_timeout":   "5s",
		"cloudflare_rules_per_page": 1000,
		"rule_note_template":        "ThreatPilot Block ({{.Severity}})",
		"block_key_prefix":          "blocked:",
		"store_backend":             BackendBbolt,
		"data_dir":                  "/data",
		"redis_addr":                "localhost:6379",
		"redis_db":                  0,
		"loki_http_timeout":         "10s",
		"loki_breaker_failures":     5,
		"loki_breaker_timeout":      "30s",
		"loki_fallback_window":      "2h",
		"listen_addr":               ":3000",
		"log_level":                 "info",
		"log_format":                "json",
		"metrics_enabled":           true,
		"metrics_addr":              ":9090",
		"janitor_interval":          "5m",
	}
}

// stripEnvQuotes removes a single layer of matching surrounding single or double
// quotes from s. Only symmetric pairs are stripped: 'x' → x, "x" → x.
func stripEnvQuotes(s string) string {
	if len(s) < 2 {
		return s
	}
	if (s[0] == '\'' && s[len(s)-1] == '\'') ||
		(s[0] == '"' && s[len(s)-1] == '"') {
		return s[1 : len(s)-1]
	}
	return s
}

// Load reads configuration from environment variables, applying _FILE secret injection.
func Load() (*Config, error) {
	// "." as delimiter keeps env vars with "_" flat: CLOUDFLARE_ZONE_ID maps
	// to koanf:"cloudflare_zone_id" without nesting.
	k := koanf.New(".")

	if err := k.Load(&rawProvider{data: defaults()}, nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(s)
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	if err := injectFileSecrets(k); err != nil {
		return nil, fmt.Errorf("inject file secrets: %w", err)
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Comma-separated list fields koanf won't split automatically
	cfg.BlockWhitelist = splitCSV(k.String("block_whitelist"))

	cfg.sanitise()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and semantic constraints.
func (c *Config) Validate() error {
	if c.CloudflareAPIToken == "" {
		return fmt.Errorf("CLOUDFLARE_API_TOKEN is required")
	}
	if c.CloudflareZoneID == "" {
		return fmt.Errorf("CLOUDFLARE_ZONE_ID is required")
	}
	if !strings.HasPrefix(c.CloudflareAPIURL, "http://") && !strings.HasPrefix(c.CloudflareAPIURL, "https://") {
		return fmt.Errorf("CLOUDFLARE_API_URL must start with http:// or https://; got %q", c.CloudflareAPIURL)
	}
	if c.CloudflareHTTPTimeout <= 0 {
		return fmt.Errorf("CLOUDFLARE_HTTP_TIMEOUT must be > 0; got %s", c.CloudflareHTTPTimeout)
	}
	if c.CloudflareRulesPerPage < 1 || c.CloudflareRulesPerPage > 1000 {
		return fmt.Errorf("CLOUDFLARE_RULES_PER_PAGE must be 1–1000; got %d", c.CloudflareRulesPerPage)
	}

	if _, err := template.New("").Option("missingkey=error").Parse(c.RuleNoteTemplate); err != nil {
		return fmt.Errorf("RULE_NOTE_TEMPLATE is invalid Go template: %w", err)
	}

	if c.BlockKeyPrefix == "" {
		return fmt.Errorf("BLOCK_KEY_PREFIX must not be empty")
	}

	switch c.StoreBackend {
	case BackendBbolt:
		if c.DataDir == "" {
			return fmt.Errorf("DATA_DIR is required when STORE_BACKEND=bbolt")
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required when STORE_BACKEND=redis")
		}
		if c.RedisDB < 0 {
			return fmt.Errorf("REDIS_DB must be >= 0; got %d", c.RedisDB)
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be bbolt or redis; got %q", c.StoreBackend)
	}

	if c.SlackWebhookURL != "" && !strings.HasPrefix(c.SlackWebhookURL, "https://") {
		return fmt.Errorf("SLACK_WEBHOOK_URL must start with https://")
	}

	if c.LokiAddr != "" {
		if !strings.HasPrefix(c.LokiAddr, "http://") && !strings.HasPrefix(c.LokiAddr, "https://") {
			return fmt.Errorf("LOKI_ADDR must start with http:// or https://; got %q", c.LokiAddr)
		}
		if c.LokiHTTPTimeout <= 0 {
			return fmt.Errorf("LOKI_HTTP_TIMEOUT must be > 0; got %s", c.LokiHTTPTimeout)
		}
		if c.LokiBreakerFailures < 1 {
			return fmt.Errorf("LOKI_BREAKER_FAILURES must be >= 1; got %d", c.LokiBreakerFailures)
		}
		if c.LokiFallbackWindow <= 0 {
			return fmt.Errorf("LOKI_FALLBACK_WINDOW must be > 0; got %s", c.LokiFallbackWindow)
		}
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of trace,debug,info,warn,error,fatal,panic; got %q", c.LogLevel)
	}

	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text; got %q", c.LogFormat)
	}

	for _, entry := range c.BlockWhitelist {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			if _, _, err := net.ParseCIDR(entry); err != nil {
				return fmt.Errorf("BLOCK_WHITELIST: invalid CIDR %q: %w", entry, err)
			}
		} else if net.ParseIP(entry) == nil {
			return fmt.Errorf("BLOCK_WHITELIST: invalid IP address %q", entry)
		}
	}

	if c.ListenAddr == "" {
		return fmt.Errorf("LISTEN_ADDR must not be empty")
	}

	if c.JanitorInterval <= 0 {
		return fmt.Errorf("JANITOR_INTERVAL must be > 0; got %s", c.JanitorInterval)
	}

	return nil
}

// fileSecretKeys may be supplied as <KEY>_FILE pointing at a secret file.
var fileSecretKeys = []string{
	"cloudflare_api_token",
	"redis_password",
	"loki_password",
	"slack_webhook_url",
}

func injectFileSecrets(k *koanf.Koanf) error {
	for _, key := range fileSecretKeys {
		fileKey := key + "_file"
		filePath := k.String(fileKey)
		if filePath == "" {
			envKey := strings.ToUpper(key) + "_FILE"
			filePath = os.Getenv(envKey)
		}
		if filePath == "" {
			continue
		}
		filePath = stripEnvQuotes(filePath)
		content, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("reading secret file for %s (%s): %w", key, filePath, err)
		}
		val := strings.TrimSpace(string(content))
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("setting %s from file: %w", key, err)
		}
	}
	return nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// rawProvider implements koanf.Provider for a map[string]interface{}.
type rawProvider struct {
	data map[string]interface{}
}

// Read returns the config map directly (no Parser needed).
func (r *rawProvider) Read() (map[string]interface{}, error) {
	return r.data, nil
}

// ReadBytes is not used by rawProvider; koanf calls Read() when no Parser is given.
func (r *rawProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("rawProvider does not support ReadBytes")
}
