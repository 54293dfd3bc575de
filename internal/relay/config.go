// Package relay implements the relay server: the MCP endpoint LLM clients
// call, the coalescing middleware in front of it, GitHub OAuth, image
// serving, and the widget A/V socket.
package relay

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all configuration for the relay. Values come from an optional
// TOML file (RELAY_CONFIG_FILE) overlaid by environment variables.
type Config struct {
	// Server
	Port      int    `toml:"port"`       // HTTP + WS listen port (default: 8080)
	Host      string `toml:"host"`       // Bind address (default: "0.0.0.0")
	PublicURL string `toml:"public_url"` // External base URL, used for image links and OAuth metadata

	// Coalescing
	ReplayTTL       time.Duration `toml:"-"` // How long a completed response stays replayable (default: 20s)
	MaxInFlightWait time.Duration `toml:"-"` // Longest a duplicate waits on an in-flight original (default: 30s)
	InvokeMethods   []string      `toml:"invoke_methods"`

	// Redis
	RedisURL      string `toml:"redis_url"` // Empty = start embedded miniredis
	EmbeddedRedis bool   `toml:"-"`

	// Relay API key
	APIKeyHash   string        `toml:"api_key_hash"`
	AuthCacheTTL time.Duration `toml:"-"`

	// GitHub OAuth (enabled when GitHubClientID is set)
	GitHubClientID     string        `toml:"github_client_id"`
	GitHubClientSecret string        `toml:"github_client_secret"`
	GitHubRedirectURI  string        `toml:"github_redirect_uri"`
	ClientRedirectURI  string        `toml:"client_redirect_uri"` // Where /auth/callback sends the browser afterwards
	OAuthStateTTL      time.Duration `toml:"-"`

	// Image generation
	ImageAPIURL string        `toml:"image_api_url"`
	ImageAPIKey string        `toml:"image_api_key"`
	ImageModel  string        `toml:"image_model"`
	ImageSize   string        `toml:"image_size"`
	ImageDir    string        `toml:"image_dir"`
	ToolTimeout time.Duration `toml:"-"`

	// Widgets
	WidgetDomain string `toml:"widget_domain"` // Defaults to PublicURL

	LogLevel string `toml:"log_level"`
}

// fileConfig carries the TOML keys that need conversion before landing in
// Config (millisecond and duration-string fields).
type fileConfig struct {
	Config
	ReplayTTLMs       *int   `toml:"replay_ttl_ms"` // nil when absent; zero and negatives reach Validate
	MaxInFlightWaitMs *int   `toml:"max_inflight_wait_ms"`
	AuthCacheTTL      string `toml:"auth_cache_ttl"`
	OAuthStateTTL     string `toml:"oauth_state_ttl"`
	ToolTimeout       string `toml:"tool_timeout"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Port:            8080,
		Host:            "0.0.0.0",
		ReplayTTL:       20 * time.Second,
		MaxInFlightWait: 30 * time.Second,
		InvokeMethods:   []string{"tools/call"},
		AuthCacheTTL:    5 * time.Minute,
		OAuthStateTTL:   10 * time.Minute,
		ImageSize:       "1024x1024",
		ImageDir:        "./images",
		ToolTimeout:     2 * time.Minute,
		LogLevel:        "info",
	}
}

// LoadConfig reads RELAY_CONFIG_FILE (if set), then applies environment
// variables on top, then validates.
func LoadConfig() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("RELAY_CONFIG_FILE"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadFile overlays the TOML file at path onto cfg. A named file that does
// not exist is an error.
func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config file %q not found", path)
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	raw := fileConfig{Config: *cfg}
	if err := toml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing config file %q: %w", path, err)
	}

	*cfg = raw.Config
	if raw.ReplayTTLMs != nil {
		cfg.ReplayTTL = time.Duration(*raw.ReplayTTLMs) * time.Millisecond
	}
	if raw.MaxInFlightWaitMs != nil {
		cfg.MaxInFlightWait = time.Duration(*raw.MaxInFlightWaitMs) * time.Millisecond
	}
	for _, d := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"auth_cache_ttl", raw.AuthCacheTTL, &cfg.AuthCacheTTL},
		{"oauth_state_ttl", raw.OAuthStateTTL, &cfg.OAuthStateTTL},
		{"tool_timeout", raw.ToolTimeout, &cfg.ToolTimeout},
	} {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("config file %q: invalid %s %q: %w", path, d.name, d.raw, err)
		}
		*d.dst = v
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Port = envInt("RELAY_PORT", cfg.Port)
	cfg.Host = envStr("RELAY_HOST", cfg.Host)
	cfg.PublicURL = envStr("RELAY_PUBLIC_URL", cfg.PublicURL)

	cfg.ReplayTTL = envMillis("RELAY_REPLAY_TTL_MS", cfg.ReplayTTL)
	cfg.MaxInFlightWait = envMillis("RELAY_MAX_INFLIGHT_WAIT_MS", cfg.MaxInFlightWait)
	if methods := envStringList("RELAY_INVOKE_METHODS"); methods != nil {
		cfg.InvokeMethods = methods
	}

	cfg.RedisURL = envStr("RELAY_REDIS_URL", cfg.RedisURL)
	cfg.APIKeyHash = envStr("RELAY_API_KEY_HASH", cfg.APIKeyHash)
	cfg.AuthCacheTTL = envDuration("RELAY_AUTH_CACHE_TTL", cfg.AuthCacheTTL)

	cfg.GitHubClientID = envStr("RELAY_GITHUB_CLIENT_ID", cfg.GitHubClientID)
	cfg.GitHubClientSecret = envStr("RELAY_GITHUB_CLIENT_SECRET", cfg.GitHubClientSecret)
	cfg.GitHubRedirectURI = envStr("RELAY_GITHUB_REDIRECT_URI", cfg.GitHubRedirectURI)
	cfg.ClientRedirectURI = envStr("RELAY_CLIENT_REDIRECT_URI", cfg.ClientRedirectURI)
	cfg.OAuthStateTTL = envDuration("RELAY_OAUTH_STATE_TTL", cfg.OAuthStateTTL)

	cfg.ImageAPIURL = envStr("RELAY_IMAGE_API_URL", cfg.ImageAPIURL)
	cfg.ImageAPIKey = envStr("RELAY_IMAGE_API_KEY", cfg.ImageAPIKey)
	cfg.ImageModel = envStr("RELAY_IMAGE_MODEL", cfg.ImageModel)
	cfg.ImageSize = envStr("RELAY_IMAGE_SIZE", cfg.ImageSize)
	cfg.ImageDir = envStr("RELAY_IMAGE_DIR", cfg.ImageDir)
	cfg.ToolTimeout = envDuration("RELAY_TOOL_TIMEOUT", cfg.ToolTimeout)

	cfg.WidgetDomain = envStr("RELAY_WIDGET_DOMAIN", cfg.WidgetDomain)
	cfg.LogLevel = envStr("RELAY_LOG_LEVEL", cfg.LogLevel)
}

// Validate checks cross-field rules and fills derived defaults.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("RELAY_PORT %d out of range", c.Port)
	}
	if c.ReplayTTL <= 0 {
		return fmt.Errorf("RELAY_REPLAY_TTL_MS must be positive")
	}
	if c.MaxInFlightWait <= 0 {
		return fmt.Errorf("RELAY_MAX_INFLIGHT_WAIT_MS must be positive")
	}
	if len(c.InvokeMethods) == 0 {
		return fmt.Errorf("RELAY_INVOKE_METHODS must name at least one method")
	}
	if c.GitHubClientID != "" && c.GitHubClientSecret == "" {
		return fmt.Errorf("RELAY_GITHUB_CLIENT_SECRET is required when RELAY_GITHUB_CLIENT_ID is set")
	}

	c.PublicURL = strings.TrimRight(c.PublicURL, "/")
	if c.PublicURL == "" {
		c.PublicURL = fmt.Sprintf("http://localhost:%d", c.Port)
	}
	if c.WidgetDomain == "" {
		c.WidgetDomain = c.PublicURL
	}
	return nil
}

// OAuthEnabled reports whether the GitHub OAuth routes are served.
func (c *Config) OAuthEnabled() bool { return c.GitHubClientID != "" }

// ListenAddr returns host:port.
func (c *Config) ListenAddr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// envStr reads an env var with a default value.
func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envInt reads an env var as an integer with a default value.
func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

// envMillis reads an integer millisecond count. Non-numeric values keep the
// default; zero and negatives pass through so Validate can reject them.
func envMillis(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(n) * time.Millisecond
}

// envDuration reads an env var as a duration string (e.g., "15s", "5m") with a default.
func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// envStringList reads a comma-separated env var into a string slice.
// Returns nil if the env var is unset or empty.
func envStringList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var result []string
	for _, item := range strings.Split(v, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			result = append(result, item)
		}
	}
	return result
}
