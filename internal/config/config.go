// Package config defines the gateway configuration model and loaders.
// Configuration is read from a YAML file with environment variable overrides
// for secrets, matching the deployment style of the upstream proxy family.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied when the config file omits a field.
const (
	DefaultUpstreamBaseURL   = "https://daily-cloudcode-pa.sandbox.googleapis.com"
	DefaultOAuthTokenURL     = "https://oauth2.googleapis.com/token"
	DefaultOAuthClientID     = "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com"
	DefaultOAuthClientSecret = "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"
	DefaultTokenFile         = "data/tokens.json"
	DefaultImageDir          = "data/images"
	DefaultRotationCount     = 3
	DefaultKeepAliveSeconds  = 15
	DefaultMaxImages         = 10
	DefaultPort              = 8000
)

// OAuthConfig holds the refresh-exchange endpoint and client credentials.
type OAuthConfig struct {
	ClientID     string `yaml:"client-id" json:"client-id"`
	ClientSecret string `yaml:"client-secret" json:"client-secret"`
	TokenURL     string `yaml:"token-url" json:"token-url"`
}

// ImageConfig controls local storage of generated images.
type ImageConfig struct {
	// Dir is the directory generated images are written to.
	Dir string `yaml:"dir" json:"dir"`
	// MaxImages bounds the number of retained files; oldest are evicted.
	MaxImages int `yaml:"max-images" json:"max-images"`
	// BaseURL overrides the externally visible URL prefix for stored images.
	// When empty the request's own base URL is used.
	BaseURL string `yaml:"base-url" json:"base-url"`
}

// Config is the root configuration for the gateway process.
type Config struct {
	// Host and Port control the listen address.
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`

	// APIKeys lists the client keys accepted on inbound requests.
	APIKeys []string `yaml:"api-keys" json:"api-keys"`

	// UpstreamBaseURL is the Antigravity endpoint base.
	UpstreamBaseURL string `yaml:"upstream-base-url" json:"upstream-base-url"`

	// ProxyURL optionally routes upstream traffic through an HTTP/HTTPS/SOCKS5 proxy.
	ProxyURL string `yaml:"proxy-url" json:"proxy-url"`

	// OAuth configures the refresh-token exchange.
	OAuth OAuthConfig `yaml:"oauth" json:"oauth"`

	// TokenFile is the JSON file holding the account pool state.
	TokenFile string `yaml:"token-file" json:"token-file"`

	// TokenRotationCount is how many checkouts an account serves before the
	// rotation cursor advances to the next enabled account.
	TokenRotationCount int `yaml:"token-rotation-count" json:"token-rotation-count"`

	// KeepAliveSeconds is the heartbeat interval used while a non-streaming
	// upstream call (image generation) is presented as a stream.
	KeepAliveSeconds int `yaml:"keepalive-seconds" json:"keepalive-seconds"`

	// Image controls generated-image storage.
	Image ImageConfig `yaml:"image" json:"image"`

	// LoggingToFile switches log output to rotating files under logs/.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`

	// LogMaxTotalSizeMB bounds the total size of the log directory when file
	// logging is enabled. Zero disables the bound.
	LogMaxTotalSizeMB int `yaml:"log-max-total-size-mb" json:"log-max-total-size-mb"`

	// Debug enables debug level logging.
	Debug bool `yaml:"debug" json:"debug"`

	mu sync.RWMutex `yaml:"-" json:"-"`
}

// LoadConfig reads the YAML config file, applies defaults and environment
// overrides, and returns the resulting configuration. A missing file is not
// an error; defaults plus environment variables are used instead.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if errUnmarshal := yaml.Unmarshal(data, cfg); errUnmarshal != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, errUnmarshal)
		}
	case os.IsNotExist(err):
		// Fall through to defaults + env.
	default:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.UpstreamBaseURL == "" {
		c.UpstreamBaseURL = DefaultUpstreamBaseURL
	}
	if c.OAuth.ClientID == "" {
		c.OAuth.ClientID = DefaultOAuthClientID
	}
	if c.OAuth.ClientSecret == "" {
		c.OAuth.ClientSecret = DefaultOAuthClientSecret
	}
	if c.OAuth.TokenURL == "" {
		c.OAuth.TokenURL = DefaultOAuthTokenURL
	}
	if c.TokenFile == "" {
		c.TokenFile = DefaultTokenFile
	}
	if c.TokenRotationCount <= 0 {
		c.TokenRotationCount = DefaultRotationCount
	}
	if c.KeepAliveSeconds <= 0 {
		c.KeepAliveSeconds = DefaultKeepAliveSeconds
	}
	if c.Image.Dir == "" {
		c.Image.Dir = DefaultImageDir
	}
	if c.Image.MaxImages <= 0 {
		c.Image.MaxImages = DefaultMaxImages
	}
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("OAUTH_CLIENT_ID"); v != "" {
		c.OAuth.ClientID = v
	}
	if v := os.Getenv("OAUTH_CLIENT_SECRET"); v != "" {
		c.OAuth.ClientSecret = v
	}
	if v := os.Getenv("OAUTH_TOKEN_URL"); v != "" {
		c.OAuth.TokenURL = v
	}
	if v := os.Getenv("UPSTREAM_BASE_URL"); v != "" {
		c.UpstreamBaseURL = v
	}
	if v := os.Getenv("API_KEYS"); v != "" {
		keys := parseKeyList(v)
		if len(keys) > 0 {
			c.APIKeys = keys
		}
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Port = port
		}
	}
}

// parseKeyList accepts either a JSON array of strings or a comma separated
// list, mirroring how the original deployment supplied API_KEYS.
func parseKeyList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if strings.HasPrefix(raw, "[") {
		var keys []string
		if err := yaml.Unmarshal([]byte(raw), &keys); err == nil {
			return keys
		}
	}
	var keys []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			keys = append(keys, part)
		}
	}
	return keys
}

// ValidateAPIKey reports whether the supplied client key is accepted.
func (c *Config) ValidateAPIKey(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, k := range c.APIKeys {
		if k == key {
			return true
		}
	}
	return false
}

// ImageBaseURL returns the configured public URL prefix for stored images,
// or empty when the request's own base should be used.
func (c *Config) ImageBaseURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Image.BaseURL
}

// RotationCount returns the current checkout rotation policy.
func (c *Config) RotationCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.TokenRotationCount
}

// DebugEnabled reports whether debug level logging is requested.
func (c *Config) DebugEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Debug
}

// KeepAliveInterval returns the heartbeat period for simulated streams.
func (c *Config) KeepAliveInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.KeepAliveSeconds) * time.Second
}

// ApplyReloadable copies the hot-reloadable settings from a freshly parsed
// config. Listen address, OAuth material and file paths require a restart.
func (c *Config) ApplyReloadable(next *Config) {
	if next == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.APIKeys = append([]string(nil), next.APIKeys...)
	c.TokenRotationCount = next.TokenRotationCount
	c.KeepAliveSeconds = next.KeepAliveSeconds
	c.Debug = next.Debug
}
