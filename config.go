package console

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds connection and behavior configuration.
type Config struct {
	// BaseURL is the address of the backend API, e.g. "https://api.example.com/api".
	BaseURL string `envconfig:"API_BASE_URL" required:"true"`

	// RefreshMode selects the renewal contract. Default: RefreshCookie.
	RefreshMode RefreshMode `envconfig:"REFRESH_MODE" default:"cookie"`

	// RequestTimeout bounds a single HTTP exchange. A renewal retry gets a fresh budget.
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`

	// SessionFile is where the CLI keeps the durable session. Empty means
	// $HOME/.adminctl/session.json.
	SessionFile string `envconfig:"SESSION_FILE"`

	// RedisAddr, when set, stores the session in redis instead of a file.
	RedisAddr string `envconfig:"REDIS_ADDR"`

	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"false"`
	LogFormat      string `envconfig:"LOG_FORMAT" default:"text"`
}

// DefaultRequestTimeout is used when Config.RequestTimeout is zero.
const DefaultRequestTimeout = 30 * time.Second

// LoadConfig reads CONSOLE_* environment variables.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process("console", &cfg); err != nil {
		return Config{}, fmt.Errorf("console: load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration and fills defaults.
func (c *Config) Validate() error {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.BaseURL == "" {
		return fmt.Errorf("console: BaseURL is required")
	}
	switch c.RefreshMode {
	case "":
		c.RefreshMode = RefreshCookie
	case RefreshCookie, RefreshJSON:
	default:
		return fmt.Errorf("console: unknown refresh mode %q", c.RefreshMode)
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	return nil
}

// URL resolves path against BaseURL. Absolute URLs are returned unchanged.
func (c Config) URL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}
