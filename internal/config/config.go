// ============================================================================
// zbworker Configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: YAML configuration with defaults, a cloud shorthand and ZEEBE_*
//          environment overrides
//
// Resolution order (later wins):
//   1. Default()
//   2. YAML file (Load)
//   3. environment (ApplyEnv)
//   4. cloud shorthand fills address and OAuth endpoints left empty
//
// Example:
//
//   gateway:
//     address: localhost:26500
//     plaintext: true
//   retry:
//     enabled: true
//     max_retries: 50
//     max_retry_timeout: 5s
//   workers:
//     - task_type: send-email
//       max_jobs_to_activate: 32
//       timeout: 60s
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/zbworker/internal/health"
)

const (
	ProfileSelfManaged = "self-managed"
	ProfileCloud       = "cloud"

	DefaultAddress         = "localhost:26500"
	DefaultCloudTokenURL   = "https://login.cloud.camunda.io/oauth/token"
	DefaultCloudAudience   = "zeebe.camunda.io"
	DefaultCloudRegion     = "bru-2"
	cloudAddressTemplate   = "%s.%s.zeebe.camunda.io:443"
	DefaultMetricsPort     = 9090
	DefaultMaxRetries      = 50
	DefaultMaxRetryTimeout = 5 * time.Second
	DefaultCloseTimeout    = 30 * time.Second
)

var (
	// ErrInvalidConfig is returned by Validate and by unparsable overrides.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Config is the complete runtime configuration.
type Config struct {
	Gateway   Gateway    `yaml:"gateway"`
	OAuth     *OAuth     `yaml:"oauth"`
	BasicAuth *BasicAuth `yaml:"basic_auth"`
	Cloud     Cloud      `yaml:"cloud"`
	Retry     Retry      `yaml:"retry"`
	Profile   string     `yaml:"profile"`
	Workers   []Worker   `yaml:"workers"`
	Metrics   Metrics    `yaml:"metrics"`
	Log       Log        `yaml:"log"`

	CloseTimeout time.Duration `yaml:"close_timeout"`
}

// Gateway locates the broker gateway.
type Gateway struct {
	Address         string        `yaml:"address"`
	Plaintext       bool          `yaml:"plaintext"`
	CACertPath      string        `yaml:"ca_cert_path"`
	EagerConnection bool          `yaml:"eager_connection"`
	CallTimeout     time.Duration `yaml:"call_timeout"`
}

// OAuth configures the client-credentials token provider.
type OAuth struct {
	URL          string `yaml:"url"`
	Audience     string `yaml:"audience"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Scope        string `yaml:"scope"`

	// CacheDir enables the file token store; RedisAddr the shared Redis store.
	CacheDir    string `yaml:"cache_dir"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisPrefix string `yaml:"redis_prefix"`
}

// BasicAuth configures static username/password credentials.
type BasicAuth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Cloud is the hosted-cluster shorthand.
type Cloud struct {
	ClusterID string `yaml:"cluster_id"`
	Region    string `yaml:"region"`
}

// Retry bounds client retries of gateway calls on network errors.
type Retry struct {
	Enabled         bool          `yaml:"enabled"`
	MaxRetries      int           `yaml:"max_retries"`
	MaxRetryTimeout time.Duration `yaml:"max_retry_timeout"`
}

// Worker describes one worker started by the run command.
type Worker struct {
	TaskType               string        `yaml:"task_type"`
	Name                   string        `yaml:"name"`
	MaxJobsToActivate      int           `yaml:"max_jobs_to_activate"`
	JobBatchMinSize        int           `yaml:"job_batch_min_size"`
	JobBatchMaxWait        time.Duration `yaml:"job_batch_max_wait"`
	Timeout                time.Duration `yaml:"timeout"`
	LongPoll               time.Duration `yaml:"long_poll"`
	FetchVariables         []string      `yaml:"fetch_variables"`
	FailProcessOnException bool          `yaml:"fail_process_on_exception"`
	PollErrorDelay         time.Duration `yaml:"poll_error_delay"`
	PollRate               float64       `yaml:"poll_rate"`

	// Batch hands jobs to the handler in groups of JobBatchMinSize.
	Batch bool `yaml:"batch"`

	// CompleteVariables are returned by the built-in handler of the run command.
	CompleteVariables map[string]interface{} `yaml:"complete_variables"`
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Log configures the slog handler.
type Log struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Gateway: Gateway{Address: DefaultAddress},
		Retry: Retry{
			Enabled:         true,
			MaxRetries:      DefaultMaxRetries,
			MaxRetryTimeout: DefaultMaxRetryTimeout,
		},
		Profile:      ProfileSelfManaged,
		Metrics:      Metrics{Port: DefaultMetricsPort},
		Log:          Log{Level: "info", Format: "text"},
		CloseTimeout: DefaultCloseTimeout,
	}
}

// Load reads path from the OS filesystem on top of Default().
func Load(path string) (*Config, error) {
	return LoadFs(afero.NewOsFs(), path)
}

// LoadFs reads path from fs on top of Default().
func LoadFs(fs afero.Fs, path string) (*Config, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return cfg, nil
}

// Resolve applies the cloud shorthand: a cluster id implies the cloud
// profile, TLS, the cluster address and the hosted OAuth endpoints.
func (c *Config) Resolve() {
	if c.Cloud.ClusterID == "" {
		return
	}
	if c.Cloud.Region == "" {
		c.Cloud.Region = DefaultCloudRegion
	}
	if c.Gateway.Address == "" || c.Gateway.Address == DefaultAddress {
		c.Gateway.Address = fmt.Sprintf(cloudAddressTemplate, c.Cloud.ClusterID, c.Cloud.Region)
	}
	c.Gateway.Plaintext = false
	c.Profile = ProfileCloud

	if c.OAuth != nil {
		if c.OAuth.URL == "" {
			c.OAuth.URL = DefaultCloudTokenURL
		}
		if c.OAuth.Audience == "" {
			c.OAuth.Audience = DefaultCloudAudience
		}
	}
}

// Validate reports the first unusable setting.
func (c *Config) Validate() error {
	if c.Gateway.Address == "" {
		return fmt.Errorf("%w: gateway.address is required", ErrInvalidConfig)
	}
	if c.OAuth != nil && c.BasicAuth != nil {
		return fmt.Errorf("%w: oauth and basic_auth are mutually exclusive", ErrInvalidConfig)
	}
	if c.OAuth != nil && (c.OAuth.ClientID == "" || c.OAuth.ClientSecret == "" || c.OAuth.URL == "") {
		return fmt.Errorf("%w: oauth requires url, client_id and client_secret", ErrInvalidConfig)
	}
	switch c.Profile {
	case "", ProfileSelfManaged, ProfileCloud:
	default:
		return fmt.Errorf("%w: unknown profile %q", ErrInvalidConfig, c.Profile)
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalidConfig, c.Log.Format)
	}

	seen := make(map[string]bool)
	for i, w := range c.Workers {
		if w.TaskType == "" {
			return fmt.Errorf("%w: workers[%d].task_type is required", ErrInvalidConfig, i)
		}
		if w.JobBatchMinSize < 0 || (w.MaxJobsToActivate > 0 && w.JobBatchMinSize > w.MaxJobsToActivate) {
			return fmt.Errorf("%w: workers[%d].job_batch_min_size exceeds max_jobs_to_activate", ErrInvalidConfig, i)
		}
		if w.Name != "" {
			if seen[w.Name] {
				return fmt.Errorf("%w: duplicate worker name %q", ErrInvalidConfig, w.Name)
			}
			seen[w.Name] = true
		}
	}
	return nil
}

// Characteristics maps the profile to health debounce settings.
func (c *Config) Characteristics() health.Characteristics {
	if c.Profile == ProfileCloud {
		return health.Cloud
	}
	return health.SelfManaged
}

// SlogLevel parses Log.Level.
func (c *Config) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(c.Log.Level) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("%w: unknown log level %q", ErrInvalidConfig, c.Log.Level)
}
