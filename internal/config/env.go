package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment variables recognised by ApplyEnv.
const (
	EnvAddress           = "ZEEBE_ADDRESS"
	EnvClientID          = "ZEEBE_CLIENT_ID"
	EnvClientSecret      = "ZEEBE_CLIENT_SECRET"
	EnvTokenAudience     = "ZEEBE_TOKEN_AUDIENCE"
	EnvAuthServerURL     = "ZEEBE_AUTHORIZATION_SERVER_URL"
	EnvTokenScope        = "ZEEBE_TOKEN_SCOPE"
	EnvTokenCacheDir     = "ZEEBE_TOKEN_CACHE_DIR"
	EnvInsecure          = "ZEEBE_INSECURE_CONNECTION"
	EnvBasicAuthUsername = "ZEEBE_BASIC_AUTH_USERNAME"
	EnvBasicAuthPassword = "ZEEBE_BASIC_AUTH_PASSWORD"
	EnvMaxRetries        = "ZEEBE_CLIENT_MAX_RETRIES"
	EnvRetry             = "ZEEBE_CLIENT_RETRY"
	EnvMaxRetryTimeout   = "ZEEBE_CLIENT_MAX_RETRY_TIMEOUT"
	EnvCloudClusterID    = "ZEEBE_CLOUD_CLUSTER_ID"
	EnvCloudRegion       = "ZEEBE_CLOUD_REGION"
)

// LookupFunc has the signature of os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyOSEnv applies the process environment.
func (c *Config) ApplyOSEnv() error {
	return c.ApplyEnv(os.LookupEnv)
}

// ApplyEnv overrides settings from ZEEBE_* variables. Durations accept Go
// duration syntax or an integer number of milliseconds.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	str(EnvAddress, &c.Gateway.Address)
	str(EnvCloudClusterID, &c.Cloud.ClusterID)
	str(EnvCloudRegion, &c.Cloud.Region)

	if v, ok := lookup(EnvInsecure); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return envError(EnvInsecure, v, err)
		}
		c.Gateway.Plaintext = b
	}

	oauthKeys := []string{EnvClientID, EnvClientSecret, EnvTokenAudience, EnvAuthServerURL, EnvTokenScope, EnvTokenCacheDir}
	if anySet(lookup, oauthKeys...) {
		if c.OAuth == nil {
			c.OAuth = &OAuth{}
		}
		str(EnvClientID, &c.OAuth.ClientID)
		str(EnvClientSecret, &c.OAuth.ClientSecret)
		str(EnvTokenAudience, &c.OAuth.Audience)
		str(EnvAuthServerURL, &c.OAuth.URL)
		str(EnvTokenScope, &c.OAuth.Scope)
		str(EnvTokenCacheDir, &c.OAuth.CacheDir)
	}

	if anySet(lookup, EnvBasicAuthUsername, EnvBasicAuthPassword) {
		if c.BasicAuth == nil {
			c.BasicAuth = &BasicAuth{}
		}
		str(EnvBasicAuthUsername, &c.BasicAuth.Username)
		str(EnvBasicAuthPassword, &c.BasicAuth.Password)
	}

	if v, ok := lookup(EnvRetry); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return envError(EnvRetry, v, err)
		}
		c.Retry.Enabled = b
	}
	if v, ok := lookup(EnvMaxRetries); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return envError(EnvMaxRetries, v, err)
		}
		c.Retry.MaxRetries = n
	}
	if v, ok := lookup(EnvMaxRetryTimeout); ok && v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return envError(EnvMaxRetryTimeout, v, err)
		}
		c.Retry.MaxRetryTimeout = d
	}
	return nil
}

func anySet(lookup LookupFunc, keys ...string) bool {
	for _, k := range keys {
		if v, ok := lookup(k); ok && v != "" {
			return true
		}
	}
	return false
}

func parseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(v)
}

func envError(key, value string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s=%q", ErrInvalidConfig, key, value)
	}
	return fmt.Errorf("%w: %s=%q: %v", ErrInvalidConfig, key, value, err)
}
