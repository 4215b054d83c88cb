// ============================================================================
// zbworker CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree around the worker runtime and gateway calls
//
// Command Structure:
//   zbworker                       # Root command
//   ├── run                        # Start the configured workers
//   ├── status                     # Print the resolved configuration
//   ├── topology                   # Print the cluster topology
//   ├── deploy FILE...             # Deploy BPMN resources
//   ├── create-instance ID         # Start a process instance
//   ├── publish-message NAME       # Publish a correlated message
//   ├── cancel-instance KEY        # Cancel a process instance
//   ├── inspect FILE...            # List processes and job types offline
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   └── --version
//
// Configuration:
//   The YAML file is optional when --config is not given explicitly.
//   ZEEBE_* environment variables override the file, then the cloud
//   shorthand is resolved and the result validated.
//
// run Command:
//   1. Load config and build the client
//   2. Start one worker per workers[] entry, each completing its jobs with
//      complete_variables
//   3. Start the metrics HTTP server (if enabled)
//   4. Wait for SIGINT or SIGTERM
//   5. Close the client, draining in-flight jobs for up to close_timeout
//
// ============================================================================

package cli

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/zbworker/internal/auth"
	"github.com/ChuLiYu/zbworker/internal/client"
	"github.com/ChuLiYu/zbworker/internal/config"
	"github.com/ChuLiYu/zbworker/internal/metrics"
)

const defaultConfigPath = "configs/default.yaml"

var (
	configFile     string
	configExplicit bool

	// fsys backs config, CA certificate, BPMN and token cache reads.
	fsys afero.Fs = afero.NewOsFs()

	// dialOptions are appended to every client; tests route them to a fake broker.
	dialOptions []grpc.DialOption
)

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "zbworker",
		Short: "zbworker: a job worker runtime for Zeebe",
		Long: `zbworker activates jobs from a Zeebe gateway and runs them with:
- long-polling workers with bounded capacity
- debounced connection health
- OAuth token caching shared across channels
- Prometheus metrics`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			configExplicit = cmd.Flags().Changed("config")
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", defaultConfigPath, "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildTopologyCommand())
	rootCmd.AddCommand(buildDeployCommand())
	rootCmd.AddCommand(buildCreateInstanceCommand())
	rootCmd.AddCommand(buildPublishMessageCommand())
	rootCmd.AddCommand(buildCancelInstanceCommand())
	rootCmd.AddCommand(buildInspectCommand())

	return rootCmd
}

// loadConfig reads the config file, applies the environment and validates.
// A missing default file falls back to defaults.
func loadConfig(path string, required bool) (*config.Config, error) {
	cfg, err := config.LoadFs(fsys, path)
	if err != nil {
		if required || !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		cfg = config.Default()
	}
	if err := cfg.ApplyOSEnv(); err != nil {
		return nil, err
	}
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds the slog handler selected by log.level and log.format.
func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// clientOptions maps the configuration onto client.Options. The returned
// cleanup releases resources the options hold, such as a Redis connection.
func clientOptions(cfg *config.Config, logger *slog.Logger, collector *metrics.Collector) (client.Options, func(), error) {
	cleanup := func() {}
	opts := client.Options{
		Address:         cfg.Gateway.Address,
		Plaintext:       cfg.Gateway.Plaintext,
		EagerConnection: cfg.Gateway.EagerConnection,
		CallTimeout:     cfg.Gateway.CallTimeout,
		Retry:           cfg.Retry.Enabled,
		MaxRetries:      cfg.Retry.MaxRetries,
		MaxRetryTimeout: cfg.Retry.MaxRetryTimeout,
		Profile:         cfg.Characteristics(),
		DialOptions:     dialOptions,
		Metrics:         collector,
		Logger:          logger,
	}

	if cfg.Gateway.CACertPath != "" && !cfg.Gateway.Plaintext {
		tlsCfg, err := loadCACert(cfg.Gateway.CACertPath)
		if err != nil {
			return opts, cleanup, err
		}
		opts.TLS = tlsCfg
	}

	switch {
	case cfg.OAuth != nil:
		oauth := &auth.OAuthConfig{
			URL:          cfg.OAuth.URL,
			Audience:     cfg.OAuth.Audience,
			ClientID:     cfg.OAuth.ClientID,
			ClientSecret: cfg.OAuth.ClientSecret,
			Scope:        cfg.OAuth.Scope,
			Logger:       logger,
		}
		switch {
		case cfg.OAuth.RedisAddr != "":
			rdb := redis.NewClient(&redis.Options{Addr: cfg.OAuth.RedisAddr})
			oauth.Store = auth.NewRedisStore(rdb, cfg.OAuth.RedisPrefix)
			cleanup = func() { rdb.Close() }
		case cfg.OAuth.CacheDir != "":
			store, err := auth.NewFileStore(fsys, cfg.OAuth.CacheDir)
			if err != nil {
				return opts, cleanup, fmt.Errorf("failed to open token cache: %w", err)
			}
			oauth.Store = store
		}
		opts.OAuth = oauth
	case cfg.BasicAuth != nil:
		opts.BasicAuth = &auth.BasicAuth{Username: cfg.BasicAuth.Username, Password: cfg.BasicAuth.Password}
	}
	return opts, cleanup, nil
}

func loadCACert(path string) (*tls.Config, error) {
	pem, err := afero.ReadFile(fsys, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

// withClient loads the configuration, opens a client, runs fn and closes.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *client.Client) error) error {
	cfg, err := loadConfig(configFile, configExplicit)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	opts, cleanup, err := clientOptions(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer cleanup()

	c, err := client.New(opts)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer c.Close(cfg.CloseTimeout)

	return fn(commandContext(cmd), c)
}

