package cli

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/ChuLiYu/zbworker/internal/bpmn"
	"github.com/ChuLiYu/zbworker/internal/channel"
	"github.com/ChuLiYu/zbworker/internal/client"
)

// Zero values are printed so enum defaults such as the LEADER role show up.
var printer = protojson.MarshalOptions{Multiline: true, Indent: "  ", EmitUnpopulated: true}

func printProto(w io.Writer, m proto.Message) error {
	b, err := printer.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to render response: %w", err)
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

// ============================================================================
// Gateway commands
// ============================================================================

func buildTopologyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "topology",
		Short: "Print the cluster topology",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *client.Client) error {
				resp, err := c.Topology(ctx)
				if err != nil {
					return fmt.Errorf("failed to fetch topology: %w", err)
				}
				return printProto(cmd.OutOrStdout(), resp)
			})
		},
	}
}

func buildDeployCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "deploy FILE...",
		Short: "Deploy BPMN resources",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resources, err := readResources(args)
			if err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, c *client.Client) error {
				resp, err := c.DeployResource(ctx, resources...)
				if err != nil {
					return fmt.Errorf("failed to deploy: %w", err)
				}
				return printProto(cmd.OutOrStdout(), resp)
			})
		},
	}
}

func buildCreateInstanceCommand() *cobra.Command {
	var (
		variables string
		version   int32
	)

	cmd := &cobra.Command{
		Use:   "create-instance BPMN_PROCESS_ID",
		Short: "Start a process instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *client.Client) error {
				resp, err := c.CreateProcessInstance(ctx, channel.CreateProcessInstanceRequest{
					BpmnProcessID: args[0],
					Version:       version,
					Variables:     optionalJSON(variables),
				})
				if err != nil {
					return fmt.Errorf("failed to create instance: %w", err)
				}
				return printProto(cmd.OutOrStdout(), resp)
			})
		},
	}

	cmd.Flags().StringVar(&variables, "variables", "", "instance variables as a JSON object")
	cmd.Flags().Int32Var(&version, "version", -1, "process version (-1 for the latest)")
	return cmd
}

func buildPublishMessageCommand() *cobra.Command {
	var (
		correlationKey string
		messageID      string
		variables      string
		ttl            time.Duration
	)

	cmd := &cobra.Command{
		Use:   "publish-message NAME",
		Short: "Publish a correlated message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *client.Client) error {
				key, err := c.PublishMessage(ctx, channel.PublishMessageRequest{
					Name:           args[0],
					CorrelationKey: correlationKey,
					TimeToLive:     ttl,
					MessageID:      messageID,
					Variables:      optionalJSON(variables),
				})
				if err != nil {
					return fmt.Errorf("failed to publish message: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "message key: %d\n", key)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&correlationKey, "correlation-key", "", "correlation key")
	cmd.Flags().StringVar(&messageID, "message-id", "", "unique message id")
	cmd.Flags().StringVar(&variables, "variables", "", "message variables as a JSON object")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "message time to live")
	cmd.MarkFlagRequired("correlation-key")
	return cmd
}

func buildCancelInstanceCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel-instance KEY",
		Short: "Cancel a process instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid process instance key %q: %w", args[0], err)
			}
			return withClient(cmd, func(ctx context.Context, c *client.Client) error {
				if err := c.CancelProcessInstance(ctx, key); err != nil {
					return fmt.Errorf("failed to cancel instance: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cancelled process instance %d\n", key)
				return nil
			})
		},
	}
}

// ============================================================================
// Offline commands
// ============================================================================

func buildInspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect FILE...",
		Short: "List processes, job types and messages of BPMN files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resources, err := readResources(args)
			if err != nil {
				return err
			}
			docs := make([][]byte, 0, len(resources))
			for _, r := range resources {
				docs = append(docs, r.Content)
			}
			md, err := bpmn.Extract(docs...)
			if err != nil {
				return fmt.Errorf("failed to inspect: %w", err)
			}
			printMetadata(cmd.OutOrStdout(), md)
			return nil
		},
	}
}

func printMetadata(w io.Writer, md bpmn.Metadata) {
	for _, p := range md.Processes {
		fmt.Fprintf(w, "process %s", p.ID)
		if p.Name != "" {
			fmt.Fprintf(w, " (%s)", p.Name)
		}
		fmt.Fprintln(w)
		for _, st := range p.ServiceTasks {
			fmt.Fprintf(w, "  └─ %s  type=%s retries=%d\n", st.ID, st.Type, st.Retries)
		}
	}
	fmt.Fprintf(w, "task types: %v\n", md.TaskTypes)
	if len(md.MessageNames) > 0 {
		fmt.Fprintf(w, "messages:   %v\n", md.MessageNames)
	}
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the resolved configuration status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile, configExplicit)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			w := cmd.OutOrStdout()

			fmt.Fprintln(w, "Gateway:")
			fmt.Fprintf(w, "  ├─ Address:    %s\n", cfg.Gateway.Address)
			fmt.Fprintf(w, "  ├─ Plaintext:  %t\n", cfg.Gateway.Plaintext)
			fmt.Fprintf(w, "  └─ Profile:    %s\n", cfg.Profile)

			fmt.Fprintln(w, "Credentials:")
			switch {
			case cfg.OAuth != nil:
				fmt.Fprintf(w, "  └─ OAuth client %s at %s\n", cfg.OAuth.ClientID, cfg.OAuth.URL)
			case cfg.BasicAuth != nil:
				fmt.Fprintf(w, "  └─ Basic auth as %s\n", cfg.BasicAuth.Username)
			default:
				fmt.Fprintln(w, "  └─ none")
			}

			fmt.Fprintln(w, "Retry:")
			fmt.Fprintf(w, "  └─ enabled=%t max_retries=%d max_retry_timeout=%s\n",
				cfg.Retry.Enabled, cfg.Retry.MaxRetries, cfg.Retry.MaxRetryTimeout)

			fmt.Fprintf(w, "Workers: %d\n", len(cfg.Workers))
			for _, wc := range cfg.Workers {
				fmt.Fprintf(w, "  └─ %s max_jobs=%d batch=%t\n", wc.TaskType, wc.MaxJobsToActivate, wc.Batch)
			}

			if cfg.Metrics.Enabled {
				fmt.Fprintf(w, "Metrics: enabled on :%d/metrics\n", cfg.Metrics.Port)
			} else {
				fmt.Fprintln(w, "Metrics: disabled")
			}
			return nil
		},
	}
}

// ============================================================================
// Helpers
// ============================================================================

func readResources(paths []string) ([]channel.Resource, error) {
	resources := make([]channel.Resource, 0, len(paths))
	for _, p := range paths {
		content, err := afero.ReadFile(fsys, p)
		if err != nil {
			return nil, fmt.Errorf("failed to read resource: %w", err)
		}
		resources = append(resources, channel.Resource{Name: filepath.Base(p), Content: content})
	}
	return resources, nil
}

// optionalJSON returns nil for an empty flag so the call sends "{}".
func optionalJSON(s string) any {
	if s == "" {
		return nil
	}
	return s
}
