package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/davidbasswwu/ezproxy-browser-extension-sub000/internal/app"
	"github.com/davidbasswwu/ezproxy-browser-extension-sub000/internal/config"
	"github.com/davidbasswwu/ezproxy-browser-extension-sub000/internal/logging"
	"github.com/davidbasswwu/ezproxy-browser-extension-sub000/internal/redirect"
	grpctransport "github.com/davidbasswwu/ezproxy-browser-extension-sub000/internal/transport/grpc"
)

type rootOptions struct {
	configPath string
	addr       string
	timeout    time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "ezproxy-service",
		Short: "Offer EZproxy redirects for library-licensed publisher sites",
		Long: `ezproxy-service keeps the list of publisher domains available through the
library proxy up to date and turns visits to those domains into proxied URLs.

Run 'ezproxy-service serve' to start the HTTP and gRPC servers. The other
commands talk to a running server over gRPC.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("EZPROXY_CONFIG"), "path to a YAML config file")
	root.PersistentFlags().StringVar(&opts.addr, "addr", "localhost:9090", "gRPC address of a running server")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "timeout of client calls")

	root.AddCommand(
		newServeCmd(opts),
		newCheckCmd(opts),
		newStatusCmd(opts),
		newRefreshCmd(opts),
		newDomainCmd(opts, "dismiss", "Stop offering redirects for a domain and its subdomains"),
		newDomainCmd(opts, "allow", "Offer redirects for a previously dismissed domain again"),
	)
	return root
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the updater, the HTTP API and the gRPC API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			a, err := app.New(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			return a.Run(cmd.Context())
		},
	}
}

func newCheckCmd(opts *rootOptions) *cobra.Command {
	var offline bool

	cmd := &cobra.Command{
		Use:   "check URL",
		Short: "Show the proxied URL for a page, if its domain is eligible",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if offline {
				return checkOffline(cmd, opts, args[0])
			}
			return withClient(cmd, opts, func(ctx context.Context, c *grpctransport.Client) (any, error) {
				return c.Check(ctx, &grpctransport.CheckRequest{URL: args[0]})
			})
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "load the domain list locally instead of asking a server")
	return cmd
}

// checkOffline builds the components from the config, loads the list the
// same way the server does and checks url once.
func checkOffline(cmd *cobra.Command, opts *rootOptions, url string) error {
	cfg, log, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx := cmd.Context()
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	if set, err := a.Domains.Refresh(ctx); err != nil {
		if set.Len() == 0 {
			return err
		}
		log.Warn("using degraded domain list", zap.String("source", string(set.Source)), zap.Error(err))
	}

	offer, ok, err := a.Redirects.Check(ctx, redirect.Navigation{FullURL: url})
	if err != nil {
		return err
	}
	resp := grpctransport.CheckResponse{Eligible: ok}
	if ok {
		resp.Offer = &offer
	}
	return printJSON(cmd.OutOrStdout(), resp)
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show where the served domain list came from and how old it is",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, opts, func(ctx context.Context, c *grpctransport.Client) (any, error) {
				return c.Status(ctx, &grpctransport.StatusRequest{})
			})
		},
	}
}

func newRefreshCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Fetch the remote domain list now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, opts, func(ctx context.Context, c *grpctransport.Client) (any, error) {
				return c.Refresh(ctx, &grpctransport.RefreshRequest{})
			})
		},
	}
}

func newDomainCmd(opts *rootOptions, name, short string) *cobra.Command {
	return &cobra.Command{
		Use:   name + " DOMAIN",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, opts, func(ctx context.Context, c *grpctransport.Client) (any, error) {
				req := &grpctransport.DomainRequest{Domain: args[0]}
				if name == "allow" {
					return c.Allow(ctx, req)
				}
				return c.Dismiss(ctx, req)
			})
		},
	}
}

func withClient(cmd *cobra.Command, opts *rootOptions, call func(context.Context, *grpctransport.Client) (any, error)) error {
	c, err := grpctransport.Dial(opts.addr)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", opts.addr, err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()

	resp, err := call(ctx, c)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), resp)
}

func loadConfig(path string) (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, nil, err
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("%w: log level: %v", config.ErrInvalid, err)
	}
	return cfg, log, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
