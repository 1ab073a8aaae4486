// Command fuse-server runs the automation engine. The default command
// serves; provision upserts the catalog into the database; check-config
// validates settings and prints the effective values.
package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"fuse/internal/bootstrap"
	"fuse/internal/config"
)

const version = "1.0.0"

const closeTimeout = 10 * time.Second

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", red("Error:"), err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "fuse-server",
		Short: "Action-reaction automation engine",
		Long: `fuse-server runs the automation engine: timer, poll and webhook triggers
feed a durable execution queue whose workers invoke reaction handlers with
retries, exponential backoff and a dead letter queue.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(*cobra.Command, []string) error {
			return runServe(configPath)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Config file (default search: ./fuse.yaml, ./configs/fuse.yaml, /etc/fuse/fuse.yaml)")

	rootCmd.AddCommand(newServeCommand(&configPath))
	rootCmd.AddCommand(newProvisionCommand(&configPath))
	rootCmd.AddCommand(newCheckConfigCommand(&configPath))
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine (the default command)",
		RunE: func(*cobra.Command, []string) error {
			return runServe(*configPath)
		},
	}
}

func runServe(configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, bootstrap.Options{ConfigPath: configPath, Version: version})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := app.Close(closeCtx); err != nil {
			fmt.Fprintf(os.Stderr, "cleanup: %v\n", err)
		}
	}()

	return app.Run(ctx)
}

func newProvisionCommand(configPath *string) *cobra.Command {
	var catalogPath string

	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Upsert catalog services, actions and reactions into the database",
		RunE: func(*cobra.Command, []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			res, err := bootstrap.Provision(ctx,
				bootstrap.Options{ConfigPath: *configPath, Version: version}, catalogPath)
			if err != nil {
				return err
			}

			fmt.Printf("%s Provisioned %d services, %d actions, %d reactions\n",
				green("✓"), res.Services, res.Actions, res.Reactions)
			return nil
		},
	}
	cmd.Flags().StringVar(&catalogPath, "catalog", "",
		"Catalog file (default: catalog.path from the config)")

	return cmd
}

func newCheckConfigCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate configuration and print the effective settings",
		RunE: func(*cobra.Command, []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				fmt.Printf("%s %v\n", red("✗"), err)
				return fmt.Errorf("configuration invalid")
			}
			printConfigReport(cfg)
			return nil
		},
	}
}

func printConfigReport(cfg *config.Config) {
	fmt.Printf("%s configuration valid\n\n", green("✓"))

	fmt.Println(bold("Server"))
	fmt.Printf("  listen         %s\n", cfg.Server.Addr())
	fmt.Printf("  public URL     %s\n", cfg.Server.PublicURL)
	fmt.Printf("  CORS           %t\n", cfg.Server.EnableCORS)
	fmt.Printf("  rate limit     %.0f rps, burst %d\n", cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)

	fmt.Println(bold("Database"))
	fmt.Printf("  url            %s\n", maskURL(cfg.Database.URL))
	fmt.Printf("  max conns      %d\n", cfg.Database.MaxConns)

	fmt.Println(bold("Engine"))
	fmt.Printf("  workers        %d\n", cfg.Engine.WorkerCount)
	fmt.Printf("  retry          max %d, base %s, cap %s\n",
		cfg.Engine.DefaultRetryMax, cfg.Engine.RetryBase(), cfg.Engine.RetryCap())
	fmt.Printf("  retention      success %dd, failed %dd\n",
		cfg.Engine.RetentionSuccessDays, cfg.Engine.RetentionFailedDays)
	fmt.Printf("  poll interval  %s\n", cfg.Engine.PollInterval(""))

	fmt.Println(bold("Catalog"))
	fmt.Printf("  path           %s\n", cfg.Catalog.Path)

	fmt.Println(bold("Observability"))
	fmt.Printf("  logging        %s (%s)\n", cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	fmt.Printf("  metrics        enabled=%t port=%d\n",
		cfg.Observability.MetricsEnabled, cfg.Observability.PrometheusPort)
	fmt.Printf("  tracing        enabled=%t exporter=%s\n",
		cfg.Observability.TracingEnabled, cfg.Observability.TraceExporter)

	if len(cfg.WebhookSecrets) == 0 {
		fmt.Printf("\n%s no webhook secrets configured; every inbound delivery will be rejected\n", yellow("!"))
	}
	if len(cfg.Providers) == 0 {
		fmt.Printf("%s no oauth provider credentials configured; token refresh is disabled\n", yellow("!"))
	}
	if cfg.Mail.GatewayURL == "" {
		fmt.Printf("%s mail.gateway_url is empty; send_email reactions will fail\n", yellow("!"))
	}
}

// maskURL hides the password in a connection URL for display.
func maskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if u.User != nil {
		if _, has := u.User.Password(); has {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
		}
	}
	return u.String()
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(*cobra.Command, []string) {
			fmt.Printf("fuse-server %s\n", version)
		},
	}
}
