package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"angel-fanout/internal/config"
	"angel-fanout/internal/metrics"
	"angel-fanout/internal/security"
)

// addUtilityCommands adds vault and metrics commands.
func addUtilityCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newVaultCmd())
	rootCmd.AddCommand(newServeMetricsCmd(app))
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "Create, view and locate the fan-out configuration.",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:         "init",
		Short:       "Write template configuration files",
		Annotations: map[string]string{skipSetup: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			dir := configDir(cmd)
			written, err := config.WriteTemplates(dir, force)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]interface{}{"dir": dir, "written": written})
			}
			if len(written) == 0 {
				output.Warning("Configuration already exists in %s (use --force to overwrite)", dir)
				return nil
			}
			for _, path := range written {
				output.Success("✓ Created %s", path)
			}
			output.Println()
			output.Info("Add accounts to accounts.csv and set ANGEL_API_KEY, then run 'fanout accounts'.")
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")
	cmd.AddCommand(initCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			view := redactedConfig(app.Config)
			if output.IsJSON() {
				return output.JSON(view)
			}
			return showConfig(output, view)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:         "path",
		Short:       "Show configuration directory path",
		Annotations: map[string]string{skipSetup: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]string{"path": configDir(cmd)})
			}
			output.Println(configDir(cmd))
			return nil
		},
	})

	return cmd
}

// redactedConfig returns a copy of cfg that is safe to print.
func redactedConfig(cfg *config.Config) config.Config {
	view := *cfg
	if view.Broker.APIKey != "" {
		view.Broker.APIKey = security.MaskCredential(view.Broker.APIKey)
	}
	if view.MasterPassword != "" {
		view.MasterPassword = "****"
	}
	return view
}

func showConfig(output *Output, cfg config.Config) error {
	mode := "live"
	if cfg.IsPaperMode() {
		mode = "paper"
	}

	output.Bold("Broker")
	output.Printf("  Mode:             %s\n", mode)
	output.Printf("  API Key:          %s\n", cfg.Broker.APIKey)
	output.Printf("  Root URL:         %s\n", cfg.Broker.RootURL)
	output.Printf("  HTTP Timeout:     %s\n", cfg.Broker.HTTPTimeout)
	output.Println()

	output.Bold("Accounts")
	output.Printf("  File:             %s\n", cfg.Accounts.File)
	output.Printf("  Default Capital:  %.2f\n", cfg.Accounts.DefaultCapital)
	output.Printf("  Vault:            %v\n", cfg.MasterPassword != "")
	output.Println()

	output.Bold("Dispatch")
	output.Printf("  Max Attempts:     %d\n", cfg.Dispatch.MaxAttempts)
	output.Printf("  Retry Delay:      %s\n", cfg.Dispatch.RetryDelay)
	output.Printf("  Call Timeout:     %s\n", cfg.Dispatch.CallTimeout)
	output.Printf("  Dispatch Timeout: %s\n", cfg.Dispatch.DispatchTimeout)
	output.Println()

	output.Bold("Catalog")
	output.Printf("  TTL:              %s\n", cfg.Catalog.TTL)
	output.Printf("  Cache Size:       %d\n", cfg.Catalog.CacheSize)
	output.Printf("  Persist:          %v\n", cfg.Catalog.Persist)
	output.Println()

	output.Bold("Storage")
	output.Printf("  Database:         %s\n", cfg.Storage.Path)
	output.Printf("  Audit Log:        %v (%s)\n", cfg.Security.AuditEnabled, cfg.Security.AuditDir)
	output.Printf("  Log Level:        %s\n", cfg.Logging.Level)
	return nil
}

func newVaultCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Credential encryption for the accounts file",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "encrypt [value]",
		Short: "Encrypt a password or TOTP secret for accounts.csv",
		Long: `Encrypt a password or TOTP secret for accounts.csv.

The master password is read from FANOUT_MASTER_PASSWORD (or a .env file in
the config directory). Without an argument the value is read from stdin.`,
		Args:        cobra.MaximumNArgs(1),
		Annotations: map[string]string{skipSetup: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			config.LoadEnv(configDir(cmd))
			vault, err := security.NewVault(os.Getenv("FANOUT_MASTER_PASSWORD"))
			if err != nil {
				return err
			}

			value := ""
			if len(args) == 1 {
				value = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("reading value from stdin: %w", err)
				}
				value = strings.TrimRight(line, "\r\n")
			}
			if value == "" {
				return fmt.Errorf("nothing to encrypt")
			}

			encrypted, err := vault.Encrypt(value)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]string{"value": encrypted})
			}
			output.Println(encrypted)
			return nil
		},
	})

	return cmd
}

func newServeMetricsCmd(app *App) *cobra.Command {
	var (
		addr            string
		refreshInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve-metrics",
		Short: "Serve Prometheus metrics and health for the account pool",
		Long: `Log in every account, load the instrument master and serve /metrics and
/healthz until interrupted. With --refresh-interval the sessions are
re-authenticated periodically.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if addr == "" {
				addr = app.Config.Metrics.Addr
			}

			pool, err := app.Pool(ctx)
			if err != nil {
				return err
			}
			catalog, err := app.Catalog(ctx)
			if err != nil {
				return err
			}
			if _, err := catalog.GetSnapshot(ctx); err != nil {
				app.Logger.Warn().Err(err).Msg("Instrument master unavailable")
			}

			server := metrics.NewServer(addr, app.Metrics, app.Health, app.Logger)
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return server.ListenAndServe(gctx)
			})
			if refreshInterval > 0 {
				g.Go(func() error {
					ticker := time.NewTicker(refreshInterval)
					defer ticker.Stop()
					for {
						select {
						case <-gctx.Done():
							return nil
						case <-ticker.C:
							pool.RefreshAll(gctx)
							app.updateSessionHealth()
						}
					}
				})
			}
			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().DurationVar(&refreshInterval, "refresh-interval", 0, "re-authenticate accounts this often (0 disables)")

	return cmd
}
