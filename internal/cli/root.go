// Package cli provides the command-line interface for the fan-out tool.
package cli

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"angel-fanout/internal/account"
	"angel-fanout/internal/broker"
	"angel-fanout/internal/config"
	"angel-fanout/internal/dispatch"
	"angel-fanout/internal/instruments"
	"angel-fanout/internal/logging"
	"angel-fanout/internal/metrics"
	"angel-fanout/internal/security"
	"angel-fanout/internal/store"
)

// Version information
const (
	Version   = "0.1.0"
	BuildDate = "2024-03-01"
)

// skipSetup marks commands that run without a loaded configuration.
const skipSetup = "skip-setup"

// App holds the application dependencies. The account pool, catalog and
// dispatcher are built on first use so that commands only log in when they
// need to.
type App struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Health  *metrics.HealthStatus
	Audit   *security.AuditLogger
	Store   store.DataStore
	Client  broker.Client
	Source  broker.InstrumentSource

	pool       *account.Pool
	catalog    *instruments.Catalog
	dispatcher *dispatch.Dispatcher

	// Snapshot persistence runs in the background; Close waits for it.
	persistWG        sync.WaitGroup
	persistMu        sync.Mutex
	persistedVersion uint64
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd(logger zerolog.Logger) *cobra.Command {
	app := &App{Logger: logger}

	rootCmd := &cobra.Command{
		Use:   "fanout",
		Short: "Angel One multi-account order fan-out",
		Long: `fanout places one order on every configured Angel One account at once.

Accounts are read from a CSV file (Code,Pass,Capital,TOTP), logged in
concurrently through SmartAPI and kept as sessions for the duration of the
command. Each account is retried independently and the result of every
account is reported in configuration order.

Run 'fanout config init' to create a configuration.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Annotations[skipSetup] == "true" {
				return nil
			}
			return app.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return app.Close()
		},
	}

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/angel-fanout)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	rootCmd.PersistentFlags().Bool("paper", false, "use the in-memory paper broker")

	addCoreCommands(rootCmd, app)
	addAccountCommands(rootCmd, app)
	addOrderCommands(rootCmd, app)
	addInstrumentCommands(rootCmd, app)
	addUtilityCommands(rootCmd, app)

	return rootCmd
}

func configDir(cmd *cobra.Command) string {
	dir, _ := cmd.Flags().GetString("config")
	if dir == "" {
		return config.DefaultConfigDir()
	}
	return dir
}

// setup loads configuration and builds the shared infrastructure.
func (a *App) setup(cmd *cobra.Command) error {
	paper, _ := cmd.Flags().GetBool("paper")
	debug, _ := cmd.Flags().GetBool("debug")

	cfg, err := config.Load(configDir(cmd), func(c *config.Config) {
		if paper {
			c.Broker.Paper = true
		}
		if debug {
			c.Logging.Level = "debug"
		}
	})
	if err != nil {
		return err
	}
	a.Config = cfg
	a.Logger = logging.NewLoggerWithConfig(cfg.Logging)
	a.Metrics = metrics.NewMetrics()
	a.Health = metrics.NewHealthStatus()

	if cfg.Security.AuditEnabled {
		auditCfg := security.DefaultAuditConfig()
		auditCfg.LogDir = cfg.Security.AuditDir
		audit, err := security.NewAuditLogger(auditCfg)
		if err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to open audit log, continuing without it")
		} else {
			a.Audit = audit
		}
	}

	dataStore, err := store.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("Failed to initialize store, history and snapshot cache unavailable")
	} else {
		a.Store = dataStore
		a.Logger.Debug().Str("path", cfg.Storage.Path).Msg("SQLite store initialized")
	}

	if cfg.IsPaperMode() {
		paperBroker := broker.NewPaperBroker(broker.PaperBrokerConfig{Instruments: broker.SampleInstruments()})
		a.Client, a.Source = paperBroker, paperBroker
		a.Logger.Debug().Msg("Paper broker initialized")
	} else {
		client := broker.NewSmartAPIClient(broker.SmartAPIConfig{
			APIKey:         cfg.Broker.APIKey,
			RootURL:        cfg.Broker.RootURL,
			ScripMasterURL: cfg.Broker.ScripMasterURL,
			Timeout:        cfg.Broker.HTTPTimeout,
			Logger:         a.Logger,
		})
		a.Client, a.Source = client, client
		a.Logger.Debug().Str("root_url", cfg.Broker.RootURL).Msg("SmartAPI client initialized")
	}
	return nil
}

// Pool returns the account pool, logging every account in on first use.
func (a *App) Pool(ctx context.Context) (*account.Pool, error) {
	if a.pool != nil {
		return a.pool, nil
	}

	vault, err := a.Config.Vault()
	if err != nil {
		return nil, err
	}
	configs, err := config.LoadAccounts(a.Config.Accounts.File, vault, a.Config.Accounts.DefaultCapital)
	if err != nil {
		return nil, err
	}
	if len(configs) == 0 {
		return nil, fmt.Errorf("no accounts in %s", a.Config.Accounts.File)
	}

	p, err := account.Initialize(ctx, a.Client, configs, account.PoolOptions{
		Options: account.Options{
			CallTimeout: a.Config.Dispatch.CallTimeout,
			Logger:      a.Logger,
			Metrics:     a.Metrics,
			Audit:       a.Audit,
		},
		Concurrency: a.Config.Accounts.Concurrency,
	})
	if err != nil {
		return nil, err
	}
	a.pool = p
	a.updateSessionHealth()
	return p, nil
}

func (a *App) updateSessionHealth() {
	ready := len(a.pool.Ready())
	a.Health.SetSessions(ready, a.pool.Len()-ready)
	a.Metrics.SetSessions(ready, a.pool.Len()-ready)
}

// Catalog returns the instrument catalog, seeded from the local snapshot
// cache when one exists.
func (a *App) Catalog(ctx context.Context) (*instruments.Catalog, error) {
	if a.catalog != nil {
		return a.catalog, nil
	}

	persist := a.Store != nil && a.Config.Catalog.Persist
	c, err := instruments.NewCatalog(a.Source, instruments.Options{
		TTL:       a.Config.Catalog.TTL,
		CacheSize: a.Config.Catalog.CacheSize,
		Logger:    a.Logger,
		Metrics:   a.Metrics,
		OnRefresh: func(snap *instruments.Snapshot) {
			a.Health.SetCatalog(snap.Version, snap.FetchedAt)
			if !persist {
				return
			}
			a.persistWG.Add(1)
			go func() {
				defer a.persistWG.Done()
				a.persistSnapshot(snap)
			}()
		},
	})
	if err != nil {
		return nil, err
	}

	if persist {
		rows, fetchedAt, err := a.Store.LoadSnapshot(ctx)
		switch {
		case err == nil:
			if snap := c.Seed(rows, fetchedAt); snap != nil {
				a.Health.SetCatalog(snap.Version, snap.FetchedAt)
			}
		case errors.Is(err, store.ErrNotFound):
		default:
			a.Logger.Warn().Err(err).Msg("Failed to load cached instrument snapshot")
		}
	}

	a.catalog = c
	return c, nil
}

// persistSnapshot writes snap to the store unless a newer snapshot has
// already been written.
func (a *App) persistSnapshot(snap *instruments.Snapshot) {
	a.persistMu.Lock()
	defer a.persistMu.Unlock()
	if snap.Version <= a.persistedVersion {
		return
	}
	if err := a.Store.SaveSnapshot(context.Background(), snap.Rows, snap.FetchedAt); err != nil {
		a.Logger.Warn().Err(err).Msg("Failed to persist instrument snapshot")
		return
	}
	a.persistedVersion = snap.Version
	a.Logger.Debug().Uint64("version", snap.Version).Int("rows", len(snap.Rows)).Msg("Instrument snapshot persisted")
}

// Dispatcher returns the order dispatcher over the account pool.
func (a *App) Dispatcher(ctx context.Context) (*dispatch.Dispatcher, error) {
	if a.dispatcher != nil {
		return a.dispatcher, nil
	}
	p, err := a.Pool(ctx)
	if err != nil {
		return nil, err
	}

	opts := dispatch.Options{
		Config: dispatch.Config{
			Retry:       a.Config.Dispatch.Retry(),
			Timeout:     a.Config.Dispatch.DispatchTimeout,
			Concurrency: a.Config.Dispatch.Concurrency,
		},
		Logger:  a.Logger,
		Metrics: a.Metrics,
		Audit:   a.Audit,
	}
	if a.Store != nil {
		opts.Journal = a.Store
	}
	a.dispatcher = dispatch.New(p, opts)
	return a.dispatcher, nil
}

// Close waits for pending snapshot writes, then releases the store and
// audit log.
func (a *App) Close() error {
	a.persistWG.Wait()

	var errs []error
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
		a.Store = nil
	}
	if a.Audit != nil {
		errs = append(errs, a.Audit.Close())
		a.Audit = nil
	}
	return errors.Join(errs...)
}

// addCoreCommands adds core utility commands.
func addCoreCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print version information",
		Annotations: map[string]string{skipSetup: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			}
			output.Printf("fanout v%s\n", Version)
			output.Dim("Build date: %s", BuildDate)
			return nil
		},
	}
}
