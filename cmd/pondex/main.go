// Command pondex indexes Lucky Ponds contract events into PostgreSQL and
// maintains the points ledger derived from them.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/lilypad-labs/pondex/internal/calculator"
	"github.com/lilypad-labs/pondex/internal/engine"
	"github.com/lilypad-labs/pondex/internal/rpc"
	"github.com/lilypad-labs/pondex/internal/selector"
	"github.com/lilypad-labs/pondex/internal/store"
	"github.com/lilypad-labs/pondex/pkg/config"
	"github.com/lilypad-labs/pondex/pkg/decoder"
)

// selectorSchedule runs winner selection shortly after the daily pond
// rollover at midnight UTC.
const selectorSchedule = "10 1 * * *"

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "pondex",
		Short: "Lucky Ponds event indexer and points ledger",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()
			return initConfig()
		},
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./config.yaml)")

	rootCmd.AddCommand(
		migrateCmd(),
		indexCmd(),
		calculateCmd(),
		selectWinnerCmd(),
		runCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("command failed")
	}
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if os.Getenv("LOG_PRETTY") != "" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	if lvl, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/pondex")
	}
	viper.SetEnvPrefix("PONDEX")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("reading config: %w", err)
		}
		// No file is fine: defaults plus environment cover deployments
		// configured entirely through env vars.
	} else {
		log.Info().Str("file", viper.ConfigFileUsed()).Msg("loaded config")
		viper.OnConfigChange(func(e fsnotify.Event) {
			log.Info().Str("file", e.Name).Msg("config file changed, restart to apply")
		})
		viper.WatchConfig()
	}
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// openStores opens the event store and the ledger store, which may share
// one database.
func openStores(cfg *config.Config) (*store.EventStore, *store.LedgerStore, func(), error) {
	eventCfg := store.DefaultConfig()
	eventCfg.DSN = cfg.Database
	eventDB, err := store.New(eventCfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("opening event store: %w", err)
	}

	ledgerDB := eventDB
	if cfg.LedgerDSN() != cfg.Database {
		ledgerCfg := store.DefaultConfig()
		ledgerCfg.DSN = cfg.LedgerDSN()
		ledgerDB, err = store.New(ledgerCfg)
		if err != nil {
			eventDB.Close()
			return nil, nil, nil, fmt.Errorf("opening ledger store: %w", err)
		}
	}

	closeFn := func() {
		if ledgerDB != eventDB {
			ledgerDB.Close()
		}
		eventDB.Close()
	}
	return store.NewEventStore(eventDB), store.NewLedgerStore(ledgerDB), closeFn, nil
}

// newDecoder registers the built-in contract versions, preceded by the ABI
// file when one is present so deployments can track contract upgrades
// without a new binary.
func newDecoder(cfg *config.Config) (*decoder.Decoder, error) {
	d := decoder.New()

	if data, err := os.ReadFile(cfg.ABIPath); err == nil {
		if err := d.RegisterVersion("custom", string(data)); err != nil {
			return nil, fmt.Errorf("registering ABI from %s: %w", cfg.ABIPath, err)
		}
		log.Info().Str("path", cfg.ABIPath).Msg("registered custom contract ABI")
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading ABI file %s: %w", cfg.ABIPath, err)
	}

	if err := d.RegisterVersion("v2", decoder.ABIv2JSON); err != nil {
		return nil, err
	}
	if err := d.RegisterVersion("v1", decoder.ABIv1JSON); err != nil {
		return nil, err
	}
	return d, nil
}

func newChain(ctx context.Context, cfg *config.Config) (*rpc.Client, error) {
	clientCfg := rpc.DefaultConfig()
	clientCfg.URL = cfg.RPCURL
	clientCfg.MaxRetries = cfg.Sync.MaxRetries
	clientCfg.RetryDelay = cfg.Sync.RetryDelay
	return rpc.New(ctx, clientCfg)
}

func newEngine(cfg *config.Config, chain engine.Chain, events *store.EventStore) (*engine.Engine, error) {
	dec, err := newDecoder(cfg)
	if err != nil {
		return nil, err
	}
	return engine.New(engine.Config{
		ContractAddress: common.HexToAddress(cfg.ContractAddress),
		StartBlock:      cfg.StartBlock,
		PollInterval:    cfg.PollInterval,
		Sync:            cfg.Sync,
	}, chain, events, dec), nil
}

// ensureInstanceID tags the database with a stable identity for this
// deployment, useful when several environments share one RPC key.
func ensureInstanceID(ctx context.Context, events *store.EventStore) error {
	id, err := events.GetMeta(ctx, "instance_id")
	if err != nil {
		return err
	}
	if id == "" {
		id = uuid.NewString()
		if err := events.SetMeta(ctx, "instance_id", id); err != nil {
			return err
		}
	}
	log.Info().Str("instance_id", id).Msg("indexer instance")
	return nil
}

func metricsServer(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info().Int("port", port).Msg("serving metrics")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			events, ledger, closeStores, err := openStores(cfg)
			if err != nil {
				return err
			}
			defer closeStores()

			if err := events.Migrate(); err != nil {
				return fmt.Errorf("migrating event tables: %w", err)
			}
			if err := ledger.Migrate(); err != nil {
				return fmt.Errorf("migrating ledger tables: %w", err)
			}
			log.Info().Msg("migrations complete")
			return nil
		},
	}
}

func indexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "index",
		Short: "Run the ingestion engine only",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			events, _, closeStores, err := openStores(cfg)
			if err != nil {
				return err
			}
			defer closeStores()

			if err := events.Migrate(); err != nil {
				return err
			}
			if err := ensureInstanceID(ctx, events); err != nil {
				return err
			}

			chain, err := newChain(ctx, cfg)
			if err != nil {
				return err
			}
			defer chain.Close()

			eng, err := newEngine(cfg, chain, events)
			if err != nil {
				return err
			}

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return metricsServer(ctx, cfg.Server.MetricsPort) })
			g.Go(func() error { return eng.Run(ctx) })
			return g.Wait()
		},
	}
}

func calculateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "calculate",
		Short: "Run one points calculation pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			events, ledger, closeStores, err := openStores(cfg)
			if err != nil {
				return err
			}
			defer closeStores()

			if err := ledger.Migrate(); err != nil {
				return err
			}

			chain, err := newChain(ctx, cfg)
			if err != nil {
				return err
			}
			defer chain.Close()

			ponds, err := calculator.NewContractConfigSource(
				chain, common.HexToAddress(cfg.ContractAddress), cfg.Points.PondConfigTTL)
			if err != nil {
				return err
			}

			calc := calculator.New(events, ledger, ponds, cfg.Points)
			return calc.Run(ctx)
		},
	}
}

func selectWinnerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "select-winner",
		Short: "Submit pending winner selections",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			chain, err := newChain(ctx, cfg)
			if err != nil {
				return err
			}
			defer chain.Close()

			sel, err := selector.New(chain, common.HexToAddress(cfg.ContractAddress), cfg.Selector)
			if err != nil {
				return err
			}

			submitted, err := sel.Run(ctx)
			if err != nil {
				return err
			}
			log.Info().Int("submitted", submitted).Msg("winner selection pass complete")
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the indexer, scheduled calculator and winner selector",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			events, ledger, closeStores, err := openStores(cfg)
			if err != nil {
				return err
			}
			defer closeStores()

			if err := events.Migrate(); err != nil {
				return err
			}
			if err := ledger.Migrate(); err != nil {
				return err
			}
			if err := ensureInstanceID(ctx, events); err != nil {
				return err
			}

			chain, err := newChain(ctx, cfg)
			if err != nil {
				return err
			}
			defer chain.Close()

			eng, err := newEngine(cfg, chain, events)
			if err != nil {
				return err
			}

			ponds, err := calculator.NewContractConfigSource(
				chain, common.HexToAddress(cfg.ContractAddress), cfg.Points.PondConfigTTL)
			if err != nil {
				return err
			}
			calc := calculator.New(events, ledger, ponds, cfg.Points)

			scheduler := cron.New()
			_, err = scheduler.AddFunc(cfg.Points.Schedule, func() {
				if err := calc.Run(ctx); err != nil {
					log.Error().Err(err).Msg("calculator run failed")
				}
			})
			if err != nil {
				return fmt.Errorf("scheduling calculator: %w", err)
			}

			if cfg.Selector.PrivateKey != "" {
				sel, err := selector.New(chain, common.HexToAddress(cfg.ContractAddress), cfg.Selector)
				if err != nil {
					return err
				}
				_, err = scheduler.AddFunc(selectorSchedule, func() {
					if _, err := sel.Run(ctx); err != nil {
						log.Error().Err(err).Msg("winner selection failed")
					}
				})
				if err != nil {
					return fmt.Errorf("scheduling selector: %w", err)
				}
				log.Info().Str("from", sel.From().Hex()).Msg("winner selector enabled")
			}

			scheduler.Start()
			defer scheduler.Stop()

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return metricsServer(ctx, cfg.Server.MetricsPort) })
			g.Go(func() error { return eng.Run(ctx) })
			return g.Wait()
		},
	}
}
