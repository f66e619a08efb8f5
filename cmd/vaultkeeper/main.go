package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/elys-network/vaultkeeper/internal/config"
	"github.com/elys-network/vaultkeeper/internal/datafetcher"
	"github.com/elys-network/vaultkeeper/internal/keeper"
	"github.com/elys-network/vaultkeeper/internal/logger"
	"github.com/elys-network/vaultkeeper/internal/metrics"
	"github.com/elys-network/vaultkeeper/internal/operation"
	"github.com/elys-network/vaultkeeper/internal/oracle"
	"github.com/elys-network/vaultkeeper/internal/state"
	"github.com/elys-network/vaultkeeper/internal/types"
	"github.com/elys-network/vaultkeeper/internal/valuation"
	"github.com/elys-network/vaultkeeper/internal/vault"
	"github.com/elys-network/vaultkeeper/internal/web"
)

const parametersVersion = 1

func main() {
	if err := rootCmd().ExecuteContext(context.Background()); err != nil {
		log.Error().Err(err).Msg("vaultkeeper failed")
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "vaultkeeper",
		Short:         "Vault ledger, oracle cache and operation guard",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(); err != nil {
				log.Warn().Msg("Warning: .env file not found. Relying on OS environment variables.")
			}
			if err := config.LoadConfig(); err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			logger.Initialize(os.Getenv("LOG_LEVEL"))
			return nil
		},
	}
	root.AddCommand(serveCmd(), migrateCmd(), statusCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the keeper loop and the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

func migrateCmd() *cobra.Command {
	var reset bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := openDB(); err != nil {
				return err
			}
			defer state.CloseDB()
			if reset {
				log.Warn().Msg("Dropping all vaultkeeper tables")
				if err := state.DropSchema(); err != nil {
					return err
				}
			}
			if err := state.EnsureSchema(); err != nil {
				return err
			}
			log.Info().Msg("Database schema is up to date")
			return nil
		},
	}
	cmd.Flags().BoolVar(&reset, "reset", false, "drop every table before recreating the schema")
	return cmd
}

func statusCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print persisted operation history and loss budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := openDB(); err != nil {
				return err
			}
			defer state.CloseDB()

			stats, err := state.GetOperationStats(config.VaultID)
			if err != nil {
				return err
			}
			epoch, err := state.LoadEpochLoss(config.VaultID)
			if err != nil {
				return err
			}
			recent, err := state.GetRecentOperations(config.VaultID, limit)
			if err != nil {
				return err
			}

			report := map[string]interface{}{
				"vault_id":   config.VaultID,
				"stats":      stats,
				"epoch_loss": epoch,
				"recent":     recent,
			}
			if config.RedisAddr != "" {
				mirrored, err := mirroredPrices(cmd.Context())
				if err != nil {
					return err
				}
				report["mirrored_prices"] = mirrored
			}

			out := json.NewEncoder(cmd.OutOrStdout())
			out.SetIndent("", "  ")
			return out.Encode(report)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "number of recent operations to print")
	return cmd
}

// mirroredPrices reads the mirror entry of every registered token. Expired entries are skipped.
func mirroredPrices(ctx context.Context) ([]oracle.Binding, error) {
	registry, err := config.LoadAssetRegistry(config.AssetsFile)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(&redis.Options{Addr: config.RedisAddr, Password: config.RedisPassword})
	defer client.Close()

	mirror := oracle.NewMirror(client, config.StalenessWindow)
	out := make([]oracle.Binding, 0, len(registry.Tokens))
	for _, t := range registry.Tokens {
		b, err := mirror.Lookup(ctx, t.Asset)
		if errors.Is(err, oracle.ErrNotMirrored) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, nil
}

func openDB() error {
	dbCfg := state.DBConfig{
		Host:     config.Database.Host,
		Port:     config.Database.Port,
		User:     config.Database.User,
		Password: config.Database.Password,
		DBName:   config.Database.Name,
		SSLMode:  config.Database.SSLMode,
	}
	if err := state.InitDB(dbCfg); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// loadParameters returns the active parameter row, seeding the defaults on first start.
func loadParameters() (types.VaultParameters, error) {
	params, err := state.LoadActiveVaultParameters(config.VaultID)
	if err == nil {
		return *params, nil
	}
	if !errors.Is(err, state.ErrNoActiveParameters) {
		return types.VaultParameters{}, err
	}

	log.Warn().Msg("No active vault parameters found, saving defaults.")
	defaults := config.DefaultVaultParameters
	defaults.ValueFreshness = config.StalenessWindow
	if _, err := state.SaveVaultParameters(config.VaultID, defaults, parametersVersion, true); err != nil {
		return types.VaultParameters{}, fmt.Errorf("failed to save default vault parameters: %w", err)
	}
	return defaults, nil
}

func serve(ctx context.Context) error {
	log.Info().Str("vault_id", config.VaultID).Msg("vaultkeeper starting")

	// --- 1. Persistence ---
	if err := openDB(); err != nil {
		return err
	}
	defer state.CloseDB()
	if err := state.EnsureSchema(); err != nil {
		return fmt.Errorf("failed to ensure database schema: %w", err)
	}
	params, err := loadParameters()
	if err != nil {
		return err
	}
	store := state.Store{}

	// --- 2. Oracle ---
	feed, err := datafetcher.NewHTTPPriceFeed(config.PriceFeedAPI)
	if err != nil {
		return err
	}
	metadata, err := datafetcher.NewHTTPMetadataSource(config.MetadataAPI)
	if err != nil {
		return err
	}
	cache, err := oracle.NewCache(feed, metadata, nil, oracle.DefaultConfig(config.StalenessWindow))
	if err != nil {
		return err
	}
	registry, err := config.LoadAssetRegistry(config.AssetsFile)
	if err != nil {
		return err
	}
	for _, t := range registry.Tokens {
		if err := cache.Register(ctx, t.Asset, t.FeedID, t.Decimals); err != nil {
			return fmt.Errorf("failed to register %s: %w", t.Symbol, err)
		}
	}
	if err := cache.RefreshAll(ctx); err != nil {
		log.Warn().Err(err).Msg("Initial price refresh incomplete")
	}

	// --- 3. Vault ---
	entries, err := registry.Entries()
	if err != nil {
		return err
	}
	v, admin, err := vault.New(vault.Options{
		ID:              config.VaultID,
		PrincipalAsset:  config.PrincipalAsset,
		Params:          params,
		OracleStaleness: cache.MaxStaleness(),
		Prices:          cache,
	}, entries)
	if err != nil {
		return fmt.Errorf("failed to create vault: %w", err)
	}
	cache.SetGuard(v)

	if saved, err := store.LoadEpochLoss(config.VaultID); err != nil {
		return err
	} else if saved != nil {
		if err := v.RestoreEpochLoss(*saved); err != nil {
			return err
		}
		log.Info().Uint64("epoch", saved.Epoch).Str("loss", saved.Loss.String()).Msg("Restored loss budget")
	}

	directory := valuation.NewDirectory()
	directory.Add(config.VaultID, v)
	engine, err := valuation.NewEngine(cache, directory, params.MinHealthFactor)
	if err != nil {
		return err
	}

	m := metrics.New()
	controller, err := operation.NewController(operation.Config{
		Vault:    v,
		Valuer:   engine,
		Recorder: store,
		Metrics:  m,
	})
	if err != nil {
		return err
	}

	// --- 4. Optional price mirror ---
	kcfg := keeper.Config{
		Vault:   v,
		Oracle:  cache,
		Valuer:  engine,
		Store:   store,
		Stuck:   controller,
		Metrics: m,
	}
	wcfg := web.Config{
		Port:    config.WebPort,
		Vault:   v,
		Prices:  cache,
		History: store,
		Metrics: m,
	}
	if config.AdminToken != "" && config.OperatorToken != "" {
		operator, err := v.CreateOperator(admin)
		if err != nil {
			return err
		}
		wcfg.Ledger = v
		wcfg.Recoverer = controller
		wcfg.Runner = controller
		wcfg.Strategies = operation.Strategies(operation.PassThrough{})
		wcfg.Admin = admin
		wcfg.Operator = operator
		wcfg.AdminToken = config.AdminToken
		wcfg.OperatorToken = config.OperatorToken
		log.Info().Str("operator", operator.ID).Msg("Write API enabled")
	} else {
		log.Info().Msg("Write API disabled, set ADMIN_TOKEN and OPERATOR_TOKEN to enable it")
	}
	if config.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: config.RedisAddr, Password: config.RedisPassword})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to reach redis at %s: %w", config.RedisAddr, err)
		}
		mirror := oracle.NewMirror(client, config.StalenessWindow)
		kcfg.Mirror = mirror
		wcfg.Mirror = mirror
	}

	// --- 5. Loops ---
	k, err := keeper.NewKeeper(kcfg)
	if err != nil {
		return err
	}
	server, err := web.NewWebServer(wcfg)
	if err != nil {
		return err
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()
	go k.RunLoop(ctx, config.KeeperInterval)

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("web server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Web server shutdown failed")
	}
	return nil
}
