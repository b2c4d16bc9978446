package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/envpool/internal/app"
	"github.com/MarkoPoloResearchLab/envpool/internal/awsprovider"
	"github.com/MarkoPoloResearchLab/envpool/internal/telemetry"
	"github.com/MarkoPoloResearchLab/envpool/pkg/cleanup"
	"github.com/MarkoPoloResearchLab/envpool/pkg/pool"
)

const (
	flagConfig                   = "config"
	flagListenAddr               = "listen-addr"
	flagHealthAddr               = "health-addr"
	flagStoreDriver              = "store-driver"
	flagDatabaseURL              = "database-url"
	flagBadgerPath               = "badger-path"
	flagQueueDriver              = "queue-driver"
	flagNATSURL                  = "nats-url"
	flagProvider                 = "provider"
	flagRegions                  = "regions"
	flagAWSProfile               = "aws-profile"
	flagExecutionRoleName        = "execution-role-name"
	flagCredentialsRoleARN       = "credentials-role-arn"
	flagReservationTTL           = "reservation-ttl"
	flagReservationRetryDelay    = "reservation-retry-delay"
	flagReservationAttemptJitter = "reservation-attempt-jitter"
	flagCleanupRetryDelay        = "cleanup-retry-delay"
	flagCleanupMaxAttempts       = "cleanup-max-attempts"
	flagJammedThreshold          = "jammed-threshold"
	flagJammedSweepInterval      = "jammed-sweep-interval"
	flagOrphanSweepInterval      = "orphan-sweep-interval"
	flagExpirySweepInterval      = "expiry-sweep-interval"
	flagEventTTL                 = "event-ttl"
	flagAllowedOrigins           = "allowed-origins"
	flagJWTSigningKey            = "jwt-signing-key"
	flagJWTIssuer                = "jwt-issuer"
	flagJWTCookieName            = "jwt-cookie-name"
	flagLogLevel                 = "log-level"
	flagDevelopment              = "development"
	flagTraceStdout              = "trace-stdout"
	flagStatus                   = "status"
	envPrefix                    = "ENVPOOL"
)

var boundFlags = []string{
	flagListenAddr, flagHealthAddr, flagStoreDriver, flagDatabaseURL, flagBadgerPath, flagQueueDriver, flagNATSURL,
	flagProvider, flagRegions, flagAWSProfile, flagExecutionRoleName, flagCredentialsRoleARN,
	flagReservationTTL, flagReservationRetryDelay, flagReservationAttemptJitter, flagCleanupRetryDelay, flagCleanupMaxAttempts,
	flagJammedThreshold, flagJammedSweepInterval, flagOrphanSweepInterval, flagExpirySweepInterval, flagEventTTL,
	flagAllowedOrigins, flagJWTSigningKey, flagJWTIssuer, flagJWTCookieName,
	flagLogLevel, flagDevelopment, flagTraceStdout,
}

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "poold: %v\n", err)
		os.Exit(1)
	}
}

type commandState struct {
	cfg    app.Config
	logger *zap.Logger
}

func newRootCommand() *cobra.Command {
	state := &commandState{}
	cmd := &cobra.Command{
		Use:           "poold",
		Short:         "Environment account pool",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cmd, &state.cfg); err != nil {
				return err
			}
			logger, err := telemetry.NewLogger(state.cfg.LogLevel, state.cfg.Development)
			if err != nil {
				return err
			}
			state.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if state.logger != nil {
				_ = state.logger.Sync()
			}
		},
	}

	flags := cmd.PersistentFlags()
	flags.String(flagConfig, "", "optional config file (yaml, json or toml)")
	flags.String(flagListenAddr, "", "HTTP listen address")
	flags.String(flagHealthAddr, "", "worker gRPC health listen address")
	flags.String(flagStoreDriver, "", "store driver: gorm, pgx, badger or memory")
	flags.String(flagDatabaseURL, "", "database URL (sqlite://path or postgres://...)")
	flags.String(flagBadgerPath, "", "badger data directory")
	flags.String(flagQueueDriver, "", "queue driver: nats or memory")
	flags.String(flagNATSURL, "", "NATS server URL")
	flags.String(flagProvider, "", "cloud provider for cleaners: aws or none")
	flags.String(flagRegions, "", "comma-separated regions to clean")
	flags.String(flagAWSProfile, "", "shared AWS config profile")
	flags.String(flagExecutionRoleName, "", "role assumed inside each pooled account for cleanup")
	flags.String(flagCredentialsRoleARN, "", "role assumed to hand credentials to reservation holders")
	flags.Duration(flagReservationTTL, 0, "reservation lifetime before the expiry sweep releases it")
	flags.Duration(flagReservationRetryDelay, 0, "delay before retrying a reservation attempt with no ready account")
	flags.Duration(flagReservationAttemptJitter, 0, "upper bound of the random pause before each reservation attempt")
	flags.Duration(flagCleanupRetryDelay, 0, "delay between a cleaner retry and its refresh")
	flags.Int(flagCleanupMaxAttempts, 0, "clean attempts per resource before giving up")
	flags.Duration(flagJammedThreshold, 0, "age after which an in-cleaning account is jammed")
	flags.Duration(flagJammedSweepInterval, 0, "jammed sweep interval")
	flags.Duration(flagOrphanSweepInterval, 0, "orphan sweep interval")
	flags.Duration(flagExpirySweepInterval, 0, "expired reservation sweep interval")
	flags.Duration(flagEventTTL, 0, "account event retention")
	flags.String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	flags.String(flagJWTSigningKey, "", "TAuth JWT signing key")
	flags.String(flagJWTIssuer, "", "expected JWT issuer")
	flags.String(flagJWTCookieName, "", "JWT cookie name")
	flags.String(flagLogLevel, "", "log level: debug, info, warn or error")
	flags.Bool(flagDevelopment, false, "human readable development logging")
	flags.Bool(flagTraceStdout, false, "export trace spans to stdout")

	cmd.AddCommand(
		newRunCommand(state, "api", "Serve the HTTP API", (*app.Runtime).RunAPI),
		newRunCommand(state, "worker", "Consume the reserve and clean queues", (*app.Runtime).RunWorker),
		newRunCommand(state, "scheduler", "Trigger the periodic sweeps", (*app.Runtime).RunScheduler),
		newRunCommand(state, "serve", "Run the API, the worker and the scheduler together", (*app.Runtime).Serve),
		newAccountsCommand(state),
		newCleanersCommand(),
	)
	return cmd
}

func newRunCommand(state *commandState, use string, short string, run func(*app.Runtime, context.Context) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			runtime, err := app.NewRuntime(ctx, state.cfg, state.logger)
			if err != nil {
				return err
			}
			defer runtime.Close()
			state.logger.Info("poold starting", zap.String("command", use),
				zap.String("store_driver", state.cfg.StoreDriver),
				zap.String("queue_driver", state.cfg.QueueDriver),
				zap.String("provider", state.cfg.Provider))
			return run(runtime, ctx)
		},
	}
}

func newAccountsCommand(state *commandState) *cobra.Command {
	cmd := &cobra.Command{Use: "accounts", Short: "Inspect and seed pool accounts"}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List pool accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			stores, closeStore, err := app.OpenStores(cmd.Context(), state.cfg)
			if err != nil {
				return err
			}
			defer closeStore()
			rawStatus, _ := cmd.Flags().GetString(flagStatus)
			var accounts []pool.Account
			if strings.TrimSpace(rawStatus) == "" {
				accounts, err = stores.Accounts.ListAccounts(cmd.Context())
			} else {
				status, parseErr := pool.ParseAccountStatus(rawStatus)
				if parseErr != nil {
					return parseErr
				}
				accounts, err = stores.Accounts.ListAccountsByStatus(cmd.Context(), status)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderAccounts(accounts))
			return nil
		},
	}
	listCmd.Flags().String(flagStatus, "", "only list accounts in this status")

	addCmd := &cobra.Command{
		Use:   "add ACCOUNT_ID...",
		Short: "Add accounts to the pool as ready",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stores, closeStore, err := app.OpenStores(cmd.Context(), state.cfg)
			if err != nil {
				return err
			}
			defer closeStore()
			seeded, existing, err := seedAccounts(cmd.Context(), stores.Accounts, args, time.Now().UTC())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderAccounts(seeded))
			for _, accountID := range existing {
				fmt.Fprintf(cmd.OutOrStdout(), "account %s already in the pool, left unchanged\n", accountID)
			}
			return nil
		},
	}

	cmd.AddCommand(listCmd, addCmd)
	return cmd
}

// seedAccounts registers new ready accounts. Ids already in the pool are
// reported back untouched so a live reservation is never reset.
func seedAccounts(ctx context.Context, accounts pool.AccountStore, rawIDs []string, now time.Time) ([]pool.Account, []pool.AccountID, error) {
	accountIDs := make([]pool.AccountID, 0, len(rawIDs))
	for _, rawID := range rawIDs {
		accountID, err := pool.NewAccountID(rawID)
		if err != nil {
			return nil, nil, err
		}
		accountIDs = append(accountIDs, accountID)
	}
	seeded := make([]pool.Account, 0, len(accountIDs))
	existing := make([]pool.AccountID, 0)
	for _, accountID := range accountIDs {
		account := pool.Account{ID: accountID, Status: pool.AccountStatusReady, Version: uuid.NewString(), UpdatedAt: now}
		err := accounts.CreateAccount(ctx, account)
		if errors.Is(err, pool.ErrAccountExists) {
			existing = append(existing, accountID)
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		seeded = append(seeded, account)
	}
	return seeded, existing, nil
}

func newCleanersCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "cleaners", Short: "Inspect the cleaner dependency graph"}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "order",
			Short: "Print cleaners in execution order",
			RunE: func(cmd *cobra.Command, args []string) error {
				registry, err := cleanerRegistry()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderCleanerOrder(registry))
				return nil
			},
		},
		&cobra.Command{
			Use:   "graph",
			Short: "Print the dependency graph in Graphviz DOT",
			RunE: func(cmd *cobra.Command, args []string) error {
				registry, err := cleanerRegistry()
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), registry.DOT())
				return nil
			},
		},
	)
	return cmd
}

// cleanerRegistry only reads descriptors, so no clients are needed.
func cleanerRegistry() (*cleanup.Registry, error) {
	return cleanup.NewRegistry(awsprovider.Cleaners(nil)...)
}

func loadConfig(cmd *cobra.Command, cfg *app.Config) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, flagName := range boundFlags {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}
	if configFile, _ := cmd.Flags().GetString(flagConfig); strings.TrimSpace(configFile) != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	cfg.ListenAddr = strings.TrimSpace(v.GetString(flagListenAddr))
	cfg.HealthAddr = strings.TrimSpace(v.GetString(flagHealthAddr))
	cfg.StoreDriver = strings.TrimSpace(v.GetString(flagStoreDriver))
	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	cfg.BadgerPath = strings.TrimSpace(v.GetString(flagBadgerPath))
	cfg.QueueDriver = strings.TrimSpace(v.GetString(flagQueueDriver))
	cfg.NATSURL = strings.TrimSpace(v.GetString(flagNATSURL))
	cfg.Provider = strings.TrimSpace(v.GetString(flagProvider))
	cfg.Regions = app.ParseList(v.GetString(flagRegions))
	cfg.AWSProfile = strings.TrimSpace(v.GetString(flagAWSProfile))
	cfg.ExecutionRoleName = strings.TrimSpace(v.GetString(flagExecutionRoleName))
	cfg.CredentialsRoleARN = strings.TrimSpace(v.GetString(flagCredentialsRoleARN))
	cfg.ReservationTTL = v.GetDuration(flagReservationTTL)
	cfg.ReservationRetryDelay = v.GetDuration(flagReservationRetryDelay)
	cfg.ReservationAttemptJitter = v.GetDuration(flagReservationAttemptJitter)
	cfg.CleanupRetryDelay = v.GetDuration(flagCleanupRetryDelay)
	cfg.CleanupMaxAttempts = v.GetInt(flagCleanupMaxAttempts)
	cfg.JammedThreshold = v.GetDuration(flagJammedThreshold)
	cfg.JammedSweepInterval = v.GetDuration(flagJammedSweepInterval)
	cfg.OrphanSweepInterval = v.GetDuration(flagOrphanSweepInterval)
	cfg.ExpirySweepInterval = v.GetDuration(flagExpirySweepInterval)
	cfg.EventTTL = v.GetDuration(flagEventTTL)
	cfg.AllowedOrigins = app.ParseList(v.GetString(flagAllowedOrigins))
	cfg.SessionSigningKey = v.GetString(flagJWTSigningKey)
	cfg.SessionIssuer = strings.TrimSpace(v.GetString(flagJWTIssuer))
	cfg.SessionCookieName = strings.TrimSpace(v.GetString(flagJWTCookieName))
	cfg.LogLevel = strings.TrimSpace(v.GetString(flagLogLevel))
	cfg.Development = v.GetBool(flagDevelopment)
	cfg.TraceStdout = v.GetBool(flagTraceStdout)

	return cfg.Validate()
}
