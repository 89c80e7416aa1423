package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/credits/internal/billing"
	"github.com/MarkoPoloResearchLab/credits/internal/config"
	"github.com/MarkoPoloResearchLab/credits/internal/generation"
	"github.com/MarkoPoloResearchLab/credits/internal/httpapi"
	"github.com/MarkoPoloResearchLab/credits/internal/identity"
	"github.com/MarkoPoloResearchLab/credits/internal/ratelimit"
	"github.com/MarkoPoloResearchLab/credits/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/credits/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/credits/internal/telemetry"
	"github.com/MarkoPoloResearchLab/credits/internal/usage"
	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	envPrefix = "CREDITD"

	flagDatabaseURL    = "database-url"
	flagStore          = "store"
	flagListenAddr     = "listen-addr"
	flagRedisURL       = "redis-url"
	flagRateLimit      = "rate-limit"
	flagRateWindow     = "rate-window"
	flagJWTSecret      = "jwt-secret"
	flagJWTTTL         = "jwt-ttl"
	flagGoogleClientID = "google-client-id"
	flagAllowedOrigins = "allowed-origins"
	flagLogLevel       = "log-level"
	flagRequestTimeout = "request-timeout"

	configKeyDatabaseURL = "database_url"
)

// creditStore is the persistence surface shared by the gorm and pgx backends.
type creditStore interface {
	ledger.Store
	usage.Recorder
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &config.Config{}
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Credit accounting HTTP server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, viper.New(), cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, *cfg)
		},
	}

	flags := cmd.Flags()
	flags.String(flagDatabaseURL, "", "database URL (postgres://, sqlite:// or a sqlite file path)")
	flags.String(flagStore, config.StoreGorm, "store backend: gorm or pgx")
	flags.String(flagListenAddr, "", "HTTP listen address")
	flags.String(flagRedisURL, "", "redis URL for rate limit counters; empty uses in-process counters")
	flags.Int(flagRateLimit, ratelimit.DefaultLimit, "requests allowed per window and operation class")
	flags.Duration(flagRateWindow, ratelimit.DefaultWindow, "rate limit window")
	flags.String(flagJWTSecret, "", "HS256 signing secret for access tokens")
	flags.Duration(flagJWTTTL, identity.DefaultTokenTTL, "access token validity")
	flags.String(flagGoogleClientID, "", "Google OAuth client id; empty disables login")
	flags.String(flagAllowedOrigins, "", "comma separated CORS origins")
	flags.String(flagLogLevel, "info", "log level")
	flags.Duration(flagRequestTimeout, 0, "per request timeout")

	return cmd
}

func loadConfig(cmd *cobra.Command, v *viper.Viper, cfg *config.Config) error {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindEnv(configKeyDatabaseURL, envPrefix+"_DATABASE_URL", "DATABASE_URL"); err != nil {
		return err
	}
	var bindErr error
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if bindErr != nil {
			return
		}
		bindErr = v.BindPFlag(configKey(flag.Name), flag)
	})
	if bindErr != nil {
		return bindErr
	}

	*cfg = config.Config{
		DatabaseURL:    v.GetString(configKeyDatabaseURL),
		Store:          v.GetString(configKey(flagStore)),
		ListenAddr:     v.GetString(configKey(flagListenAddr)),
		RedisURL:       v.GetString(configKey(flagRedisURL)),
		RateLimit:      v.GetInt(configKey(flagRateLimit)),
		RateWindow:     v.GetDuration(configKey(flagRateWindow)),
		JWTSecret:      v.GetString(configKey(flagJWTSecret)),
		JWTTTL:         v.GetDuration(configKey(flagJWTTTL)),
		GoogleClientID: v.GetString(configKey(flagGoogleClientID)),
		AllowedOrigins: config.ParseAllowedOrigins(v.GetString(configKey(flagAllowedOrigins))),
		LogLevel:       v.GetString(configKey(flagLogLevel)),
		RequestTimeout: v.GetDuration(configKey(flagRequestTimeout)),
	}
	return cfg.Validate()
}

func configKey(flagName string) string {
	return strings.ReplaceAll(flagName, "-", "_")
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	zapConfig := zap.NewProductionConfig()
	zapConfig.Level = zap.NewAtomicLevelAt(cfg.ZapLevel())
	return zapConfig.Build()
}

func runServer(ctx context.Context, cfg config.Config) error {
	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	gin.SetMode(gin.ReleaseMode)

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()

	counter, closeCounter, err := openCounter(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeCounter() }()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	router, err := buildRouter(cfg, logger, store, counter, registry)
	if err != nil {
		return err
	}

	return httpapi.Run(ctx, cfg.ListenAddr, router, logger)
}

func buildRouter(cfg config.Config, logger *zap.Logger, store creditStore, counter ratelimit.Counter, registry *prometheus.Registry) (*gin.Engine, error) {
	metrics, err := telemetry.NewMetrics(registry)
	if err != nil {
		return nil, err
	}
	clock := func() int64 { return time.Now().UTC().Unix() }
	creditService, err := ledger.NewService(store, clock,
		ledger.WithOperationLogger(telemetry.FanOut{telemetry.NewZapOperationLogger(logger), metrics}),
	)
	if err != nil {
		return nil, fmt.Errorf("credit service init: %w", err)
	}
	limiter, err := ratelimit.NewLimiter(counter, cfg.RateLimit, cfg.RateWindow,
		ratelimit.WithLogger(logger),
		ratelimit.WithDecisionRecorder(metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("rate limiter init: %w", err)
	}
	runner, err := billing.NewRunner(limiter, creditService,
		billing.WithUsageRecorder(store),
		billing.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("runner init: %w", err)
	}
	tokens, err := identity.NewTokenService(cfg.JWTSecret, cfg.JWTTTL, nil)
	if err != nil {
		return nil, fmt.Errorf("token service init: %w", err)
	}
	handler, err := httpapi.NewHandler(httpapi.Dependencies{
		Logger:    logger,
		Credits:   creditService,
		Verifier:  tokens,
		Issuer:    tokens,
		Google:    identity.NewGoogleValidator(cfg.GoogleClientID),
		Runner:    runner,
		Generator: generation.NewMockGenerator(),
	})
	if err != nil {
		return nil, err
	}
	return httpapi.NewRouter(httpapi.RouterConfig{
		AllowedOrigins: cfg.AllowedOrigins,
		RequestTimeout: cfg.RequestTimeout,
	}, handler, registry), nil
}

func openStore(ctx context.Context, cfg config.Config) (creditStore, func() error, error) {
	if cfg.Store == config.StorePgx {
		db, err := pgstore.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database open: %w", err)
		}
		if err := pgstore.Migrate(ctx, db); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return pgstore.New(db), db.Close, nil
	}

	gormDB, cleanup, _, err := gormstore.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("database open: %w", err)
	}
	if err := gormstore.Migrate(gormDB); err != nil {
		_ = cleanup()
		return nil, nil, err
	}
	return gormstore.New(gormDB), cleanup, nil
}

func openCounter(ctx context.Context, cfg config.Config) (ratelimit.Counter, func() error, error) {
	if cfg.RedisURL == "" {
		return ratelimit.NewMemoryCounter(nil), func() error { return nil }, nil
	}
	client, err := ratelimit.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	return ratelimit.NewRedisCounter(client), client.Close, nil
}
