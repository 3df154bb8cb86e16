package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/audit"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/auth"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/clock"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/gateway"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/server"
	"github.com/wizardbeardstudio/open-ledger-go/migrations"
)

const defaultJWTSecret = "dev-insecure-change-me"

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "ledgerd").Logger()
	if envOr("LEDGER_LOG_PRETTY", "false") == "true" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	clk := clock.RealClock{}
	startedAt := clk.Now()
	version := envOr("LEDGER_VERSION", "dev")
	httpAddr := envOr("LEDGER_HTTP_ADDR", ":8080")
	databaseURL := envOr("LEDGER_DATABASE_URL", "")
	runMigrations := envOr("LEDGER_MIGRATE", "true") == "true"
	jwtSecret := envOr("LEDGER_JWT_SECRET", defaultJWTSecret)
	webhookSecretHash := envOr("LEDGER_WEBHOOK_SECRET_HASH", "")
	trustedCIDRs := strings.Split(envOr("LEDGER_TRUSTED_CIDRS", "127.0.0.1/32,::1/128"), ",")
	strict := envOr("LEDGER_STRICT", "false") == "true"

	tlsEnabled := envOr("LEDGER_TLS_ENABLED", "false") == "true"
	tlsCfg, err := server.BuildTLSConfig(server.TLSConfig{
		Enabled:           tlsEnabled,
		CertFile:          envOr("LEDGER_TLS_CERT_FILE", ""),
		KeyFile:           envOr("LEDGER_TLS_KEY_FILE", ""),
		ClientCAFile:      envOr("LEDGER_TLS_CLIENT_CA_FILE", ""),
		RequireClientCert: envOr("LEDGER_TLS_REQUIRE_CLIENT_CERT", "false") == "true",
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("configure tls")
	}

	gatewayBaseURL := envOr("LEDGER_GATEWAY_BASE_URL", "")
	if err := validateProductionRuntime(strict, databaseURL, tlsEnabled, jwtSecret, webhookSecretHash, gatewayBaseURL); err != nil {
		logger.Fatal().Err(err).Msg("strict runtime validation failed")
	}
	if gatewayBaseURL == "" {
		logger.Warn().Msg("gateway base url not configured; provider calls will fail")
	}

	var db *sql.DB
	if databaseURL != "" {
		db, err = sql.Open("pgx", databaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("open database")
		}
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal().Err(err).Msg("ping database")
		}
		defer db.Close()
		if runMigrations {
			if err := migrateUp(db); err != nil {
				logger.Fatal().Err(err).Msg("run migrations")
			}
			logger.Info().Msg("schema migrations applied")
		}
	}

	var store server.LedgerStore
	if db != nil {
		store = server.NewPostgresStore(db, clk)
	} else {
		logger.Warn().Msg("no database configured; using in-memory store")
		store = server.NewMemoryStore(clk)
	}

	gw := gateway.NewHTTPClient(gateway.Config{
		BaseURL:     gatewayBaseURL,
		MerchantKey: envOr("LEDGER_GATEWAY_MERCHANT_KEY", ""),
		PayoutKey:   envOr("LEDGER_GATEWAY_PAYOUT_KEY", ""),
		CallbackURL: envOr("LEDGER_GATEWAY_CALLBACK_URL", ""),
		Timeout:     durationEnv("LEDGER_GATEWAY_TIMEOUT", 10*time.Second),
	})

	metrics := server.NewMetrics()
	svc := server.NewPaymentsService(store, gw, clk)
	svc.SetLogger(logger.With().Str("component", "payments").Logger())
	svc.SetMetrics(metrics)
	svc.SetGatewayTimeout(durationEnv("LEDGER_GATEWAY_TIMEOUT", 10*time.Second))
	svc.SetPayoutCurrency(envOr("LEDGER_PAYOUT_CURRENCY", "TRX"))

	poller := server.NewSettlementPoller(store, svc, gw, clk)
	poller.SetLogger(logger.With().Str("component", "settlement").Logger())
	poller.SetMetrics(metrics)
	poller.SetIntervals(
		durationEnv("LEDGER_SETTLEMENT_INTERVAL", 30*time.Second),
		durationEnv("LEDGER_SETTLEMENT_STALL_AFTER", 2*time.Minute),
		durationEnv("LEDGER_SETTLEMENT_GIVE_UP_AFTER", 30*time.Minute),
	)
	poller.Start(ctx)

	verifier := auth.NewJWTVerifier(jwtSecret)
	webhookSecret := auth.NewWebhookSecret(webhookSecretHash)

	remoteAccessAuditStore := audit.NewInMemoryStore()
	guard, err := server.NewRemoteAccessGuard(clk, remoteAccessAuditStore, trustedCIDRs)
	if err != nil {
		logger.Fatal().Err(err).Msg("configure remote access guard")
	}

	mux := http.NewServeMux()
	server.SystemHandler{StartedAt: startedAt, Clock: clk, Version: version}.Register(mux)
	mux.Handle("/metrics", promhttp.Handler())
	handler := server.NewPaymentsHandler(svc)
	handler.WebhookSecret = webhookSecret
	handler.Log = logger.With().Str("component", "http").Logger()
	handler.Metrics = metrics
	handler.Register(mux)

	authed := auth.HTTPMiddleware(verifier, mux, []string{
		"/healthz", "/metrics", "/v1/webhooks/gateway", "/v1/ops/",
	})
	limiter := server.NewRateLimiter(
		floatEnv("LEDGER_RATE_LIMIT_RPS", 5),
		int(floatEnv("LEDGER_RATE_LIMIT_BURST", 10)),
	)
	limiter.SkipPrefixes = []string{"/v1/webhooks/", "/healthz", "/metrics"}
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           guard.Wrap(limiter.Wrap(authed)),
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", httpAddr).Bool("tls", tlsCfg != nil).Msg("http listening")
		var err error
		if tlsCfg != nil {
			err = httpServer.ListenAndServeTLS("", "")
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server stopped")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := poller.Stop(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("settlement poller shutdown")
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
}

// validateProductionRuntime refuses configurations that silently weaken a
// production deployment. Outside strict mode anything goes, so local
// development needs no setup.
func validateProductionRuntime(strict bool, databaseURL string, tlsEnabled bool, jwtSecret, webhookSecretHash, gatewayBaseURL string) error {
	if !strict {
		return nil
	}
	if databaseURL == "" {
		return errors.New("strict mode requires a database url")
	}
	if !tlsEnabled {
		return errors.New("strict mode requires tls")
	}
	if jwtSecret == "" || jwtSecret == defaultJWTSecret {
		return errors.New("strict mode requires a non-default jwt secret")
	}
	if webhookSecretHash == "" {
		return errors.New("strict mode requires a webhook secret hash")
	}
	if gatewayBaseURL == "" {
		return errors.New("strict mode requires a gateway base url")
	}
	return nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("open migration source: %w", err)
	}
	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		return fmt.Errorf("prepare migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx", driver)
	if err != nil {
		return fmt.Errorf("prepare migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func envOr(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func durationEnv(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func floatEnv(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return def
	}
	return f
}
