package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/example/yardgen/internal/api"
	"github.com/example/yardgen/internal/config"
	"github.com/example/yardgen/internal/generation"
	"github.com/example/yardgen/internal/ledger"
	"github.com/example/yardgen/internal/payment"
	"github.com/example/yardgen/internal/reload"
	"github.com/example/yardgen/internal/security"
	"github.com/example/yardgen/internal/webhook"
	"github.com/example/yardgen/pkg/audit"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	auditor := audit.NewChainLogger()

	var (
		ledgerStore ledger.Store
		userStore   payment.UserStore
		eventLog    webhook.EventLog
	)
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to create postgres pool: %w", err)
		}
		defer pool.Close()

		ledgerStore = ledger.NewPostgresStore(pool)
		userStore = payment.NewPostgresUserStore(pool, cfg.TrialGrant)
		eventLog = webhook.NewPostgresEventLog(pool)
		logger.Info("using postgres backends")
	} else {
		ledgerStore = ledger.NewMemoryStore()
		userStore = payment.NewMemoryUserStore(cfg.TrialGrant)
		eventLog = webhook.NewMemoryEventLog()
		logger.Warn("DATABASE_URL not set, using in-memory backends")
	}

	requestStore, err := generation.OpenSQLiteRequestStore(cfg.GenerationDBPath)
	if err != nil {
		return fmt.Errorf("failed to open generation store: %w", err)
	}
	defer requestStore.Close()

	ledgerService := ledger.NewService(ledgerStore, auditor, logger)
	resolver := payment.NewResolver(userStore, ledgerService)

	var charger reload.Charger
	if cfg.PaymentAPIURL != "" {
		charger = reload.NewHTTPCharger(cfg.PaymentAPIURL, cfg.PaymentAPIKey)
	} else {
		logger.Warn("PAYMENT_API_URL not set, auto-reload charges are simulated")
		charger = simulatedCharger{}
	}
	monitor := reload.NewMonitor(ledgerService, charger, auditor, logger)

	var generator generation.Generator
	if cfg.GeneratorURL != "" {
		generator = generation.NewHTTPGenerator(cfg.GeneratorURL)
	} else {
		logger.Warn("GENERATOR_URL not set, serving placeholder renders")
		generator = placeholderGenerator{}
	}

	orchestrator := generation.NewOrchestrator(
		requestStore, ledgerService, userStore, resolver, generator, monitor, auditor, logger,
		generation.Config{
			AreaTimeout:        cfg.AreaTimeout,
			MaxParallelAreas:   cfg.MaxParallelAreas,
			MaxAreasPerRequest: cfg.MaxAreasPerRequest,
		})

	// Requests interrupted by the previous shutdown or crash must not stay
	// in flight on disk: fail them and reissue their refunds before serving.
	if err := orchestrator.RecoverInterrupted(context.Background()); err != nil {
		return fmt.Errorf("failed to recover interrupted requests: %w", err)
	}

	reconciler := webhook.NewReconciler(ledgerService, eventLog, auditor, logger)

	var limiter *security.RedisTokenBucket
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		limiter = &security.RedisTokenBucket{
			Redis:      redisClient,
			Prefix:     "yardgen",
			Capacity:   cfg.RateLimitCapacity,
			RefillRate: cfg.RateLimitRefillSec,
		}
	}

	allowlist, err := security.ParseCIDRAllowlist(cfg.WebhookAllowlist)
	if err != nil {
		return fmt.Errorf("invalid WEBHOOK_IP_ALLOWLIST: %w", err)
	}

	router, err := api.NewRouter(api.Dependencies{
		Logger:           logger,
		Generation:       orchestrator,
		Ledger:           ledgerService,
		Webhook:          reconciler,
		Auditor:          auditor,
		RateLimiter:      limiter,
		WebhookAllowlist: allowlist,
		WebhookSecret:    cfg.WebhookSecret,
		MaxBodyBytes:     cfg.MaxBodyBytes,
	})
	if err != nil {
		return fmt.Errorf("failed to build router: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go runConservationSweep(sweepCtx, ledgerService, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		stopSweep()
		_ = orchestrator.Shutdown(ctx)
		_ = monitor.Shutdown(ctx)
	}()

	logger.Info("yardgen api listening", "addr", cfg.ListenAddr, "env", cfg.Environment)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// runConservationSweep re-verifies every account's balance against its
// transaction log once an hour. Violations are already audited and logged by
// the ledger; the sweep only has to keep running.
func runConservationSweep(ctx context.Context, ls *ledger.Service, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := ls.SweepConservation(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("conservation sweep failed", "error", err)
			}
		}
	}
}

// placeholderGenerator serves development mode without a generation backend.
type placeholderGenerator struct{}

func (placeholderGenerator) Generate(ctx context.Context, params generation.GenerateParams) (string, error) {
	select {
	case <-time.After(200 * time.Millisecond):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return "https://placeholder.invalid/" + params.AreaID + ".png", nil
}

// simulatedCharger approves every auto-reload charge in development mode.
// The credit still only lands via a (simulated) webhook delivery.
type simulatedCharger struct{}

func (simulatedCharger) Charge(ctx context.Context, userID string, amount int64) (string, error) {
	return "ch_dev_" + uuid.NewString(), nil
}
