package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/fleetdesk/fleetdesk/internal/audit"
	"github.com/fleetdesk/fleetdesk/internal/auth"
	"github.com/fleetdesk/fleetdesk/internal/background"
	"github.com/fleetdesk/fleetdesk/internal/config"
	"github.com/fleetdesk/fleetdesk/internal/counters"
	"github.com/fleetdesk/fleetdesk/internal/database"
	"github.com/fleetdesk/fleetdesk/internal/envelope"
	"github.com/fleetdesk/fleetdesk/internal/guard"
	"github.com/fleetdesk/fleetdesk/internal/handlers"
	middlewareCustom "github.com/fleetdesk/fleetdesk/internal/middleware"
	"github.com/fleetdesk/fleetdesk/internal/models"
	"github.com/fleetdesk/fleetdesk/internal/ratelimit"
	"github.com/fleetdesk/fleetdesk/internal/refresh"
	"github.com/fleetdesk/fleetdesk/internal/repositories"
	"github.com/fleetdesk/fleetdesk/internal/routes"
	"github.com/fleetdesk/fleetdesk/internal/services"
	"github.com/fleetdesk/fleetdesk/internal/signatures"
	pkgauth "github.com/fleetdesk/fleetdesk/pkg/auth"
	pkghttp "github.com/fleetdesk/fleetdesk/pkg/http"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("configuration loaded", slog.String("env", cfg.Server.Env))

	// Initialize database
	db, err := database.NewConnection(&cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), time.Minute)
	if err := db.Migrate(migrateCtx); err != nil {
		cancelMigrate()
		logger.Error("failed to run migrations", slog.Any("error", err))
		os.Exit(1)
	}
	cancelMigrate()

	// Repositories
	accountRepo := repositories.NewAccountRepository(db)
	refreshTokenRepo := repositories.NewRefreshTokenRepository(db)
	signatureRepo := repositories.NewSignatureRepository(db)

	// Counter backends: shared store when Redis is configured, otherwise
	// in-process. Both give identical decisions.
	var attemptGuard guard.Guard
	var limiter ratelimit.Limiter
	guardConfig := guard.Config{
		Window:              cfg.Guard.Window,
		IPMaxAttempts:       cfg.Guard.IPMaxAttempts,
		UsernameMaxAttempts: cfg.Guard.UsernameMaxAttempts,
		LockoutThreshold:    cfg.Guard.LockoutThreshold,
		LockoutBase:         cfg.Guard.LockoutBase,
		LockoutMax:          cfg.Guard.LockoutMax,
	}
	limiterConfig := ratelimit.Config{
		Window:    cfg.RateLimit.Window,
		GlobalMax: cfg.RateLimit.GlobalMax,
		AuthMax:   cfg.RateLimit.AuthMax,
		UploadMax: cfg.RateLimit.UploadMax,
		ExportMax: cfg.RateLimit.ExportMax,
	}
	if cfg.Server.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.Server.RedisURL)
		if err != nil {
			logger.Error("invalid REDIS_URL", slog.Any("error", err))
			os.Exit(1)
		}
		redisClient := redis.NewClient(opts)
		defer redisClient.Close()
		store := counters.NewRedisStore(redisClient)
		attemptGuard = guard.NewStoreGuard(store, guardConfig)
		limiter = ratelimit.NewStoreLimiter(store, limiterConfig)
		logger.Info("counter store: redis", slog.String("addr", opts.Addr))
	} else {
		attemptGuard = guard.NewMemoryGuard(guardConfig)
		limiter = ratelimit.NewMemoryLimiter(limiterConfig)
		logger.Info("counter store: in-process")
	}

	// Token manager with the active signing key first and prior keys
	// kept for zero-downtime rotation.
	tokenManager, err := auth.NewTokenManager(cfg.Auth.SigningKey, cfg.Auth.PreviousKeys)
	if err != nil {
		logger.Error("failed to initialize token manager", slog.Any("error", err))
		os.Exit(1)
	}

	// Hash-chained audit log, emitted through slog.
	auditLogger := audit.NewLogger(cfg.Crypto.AuditHashKey, audit.NewSlogSink(logger))

	csrfManager := auth.NewCSRFTokenManager(cfg.Auth.CSRFTokenExpiry)
	rotator := refresh.NewRotator(refreshTokenRepo, auditLogger, logger)

	// Envelope crypto for signature blobs, when keys are configured.
	var blobSweeper *signatures.Sweeper
	if len(cfg.Crypto.EncryptionKeys) > 0 {
		engine, err := envelope.NewEngine(cfg.Crypto.EncryptionKeys, cfg.Crypto.ActiveKeyID)
		if err != nil {
			logger.Error("failed to initialize envelope engine", slog.Any("error", err))
			os.Exit(1)
		}
		blobSweeper = signatures.NewSweeper(engine, signatureRepo, logger)

		// Boot-time integrity pass: undecryptable blobs mean a key was
		// rotated away before the data migrated.
		checkCtx, cancelCheck := context.WithTimeout(context.Background(), 5*time.Minute)
		report, err := blobSweeper.CheckIntegrity(checkCtx, cfg.Sweep.IntegritySampleLimit)
		cancelCheck()
		if err != nil {
			logger.Error("signature integrity check failed", slog.Any("error", err))
			os.Exit(1)
		}
		if report.Invalid > 0 {
			logger.Warn("signature integrity check found undecryptable blobs",
				slog.Int("checked", report.Checked),
				slog.Int("invalid", report.Invalid),
				slog.Any("samples", report.Samples))
			if cfg.Sweep.IntegrityCheckFatal {
				logger.Error("aborting startup: INTEGRITY_CHECK_FATAL is set")
				os.Exit(1)
			}
		}
	} else {
		logger.Warn("no signature encryption keys configured, blob encryption disabled")
	}

	// Services and handlers
	authService := services.NewAuthService(
		accountRepo, attemptGuard, tokenManager, rotator, csrfManager,
		auditLogger, logger,
		cfg.Auth.AccessTokenExpiry, cfg.Auth.RefreshTokenExpiry,
	)
	cookieConfig := auth.CookieConfig{
		Domain:   cfg.Server.CookieDomain,
		Secure:   cfg.Server.Env == "production",
		SameSite: http.SameSiteStrictMode,
	}
	ipConfig := &pkghttp.IPConfig{TrustedProxies: cfg.Server.TrustedProxies}
	authHandler := handlers.NewAuthHandler(authService, ipConfig, cookieConfig, int(cfg.Auth.RefreshTokenExpiry.Seconds()))

	// Bootstrap first admin account if configured
	bootstrapCtx, cancelBootstrap := context.WithTimeout(context.Background(), 10*time.Second)
	if err := ensureAdminAccount(bootstrapCtx, accountRepo, logger); err != nil {
		logger.Error("failed to ensure admin account", slog.Any("error", err))
	}
	cancelBootstrap()

	// Router
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middlewareCustom.SecureLogger(logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))
	router.Use(middlewareCustom.ScopedRateLimit(limiter, logger))

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(middlewareCustom.CSRFProtection(csrfManager, logger))
		routes.RegisterRoutes(r, authHandler, tokenManager, accountRepo, cfg.RateLimit.AuthMax)
	})

	// Health check with database
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := db.HealthCheck(ctx); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy","database":"down"}`))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy","database":"up"}`))
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Background sweeps: refresh-token purge and blob re-encryption.
	sweepManager := background.NewSweepManager(
		rotator, blobSweeper, logger,
		cfg.Sweep.TokenPurgeInterval,
		cfg.Sweep.TokenRetention,
		cfg.Sweep.BlobRotationInterval,
	)
	sweepCtx, cancelSweeps := context.WithCancel(context.Background())
	defer cancelSweeps()
	go sweepManager.Start(sweepCtx)

	go func() {
		logger.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	cancelSweeps()
	sweepManager.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("server stopped gracefully")
}

// ensureAdminAccount creates the first admin account if ADMIN_USERNAME
// and ADMIN_PASSWORD are set.
func ensureAdminAccount(ctx context.Context, accountRepo *repositories.AccountRepository, logger *slog.Logger) error {
	adminUsername := strings.TrimSpace(os.Getenv("ADMIN_USERNAME"))
	adminPassword := os.Getenv("ADMIN_PASSWORD")

	if adminUsername == "" || adminPassword == "" {
		logger.Info("no ADMIN_USERNAME or ADMIN_PASSWORD set, skipping admin account creation")
		return nil
	}

	_, err := accountRepo.GetByUsername(ctx, adminUsername)
	if err == nil {
		logger.Info("admin account already exists")
		return nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("failed to check if admin account exists: %w", err)
	}

	hashedPassword, err := pkgauth.HashPassword(adminPassword)
	if err != nil {
		return fmt.Errorf("failed to hash admin password: %w", err)
	}

	_, err = accountRepo.Create(ctx, &models.Account{
		Username:     adminUsername,
		PasswordHash: hashedPassword,
	})
	if err != nil {
		return fmt.Errorf("failed to create admin account: %w", err)
	}

	logger.Info("admin account created successfully")
	return nil
}
