package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	clerk "github.com/clerk/clerk-sdk-go/v2"
	gorillaHandlers "github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"marginaliaAPI/handlers"
	"marginaliaAPI/internal/config"
	"marginaliaAPI/internal/logging"
	"marginaliaAPI/internal/store"
	"marginaliaAPI/internal/workers"
	"marginaliaAPI/middleware"
	"marginaliaAPI/services"

	_ "net/http/pprof"
)

var (
	cfg            config.Config
	dbPool         *pgxpool.Pool
	dataStore      *store.Store
	billingService *services.BillingService
)

// shutdownSignals trigger graceful shutdown.
var shutdownSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}

func setup() {
	envErr := godotenv.Load()

	cfg = config.Load()
	logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel})
	if envErr != nil {
		log.Info().Msg("no .env file found")
	}

	if cfg.ClerkSecretKey == "" {
		log.Fatal().Msg("CLERK_SECRET_KEY environment variable is not set")
	}
	clerk.SetKey(cfg.ClerkSecretKey)

	if cfg.DatabaseURL == "" {
		log.Fatal().Msg("DATABASE_URL environment variable is not set")
	}

	if err := store.RunMigrations(cfg.DatabaseURL); err != nil {
		log.Fatal().Err(err).Msg("failed to run database migrations")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to parse database URL")
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	dbPool, err = pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create connection pool")
	}

	if err := dbPool.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	log.Info().Msg("connected to database")

	// Missing provider credentials degrade billing instead of blocking
	// startup: the rest of the API keeps serving.
	var paymentProvider services.PaymentProvider
	if cfg.StripeSecretKey != "" {
		paymentProvider = services.NewStripeService(cfg.StripeSecretKey)
		log.Info().Msg("payment provider initialized")
	} else {
		log.Warn().Msg("STRIPE_SECRET_KEY not set, billing endpoints will be unavailable")
	}
	if cfg.StripeWebhookSecret == "" {
		log.Warn().Msg("STRIPE_WEBHOOK_SECRET not set, provider webhooks will be refused")
	}

	dataStore = store.New(dbPool)
	billingService = services.NewBillingService(dataStore, paymentProvider, cfg)

	middleware.InitPrometheus()
}

func main() {
	setup()

	defer func() {
		log.Info().Msg("closing database connection pool")
		dbPool.Close()
	}()

	webhookHandler := handlers.NewWebhookHandler(billingService, cfg.StripeWebhookSecret)
	billingHandler := handlers.NewBillingHandler(billingService)

	go middleware.CleanupVisitors()
	workers.StartLedgerPruneWorker(dataStore)

	r := buildRouter(webhookHandler, billingHandler, healthCheck)

	// CORS configuration
	corsHandler := gorillaHandlers.CORS(
		gorillaHandlers.AllowedOrigins([]string{"*"}),
		gorillaHandlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		gorillaHandlers.AllowedHeaders([]string{"Content-Type", "Authorization", "X-Pprof-Secret"}),
		gorillaHandlers.ExposedHeaders([]string{"Content-Length"}),
		gorillaHandlers.AllowCredentials(),
	)

	addr := ":" + cfg.Port

	server := http.Server{
		Addr:         addr,
		Handler:      corsHandler(r),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("error starting server")
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, shutdownSignals...)

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}

	log.Info().Msg("server shutdown complete")
}

// buildRouter wires the HTTP surface: operational routes on the root
// router, the client-facing API behind rate limiting, monitoring, and
// authentication.
func buildRouter(webhookHandler *handlers.WebhookHandler, billingHandler *handlers.BillingHandler, healthCheck http.HandlerFunc) *mux.Router {
	r := mux.NewRouter()

	// Provider webhooks must not hit the per-IP rate limiter: a burst of
	// retried events after an outage has to be ingested, not throttled.
	r.HandleFunc("/webhooks/stripe", webhookHandler.HandleProviderWebhook).Methods("POST")

	// Metrics scrapers and liveness checks poll on fixed schedules and
	// stay off the limiter as well.
	r.Handle("/metrics", middleware.BasicAuthMiddleware(promhttp.Handler()))
	r.HandleFunc("/health", healthCheck).Methods("GET")
	r.PathPrefix("/debug/pprof/").Handler(middleware.PprofSecurityMiddleware(http.DefaultServeMux))

	// -------------------------------------------------------------------------
	// API V1 SUBROUTER (REQUIRES AUTH HEADER)
	// -------------------------------------------------------------------------
	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.RateLimitMiddleware)
	api.Use(middleware.MonitorMiddleware)
	api.Use(middleware.ClerkAuthMiddleware)

	api.HandleFunc("/billing/checkout", billingHandler.CreateCheckout).Methods("POST")
	api.HandleFunc("/billing/confirm-checkout", billingHandler.ConfirmCheckout).Methods("POST")
	api.HandleFunc("/billing/subscription", billingHandler.GetSubscription).Methods("GET")
	api.HandleFunc("/billing/portal", billingHandler.CreatePortal).Methods("POST")

	return r
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := dbPool.Ping(ctx); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status": "unhealthy", "error": "database connection failed"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status": "healthy", "service": "marginalia-api"}`))
}
