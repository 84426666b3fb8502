// Package app wires configuration, storage, domain services, and the HTTP
// server into a runnable promo engine instance.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/velora/promo-engine/internal/auth"
	"github.com/velora/promo-engine/internal/catalog"
	"github.com/velora/promo-engine/internal/discount"
	"github.com/velora/promo-engine/internal/handler"
	"github.com/velora/promo-engine/internal/ledger"
	"github.com/velora/promo-engine/internal/pricing"
	"github.com/velora/promo-engine/internal/storage/memstore"
	"github.com/velora/promo-engine/internal/storage/postgres"
	"github.com/velora/promo-engine/pkg/health"
	"github.com/velora/promo-engine/pkg/httpmiddleware"
)

// deps bundles the storage-backed dependencies so the in-memory and
// PostgreSQL paths wire identically.
type deps struct {
	codes   discount.Repository
	catalog catalog.Repository
	store   ledger.Store
	records ledger.Reader
	apikeys auth.Repository
	close   func()
}

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.Bool("in_memory", cfg.InMemory))

	healthSvc := health.New()
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))

	d, err := buildDeps(ctx, cfg, healthSvc)
	if err != nil {
		return err
	}
	defer d.close()

	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	guard := ledger.NewGuard(d.store)
	svc := pricing.NewService(d.codes, d.catalog, guard)

	h := handler.NewHandler(svc, d.catalog, d.codes, d.records)

	var adminAuth func(http.Handler) http.Handler
	if d.apikeys != nil {
		adminAuth = handler.RequireAPIKey(d.apikeys, []byte(cfg.APIKeyPepper))
	} else {
		lg.Warn("Admin API key auth disabled: no key repository in this mode")
	}

	mux := chiMux(h, adminAuth, healthSvc)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(
			otelhttp.NewHandler(mux, "promo-api",
				otelhttp.WithTracerProvider(m.TracerProvider()),
				otelhttp.WithMeterProvider(m.MeterProvider()),
			),
			httpmiddleware.Recovery(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins:     cfg.CORS.Origins,
				AllowHeaders:     []string{"Content-Type", "Authorization", "X-API-Key"},
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			}),
			httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
				Max:    cfg.RateLimit.Max,
				Window: cfg.RateLimit.Window,
			}),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.LogRequests(),
		),
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}

// buildDeps selects the storage backend. In-memory mode is for local
// development and demos; it skips migrations and admin key auth.
func buildDeps(ctx context.Context, cfg *Config, healthSvc *health.Health) (*deps, error) {
	if cfg.InMemory {
		store := memstore.New()
		return &deps{
			codes:   store,
			catalog: store,
			store:   store,
			records: store,
			close:   func() {},
		}, nil
	}

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "create db pool")
	}
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "run migrations")
	}

	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck(pool))

	ls := postgres.NewLedgerStore(pool)
	return &deps{
		codes:   postgres.NewCodeRepository(pool),
		catalog: postgres.NewCatalogRepository(pool),
		store:   ls,
		records: ls,
		apikeys: postgres.NewAPIKeyRepository(pool),
		close:   pool.Close,
	}, nil
}

// chiMux mounts the API under /api next to the probe endpoints.
func chiMux(h *handler.Handler, adminAuth func(http.Handler) http.Handler, healthSvc *health.Health) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("/readyz", healthSvc.ReadyEndpoint)
	mux.Handle("/api/", http.StripPrefix("/api", h.Routes(adminAuth)))
	return mux
}
