package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"keyserver/internal/classifier"
	"keyserver/internal/config"
	apperrors "keyserver/internal/errors"
	"keyserver/internal/infrastructure"
	"keyserver/internal/license"
	customMiddleware "keyserver/internal/middleware"
	"keyserver/internal/notify"
	"keyserver/internal/registry"
	"keyserver/internal/services"
	"keyserver/internal/storage/mongo"
	"keyserver/internal/storage/postgres"
	handlers "keyserver/internal/transport/http"
	"keyserver/pkg/contracts"
)

// Application represents the main application container
type Application struct {
	Config        *config.Config
	Logger        *slog.Logger
	Router        *chi.Mux
	Server        *http.Server
	OTelProviders *infrastructure.OTelProviders
	Metrics       *infrastructure.BusinessMetrics

	Store       license.Store
	StoreDriver string
	Registry    registry.Registry
	Dispatcher  notify.Dispatcher
	Classifier  classifier.Classifier
	LicenseCore *license.Service
	Services    *ServiceContainer

	errHandler  *apperrors.ErrorHandler
	rateLimiter *customMiddleware.RateLimiter
	closers     []closer
}

// ServiceContainer holds the services behind the HTTP handlers
type ServiceContainer struct {
	License  services.LicenseService
	Analysis services.AnalysisService
	Health   *services.HealthService
}

type closer struct {
	name string
	fn   func(ctx context.Context) error
}

// NewApplication loads configuration from the environment and builds the
// application.
func NewApplication(ctx context.Context) (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	a, err := New(ctx, cfg, logger)
	if err != nil {
		_ = infrastructure.CloseLogFile()
		return nil, err
	}
	// released last so the other closers can still log
	a.closers = append([]closer{{name: "log file", fn: func(context.Context) error {
		return infrastructure.CloseLogFile()
	}}}, a.closers...)
	return a, nil
}

// New builds the application from an already loaded configuration.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Application, error) {
	logger.InfoContext(ctx, "Application starting",
		slog.String("name", config.AppName),
		slog.String("product", cfg.License.ProductName),
		slog.String("version", contracts.Version))

	providers, err := infrastructure.InitializeOTel(infrastructure.OTelConfigFrom(cfg.Telemetry), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	metrics, err := infrastructure.CreateBusinessMetrics(providers.Meter)
	if err != nil {
		_ = providers.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create business metrics: %w", err)
	}

	a := &Application{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: providers,
		Metrics:       metrics,
		errHandler:    apperrors.NewErrorHandler(logger, false),
	}
	a.addCloser("telemetry", providers.Shutdown)

	if err := a.initializeServices(ctx); err != nil {
		a.release(ctx)
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	a.setupRouter()
	a.createServer()
	return a, nil
}

func (a *Application) addCloser(name string, fn func(ctx context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// initializeServices opens the backends in dependency order
func (a *Application) initializeServices(ctx context.Context) error {
	store, closeStore, err := openStore(ctx, a.Config.Store, a.Logger)
	if err != nil {
		return err
	}
	a.Store = store
	a.StoreDriver = a.Config.Store.ResolveDriver()
	a.addCloser("store", func(context.Context) error {
		closeStore()
		return nil
	})

	reg, err := registry.New(ctx, a.Config.Registry, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to open user id registry: %w", err)
	}
	a.Registry = reg
	a.addCloser("registry", func(context.Context) error { return reg.Close() })

	dispatcher, err := notify.New(a.Config.Notify, a.Config.License.ProductName, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to create notification dispatcher: %w", err)
	}
	a.Dispatcher = dispatcher

	clf, closeClassifier, err := classifier.New(ctx, a.Config.Classifier, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to create classifier: %w", err)
	}
	a.Classifier = clf
	a.addCloser("classifier", func(context.Context) error { return closeClassifier() })

	a.LicenseCore = license.NewService(store, reg, dispatcher, a.Config.License,
		license.WithLogger(a.Logger),
		license.WithMetrics(a.Metrics))
	a.addCloser("license", func(context.Context) error {
		a.LicenseCore.Close()
		return nil
	})

	a.Services = &ServiceContainer{
		License: services.NewLicenseService(a.LicenseCore, services.ServerInfo{
			ProductName:     a.Config.License.ProductName,
			Version:         contracts.Version,
			Provider:        dispatcher.Provider(),
			EmailConfigured: dispatcher.Configured(),
			StoreDriver:     a.StoreDriver,
		}, a.Logger),
		Analysis: services.NewAnalysisService(clf, a.Metrics, a.Logger),
		Health: services.NewHealthService(contracts.Version, map[string]services.Pinger{
			"store":    store,
			"registry": reg,
		}, a.Logger),
	}

	if a.Config.Security.RateLimit.Enabled {
		a.rateLimiter = customMiddleware.NewRateLimiter(
			a.Config.Security.RateLimit.RPS,
			a.Config.Security.RateLimit.Burst,
			a.Logger,
			a.errHandler,
		)
	}

	a.Logger.InfoContext(ctx, "Services initialized",
		slog.String("store", a.StoreDriver),
		slog.String("registry", a.Config.Registry.Driver),
		slog.String("notify", dispatcher.Provider()),
		slog.Bool("email_configured", dispatcher.Configured()),
		slog.Bool("classifier_enabled", clf.Enabled()))
	return nil
}

// openStore connects the License Store selected by cfg.
func openStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (license.Store, func(), error) {
	switch driver := cfg.ResolveDriver(); driver {
	case config.StorePostgres:
		store, closeFn, err := postgres.Open(ctx, cfg, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return store, closeFn, nil
	case config.StoreMongo:
		store, closeFn, err := mongo.Open(ctx, cfg, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open mongo store: %w", err)
		}
		return store, closeFn, nil
	case config.StoreMemory:
		logger.WarnContext(ctx, "Using in-memory license store; records are lost on restart")
		return license.NewMemoryStore(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

// setupRouter builds the middleware chain and registers every route
func (a *Application) setupRouter() {
	r := chi.NewRouter()

	r.Use(customMiddleware.RequestID)
	r.Use(customMiddleware.RealIP)
	r.Use(customMiddleware.NewOTelMiddleware(a.OTelProviders.Tracer, a.Metrics, a.Logger).Handler)
	r.Use(customMiddleware.StructuredLogger(a.Logger))
	r.Use(a.errHandler.Recoverer)
	r.Use(customMiddleware.SecurityHeaders)
	if a.Config.Security.EnableCORS {
		r.Use(customMiddleware.CORS(customMiddleware.CORSConfig{
			AllowedOrigins: a.Config.Security.AllowedOrigins,
			Logger:         a.Logger,
		}))
	}

	r.NotFound(a.errHandler.NotFound)
	r.MethodNotAllowed(a.errHandler.MethodNotAllowed)

	healthHandler := handlers.NewHealthHandler(a.Services.Health, a.Logger)
	r.Get("/healthz", healthHandler.LivenessCheck)
	r.Get("/readyz", healthHandler.ReadinessCheck)
	r.Get("/version", healthHandler.Version)
	if a.OTelProviders.PrometheusHTTP != nil {
		r.Handle("/metrics", a.OTelProviders.PrometheusHTTP)
	}

	validator := customMiddleware.NewValidator()
	licenseHandler := handlers.NewLicenseHandler(a.Services.License, validator, a.errHandler, a.Logger)
	analysisHandler := handlers.NewAnalysisHandler(a.Services.Analysis, validator, a.errHandler, a.Logger)

	r.Group(func(r chi.Router) {
		r.Use(customMiddleware.Timeout(a.Config.Server.RequestTimeout, a.errHandler))
		r.Use(customMiddleware.BodyLimit(a.Config.Server.MaxBodyBytes))
		r.Use(customMiddleware.ContentTypeValidator(a.errHandler, "application/json"))
		if a.rateLimiter != nil {
			r.Use(a.rateLimiter.Handler)
		}

		r.Get("/", licenseHandler.Status)
		licenseHandler.Register(r)
		analysisHandler.Register(r)

		r.Route("/api/v1", func(r chi.Router) {
			r.Mount("/license", licenseHandler.Routes())
			analysisHandler.Register(r)
		})
	})

	a.Router = r
}

// createServer creates the HTTP server
func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      a.Router,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
		IdleTimeout:  a.Config.Server.IdleTimeout,
	}
}

// Run serves until ctx is cancelled or the process is interrupted, then
// shuts down gracefully.
func (a *Application) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.InfoContext(gctx, "Server listening", slog.String("address", a.Server.Addr))
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Logger.InfoContext(context.Background(), "Shutdown signal received")
		return a.Stop(context.Background())
	})

	return g.Wait()
}

// Stop drains in-flight requests and releases every backend.
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "Shutting down application")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	var serverErr error
	if a.Server != nil {
		if err := a.Server.Shutdown(shutdownCtx); err != nil {
			serverErr = fmt.Errorf("server shutdown error: %w", err)
		}
	}

	a.release(shutdownCtx)
	a.Logger.InfoContext(ctx, "Application shutdown complete")
	return serverErr
}

// release runs closers in reverse order. Failures are logged and do not
// stop the remaining closers.
func (a *Application) release(ctx context.Context) {
	if a.rateLimiter != nil {
		a.rateLimiter.Stop()
		a.rateLimiter = nil
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.Logger.ErrorContext(ctx, "Failed to release resource",
				slog.String("resource", c.name),
				slog.String("error", err.Error()))
		}
	}
	a.closers = nil
}
