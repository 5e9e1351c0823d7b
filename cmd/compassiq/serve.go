package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/clasak/compassiq/config"
	"github.com/clasak/compassiq/internal/handlers"
	"github.com/clasak/compassiq/internal/repositories"
	"github.com/clasak/compassiq/internal/services/ingestion"
	"github.com/clasak/compassiq/internal/services/kpi"
	"github.com/clasak/compassiq/internal/services/resolver"
	"github.com/clasak/compassiq/pkg/database"
	"github.com/clasak/compassiq/pkg/health"
	"github.com/clasak/compassiq/pkg/kafka"
	"github.com/clasak/compassiq/pkg/metrics"
	"github.com/clasak/compassiq/pkg/middleware"
	"github.com/clasak/compassiq/pkg/models"
	"github.com/clasak/compassiq/pkg/redis"
	"github.com/clasak/compassiq/pkg/startup"
	"github.com/clasak/compassiq/pkg/tracing"
	"github.com/clasak/compassiq/pkg/tracing/exporters"
)

const (
	runsGaugeInterval   = 30 * time.Second
	runsGaugeQueryLimit = 5 * time.Second
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion and KPI API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, closeLogger, err := loadRuntime()
			if err != nil {
				return err
			}
			defer closeLogger()
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func serve(parent context.Context, cfg *config.Config, logger ectologger.Logger) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.AppName, exporters.OTLPConfig{
		Endpoint: cfg.OtelExporterEndpoint,
		Protocol: strings.ToLower(cfg.OtelExporterProtocol),
		Insecure: cfg.OtelExporterInsecure,
	})
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}

	app := &application{cfg: cfg, logger: logger, checker: health.NewChecker(version)}
	boot := startup.NewStartup(logger, cfg.StartupMaxAttempts)
	for _, dep := range app.dependencies() {
		boot.AddDependency(dep)
	}
	if err := boot.Start(ctx); err != nil {
		return err
	}
	app.checker.SetReady(true)
	logger.Infof("%s listening on :%d", cfg.AppName, cfg.Port)

	<-ctx.Done()
	logger.Info("shutting down")
	app.checker.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	stopErr := boot.Stop(shutdownCtx)
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.WithError(err).Warn("failed to flush traces")
	}
	return stopErr
}

// application holds the process-wide dependencies as startup brings them up.
type application struct {
	cfg     *config.Config
	logger  ectologger.Logger
	checker *health.Checker

	sqlDB    *sqlx.DB
	redis    *redis.Client
	producer *kafka.Producer
	server   *echo.Echo
	cancel   context.CancelFunc
}

func (a *application) dependencies() []startup.StartupDependency {
	deps := []startup.StartupDependency{
		startup.Dependency{Name: "database", StartFunc: a.startDatabase, StopFunc: a.stopDatabase},
	}
	requires := []string{"database"}

	if a.cfg.RedisEnabled {
		deps = append(deps, startup.Dependency{Name: "redis", StartFunc: a.startRedis, StopFunc: a.stopRedis})
		requires = append(requires, "redis")
	}
	if a.cfg.KafkaEnabled {
		deps = append(deps, startup.Dependency{Name: "kafka", StartFunc: a.startKafka, StopFunc: a.stopKafka})
		requires = append(requires, "kafka")
	}

	return append(deps, startup.Dependency{
		Name:      "server",
		Requires:  requires,
		StartFunc: a.startServer,
		StopFunc:  a.stopServer,
	})
}

func (a *application) startDatabase(ctx context.Context) error {
	db, err := sqlx.ConnectContext(ctx, a.cfg.DatabaseDriver, a.cfg.DatabaseDSN())
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	db.SetMaxOpenConns(a.cfg.DatabaseMaxOpenConns)
	db.SetMaxIdleConns(a.cfg.DatabaseMaxIdleConns)
	db.SetConnMaxLifetime(a.cfg.DatabaseConnMaxLifetime)

	if err := newMigrationService(a.cfg, a.logger).MigratePostgres(a.cfg.DatabaseName, db.DB); err != nil {
		_ = db.Close()
		return err
	}

	a.sqlDB = db
	a.checker.AddCheck("database", health.PingFunc(db.PingContext), true)
	return nil
}

func (a *application) stopDatabase(context.Context) error {
	return a.sqlDB.Close()
}

func (a *application) startRedis(ctx context.Context) error {
	client, err := redis.NewClient(ctx, redis.Config{
		Host:     a.cfg.RedisHost,
		Port:     a.cfg.RedisPort,
		Password: a.cfg.RedisPassword,
		DB:       a.cfg.RedisDB,
	}, a.logger)
	if err != nil {
		return err
	}
	a.redis = client
	a.checker.AddCheck("redis", client, false)
	return nil
}

func (a *application) stopRedis(context.Context) error {
	return a.redis.Close()
}

func (a *application) startKafka(context.Context) error {
	producer, err := kafka.NewProducer(kafka.ProducerConfig{
		Brokers:      a.cfg.KafkaBrokers,
		Topic:        a.cfg.KafkaMetricTopic,
		BatchSize:    a.cfg.KafkaBatchSize,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: a.cfg.KafkaWriteTimeout,
		RequiredAcks: a.cfg.KafkaRequiredAcks,
		Compression:  a.cfg.KafkaCompression,
	}, a.logger)
	if err != nil {
		return err
	}
	a.producer = producer
	return nil
}

func (a *application) stopKafka(context.Context) error {
	return a.producer.Close()
}

func (a *application) startServer(context.Context) error {
	db := database.NewDatabaseInstance(a.sqlDB, a.logger)

	connections := repositories.NewConnectionRepository(db, a.logger)
	tenants := repositories.NewTenantRepository(db, a.logger)
	runs := repositories.NewSourceRunRepository(db, a.logger)
	rawEvents := repositories.NewRawEventRepository(db, a.logger)
	fieldMappings := repositories.NewFieldMappingRepository(db, a.logger)
	metricValues := repositories.NewMetricValueRepository(db, a.logger)
	operational := repositories.NewOperationalKPIRepository(db, a.logger)

	var ingestOpts []ingestion.Option
	var kpiOpts []kpi.Option
	if a.redis != nil {
		kpiCache := redis.NewKPICache(a.redis, a.cfg.KPICacheTTL, a.logger)
		ingestOpts = append(ingestOpts, ingestion.WithKPICache(kpiCache))
		kpiOpts = append(kpiOpts, kpi.WithCache(kpiCache))
	}
	if a.producer != nil {
		ingestOpts = append(ingestOpts, ingestion.WithPublisher(a.producer))
	}

	mappingCache := ingestion.NewMappingCache(fieldMappings, ingestion.MappingCacheConfig{
		MaxSize: a.cfg.MappingCacheMaxSize,
		TTL:     a.cfg.MappingCacheTTL(),
	}, a.logger)

	ingestService := ingestion.NewService(a.logger, db, ingestion.NewRunTracker(runs, a.logger), rawEvents, mappingCache, metricValues, ingestOpts...)
	kpiService := kpi.NewService(a.logger, operational, metricValues, a.cfg.KPIOverrideLookbackDays, kpiOpts...)
	resolverService := resolver.NewService(a.logger, connections, tenants)

	verifier, err := a.sessionVerifier()
	if err != nil {
		return err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.Error(a.logger)
	e.Use(echomw.Recover())
	e.Use(otelecho.Middleware(a.cfg.AppName))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(a.logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: a.cfg.AllowOrigins,
		AllowMethods: a.cfg.AllowMethods,
	}))

	handlers.RegisterHealth(e, a.checker)

	api := e.Group("/api/v1")
	handlers.NewIngestHandler(resolverService, ingestService, a.logger).Register(api,
		echomw.BodyLimit(a.cfg.IngestMaxBodyBytes),
		middleware.Session(a.logger, verifier, false))

	sessionAPI := api.Group("", middleware.Session(a.logger, verifier, true))
	handlers.NewKPIHandler(kpiService, a.logger).Register(sessionAPI)

	adminAPI := sessionAPI.Group("", middleware.RequireRole(models.AdminRoles...))
	handlers.NewRunsHandler(runs, a.cfg.StaleRunAfter(), a.logger).Register(adminAPI)

	e.Server.ReadTimeout = time.Duration(a.cfg.HttpServerReadTimeoutSeconds) * time.Second
	e.Server.WriteTimeout = time.Duration(a.cfg.HttpServerWriteTimeoutSeconds) * time.Second
	e.Server.IdleTimeout = time.Duration(a.cfg.HttpServerIdleTimeoutSeconds) * time.Second
	e.Server.ReadHeaderTimeout = time.Duration(a.cfg.ReadHeaderTimeoutSeconds) * time.Second
	e.Server.MaxHeaderBytes = a.cfg.MaxHeaderBytes

	go func() {
		if err := e.Start(fmt.Sprintf(":%d", a.cfg.Port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.WithError(err).Error("http server stopped")
		}
	}()

	gaugeCtx, cancel := context.WithCancel(context.Background())
	go refreshRunsOpen(gaugeCtx, runs, a.logger)

	a.server = e
	a.cancel = cancel
	return nil
}

func (a *application) stopServer(ctx context.Context) error {
	a.cancel()
	return a.server.Shutdown(ctx)
}

func (a *application) sessionVerifier() (middleware.SessionVerifier, error) {
	if !a.cfg.AuthEnabled {
		a.logger.Warn("AUTH_ENABLED is false, sessions are read from identity headers")
		return middleware.HeaderVerifier{}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return middleware.NewOIDCVerifier(ctx, a.cfg.AuthIssuerURL, a.cfg.AuthClientID)
}

// refreshRunsOpen resyncs the runs_open gauge with the database so runs left running by a crashed
// process stay visible.
func refreshRunsOpen(ctx context.Context, runs repositories.SourceRunRepo, logger ectologger.Logger) {
	ticker := time.NewTicker(runsGaugeInterval)
	defer ticker.Stop()

	for {
		queryCtx, cancel := context.WithTimeout(ctx, runsGaugeQueryLimit)
		count, err := runs.CountRunning(queryCtx)
		cancel()
		if err != nil {
			logger.WithContext(ctx).WithError(err).Warn("failed to count running ingestion runs")
		} else {
			metrics.RunsOpen.Set(float64(count))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
