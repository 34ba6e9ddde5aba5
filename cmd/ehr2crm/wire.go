package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/ehr2crm/internal/config"
	"github.com/ehr/ehr2crm/internal/crm"
	"github.com/ehr/ehr2crm/internal/domain/syncrun"
	"github.com/ehr/ehr2crm/internal/extract"
	"github.com/ehr/ehr2crm/internal/fhir"
	"github.com/ehr/ehr2crm/internal/pipeline"
	"github.com/ehr/ehr2crm/internal/platform/blobstore"
	"github.com/ehr/ehr2crm/internal/platform/db"
	"github.com/ehr/ehr2crm/internal/platform/metrics"
	"github.com/ehr/ehr2crm/internal/platform/middleware"
	"github.com/ehr/ehr2crm/internal/platform/notify"
	"github.com/ehr/ehr2crm/internal/transform"
)

const retryWait = 500 * time.Millisecond

func newFHIRClient(cfg *config.Config, logger zerolog.Logger) (*fhir.Client, error) {
	return fhir.NewClient(cfg.EHRBaseURL,
		fhir.WithTimeout(cfg.EHRTimeout),
		fhir.WithRetry(cfg.HTTPRetryCount, retryWait),
		fhir.WithRateLimit(cfg.EHRRateLimitRPS),
		fhir.WithPageSize(cfg.EHRPageSize),
		fhir.WithLogger(logger),
	)
}

func newExtractor(cfg *config.Config, src extract.Source, logger zerolog.Logger) *extract.Extractor {
	return extract.NewExtractor(src, cfg.EHRConcurrency, logger)
}

// tokenSource selects the CRM login flow for the configured auth mode.
// Login flows are cached so that only a 401 triggers a new login.
func tokenSource(cfg *config.Config) (crm.TokenSource, error) {
	if err := cfg.ValidateCRM(); err != nil {
		return nil, err
	}
	hc := resty.New().SetTimeout(cfg.CRMTimeout)

	switch cfg.CRMAuthMode {
	case config.AuthModeToken:
		return crm.StaticToken{AccessToken: cfg.CRMAccessToken, InstanceURL: cfg.CRMInstanceURL}, nil
	case config.AuthModeJWT:
		key, err := crm.LoadPrivateKey(cfg.CRMPrivateKeyFile)
		if err != nil {
			return nil, err
		}
		return crm.NewCachedTokenSource(&crm.JWTBearer{
			LoginURL: cfg.CRMLoginURL,
			ClientID: cfg.CRMClientID,
			Username: cfg.CRMUsername,
			Key:      key,
			HTTP:     hc,
		}), nil
	default:
		return crm.NewCachedTokenSource(&crm.PasswordGrant{
			LoginURL:      cfg.CRMLoginURL,
			ClientID:      cfg.CRMClientID,
			ClientSecret:  cfg.CRMClientSecret,
			Username:      cfg.CRMUsername,
			Password:      cfg.CRMPassword,
			SecurityToken: cfg.CRMSecurityToken,
			HTTP:          hc,
		}), nil
	}
}

func newCRMClient(cfg *config.Config, logger zerolog.Logger) (*crm.Client, error) {
	tokens, err := tokenSource(cfg)
	if err != nil {
		return nil, err
	}
	return crm.NewClient(tokens,
		crm.WithAPIVersion(cfg.CRMAPIVersion),
		crm.WithTimeout(cfg.CRMTimeout),
		crm.WithRetry(cfg.HTTPRetryCount, retryWait),
		crm.WithRateLimit(cfg.CRMRateLimitRPS),
		crm.WithLogger(logger),
	), nil
}

func loadCatalog(cfg *config.Config) (*transform.Catalog, error) {
	return transform.LoadCatalog(cfg.CRMCatalogFile)
}

// ---------------------------------------------------------------------------
// Run ledger
// ---------------------------------------------------------------------------

// ledgerStore holds the run ledger and crosswalk, backed by PostgreSQL when
// DATABASE_URL is set and by memory otherwise.
type ledgerStore struct {
	ledger    *syncrun.Service
	crosswalk syncrun.CrosswalkRepository
	pool      *pgxpool.Pool
}

func (s *ledgerStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *ledgerStore) pinger() db.Pinger {
	if s.pool == nil {
		return nil
	}
	return s.pool
}

func connectDB(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	return db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, logger)
}

func openLedger(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*ledgerStore, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn().Msg("DATABASE_URL not set, run ledger and crosswalk are kept in memory")
		return &ledgerStore{
			ledger:    syncrun.NewService(syncrun.NewMemoryRunRepo(), logger),
			crosswalk: syncrun.NewMemoryCrosswalkRepo(),
		}, nil
	}

	pool, err := connectDB(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	n, err := db.NewMigrator(pool, db.Migrations()).Up(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate run ledger: %w", err)
	}
	if n > 0 {
		logger.Info().Int("applied", n).Msg("run ledger migrations applied")
	}
	return &ledgerStore{
		ledger:    syncrun.NewService(syncrun.NewRunRepoPG(pool), logger),
		crosswalk: syncrun.NewCrosswalkRepoPG(pool),
		pool:      pool,
	}, nil
}

// openArchive returns the MinIO store when ARCHIVE_ENDPOINT is set. Without
// an endpoint it returns an in-memory store when fallback is set, else nil.
func openArchive(ctx context.Context, cfg *config.Config, fallback bool) (blobstore.Store, error) {
	if !cfg.ArchiveEnabled() {
		if fallback {
			return blobstore.NewMemoryStore(), nil
		}
		return nil, nil
	}
	store, err := blobstore.NewMinioStore(blobstore.MinioConfig{
		Endpoint:  cfg.ArchiveEndpoint,
		AccessKey: cfg.ArchiveAccessKey,
		SecretKey: cfg.ArchiveSecretKey,
		Bucket:    cfg.ArchiveBucket,
		UseSSL:    cfg.ArchiveUseSSL,
	})
	if err != nil {
		return nil, err
	}
	if err := store.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func buildPipeline(cfg *config.Config, logger zerolog.Logger, store *ledgerStore, rec *metrics.Recorder, archive blobstore.Store, opts pipeline.Options) (*pipeline.Pipeline, error) {
	fhirClient, err := newFHIRClient(cfg, logger)
	if err != nil {
		return nil, err
	}
	crmClient, err := newCRMClient(cfg, logger)
	if err != nil {
		return nil, err
	}
	cat, err := loadCatalog(cfg)
	if err != nil {
		return nil, err
	}

	options := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(rec),
		pipeline.WithCrosswalk(store.crosswalk),
	}
	if archive != nil {
		options = append(options, pipeline.WithArchive(archive))
	}
	if cfg.NotifyWebhookURL != "" {
		options = append(options, pipeline.WithNotifier(
			notify.New(cfg.NotifyWebhookURL, cfg.NotifyWebhookSecret, notify.WithRetry(cfg.HTTPRetryCount, retryWait)),
		))
	}

	return pipeline.New(
		newExtractor(cfg, fhirClient, logger),
		transform.New(cat, logger),
		crmClient,
		store.ledger,
		opts,
		options...,
	), nil
}

// ---------------------------------------------------------------------------
// HTTP server
// ---------------------------------------------------------------------------

type serverDeps struct {
	ledger   *syncrun.Service
	launcher syncrun.Launcher
	archive  blobstore.Store
	metrics  *metrics.Recorder
	pinger   db.Pinger
	logger   zerolog.Logger
}

func newServer(d serverDeps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(d.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(d.logger))

	e.GET("/health", func(c echo.Context) error {
		body := map[string]any{"status": "ok"}
		if id, active := d.ledger.Active(); active {
			body["active_run"] = id.String()
		}
		return c.JSON(http.StatusOK, body)
	})
	if d.pinger != nil {
		e.GET("/health/db", db.HealthHandler(d.pinger))
	}
	if d.metrics != nil {
		e.GET("/metrics", d.metrics.EchoHandler())
	}

	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))

	syncrun.NewHandler(d.ledger, d.launcher).RegisterRoutes(apiV1)
	if d.archive != nil {
		blobstore.NewHandler(d.archive).RegisterRoutes(apiV1)
	}
	return e
}
