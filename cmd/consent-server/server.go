package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/consentcore/internal/config"
	"github.com/ehr/consentcore/internal/domain/access"
	"github.com/ehr/consentcore/internal/domain/clinical"
	"github.com/ehr/consentcore/internal/domain/consent"
	"github.com/ehr/consentcore/internal/domain/emergency"
	"github.com/ehr/consentcore/internal/domain/encounter"
	"github.com/ehr/consentcore/internal/domain/identity"
	"github.com/ehr/consentcore/internal/platform/audit"
	"github.com/ehr/consentcore/internal/platform/auth"
	"github.com/ehr/consentcore/internal/platform/breaker"
	"github.com/ehr/consentcore/internal/platform/cache"
	"github.com/ehr/consentcore/internal/platform/db"
	"github.com/ehr/consentcore/internal/platform/exchange"
	"github.com/ehr/consentcore/internal/platform/inference"
	"github.com/ehr/consentcore/internal/platform/middleware"
	"github.com/ehr/consentcore/internal/platform/signing"
	"github.com/ehr/consentcore/internal/platform/telemetry"
)

const cacheCleanupInterval = time.Minute

// stores groups the repositories behind STORE_DRIVER.
type stores struct {
	directory  identity.Directory
	encounters encounter.Repository
	consents   consent.Repository
	emergency  emergency.Source
	records    clinical.Records
}

func memoryStores() stores {
	return stores{
		directory:  identity.NewMemoryDirectory(),
		encounters: encounter.NewMemoryRepo(),
		consents:   consent.NewMemoryRepo(),
		emergency:  emergency.NewMemorySource(),
		records:    clinical.NewMemoryRecords(),
	}
}

func postgresStores(pool *pgxpool.Pool) stores {
	return stores{
		directory:  identity.NewDirectoryPG(pool),
		encounters: encounter.NewRepoPG(pool),
		consents:   consent.NewRepoPG(pool),
		emergency:  emergency.NewSourcePG(pool),
		records:    clinical.NewRecordsPG(pool),
	}
}

// server owns the echo instance and everything that must be released on
// shutdown.
type server struct {
	echo     *echo.Echo
	auditLog *audit.Logger
	pool     *pgxpool.Pool
	redis    *redis.Client
	logger   zerolog.Logger
}

func newServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*server, error) {
	srv := &server{logger: logger}
	metrics := telemetry.New()

	// Primary store
	st := memoryStores()
	if cfg.StoreDriver == "postgres" {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		srv.pool = pool
		st = postgresStores(pool)
		logger.Info().Msg("connected to database")
	}

	// Cache
	var store cache.Store
	if cfg.RedisURL != "" {
		client, err := cache.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			srv.release()
			return nil, err
		}
		srv.redis = client
		store = cache.NewRedisStore(client, logger)
		logger.Info().Msg("connected to redis")
	} else {
		mem := cache.NewMemoryStore()
		mem.StartCleanup(ctx, cacheCleanupInterval)
		store = mem
	}

	// Signing
	keyRing, err := newKeyRing(cfg, logger)
	if err != nil {
		srv.release()
		return nil, err
	}

	// Audit
	auditStore, err := openAuditStore(cfg)
	if err != nil {
		srv.release()
		return nil, err
	}
	srv.auditLog = audit.NewLogger(auditStore,
		audit.WithBufferSize(cfg.AuditBufferSize),
		audit.WithLogger(logger),
		audit.WithMetrics(metrics),
	)

	breakers := breaker.NewRegistry(
		breaker.Settings{Threshold: cfg.BreakerThreshold, Cooldown: cfg.BreakerCooldown},
		breaker.WithMetrics(metrics),
		breaker.WithLogger(logger),
	)

	// Domain services
	ledger := consent.NewLedger(st.consents, st.directory, keyRing, srv.auditLog,
		consent.WithDuration(cfg.ConsentDuration),
		consent.WithLogger(logger),
	)
	engine := access.NewEngine(st.directory, ledger, st.encounters, srv.auditLog,
		access.WithAppointmentWindow(cfg.AppointmentWindow),
		access.WithSelfAudit(cfg.AuditSelfAccess),
		access.WithMetrics(metrics),
		access.WithLogger(logger),
	)
	emergencySvc := emergency.NewService(st.emergency, store, srv.auditLog,
		emergency.WithTTL(cfg.EmergencyCacheTTL),
		emergency.WithMetrics(metrics),
		emergency.WithLogger(logger),
	)
	ai := inference.NewClient(cfg.AIEndpoint, breakers,
		inference.WithTimeout(cfg.AITimeout),
		inference.WithLogger(logger),
	)
	adapter := exchange.NewAdapter(cfg.GatewayBaseURL, keyRing, breakers, ledger, st.directory, srv.auditLog,
		exchange.WithTimeout(cfg.GatewayTimeout),
		exchange.WithClientID(cfg.GatewayClientID),
		exchange.WithLogger(logger),
	)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, "X-Actor-ID", "X-Actor-Role"},
	}))

	// Operator endpoints
	e.GET("/health", db.HealthHandler(srv.pool))
	metrics.RegisterRoutes(e)

	// API groups
	public := e.Group("/api/v1")
	apiV1 := e.Group("/api/v1", authMiddleware(cfg))
	admin := apiV1.Group("/admin", auth.RequireRole(auth.RoleAdmin))

	consent.NewHandler(ledger, st.directory).RegisterRoutes(apiV1)
	identity.NewHandler(st.directory).RegisterRoutes(apiV1)
	encounter.NewHandler(st.encounters, st.directory).RegisterRoutes(apiV1)
	clinical.NewHandler(engine, st.records, ledger, ai, srv.auditLog).RegisterRoutes(apiV1)
	audit.NewHandler(srv.auditLog).RegisterRoutes(apiV1, admin)
	emergency.NewHandler(emergencySvc).RegisterRoutes(public, admin)
	exchange.NewHandler(adapter, ledger).RegisterRoutes(public, apiV1)
	breaker.NewHandler(breakers).RegisterRoutes(admin)

	srv.echo = e
	return srv, nil
}

func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	if !cfg.UsesJWT() {
		return auth.DevAuthMiddleware()
	}
	jwtCfg := auth.JWTConfig{
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
		JWKSURL:  cfg.AuthJWKSURL,
	}
	if cfg.AuthSigningKey != "" {
		jwtCfg.SigningKey = []byte(cfg.AuthSigningKey)
	}
	return auth.JWTMiddleware(jwtCfg)
}

func openAuditStore(cfg *config.Config) (audit.Store, error) {
	if cfg.AuditDriver == "memory" {
		return audit.NewMemoryStore(), nil
	}
	gdb, err := audit.OpenGorm(cfg.AuditDriver, cfg.AuditDataSource())
	if err != nil {
		return nil, err
	}
	gs, err := audit.NewGormStore(gdb)
	if err != nil {
		return nil, err
	}
	return gs, nil
}

func newKeyRing(cfg *config.Config, logger zerolog.Logger) (*signing.KeyRing, error) {
	key, generated, err := resolveConsentKey(cfg)
	if err != nil {
		return nil, err
	}
	if generated {
		logger.Warn().Msg("CONSENT_SIGNING_KEY not set, using a random key; artefacts will not verify after restart")
	}
	ring, err := signing.NewKeyRing(key)
	if err != nil {
		return nil, err
	}

	if cfg.GatewayPrivateKeyFile != "" {
		priv, err := signing.LoadPrivateKeyFile(cfg.GatewayPrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("gateway private key: %w", err)
		}
		ring.SetExternalKey(priv)
	}
	if cfg.GatewayPeerKeyFile != "" {
		pub, err := signing.LoadPublicKeyFile(cfg.GatewayPeerKeyFile)
		if err != nil {
			return nil, fmt.Errorf("gateway peer key: %w", err)
		}
		ring.SetPeerKey(pub)
	}
	return ring, nil
}

// Shutdown stops accepting requests, drains the audit queue and closes the
// backing connections.
func (s *server) Shutdown(ctx context.Context) error {
	var errs []error
	if err := s.echo.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := s.auditLog.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("audit drain: %w", err))
	}
	s.release()
	return errors.Join(errs...)
}

func (s *server) release() {
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error().Err(err).Msg("close redis")
		}
	}
	if s.pool != nil {
		s.pool.Close()
	}
}
