// Package relay assembles the delivery components into one runtime and
// mounts their HTTP surface on an echo server.
package relay

import (
	"context"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/medflow/doctor-relay/internal/bridge"
	"github.com/medflow/doctor-relay/internal/config"
	"github.com/medflow/doctor-relay/internal/delivery"
	"github.com/medflow/doctor-relay/internal/domain/patient"
	"github.com/medflow/doctor-relay/internal/platform/auth"
	"github.com/medflow/doctor-relay/internal/platform/db"
	"github.com/medflow/doctor-relay/internal/platform/metrics"
	"github.com/medflow/doctor-relay/internal/platform/middleware"
	"github.com/medflow/doctor-relay/internal/platform/webhook"
	"github.com/medflow/doctor-relay/internal/platform/websocket"
)

const version = "0.1.0"

// Deps are the process-level resources the runtime is built from. Pool and
// Redis are optional.
type Deps struct {
	Config *config.Config
	Logger zerolog.Logger
	Pool   *pgxpool.Pool
	Redis  *redis.Client
	Clock  clockwork.Clock
}

// Runtime owns every long-lived component of the relay.
type Runtime struct {
	Registry    *websocket.Registry
	Tracker     delivery.Tracker
	Cache       delivery.Cache
	Broadcaster *delivery.Broadcaster
	Bridge      *bridge.Bridge
	Enricher    *patient.Enricher
	Patients    patient.Repository
	Cardroom    *patient.CardroomClient
	Metrics     *metrics.Set

	cfg     *config.Config
	logger  zerolog.Logger
	pool    *pgxpool.Pool
	redis   *redis.Client
	promReg *prometheus.Registry
	store   string
}

// New wires the runtime. Delivery state lives in Redis when a client is
// supplied so several relay instances share it; otherwise it is in memory.
func New(d Deps) *Runtime {
	cfg := d.Config
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}

	r := &Runtime{
		cfg:     cfg,
		logger:  d.Logger,
		pool:    d.Pool,
		redis:   d.Redis,
		promReg: metrics.NewRegistry(),
	}
	r.Metrics = metrics.NewSet(r.promReg)

	if d.Redis != nil {
		store := delivery.NewRedisStore(d.Redis, d.Logger, cfg.MessageCacheSize, cfg.DeliveryTTL)
		r.Tracker, r.Cache, r.store = store, store, "redis"
	} else {
		r.Tracker = delivery.NewMemoryTracker(
			delivery.WithTTL(cfg.DeliveryTTL),
			delivery.WithMaxEntries(cfg.DeliveryMaxEntries),
			delivery.WithClock(d.Clock),
		)
		r.Cache = delivery.NewMemoryCache(cfg.MessageCacheSize)
		r.store = "memory"
	}

	r.Registry = websocket.NewRegistry(d.Logger, websocket.WithRegistryMetrics(r.Metrics.Connections))
	r.Broadcaster = delivery.NewBroadcaster(r.Registry, r.Tracker, r.Cache, d.Logger,
		delivery.WithMetrics(r.Metrics.Delivery))

	if d.Pool != nil {
		r.Patients = patient.NewRepo(d.Pool)
	} else {
		r.Patients = patient.NewMemoryRepo()
	}

	var fetcher patient.Fetcher
	if cfg.CardroomAPIURL != "" {
		r.Cardroom = patient.NewCardroomClient(patient.ClientConfig{
			BaseURL:      cfg.CardroomAPIURL,
			ServiceToken: cfg.ServiceToken,
			Timeout:      cfg.SideFetchTimeout,
		}, d.Logger)
		fetcher = r.Cardroom
	}
	r.Enricher = patient.NewEnricher(fetcher, r.Patients, d.Logger)

	if cfg.UpstreamWSURL != "" {
		r.Bridge = bridge.New(bridge.Config{
			URL:            cfg.UpstreamWSURL,
			Token:          cfg.ServiceToken,
			ServiceName:    cfg.UpstreamServiceName,
			DialTimeout:    cfg.UpstreamDialTimeout,
			ReceiveTimeout: cfg.UpstreamReceiveTimeout,
		}, r.Broadcaster, d.Logger,
			bridge.WithBackoff(bridge.NewBackoff(cfg.BackoffInitial, cfg.BackoffMax, cfg.BackoffFactor, cfg.BackoffJitter)),
			bridge.WithEnricher(r.Enricher),
			bridge.WithMetrics(r.Metrics.Bridge),
			bridge.WithClock(d.Clock),
		)
	}

	return r
}

// RegisterRoutes mounts every endpoint of the relay on e.
func (r *Runtime) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})

	var checks []db.Check
	if r.redis != nil {
		checks = append(checks, db.RedisCheck(r.redis))
	}
	e.GET("/health/db", db.HealthHandler(r.pool, checks...))
	e.GET("/metrics", echo.WrapHandler(metrics.Handler(r.promReg)))

	var wsOpts []websocket.HandlerOption
	wsOpts = append(wsOpts, websocket.WithHandlerMetrics(r.Metrics.Connections))
	if r.cfg.AuthSigningKey != "" {
		wsOpts = append(wsOpts, websocket.WithTokenVerifier(
			auth.NewDoctorTokenVerifier(auth.JWTConfig{SigningKey: []byte(r.cfg.AuthSigningKey)})))
	}
	websocket.NewHandler(r.Registry, r.Broadcaster, r.logger, wsOpts...).RegisterRoutes(e.Group(""))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: r.cfg.RateLimitRPS,
		BurstSize:         r.cfg.RateLimitBurst,
	}
	hooks := e.Group("/webhooks",
		middleware.RateLimit(rateLimitCfg),
		echomw.BodyLimit("1M"),
		auth.ServiceTokenMiddleware(r.cfg.WebhookSecret()),
	)
	hookOpts := []webhook.HandlerOption{
		webhook.WithEnricher(r.Enricher),
		webhook.WithMetrics(r.Metrics.Webhook),
	}
	if r.cfg.WebhookSigningSecret != "" {
		hookOpts = append(hookOpts, webhook.WithSigningSecret(r.cfg.WebhookSigningSecret))
	}
	webhook.NewFallbackHandler(r.Broadcaster, r.logger, hookOpts...).RegisterRoutes(hooks)

	api := e.Group("/api/v1", auth.ServiceTokenMiddleware(r.cfg.ServiceToken))
	api.GET("/realtime/status", r.StatusHandler)
	patient.NewHandler(r.Patients).RegisterRoutes(api)
}

// Status is the body of GET /api/v1/realtime/status.
type Status struct {
	Connections int            `json:"connections"`
	Recipients  int            `json:"recipients"`
	Store       string         `json:"store"`
	Upstream    *bridge.Status `json:"upstream"`
	SideFetch   string         `json:"side_fetch_breaker,omitempty"`
}

// Snapshot reports live connection counts and link state.
func (r *Runtime) Snapshot() Status {
	s := Status{
		Connections: r.Registry.Total(),
		Recipients:  len(r.Registry.Recipients()),
		Store:       r.store,
	}
	if r.Bridge != nil {
		bs := r.Bridge.Status()
		s.Upstream = &bs
	}
	if r.Cardroom != nil {
		s.SideFetch = r.Cardroom.State()
	}
	return s
}

func (r *Runtime) StatusHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, r.Snapshot())
}

// Start launches the upstream link when one is configured.
func (r *Runtime) Start(ctx context.Context) {
	if r.Bridge == nil {
		r.logger.Warn().Msg("UPSTREAM_WS_URL not set, relying on webhook fallback only")
		return
	}
	r.Bridge.Start(ctx)
}

// Stop shuts the upstream link down and waits for it.
func (r *Runtime) Stop() {
	if r.Bridge != nil {
		r.Bridge.Stop()
	}
}
