// Package server assembles the occupancy API: storage, services, handlers,
// middleware and the SyncChannel endpoint.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/ibms/internal/domain/bed"
	"github.com/ehr/ibms/internal/domain/occupancy"
	"github.com/ehr/ibms/internal/platform/apierror"
	"github.com/ehr/ibms/internal/platform/auth"
	"github.com/ehr/ibms/internal/platform/db"
	"github.com/ehr/ibms/internal/platform/lock"
	"github.com/ehr/ibms/internal/platform/middleware"
	"github.com/ehr/ibms/internal/platform/sandbox"
	"github.com/ehr/ibms/internal/platform/telemetry"
	"github.com/ehr/ibms/internal/platform/websocket"
)

// Version is reported by GET /health.
const Version = "0.1.0"

// Store is one storage backend. Beds and Occupancy must share Tx.
type Store struct {
	Name      string
	Beds      bed.Repository
	Occupancy occupancy.Repository
	Tx        db.TxRunner
	Health    db.Checker
}

// MemoryStore keeps everything in process. State is lost on exit.
func MemoryStore() Store {
	m := occupancy.NewMemoryStore()
	return Store{Name: "memory", Beds: m, Occupancy: m, Tx: m, Health: memoryChecker{}}
}

func PostgresStore(pool *pgxpool.Pool) Store {
	return Store{
		Name:      "postgres",
		Beds:      bed.NewRepo(pool),
		Occupancy: occupancy.NewRepo(pool),
		Tx:        db.NewTxRunner(pool),
		Health:    db.PoolChecker{Pool: pool},
	}
}

type memoryChecker struct{}

func (memoryChecker) Ping(context.Context) error { return nil }
func (memoryChecker) Stats() *db.PoolStats       { return nil }

type Options struct {
	Store Store
	Hub   *websocket.Hub
	// Publisher defaults to Hub. Set it to a RedisBridge to fan out across
	// instances.
	Publisher websocket.Publisher
	// Auth defaults to development auth.
	Auth         echo.MiddlewareFunc
	CORSOrigins  []string
	BodyLimit    string
	WSSendBuffer int
	Logger       zerolog.Logger
	Now          func() time.Time

	// Sandbox exposes POST /api/v1/sandbox/seed. Development only.
	Sandbox bool
	// Metrics, when set, instruments requests and published events and
	// serves GET /metrics.
	Metrics *telemetry.Provider
}

// Server is the assembled API. The services are exposed for seeding and
// tests.
type Server struct {
	Echo       *echo.Echo
	Hub        *websocket.Hub
	Beds       *bed.Service
	Ledger     *occupancy.Ledger
	Transfers  *occupancy.TransferCoordinator
	Admissions *occupancy.AdmissionService
}

func New(opts Options) *Server {
	logger := opts.Logger
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Hub == nil {
		opts.Hub = websocket.NewHub(logger)
	}
	if opts.Publisher == nil {
		opts.Publisher = opts.Hub
	}
	if opts.Metrics != nil {
		opts.Publisher = opts.Metrics.Publisher(opts.Publisher)
		hub := opts.Hub
		opts.Metrics.Gauge("ibms_syncchannel_clients", "Connected SyncChannel terminals.",
			func() float64 { return float64(hub.ClientCount()) })
	}
	if opts.Auth == nil {
		opts.Auth = auth.DevAuthMiddleware()
	}
	if opts.BodyLimit == "" {
		opts.BodyLimit = "64K"
	}

	store := opts.Store
	locks := lock.NewKeyed()
	notifier := bed.NewNotifier(opts.Publisher, store.Beds, logger, opts.Now)

	bedSvc := bed.NewService(bed.Deps{
		Repo:     store.Beds,
		Tx:       store.Tx,
		Locks:    locks,
		Notifier: notifier,
		Logger:   logger,
		Now:      opts.Now,
	})
	deps := occupancy.Deps{
		Beds:     store.Beds,
		Repo:     store.Occupancy,
		Tx:       store.Tx,
		Locks:    locks,
		Notifier: notifier,
		Logger:   logger,
		Now:      opts.Now,
	}
	s := &Server{
		Hub:        opts.Hub,
		Beds:       bedSvc,
		Ledger:     occupancy.NewLedger(deps),
		Transfers:  occupancy.NewTransferCoordinator(deps),
		Admissions: occupancy.NewAdmissionService(deps),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = apierror.ErrorHandler

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	if opts.Metrics != nil {
		e.Use(opts.Metrics.Middleware())
	}
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: opts.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Actor"},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": Version,
		})
	})
	e.GET("/health/db", db.HealthHandler(store.Name, store.Health))
	if opts.Metrics != nil {
		e.GET("/metrics", opts.Metrics.Handler())
	}

	api := e.Group("/api/v1", opts.Auth, middleware.BodyLimit(opts.BodyLimit))
	bed.NewHandler(bedSvc).RegisterRoutes(api)
	occupancy.NewHandler(s.Ledger, s.Transfers, s.Admissions).RegisterRoutes(api)
	websocket.NewWebSocketHandler(opts.Hub, websocket.HandlerConfig{
		SendBuffer:     opts.WSSendBuffer,
		AllowedOrigins: opts.CORSOrigins,
		Logger:         logger,
	}).RegisterRoutes(api)
	if opts.Sandbox {
		sandbox.NewSeedHandler(s.Seeder(logger)).RegisterRoutes(api)
	}

	s.Echo = e
	return s
}

// Seeder writes a generated hospital through the server's services.
func (s *Server) Seeder(logger zerolog.Logger) *sandbox.Seeder {
	return sandbox.NewSeeder(s.Beds, s.Admissions, s.Ledger, logger)
}
