package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/ksred/klear-fix/internal/auth"
	"github.com/ksred/klear-fix/internal/config"
	"github.com/ksred/klear-fix/internal/database"
	"github.com/ksred/klear-fix/internal/dedup"
	"github.com/ksred/klear-fix/internal/exchange"
	"github.com/ksred/klear-fix/internal/fix"
	"github.com/ksred/klear-fix/internal/observability"
	"github.com/ksred/klear-fix/internal/portfolio"
	"github.com/ksred/klear-fix/internal/reconcile"
	"github.com/ksred/klear-fix/internal/storage"
	"github.com/ksred/klear-fix/internal/stream"
	"github.com/ksred/klear-fix/internal/trading"
	"github.com/ksred/klear-fix/internal/types"
	"github.com/ksred/klear-fix/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// setupLogging configures pretty printing outside production and debug
// logging when requested
func setupLogging(cfg *config.Config) {
	if !cfg.Production() {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.Server.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// venueTransport is what the gateway and the lifecycle need from either
// the FIX initiator or the simulated venue
type venueTransport interface {
	trading.Transport
	trading.SessionLister
}

type app struct {
	cfg         *config.Config
	db          *gorm.DB
	metrics     *observability.Metrics
	transport   venueTransport
	trading     *trading.Service
	portfolio   *portfolio.Service
	coordinator *reconcile.Coordinator
	hub         *stream.Hub
	writer      *storage.Writer
	sweeper     *dedup.Sweeper
	auth        *auth.Service
	limiter     *middleware.RateLimiter
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}
	setupLogging(cfg)

	db, err := database.NewDatabase(cfg.Database, cfg.Server.Debug)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	a, err := build(cfg, db)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize services")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.run(ctx); err != nil {
		zlog.Fatal().Err(err).Msg("Server stopped with error")
	}
	zlog.Info().Msg("Server exiting")
}

// build wires the ledgers, the coordinator, the transport and the
// downstream publishers, then rehydrates both ledgers from the database.
func build(cfg *config.Config, db *gorm.DB) (*app, error) {
	metrics := observability.NewMetrics("klear_fix")
	locks := reconcile.NewKeyLock()

	orderLedger := trading.NewLedger()
	positionLedger := portfolio.NewLedger()

	hub := stream.NewHub(func() any { return positionLedger.Summary() }, metrics)
	seen := dedup.NewDurable(db, cfg.Dedup.Capacity, cfg.Dedup.TTL)
	writer := storage.NewWriter(db, seen, cfg.Persistence.QueueSize, metrics)
	publisher := stream.Fanout{hub, writer}

	// reconciled effects reach the database inside their execution record
	coordinator := reconcile.NewCoordinator(orderLedger, positionLedger, seen,
		stream.Fanout{hub, writer.Executions()}, metrics, locks)

	positionLedger.OnHeld(func(symbol string) {
		zlog.Info().Str("symbol", symbol).Msg("symbol now held")
		hub.Publish(types.EventSymbolHeld, map[string]string{"symbol": symbol})
	})

	var transport venueTransport
	if cfg.FIX.Enabled {
		transport = fix.NewApplication()
	} else {
		transport = exchange.NewVenue(venueConfig(cfg.Venue))
	}
	transport.OnExecution(coordinator.OnExecutionEvent)

	a := &app{
		cfg:         cfg,
		db:          db,
		metrics:     metrics,
		transport:   transport,
		trading:     trading.NewService(db, orderLedger, transport, publisher, locks, metrics),
		portfolio:   portfolio.NewService(db, positionLedger, publisher, locks),
		coordinator: coordinator,
		hub:         hub,
		writer:      writer,
		sweeper:     dedup.NewSweeper(seen, cfg.Dedup.SweepInterval),
		auth:        auth.NewService(cfg.Server.JWTSecret),
		limiter:     middleware.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst),
	}

	// Register test credentials
	a.auth.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret)
	if !cfg.Production() {
		a.auth.RegisterAPICredentials("ops-api-key", "ops-api-secret", auth.PermissionTrade, auth.PermissionAdmin)
	}

	orders, err := a.trading.Restore()
	if err != nil {
		return nil, err
	}
	positions, err := a.portfolio.Restore()
	if err != nil {
		return nil, err
	}
	zlog.Info().Int("orders", orders).Int("positions", positions).Msg("ledgers restored")

	return a, nil
}

func venueConfig(cfg config.Venue) exchange.Config {
	out := exchange.Config{
		MinLatency:      cfg.MinLatency,
		MaxLatency:      cfg.MaxLatency,
		SuccessRate:     cfg.SuccessRate,
		FillProbability: cfg.FillProbability,
		LiquidityFactor: cfg.LiquidityFactor,
		PriceVariance:   cfg.PriceVariance,
		ReferencePrices: make(map[string]decimal.Decimal, len(cfg.ReferencePrices)),
	}
	for symbol, price := range cfg.ReferencePrices {
		out.ReferencePrices[symbol] = decimal.NewFromFloat(price)
	}
	return out
}

// run starts every background component and the HTTP server, and shuts
// them down together when ctx ends or any of them fails
func (a *app) run(ctx context.Context) error {
	if a.cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery(), middleware.Metrics(a.metrics), a.limiter.Handler())
	a.setupRoutes(router)

	srv := &http.Server{
		Addr:    ":" + a.cfg.Server.Port,
		Handler: router,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.hub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		a.writer.Start(ctx)
		return nil
	})
	g.Go(func() error {
		a.sweeper.Start(ctx)
		return nil
	})
	g.Go(func() error {
		return a.limiter.Cleanup(ctx)
	})
	g.Go(func() error {
		return a.runTransport(ctx)
	})

	g.Go(func() error {
		zlog.Info().Str("port", a.cfg.Server.Port).Bool("fix", a.cfg.FIX.Enabled).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		zlog.Info().Msg("Shutting down server...")

		// Give outstanding operations 5 seconds to complete
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func (a *app) runTransport(ctx context.Context) error {
	switch t := a.transport.(type) {
	case *exchange.Venue:
		return t.Run(ctx)
	case *fix.Application:
		initiator, err := fix.NewInitiator(t, a.cfg.FIX.SettingsFile)
		if err != nil {
			return err
		}
		if err := initiator.Start(); err != nil {
			return err
		}
		zlog.Info().Str("settings", a.cfg.FIX.SettingsFile).Msg("fix initiator started")
		<-ctx.Done()
		initiator.Stop()
		return nil
	default:
		<-ctx.Done()
		return nil
	}
}

// setupRoutes configures all API endpoints and their handlers:
// - Auth routes: public token issuance
// - Order, execution, portfolio and session routes: JWT authentication
// - Internal routes: operator token or admin JWT
func (a *app) setupRoutes(router *gin.Engine) {
	authHandlers := auth.NewGinHandlers(a.auth)
	tradingHandlers := trading.NewGinHandlers(a.trading)
	portfolioHandlers := portfolio.NewGinHandlers(a.portfolio)
	reconcileHandlers := reconcile.NewGinHandlers(a.coordinator)

	jwtAuth := middleware.JWTAuth(a.auth)

	router.GET("/health", a.healthHandler())
	router.GET("/metrics", gin.WrapH(a.metrics.Handler()))
	router.GET("/ws/portfolio", jwtAuth, a.hub.Handler())

	v1 := router.Group("/api/v1")
	{
		authRoutes := v1.Group("/auth")
		{
			authRoutes.POST("/token", authHandlers.GenerateTokenHandler())
		}

		orders := v1.Group("/orders")
		orders.Use(jwtAuth)
		{
			orders.POST("", tradingHandlers.CreateOrderHandler())
			orders.GET("", tradingHandlers.ListOrdersHandler())
			orders.GET("/open", tradingHandlers.OpenOrdersHandler())
			orders.GET("/:order_id", tradingHandlers.GetOrderHandler())
			orders.DELETE("/:order_id", tradingHandlers.CancelOrderHandler())
			orders.PUT("/:order_id", tradingHandlers.ReplaceOrderHandler())
		}

		executions := v1.Group("/executions")
		executions.Use(jwtAuth)
		{
			executions.GET("", tradingHandlers.ListExecutionsHandler())
			executions.GET("/count", tradingHandlers.CountExecutionsHandler())
		}

		positions := v1.Group("/portfolio")
		positions.Use(jwtAuth)
		{
			positions.GET("/positions", portfolioHandlers.ListPositionsHandler())
			positions.GET("/positions/:symbol", portfolioHandlers.GetPositionHandler())
			positions.POST("/positions/:symbol/price", portfolioHandlers.UpdatePriceHandler())
			positions.GET("/summary", portfolioHandlers.SummaryHandler())
		}

		v1.GET("/sessions", jwtAuth, tradingHandlers.SessionsHandler())

		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(a.auth, a.cfg.Server.InternalToken))
		{
			internal.DELETE("/executions", tradingHandlers.PurgeExecutionsHandler())
			internal.DELETE("/positions", portfolioHandlers.ClearAllHandler())
			internal.DELETE("/positions/:symbol", portfolioHandlers.ClearPositionHandler())
			internal.GET("/reconciliation/rejected", reconcileHandlers.RejectedHandler())
			internal.POST("/reconciliation/replay/:execution_id", reconcileHandlers.ReplayHandler())
		}
	}
}

// healthHandler reports UP while a venue session is logged on
func (a *app) healthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		status, code := "UP", http.StatusOK
		if !a.transport.SessionActive() {
			status, code = "DOWN", http.StatusServiceUnavailable
		}

		executions, err := a.trading.Database().CountExecutions()
		if err != nil {
			zlog.Error().Err(err).Msg("failed to count executions")
		}

		c.JSON(code, types.HealthStatus{
			Status:         status,
			FixConnected:   a.transport.SessionActive(),
			ExecutionCount: executions,
			OpenOrderCount: len(a.trading.ListOrders(true)),
			Timestamp:      time.Now(),
		})
	}
}
