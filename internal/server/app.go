// Package server wires configuration, storage, the core services and the
// HTTP and gRPC endpoints into one process, and handles graceful shutdown.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dmitrijs2005/schedkeeper/internal/logging"
	"github.com/dmitrijs2005/schedkeeper/internal/server/config"
	"github.com/dmitrijs2005/schedkeeper/internal/server/events"
	"github.com/dmitrijs2005/schedkeeper/internal/server/httpapi"
	"github.com/dmitrijs2005/schedkeeper/internal/server/oauth"
	"github.com/dmitrijs2005/schedkeeper/internal/server/ratelimit"
	"github.com/dmitrijs2005/schedkeeper/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/schedkeeper/internal/server/services"

	gs "github.com/dmitrijs2005/schedkeeper/internal/server/grpc"
)

const healthProbeInterval = 15 * time.Second

type App struct {
	config  *config.Config
	logger  logging.Logger
	db      *sql.DB
	closers []io.Closer

	httpServer *httpapi.Server
	grpcServer *gs.GRPCServer
}

// NewApp connects to the database, applies migrations and builds every
// component. Optional integrations that are configured but unreachable are
// logged and left disabled.
func NewApp(ctx context.Context, c *config.Config) (*App, error) {
	logger := logging.NewJSON(os.Stdout, c.LogLevel)

	db, err := repomanager.OpenDB(ctx, c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	rm := repomanager.NewPostgresRepositoryManager()
	if err := rm.RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations error: %w", err)
	}

	app := &App{config: c, logger: logger, db: db}

	var publisher events.Publisher = events.Nop{}
	if c.AMQPURL != "" {
		p := events.NewAMQPPublisher(c.AMQPURL, c.AMQPQueue, logger)
		app.closers = append(app.closers, p)
		publisher = p
	}

	deps := httpapi.Deps{
		Users:        services.NewUserService(db, rm, c),
		Sessions:     services.NewSessionService(c),
		Reconciler:   services.NewIdentityReconciler(db, rm, logger.With("module", "reconciler")),
		Associations: services.NewAssociationService(db, rm, publisher, logger.With("module", "associations")),
		Search:       services.NewSearchService(db, rm),
		Avatars:      services.NewAvatarService(db, rm, c),
		DB:           db,
	}

	if c.GoogleClientID != "" {
		deps.OAuth = oauth.NewGoogle(c.GoogleClientID, c.GoogleClientSecret, c.GoogleRedirectURL)
	}

	if c.RedisAddr != "" {
		rdb, err := ratelimit.NewRedisClient(ctx, c.RedisAddr, c.RedisPassword, c.RedisDB)
		if err != nil {
			logger.Warn(ctx, "login throttling disabled", "error", err)
		} else {
			app.closers = append(app.closers, rdb)
			deps.Limiter = ratelimit.NewRedisLimiter(rdb, "schedkeeper:login:", c.RateLimitCapacity, c.RateLimitRefillInterval)
		}
	}

	app.httpServer = httpapi.NewServer(c.EndpointAddrHTTP, c.BaseURL, deps, logger)
	app.grpcServer = gs.NewGRPCServer(c.EndpointAddrGRPC, logger, db, healthProbeInterval)
	return app, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

type runner interface {
	Run(ctx context.Context) error
}

func (app *App) start(ctx context.Context, cancelFunc context.CancelFunc, name string, r runner) {
	if err := r.Run(ctx); err != nil {
		app.logger.Error(ctx, "server failed", "server", name, "error", err)
		cancelFunc()
	}
}

// Run blocks until a signal arrives or either server fails, then releases
// every resource.
func (app *App) Run(ctx context.Context) {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		app.start(ctx, cancelFunc, "http", app.httpServer)
	}()
	go func() {
		defer wg.Done()
		app.start(ctx, cancelFunc, "grpc", app.grpcServer)
	}()

	wg.Wait()

	app.close(ctx)
}

func (app *App) close(ctx context.Context) {
	for _, c := range app.closers {
		if err := c.Close(); err != nil {
			app.logger.Warn(ctx, "close failed", "error", err)
		}
	}
	if err := app.db.Close(); err != nil {
		app.logger.Warn(ctx, "db close failed", "error", err)
	}
	app.logger.Info(ctx, "App stopped")
}
