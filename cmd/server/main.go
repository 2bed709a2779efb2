/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the consultation engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env and environment into config.Config
  2. Apply command-line flag overrides
  3. Build the zap logger
  4. Initialize SQLite store
  5. Pick infrastructure: Redis or in-process locks, AMQP or log-only
     events, Stripe or sandbox gateway
  6. Wire ledger, settlement, booking engine, handler and router
  7. Start the session scheduler and the HTTP server

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides APP_PORT)
  -db      SQLite database path (overrides DB_PATH)
           Use ":memory:" for in-memory database
  -env     .env file to read before the environment (default: .env)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the session scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close AMQP, Redis and database connections
  5. Exit

CONFIG RELOAD:
  SIGHUP or POST /api/admin/config/reload re-reads the environment. Only
  business policy changes take effect; infrastructure needs a restart.

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/warp/consultation-engine/api"
	"github.com/warp/consultation-engine/booking"
	"github.com/warp/consultation-engine/config"
	"github.com/warp/consultation-engine/coupon"
	"github.com/warp/consultation-engine/events"
	"github.com/warp/consultation-engine/gateway/stripe"
	"github.com/warp/consultation-engine/ledger"
	"github.com/warp/consultation-engine/lock"
	"github.com/warp/consultation-engine/logging"
	"github.com/warp/consultation-engine/settlement"
	"github.com/warp/consultation-engine/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Flags
	port := flag.Int("port", 0, "HTTP server port (overrides APP_PORT)")
	dbPath := flag.String("db", "", "SQLite database path (overrides DB_PATH)")
	envFile := flag.String("env", ".env", "env file read before the environment")
	flag.Parse()

	load := func() (*config.Config, error) {
		cfg, err := config.Load(*envFile)
		if err != nil {
			return nil, err
		}
		if *port != 0 {
			cfg.Port = *port
		}
		if *dbPath != "" {
			cfg.DBPath = *dbPath
		}
		return cfg, nil
	}
	cfg, err := load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	holder := config.NewHolder(cfg, load)

	log, err := logging.New(cfg.LogLevel, cfg.AppEnv)
	if err != nil {
		return err
	}
	defer log.Sync()

	// Initialize store
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	// Locks: Redis when several instances share the database
	var locker lock.Locker = lock.NewLocal()
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(ctx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("failed to reach redis at %s: %w", cfg.RedisAddr, err)
		}
		locker = lock.NewRedis(rdb, "consultation:lock:", log)
		log.Info("using redis locks", zap.String("addr", cfg.RedisAddr))
	}

	// Events: always logged, published to AMQP when configured
	dispatchers := events.Multi{events.NewLog(log)}
	if cfg.AMQPURL != "" {
		publisher, err := events.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange, log)
		if err != nil {
			return fmt.Errorf("failed to connect to amqp: %w", err)
		}
		defer publisher.Close()
		dispatchers = append(dispatchers, publisher)
		log.Info("publishing events", zap.String("exchange", cfg.AMQPExchange))
	}

	// Gateway: Stripe when a key is configured, sandbox otherwise
	var (
		gw           settlement.Gateway = settlement.NewSandbox()
		stripeClient *stripe.Gateway
	)
	if cfg.StripeSecretKey != "" {
		stripeClient = stripe.New(cfg.StripeSecretKey, cfg.StripeWebhookSecret, log.Named("stripe"))
		gw = stripeClient
	} else if cfg.IsProduction() {
		log.Warn("no STRIPE_SECRET_KEY set; gateway payments use the sandbox")
	}

	l := ledger.New(store, log.Named("ledger"))
	coord := settlement.NewCoordinator(l, coupon.NewEvaluator(store), gw, cfg.SettlementOptions(), log.Named("settlement"))
	engine := booking.NewEngine(booking.Deps{
		Store:       store,
		Settlement:  coord,
		Locker:      locker,
		LockOptions: cfg.LockOptions(),
		Events:      dispatchers,
		Policy:      holder.Policy,
		Log:         log.Named("booking"),
	})

	handler := api.NewHandler(api.Deps{
		Engine: engine,
		Store:  store,
		Ledger: l,
		Config: holder,
		Stripe: stripeClient,
		Log:    log.Named("api"),
	})
	router := api.NewRouter(handler, api.RouterOptions{
		CORSOrigins:        cfg.CORSOrigins,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
	})

	scheduler := api.NewSessionScheduler(engine, log)
	scheduler.CheckInterval = cfg.SchedulerInterval
	scheduler.Start()
	defer scheduler.Stop()

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serveErr := make(chan error, 1)
	go func() {
		log.Info("server starting",
			zap.Int("port", cfg.Port),
			zap.String("db", cfg.DBPath),
			zap.String("env", cfg.AppEnv),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// Wait for interrupt signal; SIGHUP reloads policy
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for {
		select {
		case err := <-serveErr:
			return fmt.Errorf("server failed: %w", err)
		case sig := <-quit:
			if sig == syscall.SIGHUP {
				if _, err := holder.Reload(); err != nil {
					log.Error("config reload failed; keeping previous config", zap.Error(err))
				} else {
					log.Info("config reloaded")
				}
				continue
			}
			log.Info("shutting down server", zap.String("signal", sig.String()))
			scheduler.Stop()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server forced to shutdown: %w", err)
			}
			log.Info("server stopped")
			return nil
		}
	}
}
