package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"tvm-live-service/internal/app"
	"tvm-live-service/internal/config"
	"tvm-live-service/internal/infra/memory"
	pgstore "tvm-live-service/internal/infra/postgres"
	redisstore "tvm-live-service/internal/infra/redis"
	transport "tvm-live-service/internal/transport/http"
)

const (
	defaultPurgeInterval = time.Minute
	shutdownTimeout      = 5 * time.Second
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the live session server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, cleanup, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	aggregator := app.NewAggregator(store, log,
		app.WithStaleAfter(config.TTLDuration(cfg.Session.StaleAfter, app.DefaultStaleAfter)),
		app.WithRecentLimit(cfg.Session.RecentLimit),
	)
	hub := transport.NewHub(aggregator, log)
	ingest := app.NewIngestService(store, hub, log)

	live := transport.NewLiveHandler(ingest, aggregator, log)
	ws := transport.NewWSHandler(ingest, hub, config.TTLDuration(cfg.Realtime.PingInterval, 10*time.Second), log)
	router := transport.NewRouter(live, ws, transport.CORSConfig{AllowedOrigins: cfg.Server.CORSOrigins}, log)

	if purger, ok := store.(app.Purger); ok {
		interval := config.TTLDuration(cfg.Session.PurgeInterval, defaultPurgeInterval)
		go runJanitor(ctx, purger, interval, log)
	}

	addr := ":" + cfg.Port(portFlag)
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("starting live session service")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
		log.Info("shutting down server...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err = server.Shutdown(shutdownCtx)
	// Hijacked websocket connections are not closed by server.Shutdown.
	if hubErr := hub.Shutdown(shutdownCtx); hubErr != nil {
		log.WithError(hubErr).Warn("realtime connections did not close in time")
	}
	aggregator.Wait()
	return err
}

// openStore selects and connects the session store backend.
func openStore(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (app.SessionStore, func(), error) {
	backend, err := cfg.Backend()
	if err != nil {
		return nil, nil, err
	}
	ttl := config.TTLDuration(cfg.Session.TTL, app.DefaultSessionTTL)
	recentCap := cfg.Session.RecentCap
	log = log.WithField("backend", backend)

	switch backend {
	case config.BackendRedis:
		opts, err := cfg.RedisOptions()
		if err != nil {
			return nil, nil, err
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		log.Info("using redis session store")
		return redisstore.NewSessionStore(client, ttl, recentCap, log), func() { _ = client.Close() }, nil

	case config.BackendPostgres:
		if err := runMigrations(ctx, cfg.Postgres.URL, log); err != nil {
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		log.Info("using postgres session store")
		return pgstore.NewSessionStore(pool, ttl, recentCap, log), pool.Close, nil

	default:
		log.Warn("using in-memory session store; state is local to this process")
		return memory.NewSessionStore(ttl, recentCap), func() {}, nil
	}
}

// runJanitor deletes expired session records until ctx is done.
func runJanitor(ctx context.Context, purger app.Purger, interval time.Duration, log logrus.FieldLogger) {
	log = log.WithField("component", "janitor")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := purger.PurgeExpired(ctx)
			if err != nil {
				log.WithError(err).Warn("purge failed")
				continue
			}
			if removed > 0 {
				log.WithField("removed", removed).Debug("purged expired records")
			}
		}
	}
}
