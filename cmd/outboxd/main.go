// outboxd relays transactional outbox tables to RabbitMQ. It elects a leader
// per table through Postgres advisory locks, wakes on NOTIFY, and dispatches
// with publisher confirms.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/duna-oss/deltic-sub000/config"
	"github.com/duna-oss/deltic-sub000/dlock"
	"github.com/duna-oss/deltic-sub000/outbox"
	"github.com/duna-oss/deltic-sub000/pgctx"
	"github.com/duna-oss/deltic-sub000/rabbitmq"
	"github.com/duna-oss/deltic-sub000/runner"
)

func main() {
	log := zerolog.New(os.Stdout).With().Timestamp().Logger()

	config.Load()
	cfg, err := config.LoadOutboxd()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		log = log.Level(level)
	}
	log.Info().Strs("tables", cfg.Tables).Msg("starting outboxd")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()

	rt := pgctx.NewRuntime(pgctx.WrapPool(pool), pgctx.Options{
		KeepConnections: cfg.KeepConnections,
		MaxIdle:         cfg.ConnMaxIdle,
		Logger:          log,
	})

	provider := rabbitmq.NewConnectionProvider(rabbitmq.ProviderOptions{
		URL:    rabbitmq.URLs(cfg.RabbitURLs...),
		Logger: log,
	})
	defer provider.Close()

	channels := rabbitmq.NewChannelPool(
		rabbitmq.ConfirmChannels(provider, "publisher"),
		rabbitmq.PoolOptions{
			MinChannels: cfg.MinChans,
			MaxChannels: cfg.MaxChans,
			Logger:      log,
		},
	)
	defer channels.Close()

	dispatcher := rabbitmq.NewDispatcher(channels, rabbitmq.DispatcherOptions{
		Exchange: rabbitmq.StaticExchange(cfg.Exchange),
		Logger:   log,
	})

	stores := make(map[string]*outbox.Store, len(cfg.Tables))
	relays := make(map[string]*outbox.Relay, len(cfg.Tables))
	for _, table := range cfg.Tables {
		store := outbox.NewStore(rt, table)
		stores[table] = store
		relays[table] = outbox.NewRelay(store, dispatcher, cfg.BatchSize, cfg.CommitSize)
	}

	if err := rt.RunSession(ctx, func(ctx context.Context) error {
		for _, store := range stores {
			if err := outbox.EnsureSchema(ctx, rt, store.Table()); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		log.Fatal().Err(err).Msg("failed to ensure outbox schema")
	}

	multi := runner.NewMulti(
		relays,
		dlock.NewKeyedAdvisory(rt, true),
		&runner.RuntimeListener{Runtime: rt, Logger: log},
		runner.Options{
			Channel:      cfg.NotifyChannel,
			PollInterval: cfg.PollInterval,
			LockRetry:    cfg.LockRetry,
			Logger:       log,
		},
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		err := rt.RunSession(ctx, func(ctx context.Context) error {
			return multi.Start(ctx)
		})
		if err != nil && ctx.Err() == nil {
			// fatal: a relay failure or a lost listener; let the
			// supervisor restart the whole process
			log.Error().Err(err).Msg("runner stopped")
			quit <- syscall.SIGTERM
		}
	}()

	go cleanupLoop(ctx, rt, stores, cfg, log)

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: healthRouter(pool)}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("health endpoint listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("health server failed")
		}
	}()

	<-quit

	log.Info().Msg("shutting down outboxd")
	multi.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
	cancel()
}

// cleanupLoop periodically deletes terminally consumed rows.
func cleanupLoop(ctx context.Context, rt *pgctx.Runtime, stores map[string]*outbox.Store, cfg config.Outboxd, log zerolog.Logger) {
	ticker := time.NewTicker(cfg.CleanupEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := rt.RunSession(ctx, func(ctx context.Context) error {
			for table, store := range stores {
				deleted, err := store.CleanupConsumed(ctx, cfg.CleanupLimit)
				if err != nil {
					return err
				}
				if deleted > 0 {
					log.Debug().Str("table", table).Int64("deleted", deleted).Msg("cleaned up consumed rows")
				}
			}
			return nil
		})
		if err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("cleanup failed")
		}
	}
}

func healthRouter(pool *pgxpool.Pool) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()
		if err := pool.Ping(ctx); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return r
}
