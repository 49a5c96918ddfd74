// Command server runs the outbound gateway and inbound webhook service.
// main wires infrastructure and keeps the lifecycle small; behavior lives in
// the internal packages.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"bastion/internal/audit"
	"bastion/internal/deadletter"
	"bastion/internal/gateway"
	"bastion/internal/platform/config"
	"bastion/internal/platform/httpserver"
	"bastion/internal/platform/logger"
	"bastion/internal/platform/postgres"
	"bastion/internal/platform/redis"
	httptransport "bastion/internal/transport/http"
	"bastion/internal/usage"
	"bastion/internal/webhook"
)

func main() {
	cfg := config.FromEnv()
	log := logger.New()
	slog.SetDefault(log)

	if err := run(context.Background(), cfg, log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Server, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := redis.New(cfg.Redis)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	pool, err := postgres.New(ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	if pool != nil {
		defer pool.Close()
	}

	events, err := buildAuditPublisher(ctx, cfg.Kafka, log)
	if err != nil {
		return err
	}
	defer events.Close()

	monitor, err := buildUsageMonitor(ctx, pool, log)
	if err != nil {
		return err
	}
	monitor.StartThresholdLoop(ctx, 5*time.Minute)

	letters, err := buildDeadLetterStore(ctx, pool)
	if err != nil {
		return err
	}

	gw, err := gateway.New(
		gateway.NewHTTPCaller(cfg.EndpointTargets),
		gateway.WithLogger(log),
		gateway.WithMetrics(gateway.NewMetrics()),
		gateway.WithUsageMonitor(monitor),
		gateway.WithDeadLetterStore(letters),
		gateway.WithAuditEvents(events),
	)
	if err != nil {
		return err
	}

	dlService, err := deadletter.NewService(letters, gw, log)
	if err != nil {
		return err
	}

	var keys webhook.KeyStore
	if rdb != nil {
		keys = webhook.NewRedisKeyStore(rdb.Client)
	} else {
		mem := webhook.NewInMemoryKeyStore()
		mem.StartJanitor(ctx)
		keys = mem
	}

	webhooks := webhook.NewHandler(
		webhook.NewVerifier(keys, webhook.WithLogger(log)),
		webhook.ProcessorFunc(func(ctx context.Context, source string, payload []byte) error {
			log.Info("webhook accepted", "source", source, "bytes", len(payload))
			return nil
		}),
		cfg.WebhookSecrets,
		webhook.WithHandlerLogger(log),
		webhook.WithHandlerMetrics(webhook.NewMetrics()),
		webhook.WithAuditEvents(events),
	)

	health := make(map[string]httptransport.HealthCheck)
	if rdb != nil {
		health["redis"] = rdb.Health
	}
	if pool != nil {
		health["postgres"] = pool.Health
	}

	router := httptransport.NewRouter(httptransport.Deps{
		Logger:   log,
		Webhooks: webhooks,
		Ops:      httptransport.NewOpsHandler(monitor, dlService, gw, log),
		Health:   health,
	})
	srv := httpserver.New(cfg.Addr, router)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// buildAuditPublisher selects the Kafka sink when brokers are configured and
// the in-memory sink otherwise.
func buildAuditPublisher(ctx context.Context, cfg config.KafkaConfig, log *slog.Logger) (*audit.Publisher, error) {
	var sink audit.Sink = audit.NewInMemorySink()
	if len(cfg.Brokers) > 0 {
		kafka, err := audit.NewKafkaSink(ctx, cfg.Brokers, cfg.Topic)
		if err != nil {
			return nil, err
		}
		sink = kafka
	}
	return audit.NewPublisher(sink,
		audit.WithLogger(log),
		audit.WithAsyncBuffer(256),
	), nil
}

func buildUsageMonitor(ctx context.Context, pool *postgres.Pool, log *slog.Logger) (*usage.Monitor, error) {
	var store usage.Store
	if pool != nil {
		pg := usage.NewPostgres(pool.Pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		store = pg
	} else {
		store = usage.NewInMemoryStore(100_000)
	}
	return usage.NewMonitor(store,
		usage.WithLogger(log),
		usage.WithMetrics(usage.NewMetrics()),
	), nil
}

func buildDeadLetterStore(ctx context.Context, pool *postgres.Pool) (deadletter.Store, error) {
	if pool == nil {
		return deadletter.NewInMemoryStore(), nil
	}
	pg := deadletter.NewPostgres(pool.Pool)
	if err := pg.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return pg, nil
}
