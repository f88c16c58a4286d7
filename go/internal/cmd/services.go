package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mcdev12/roomsync/go/internal/gateway"
	"github.com/mcdev12/roomsync/go/internal/roomsync/engine"
	"github.com/mcdev12/roomsync/go/internal/roomsync/feed/natsfeed"
	"github.com/mcdev12/roomsync/go/internal/roomsync/store"
	"github.com/mcdev12/roomsync/go/internal/roomsync/store/postgres"
	"github.com/mcdev12/roomsync/go/internal/roomsync/vote"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

type Services struct {
	Store   store.Store
	Source  store.ChangeSource
	Ledger  vote.Ledger
	Manager *engine.Manager
	Gateway *gateway.Service

	closers []func() error
}

func setupServices(ctx context.Context, config *Config, pool *pgxpool.Pool, dbConfig databaseConfig) (*Services, error) {
	// Wire up the chain: store + change source → engine manager → gateway.
	services := &Services{}

	services.Store = postgres.NewStore(pool)

	source, err := setupChangeSource(ctx, config, dbConfig)
	if err != nil {
		return nil, err
	}
	services.Source = source
	if closer, ok := source.(interface{ Close() error }); ok {
		services.closers = append(services.closers, closer.Close)
	}

	services.Ledger = setupLedger(ctx, config, services)

	services.Manager = engine.NewManager(services.Store, services.Source, services.Ledger, engine.DefaultConfig())
	services.closers = append(services.closers, services.Manager.Close)

	services.Gateway = gateway.NewService(services.Manager, gatewayConfig(config))
	return services, nil
}

func setupChangeSource(ctx context.Context, config *Config, dbConfig databaseConfig) (store.ChangeSource, error) {
	switch config.Feed.Source {
	case "postgres", "":
		feedConfig := postgres.DefaultFeedConfig()
		feedConfig.DatabaseURL = dbConfig.DSN()
		feed, err := postgres.NewFeed(ctx, feedConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to start postgres change feed: %w", err)
		}
		return feed, nil

	case "nats":
		natsConfig := natsfeed.DefaultConfig()
		natsConfig.URL = config.NATS.URL
		natsConfig.StreamName = config.NATS.StreamName
		natsConfig.ConsumerName = config.NATS.ConsumerName
		feed, err := natsfeed.NewFeed(ctx, natsConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to start NATS change feed: %w", err)
		}
		return feed, nil

	default:
		return nil, fmt.Errorf("unknown feed source %q (want postgres or nats)", config.Feed.Source)
	}
}

// setupLedger prefers Redis so participant vote history survives process
// restarts. Without Redis the in-memory ledger still works; the database
// unique index remains the authoritative dedup either way.
func setupLedger(ctx context.Context, config *Config, services *Services) vote.Ledger {
	if !config.Redis.Enabled {
		log.Info().Msg("using in-memory vote ledger")
		return vote.NewMemoryLedger()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", config.Redis.Addr).Msg("redis unreachable, falling back to in-memory vote ledger")
		return vote.NewMemoryLedger()
	}
	services.closers = append(services.closers, client.Close)

	log.Info().Str("addr", config.Redis.Addr).Msg("using redis vote ledger")
	return vote.NewRedisLedger(client, "roomsync:votes")
}

func gatewayConfig(config *Config) gateway.ConnectionConfig {
	cc := gateway.DefaultConnectionConfig()
	if len(config.Server.AllowedOrigins) > 0 {
		allowed := make(map[string]bool, len(config.Server.AllowedOrigins))
		for _, origin := range config.Server.AllowedOrigins {
			allowed[origin] = true
		}
		cc.CheckOrigin = func(r *http.Request) bool {
			return allowed[r.Header.Get("Origin")]
		}
	}
	return cc
}

// Close tears down services in reverse construction order.
func (s *Services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			log.Warn().Err(err).Msg("failed to close service")
		}
	}
}
