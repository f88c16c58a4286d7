package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// databaseConfig holds Postgres connection settings, read from DB_*
// environment variables. The change feed reuses the DSN for its listener
// connection.
type databaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

func databaseConfigFromEnv() databaseConfig {
	return databaseConfig{
		Host:     getEnv("DB_HOST", "localhost"),
		Port:     getEnvAsInt("DB_PORT", 5432),
		User:     getEnv("DB_USER", "postgres"),
		Password: getEnv("DB_PASSWORD", "postgres"),
		Database: getEnv("DB_NAME", "roomsync"),
		SSLMode:  getEnv("DB_SSLMODE", "disable"),
	}
}

// DSN returns the Postgres connection URL.
func (c databaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

func setupDatabase(ctx context.Context) (*pgxpool.Pool, databaseConfig, error) {
	dbConfig := databaseConfigFromEnv()

	pool, err := pgxpool.New(ctx, dbConfig.DSN())
	if err != nil {
		return nil, dbConfig, fmt.Errorf("failed to create database pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, dbConfig, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().
		Str("user", dbConfig.User).
		Str("host", dbConfig.Host).
		Int("port", dbConfig.Port).
		Str("database", dbConfig.Database).
		Msg("connected to database")
	return pool, dbConfig, nil
}
