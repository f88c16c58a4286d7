package main

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the server configuration file. Environment variables override
// individual fields so deployments can ship one file per environment and
// inject secrets separately.
type Config struct {
	Server struct {
		Port           string   `yaml:"port"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"server"`

	Feed struct {
		// Source selects the change feed transport: "postgres" (LISTEN/NOTIFY)
		// or "nats" (JetStream relay).
		Source string `yaml:"source"`
	} `yaml:"feed"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	NATS struct {
		URL          string `yaml:"url"`
		StreamName   string `yaml:"stream_name"`
		ConsumerName string `yaml:"consumer_name"`
	} `yaml:"nats"`
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func loadConfig(path string) (*Config, error) {
	var config Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyEnvOverrides(&config)
	return &config, nil
}

func applyEnvOverrides(config *Config) {
	config.Server.Port = getEnv("PORT", defaultString(config.Server.Port, "8080"))
	config.Feed.Source = getEnv("FEED_SOURCE", defaultString(config.Feed.Source, "postgres"))

	config.Redis.Enabled = getEnvAsBool("REDIS_ENABLED", config.Redis.Enabled)
	config.Redis.Addr = getEnv("REDIS_ADDR", defaultString(config.Redis.Addr, "localhost:6379"))
	config.Redis.Password = getEnv("REDIS_PASSWORD", config.Redis.Password)
	config.Redis.DB = getEnvAsInt("REDIS_DB", config.Redis.DB)

	config.NATS.URL = getEnv("NATS_URL", defaultString(config.NATS.URL, "nats://localhost:4222"))
	config.NATS.StreamName = getEnv("NATS_STREAM", defaultString(config.NATS.StreamName, "ROOM_CHANGES"))
	config.NATS.ConsumerName = getEnv("NATS_CONSUMER", defaultString(config.NATS.ConsumerName, "roomsync-client"))
}

func defaultString(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}
