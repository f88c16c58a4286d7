package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
)

func setupServer(config *Config, services *Services) *http.Server {
	mux := http.NewServeMux()

	allowedOrigins := config.Server.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: allowedOrigins,
		AllowedHeaders: []string{"*"},
	})

	services.Gateway.RegisterRoutes(mux)
	setupHealthCheck(mux)
	setupStats(mux, services)

	return &http.Server{
		Addr:    fmt.Sprintf(":%s", config.Server.Port),
		Handler: c.Handler(mux),
	}
}

func setupHealthCheck(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Error().Err(err).Msg("failed to write health check response")
		}
	})
}

func setupStats(mux *http.ServeMux, services *Services) {
	mux.HandleFunc("GET /stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(services.Gateway.Stats()); err != nil {
			log.Error().Err(err).Msg("failed to write stats response")
		}
	})
}
