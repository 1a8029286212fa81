package main

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/pisawatch/tower/pkg/chainfollow"
	"github.com/pisawatch/tower/pkg/database"
)

type healthResponse struct {
	Status     string `json:"status"`
	HeadHeight uint64 `json:"headHeight"`
	Database   string `json:"database,omitempty"`
}

func serveHealth(addr string, cache *chainfollow.BlockCache, dbClient *database.Client, logger *log.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "healthy", HeadHeight: cache.MaxHeight()}
		if dbClient != nil {
			status, err := dbClient.Health(r.Context())
			switch {
			case err != nil || status == nil || !status.Healthy:
				resp.Database = "unhealthy"
			default:
				resp.Database = "healthy"
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})
	logger.Printf("health check listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		logger.Printf("health server: %v", err)
	}
}
