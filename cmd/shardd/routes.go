package main

import (
	"context"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alG-N/alterGoldenBot-sub007/internal/services"
)

func registerRoutes(router *mux.Router, svc *services.Services) {
	api := router.PathPrefix("/v1").Subrouter()

	api.HandleFunc("/stats", handleClusterStats(svc)).Methods("GET")
	api.HandleFunc("/shard", handleShardInfo(svc)).Methods("GET")

	router.HandleFunc("/health", handleHealth(svc)).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func handleHealth(svc *services.Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":         "ok",
			"shard":          svc.Bus.ShardID(),
			"bus":            svc.Bus.Mode().String(),
			"cacheAvailable": svc.Cache.Available(),
		})
	}
}

// handleClusterStats gathers every shard's stats; a degraded bus yields a
// single-node aggregate rather than an error.
func handleClusterStats(svc *services.Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()

		agg, err := svc.GetAggregateStats(ctx)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, agg)
	}
}

func handleShardInfo(svc *services.Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"shard":         svc.Bus.ShardID(),
			"totalShards":   svc.Bus.TotalShards(),
			"bus":           svc.Bus.Mode().String(),
			"fallbackItems": svc.Cache.Fallback().Len(),
		})
	}
}
