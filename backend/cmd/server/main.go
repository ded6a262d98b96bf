// Copyright (C) 2025 sealdrop <dev@sealdrop.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/sealdrop/sealdrop/backend/handlers"
	"github.com/sealdrop/sealdrop/backend/middleware"
	"github.com/sealdrop/sealdrop/backend/storage/postgres"
	redisstore "github.com/sealdrop/sealdrop/backend/storage/redis"
	"github.com/sealdrop/sealdrop/backend/transfer"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	// Database connection
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		dbURL = "postgres://localhost/sealdrop?sslmode=disable"
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to database")
	}
	defer db.Close()

	// Redis connection
	redisAddr := os.Getenv("REDIS_URL")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr: redisAddr,
	})

	// Initialize storage
	transferStore := postgres.NewStore(db)
	stagedStore := redisstore.NewStagedStore(rdb)

	// Run migrations
	if err := transferStore.Migrate(); err != nil {
		log.WithError(err).Fatal("failed to run migrations")
	}

	// Engine configuration
	stagedTTL := redisstore.DefaultStagedTTL
	if v := os.Getenv("STAGED_TTL_MINUTES"); v != "" {
		minutes, err := strconv.Atoi(v)
		if err != nil || minutes <= 0 {
			log.Fatalf("invalid STAGED_TTL_MINUTES: %q", v)
		}
		stagedTTL = time.Duration(minutes) * time.Minute
	}

	engine := transfer.NewEngine(transferStore, stagedStore, transfer.Config{
		StagedTTL: stagedTTL,
	}, log)

	baseURL := os.Getenv("BASE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	// Background cleanup of expired transfers
	cleanupInterval := time.Minute
	if v := os.Getenv("CLEANUP_INTERVAL_SECONDS"); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil || seconds <= 0 {
			log.Fatalf("invalid CLEANUP_INTERVAL_SECONDS: %q", v)
		}
		cleanupInterval = time.Duration(seconds) * time.Second
	}
	go func() {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for range ticker.C {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if _, err := engine.CleanupExpired(ctx); err != nil {
				log.WithError(err).Error("cleanup sweep failed")
			}
			cancel()
		}
	}()

	// Initialize handlers
	transferHandler := handlers.NewTransferHandler(engine, baseURL)

	// Setup router
	r := mux.NewRouter()

	// Apply CORS middleware
	r.Use(middleware.CORS)

	// API routes
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/transfer", transferHandler.Upload).Methods("POST")
	api.HandleFunc("/transfer/{transactionId}/unseal", transferHandler.Unseal).Methods("POST")
	api.HandleFunc("/transfer/{transactionId}/download", transferHandler.Download).Methods("GET")
	api.HandleFunc("/transfer/{transactionId}/status", transferHandler.Status).Methods("GET")
	api.HandleFunc("/transfer/{transactionId}/qr", transferHandler.QR).Methods("GET")

	// Health check
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("Database unavailable"))
			return
		}

		active, err := engine.ActiveCount(r.Context())
		if err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("Store unavailable"))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":           "ok",
			"active_transfers": active,
		})
	}).Methods("GET")

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	log.WithField("port", port).Info("sealdrop server starting")

	if err := http.ListenAndServe(":"+port, r); err != nil {
		log.WithError(err).Fatal("server failed to start")
	}
}
