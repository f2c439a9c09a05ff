// Package main wires the tillsync components into a runnable till
// service: local capture API, background sync and the realtime display
// channel on localhost.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rmestre/tillsync/internal/apperrors"
	"github.com/rmestre/tillsync/internal/catalog"
	"github.com/rmestre/tillsync/internal/connectivity"
	"github.com/rmestre/tillsync/internal/credentials"
	"github.com/rmestre/tillsync/internal/db"
	"github.com/rmestre/tillsync/internal/fallback"
	"github.com/rmestre/tillsync/internal/logging"
	"github.com/rmestre/tillsync/internal/models"
	"github.com/rmestre/tillsync/internal/remote"
	"github.com/rmestre/tillsync/internal/sale"
	"github.com/rmestre/tillsync/internal/syncer"
	"github.com/rmestre/tillsync/internal/syncer/scheduler"
)

// Version is set at build time.
var Version = "0.1.0"

// tillQueue adapts the durable store for the sale processor: stock
// adjustments route through the catalog manager so the in-memory tier
// sees optimistic decrements immediately.
type tillQueue struct {
	*db.Store
	catalog *catalog.Manager
}

func (q *tillQueue) AdjustStock(id models.UUID, delta int) error {
	return q.catalog.AdjustStock(id, delta)
}

func main() {
	var (
		dataDir  = flag.String("data", envOr("TILLSYNC_DATA", "./data"), "data directory")
		endpoint = flag.String("endpoint", envOr("TILLSYNC_ENDPOINT", ""), "remote store base URL")
		apiKey   = flag.String("api-key", envOr("TILLSYNC_API_KEY", ""), "remote store API key")
		tenant   = flag.String("tenant", envOr("TILLSYNC_TENANT", ""), "tenant id")
		listen   = flag.String("listen", envOr("TILLSYNC_LISTEN", "127.0.0.1:8090"), "local listen address")
		verbose  = flag.Bool("verbose", false, "debug logging")
	)
	flag.Parse()

	level := logging.LevelInfo
	if *verbose {
		level = logging.LevelDebug
	}
	logging.Init(os.Stdout, level)

	if *endpoint == "" || *tenant == "" {
		logging.Error("Missing required configuration", nil,
			map[string]interface{}{"endpoint": *endpoint, "tenant": *tenant})
		os.Exit(1)
	}

	// The API key lives encrypted under the data dir; passing it on
	// the command line replaces the stored one.
	vault := credentials.NewVault(*dataDir)
	if *apiKey != "" {
		if err := vault.Store("api_key", *apiKey); err != nil {
			logging.Warn("Failed to persist API key",
				map[string]interface{}{"error": err.Error()})
		}
	} else {
		stored, err := vault.Load("api_key")
		if err != nil && err != credentials.ErrNotFound {
			logging.Error("Failed to load stored API key", err, nil)
			os.Exit(1)
		}
		*apiKey = stored
	}

	database, err := db.Open(*dataDir)
	if err != nil {
		logging.Error("Failed to open database", err, nil)
		os.Exit(1)
	}
	defer database.Close()

	migrator := db.NewMigrator(database.DB)
	if err := migrator.Initialize(); err != nil {
		logging.Error("Failed to initialize migrations", err, nil)
		os.Exit(1)
	}
	if err := migrator.Up(); err != nil {
		logging.Error("Failed to apply migrations", err, nil)
		os.Exit(1)
	}

	store := db.NewStore(database.DB)
	defer store.Close()

	fallbackStore, err := fallback.NewStore(filepath.Join(*dataDir, "fallback"))
	if err != nil {
		logging.Error("Failed to open fallback store", err, nil)
		os.Exit(1)
	}

	monitor := connectivity.NewMonitor(true)
	remoteStore := remote.NewHTTPStore(&remote.HTTPConfig{
		Endpoint: *endpoint,
		APIKey:   *apiKey,
	})

	hub := remote.NewHub()
	catalogMgr := catalog.NewManager(catalog.DefaultConfig(*tenant), store, remoteStore, monitor)

	queue := &tillQueue{Store: store, catalog: catalogMgr}
	processor := sale.NewProcessor(sale.DefaultConfig(*tenant), queue, fallbackStore,
		remoteStore, monitor, hub)

	reconciler := syncer.NewReconciler(syncer.DefaultConfig(*tenant), store, fallbackStore,
		remoteStore, hub)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched := scheduler.NewScheduler(reconciler, catalogMgr, monitor, nil)
	sched.Start(ctx)
	defer sched.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.ServeWS)
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":  "ok",
			"service": "tillsync",
			"version": Version,
		})
	})
	mux.HandleFunc("/api/sales", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req sale.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		result := processor.Process(r.Context(), &req)
		status := http.StatusCreated
		body := map[string]interface{}{
			"success": result.Success,
			"sale_id": result.SaleID,
			"queued":  result.Queued,
		}
		if !result.Success {
			status = http.StatusInternalServerError
			body["code"] = result.Code
			if result.Err != nil {
				body["error"] = result.Err.Error()
			}
			if result.Code == apperrors.ErrSaleInvalid {
				status = http.StatusBadRequest
			}
		}
		writeJSON(w, status, body)
	})
	mux.HandleFunc("/api/products", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, catalogMgr.Load(r.Context()))
	})
	mux.HandleFunc("/api/sync", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		result, err := sched.SyncNow(r.Context())
		if err != nil {
			writeJSON(w, http.StatusConflict, map[string]interface{}{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"synced": result.Synced,
			"failed": result.Failed,
		})
	})
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		pending, err := store.PendingSales()
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"sync_status": reconciler.Status(),
			"pending":     len(pending),
			"online":      monitor.IsOnline(),
			"displays":    hub.ClientCount(),
		})
	})

	server := &http.Server{Addr: *listen, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logging.Info("tillsync started", map[string]interface{}{
		"version": Version,
		"listen":  *listen,
		"tenant":  *tenant,
	})

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logging.Error("Server failed", err, nil)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
