package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dockflow/gatesync/internal/backend"
	"github.com/dockflow/gatesync/internal/gatesync"
	"github.com/dockflow/gatesync/internal/httpapi"
	"github.com/dockflow/gatesync/internal/realtime"
	"github.com/dockflow/gatesync/internal/spool"
)

func main() {
	addr := os.Getenv("GATESYNC_ADDR")
	if addr == "" {
		addr = ":8090"
	}

	store, err := buildEventStoreFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize event store: %v", err)
	}
	if store == nil {
		store = gatesync.NewMemoryEventStore()
	}
	defer func() { _ = store.Close() }()

	apiClient := backend.NewClient(
		os.Getenv("GATESYNC_API_BASE_URL"),
		os.Getenv("GATESYNC_API_TOKEN"),
		nil,
	)

	validator, err := gatesync.NewCommandValidator()
	if err != nil {
		log.Fatalf("failed to compile command schemas: %v", err)
	}

	engine, err := gatesync.NewEngine(gatesync.EngineOptions{
		Store:          store,
		Deliver:        apiClient.DeliverEvent,
		Validator:      validator,
		MaxRetries:     intEnv("GATESYNC_MAX_RETRIES", 0),
		RetryBaseDelay: durationEnv("GATESYNC_RETRY_BASE_DELAY", 0),
		MaxRetryDelay:  durationEnv("GATESYNC_RETRY_MAX_DELAY", 0),
		Logger:         log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize sync engine: %v", err)
	}
	defer engine.Close()

	channel, err := realtime.NewManager(realtime.ManagerOptions{
		URL:         wsURLFromEnv(),
		Token:       os.Getenv("GATESYNC_API_TOKEN"),
		Dialer:      realtime.WebsocketDialer(),
		BaseDelay:   durationEnv("GATESYNC_WS_BASE_DELAY", 0),
		MaxAttempts: intEnv("GATESYNC_WS_MAX_ATTEMPTS", 0),
		Logger:      log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize push channel: %v", err)
	}
	channel.OnStateChange(func(state realtime.State) {
		log.Printf("push channel %s (attempt %d)", state.Phase, state.Attempt)
		if state.Phase == realtime.PhaseConnected {
			engine.HandleConnected()
		}
	})
	channel.OnMessage(func(update realtime.Update) {
		engine.ApplyRemoteUpdate(gatesync.RealTimeUpdate{
			Type:      update.Type,
			Data:      update.Data,
			Timestamp: update.Timestamp,
		})
	})
	channel.Connect()
	defer channel.Disconnect()

	if spoolDir := strings.TrimSpace(os.Getenv("GATESYNC_SPOOL_DIR")); spoolDir != "" {
		watcher, err := spool.NewWatcher(spool.WatcherOptions{
			Dir:         spoolDir,
			SettleDelay: durationEnv("GATESYNC_SPOOL_SETTLE_DELAY", 0),
			Submit: func(cmd gatesync.SyncCommand) error {
				_, submitErr := engine.Submit(cmd)
				return submitErr
			},
			Logger:       log.Default(),
			NewCommandID: uuid.NewString,
		})
		if err != nil {
			log.Fatalf("failed to initialize upload spool: %v", err)
		}
		defer func() { _ = watcher.Close() }()
		log.Printf("watching upload spool at %s", spoolDir)
	}

	server := httpapi.NewServerWithConfig(engine, channel, apiClient, httpapi.ServerConfig{
		MaxBodyBytes: int64Env("GATESYNC_MAX_BODY_BYTES", 0),
	})

	// Resume draining whatever survived the last shutdown.
	engine.HandleConnected()

	log.Printf("gatesync agent listening on %s", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func wsURLFromEnv() string {
	if wsURL := strings.TrimSpace(os.Getenv("GATESYNC_WS_URL")); wsURL != "" {
		return wsURL
	}
	base := strings.TrimRight(strings.TrimSpace(os.Getenv("GATESYNC_API_BASE_URL")), "/")
	if base == "" {
		base = "http://127.0.0.1:8080"
	}
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/v1/gate/channel"
}

func buildEventStoreFromEnv() (gatesync.EventStore, error) {
	profileDSN, err := storageProfileDefaultFromEnv()
	if err != nil {
		return nil, err
	}
	dsn := strings.TrimSpace(os.Getenv("GATESYNC_EVENT_STORE_DSN"))
	if dsn == "" {
		dsn = profileDSN
	}
	return gatesync.BuildEventStoreFromDSN(dsn)
}

func storageProfileDefaultFromEnv() (string, error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("GATESYNC_BACKEND_PROFILE")))
	dataDir := strings.TrimSpace(os.Getenv("GATESYNC_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".gatesync"
	}
	switch profile {
	case "", "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "event-queue.json"), nil
	case "memory", "inmemory":
		return "memory://", nil
	case "production", "prod":
		productionDSN := strings.TrimSpace(os.Getenv("GATESYNC_POSTGRES_DSN"))
		if productionDSN == "" {
			return "", fmt.Errorf("GATESYNC_POSTGRES_DSN is required when GATESYNC_BACKEND_PROFILE=%s", profile)
		}
		return productionDSN, nil
	default:
		return "", fmt.Errorf("unsupported GATESYNC_BACKEND_PROFILE: %s", profile)
	}
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
