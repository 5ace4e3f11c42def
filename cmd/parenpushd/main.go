package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/theo357-maker/parenpush/internal/cachepolicy"
	"github.com/theo357-maker/parenpush/internal/httpapi"
	"github.com/theo357-maker/parenpush/internal/notify"
)

func main() {
	addr := os.Getenv("PARENPUSH_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	stateBackend, err := buildStateBackendFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize state backend: %v", err)
	}

	store := notify.NewStoreWithOptions(notify.StoreOptions{
		StateBackend: stateBackend,
		StateFile:    os.Getenv("PARENPUSH_STATE_FILE"),
		MaxRecords:   intEnv("PARENPUSH_MAX_RECORDS", 0),
	})
	defer store.Close()

	cache, err := buildCacheFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize cache engine: %v", err)
	}
	defer cache.Close()

	hub := httpapi.NewHub()
	worker := notify.NewWorker(notify.WorkerOptions{
		Store:       store,
		Pages:       hub,
		Cache:       cache,
		AppTitle:    os.Getenv("PARENPUSH_APP_TITLE"),
		Origin:      os.Getenv("PARENPUSH_ORIGIN"),
		Version:     os.Getenv("PARENPUSH_VERSION"),
		SettleDelay: durationEnv("PARENPUSH_SETTLE_DELAY", 0),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	worker.Install(ctx)
	worker.Activate(ctx)
	worker.Badge().RecomputeFromStore(ctx)

	if manifest := strings.TrimSpace(os.Getenv("PARENPUSH_MANIFEST")); manifest != "" {
		base := strings.TrimSpace(os.Getenv("PARENPUSH_CACHE_NAME"))
		go func() {
			if err := cache.WatchManifest(ctx, manifest, base); err != nil && ctx.Err() == nil {
				log.Printf("manifest watch stopped: %v", err)
			}
		}()
	}

	server := httpapi.NewServer(worker, cache, hub, httpapi.ServerConfig{
		MaxBodyBytes: int64Env("PARENPUSH_MAX_BODY_BYTES", 0),
	})

	log.Printf("parenpushd listening on %s", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func buildStateBackendFromEnv() (notify.StateBackend, error) {
	profileStateDSN, err := storageProfileDefaultsFromEnv()
	if err != nil {
		return nil, err
	}
	stateBackendDSN := strings.TrimSpace(os.Getenv("PARENPUSH_STATE_BACKEND_DSN"))
	stateFile := strings.TrimSpace(os.Getenv("PARENPUSH_STATE_FILE"))
	switch {
	case stateBackendDSN != "":
		return notify.BuildStateBackendFromDSN(stateBackendDSN)
	case stateFile != "":
		return notify.BuildStateBackendFromDSN(stateFile)
	case profileStateDSN != "":
		return notify.BuildStateBackendFromDSN(profileStateDSN)
	default:
		return nil, nil
	}
}

func storageProfileDefaultsFromEnv() (stateBackendDSN string, err error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("PARENPUSH_BACKEND_PROFILE")))
	dataDir := strings.TrimSpace(os.Getenv("PARENPUSH_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".parenpush"
	}
	switch profile {
	case "", "custom":
		return "", nil
	case "memory", "inmemory":
		return "memory://", nil
	case "production", "prod":
		productionDSN := strings.TrimSpace(os.Getenv("PARENPUSH_PRODUCTION_DSN"))
		if productionDSN == "" {
			productionDSN = strings.TrimSpace(os.Getenv("PARENPUSH_POSTGRES_DSN"))
		}
		if productionDSN == "" {
			return "", fmt.Errorf("PARENPUSH_PRODUCTION_DSN or PARENPUSH_POSTGRES_DSN is required when PARENPUSH_BACKEND_PROFILE=%s", profile)
		}
		return productionDSN, nil
	case "durable-local", "local-durable":
		return "sqlite://" + filepath.Join(dataDir, "state.db"), nil
	default:
		return "", fmt.Errorf("unsupported PARENPUSH_BACKEND_PROFILE: %s", profile)
	}
}

func buildCacheFromEnv() (*cachepolicy.Engine, error) {
	dataDir := strings.TrimSpace(os.Getenv("PARENPUSH_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".parenpush"
	}
	dbPath := strings.TrimSpace(os.Getenv("PARENPUSH_CACHE_DB"))
	if dbPath == "" {
		dbPath = filepath.Join(dataDir, "cache.db")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, err
	}

	var manifest []string
	if manifestPath := strings.TrimSpace(os.Getenv("PARENPUSH_MANIFEST")); manifestPath != "" {
		urls, err := cachepolicy.LoadManifest(manifestPath)
		if err != nil {
			log.Printf("manifest %s unreadable, starting without pre-population: %v", manifestPath, err)
		} else {
			manifest = urls
		}
	}

	return cachepolicy.New(cachepolicy.Options{
		DBPath:         dbPath,
		Generation:     strings.TrimSpace(os.Getenv("PARENPUSH_CACHE_NAME")),
		Origin:         strings.TrimSpace(os.Getenv("PARENPUSH_ORIGIN")),
		Manifest:       manifest,
		RootURL:        strings.TrimSpace(os.Getenv("PARENPUSH_ROOT_URL")),
		PlaceholderURL: strings.TrimSpace(os.Getenv("PARENPUSH_PLACEHOLDER_URL")),
	})
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
