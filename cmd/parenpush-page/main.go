package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/theo357-maker/parenpush/internal/pageclient"
)

func main() {
	wsURL := os.Getenv("PARENPUSH_WS_URL")
	if wsURL == "" {
		wsURL = "ws://localhost:8080/ws"
	}
	baseTitle := os.Getenv("PARENPUSH_APP_TITLE")
	if baseTitle == "" {
		baseTitle = "CS La Colombe"
	}

	agent, err := pageclient.New(pageclient.Options{
		URL:               wsURL,
		BaseTitle:         baseTitle,
		ReconcileInterval: durationEnv("PARENPUSH_RECONCILE_INTERVAL", 0),
		Navigate: func(page, childID string) {
			log.Printf("navigate: page=%s childId=%s", page, childID)
		},
	})
	if err != nil {
		log.Fatalf("failed to build page agent: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go reportLoop(ctx, agent)

	log.Printf("page agent connecting to %s", wsURL)
	if err := agent.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("page agent failed: %v", err)
	}
}

func reportLoop(ctx context.Context, agent *pageclient.Agent) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	last := -1
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if count := agent.UnreadCount(); count != last {
				log.Printf("badge=%d title=%q", count, agent.Title())
				last = count
			}
		}
	}
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
