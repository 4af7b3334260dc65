// The admin utility prints the registered-user listing from a running
// store server, over the same encrypted transport the gateway uses.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/runbox/backend/internal/config"
	"github.com/runbox/backend/internal/metrics"
	"github.com/runbox/backend/internal/secure"
	"github.com/runbox/backend/internal/storeclient"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (optional)")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	// Warnings and errors only; stdout is the listing.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	pub, err := secure.LoadPublicKey(cfg.Gateway.PublicKeyPath)
	if err != nil {
		log.Fatalf("load store public key: %v", err)
	}

	pool, err := storeclient.NewPool(cfg.Store.Addr, pub, 1, metrics.New(prometheus.NewRegistry()), logger)
	if err != nil {
		log.Fatalf("connect store at %s: %v", cfg.Store.Addr, err)
	}
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	listing, err := pool.AllUsersString(ctx)
	if err != nil {
		log.Fatalf("list users: %v", err)
	}
	fmt.Println(listing)
}
