// The storeserver binary holds the credential store and the file-structure
// blobs, serving them over the encrypted framed transport. Metrics and
// health live on a separate plain-HTTP listener.
package main

import (
	"context"
	"encoding/base64"
	"flag"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/runbox/backend/internal/auth"
	"github.com/runbox/backend/internal/config"
	"github.com/runbox/backend/internal/metrics"
	"github.com/runbox/backend/internal/secure"
	"github.com/runbox/backend/internal/store"
	"github.com/runbox/backend/internal/storeserver"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (optional)")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if cfg.Store.Pepper == "" {
		log.Fatalf("no pepper configured: set PEPPER (base64)")
	}
	pepper, err := base64.StdEncoding.DecodeString(cfg.Store.Pepper)
	if err != nil {
		log.Fatalf("decode PEPPER: %v", err)
	}
	hasher, err := auth.NewHasher(pepper)
	if err != nil {
		log.Fatalf("hasher: %v", err)
	}

	priv, err := secure.LoadPrivateKey(cfg.Store.PrivateKeyPath)
	if err != nil {
		log.Fatalf("load private key: %v", err)
	}

	var st store.Store
	if cfg.Store.DatabaseURL != "" {
		pg, err := store.OpenPostgres(cfg.Store.DatabaseURL)
		if err != nil {
			log.Fatalf("open postgres: %v", err)
		}
		st = pg
		logger.Info("using postgres store")
	} else {
		st = store.NewMemory()
		logger.Warn("no DATABASE_URL set, using in-memory store; data will not survive restarts")
	}
	defer st.Close()

	m := metrics.New(prometheus.DefaultRegisterer)
	srv := storeserver.New(st, hasher, priv, m, logger)

	ln, err := net.Listen("tcp", cfg.Store.Addr)
	if err != nil {
		log.Fatalf("listen %s: %v", cfg.Store.Addr, err)
	}

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods("GET")
	httpServer := &http.Server{
		Addr:              cfg.Store.MetricsAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutdown signal received")

		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(ctx)
	}()

	logger.Info("store server listening", "addr", cfg.Store.Addr, "metrics_addr", cfg.Store.MetricsAddr)
	if err := srv.Serve(ln); err != nil {
		log.Fatalf("store server: %v", err)
	}
	logger.Info("store server stopped")
}
