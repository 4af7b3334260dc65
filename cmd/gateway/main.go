// The gateway binary serves the WebSocket endpoint, the static editor
// assets, and the metrics/health surface on one HTTP listener.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/runbox/backend/internal/config"
	"github.com/runbox/backend/internal/gateway"
	"github.com/runbox/backend/internal/metrics"
	"github.com/runbox/backend/internal/middleware"
	"github.com/runbox/backend/internal/sandbox"
	"github.com/runbox/backend/internal/secure"
	"github.com/runbox/backend/internal/storeclient"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (optional)")
	flag.Parse()

	// .env is a development convenience; real environment always wins.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	m := metrics.New(prometheus.DefaultRegisterer)

	pub, err := secure.LoadPublicKey(cfg.Gateway.PublicKeyPath)
	if err != nil {
		log.Fatalf("load store public key: %v", err)
	}

	pool, err := storeclient.NewPool(cfg.Store.Addr, pub, cfg.Store.PoolSize, m, logger)
	if err != nil {
		log.Fatalf("connect store at %s: %v", cfg.Store.Addr, err)
	}
	defer pool.Close()

	engine, err := sandbox.NewDockerEngine()
	if err != nil {
		log.Fatalf("docker engine: %v", err)
	}
	sup := sandbox.NewSupervisor(engine, sandbox.Config{
		Image:        cfg.Sandbox.Image,
		InnerTimeout: time.Duration(cfg.Sandbox.ExecTimeoutSeconds) * time.Second,
		PollInterval: time.Duration(cfg.Sandbox.PollIntervalMs) * time.Millisecond,
	}, logger)

	srv := gateway.New(gateway.Config{
		DataDir:        cfg.Gateway.DataDir,
		AllowedOrigins: cfg.Gateway.AllowedOrigins,
	}, pool, sup, m, logger)

	limiter := middleware.NewUpgradeLimiter(cfg.Limiter.UpgradesPerMinute, logger)
	defer limiter.Close()

	router := mux.NewRouter()
	router.Handle("/ws", limiter.Wrap(http.HandlerFunc(srv.HandleWS)))
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods("GET")
	router.PathPrefix("/").Handler(http.FileServer(http.Dir(cfg.Gateway.StaticDir)))

	server := &http.Server{
		Addr:    cfg.Gateway.Addr,
		Handler: router,
		// No WriteTimeout: it would sever long-lived WebSocket sessions.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutdown signal received")

		srv.Shutdown()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Error("server shutdown", "error", err)
		}
	}()

	logger.Info("gateway listening", "addr", cfg.Gateway.Addr, "static_dir", cfg.Gateway.StaticDir)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("gateway server: %v", err)
	}
	logger.Info("gateway stopped")
}
