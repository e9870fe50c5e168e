package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"oip/dplistener/internal/server"
	"oip/dplistener/internal/worker"
	"oip/dplistener/pkg/config"
	"oip/dplistener/pkg/logger"
)

var (
	configPath = flag.String("config", "./config/listener.yaml", "config file path")
)

func main() {
	flag.Parse()

	log.Println("========================================")
	log.Println("  DPLISTENER Starting...")
	log.Println("========================================")

	// 1. Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Config validation failed: %v", err)
	}
	log.Printf("Config loaded: %s, env: %s, backend: %s, listeners: %d\n",
		cfg.App.Name, cfg.App.Env, cfg.Backend, len(cfg.Listeners))

	// 2. Init logger
	zapLogger, err := logger.NewZapLogger(cfg.App.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	// 3. Queue client and outcome listeners
	ctx := context.Background()
	client, closeClient, err := newQueueClient(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to create %s client: %v", cfg.Backend, err)
	}
	defer closeClient()

	outcomeListeners, closeListeners, err := newOutcomeListeners(cfg, zapLogger)
	if err != nil {
		log.Fatalf("Failed to create outcome listeners: %v", err)
	}
	defer closeListeners()

	// 4. Create manager
	mgr, err := worker.NewManagerInstance(cfg, client, nil, zapLogger, outcomeListeners...)
	if err != nil {
		log.Fatalf("Failed to create manager: %v", err)
	}

	managerErr := make(chan error, 1)
	go func() {
		managerErr <- mgr.Start()
	}()

	// 5. Admin API
	var adminServer *http.Server
	if cfg.Admin.Addr != "" {
		if cfg.App.Env == "prod" {
			gin.SetMode(gin.ReleaseMode)
		}
		adminServer = &http.Server{
			Addr:    cfg.Admin.Addr,
			Handler: server.SetupRoutes(server.NewHandler(mgr, zapLogger)),
		}
		go func() {
			log.Printf("Admin API listening on %s", cfg.Admin.Addr)
			if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("Admin API error: %v", err)
			}
		}()
	}

	log.Println("Listener started. Press Ctrl+C to shutdown.")

	// 6. Wait for a shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Printf("Received signal: %v, shutting down...", sig)
	case err := <-managerErr:
		if err != nil {
			log.Printf("Manager start failed: %v", err)
		}
	}

	// 7. Graceful shutdown
	if adminServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Admin API shutdown error: %v", err)
		}
		cancel()
	}
	mgr.Shutdown()

	log.Println("========================================")
	log.Println("  Listener exited gracefully")
	log.Println("========================================")
}
