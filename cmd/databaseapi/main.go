package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dbcove/dbcove/internal/engine"
	"github.com/dbcove/dbcove/pkg/config"
	"github.com/dbcove/dbcove/pkg/logger"
)

var version = "dev"

func main() {
	var (
		port     = flag.Int("port", 0, "HTTP listen port (overrides DBCOVE_SERVER_PORT)")
		logLevel = flag.String("log-level", "info", "log level (debug, info, warn, error)")
	)
	flag.Parse()

	cfg := config.New()
	cfg.LoadFromEnv()
	if *port > 0 {
		cfg.Update(map[string]string{"server.port": fmt.Sprintf("%d", *port)})
	}

	log := logger.New(engine.ServiceIdentity, version)
	log.SetLevel(*logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc := engine.NewEngine(cfg)
	svc.SetLogger(log)

	if err := svc.Start(ctx); err != nil {
		log.Errorf("Failed to start service: %v", err)
		os.Exit(1)
	}

	<-ctx.Done()
	log.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := svc.Stop(shutdownCtx); err != nil {
		log.Errorf("Shutdown completed with errors: %v", err)
		os.Exit(1)
	}

	log.Info("Service stopped")
}
