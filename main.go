package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/shan-hee/EasySSH-sub011/internal/config"
	"github.com/shan-hee/EasySSH-sub011/internal/database"
	"github.com/shan-hee/EasySSH-sub011/internal/logging"
	"github.com/shan-hee/EasySSH-sub011/internal/metrics"
	"github.com/shan-hee/EasySSH-sub011/internal/relay"
	"github.com/shan-hee/EasySSH-sub011/internal/remote"
	"github.com/shan-hee/EasySSH-sub011/internal/session"
)

func main() {
	config.Load()

	logging.Init()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	collector := metrics.NewRelayCollector("easyssh")
	registry := session.NewRegistry()
	dialer := &remote.SSHDialer{Timeout: config.Cfg.ConnectTimeout}

	server := relay.NewServer(registry, dialer, collector, relay.OptionsFromConfig(config.Cfg))

	// Housekeeping: sweep idle sessions and expire stale connect requests.
	sweeper := cron.New()
	sweeper.AddFunc("@every 1m", func() {
		if n := server.SweepIdle(config.Cfg.SessionIdleTimeout); n > 0 {
			log.Printf("[main] swept %d idle sessions", n)
		}
		if n := server.Pending().ExpireStale(config.Cfg.PendingConnTimeout); n > 0 {
			log.Printf("[main] expired %d stale pending connects", n)
		}
	})
	sweeper.Start()
	defer sweeper.Stop()

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: server.Router(),
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("[main] relay listening on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("[main] shutting down")

	server.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("[main] stopped")
}
