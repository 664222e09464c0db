package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gluk-w/claworc/webssh/internal/channels"
	"github.com/gluk-w/claworc/webssh/internal/config"
	"github.com/gluk-w/claworc/webssh/internal/database"
	"github.com/gluk-w/claworc/webssh/internal/handlers"
	"github.com/gluk-w/claworc/webssh/internal/logging"
	"github.com/gluk-w/claworc/webssh/internal/sshaudit"
	"github.com/gluk-w/claworc/webssh/internal/sshmanager"
	"github.com/gluk-w/claworc/webssh/internal/sshterminal"
)

func main() {
	config.Load()
	logging.Init(config.Cfg.LogPath)
	defer logging.Close()

	dialer := &sshterminal.Dialer{
		TermType:         config.Cfg.TermType,
		KeepaliveTimeout: config.Cfg.KeepaliveTimeout,
	}
	registry := sshmanager.NewRegistry(sshmanager.SSHDialer(dialer), sshmanager.Options{
		MaxConnections:    config.Cfg.MaxConnections,
		ConnectTimeout:    config.Cfg.ConnectTimeout,
		DisconnectTimeout: config.Cfg.DisconnectTimeout,
		PollInterval:      config.Cfg.PollInterval,
	})
	log.Printf("Connection registry initialized (max=%d, connect_timeout=%s, poll=%s)",
		config.Cfg.MaxConnections, config.Cfg.ConnectTimeout, config.Cfg.PollInterval)

	scheduler := sshmanager.NewScheduler()

	var auditor *sshaudit.Auditor
	if config.Cfg.AuditEnabled {
		db, err := database.Open(config.Cfg.DatabasePath)
		if err != nil {
			log.Fatalf("Database init: %v", err)
		}
		defer database.Close(db)

		auditor = sshaudit.NewAuditor(db, config.Cfg.AuditRetentionDays)
		registry.AddListener(auditor.Handle)
		if _, err := auditor.Schedule(scheduler); err != nil {
			log.Fatalf("Audit purge: %v", err)
		}
		log.Printf("Audit trail enabled (db=%s, retention=%d days)", config.Cfg.DatabasePath, auditor.RetentionDays())
	}

	table := channels.NewTable(registry)
	hub := handlers.NewHub()
	gateway := handlers.NewGateway(registry, table, hub, handlers.GatewayOptions{
		InputRateLimit: config.Cfg.InputRateLimit,
		InputRateBurst: config.Cfg.InputRateBurst,
	})

	sweeper := sshmanager.NewSweeper(registry, config.Cfg.SweepInterval, gateway.HandleEvicted)
	if _, err := sweeper.Schedule(scheduler); err != nil {
		log.Fatalf("Sweeper: %v", err)
	}
	scheduler.Start()

	srv := &http.Server{
		Addr: config.Cfg.ListenAddr,
		Handler: handlers.NewRouter(handlers.RouterConfig{
			Gateway:        gateway,
			Hub:            hub,
			Auditor:        auditor,
			AllowedOrigins: config.Cfg.AllowedOrigins,
		}),
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	<-scheduler.Stop().Done()
	hub.CloseAll()
	registry.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
