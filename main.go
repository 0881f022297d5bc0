package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/ppops/stub-gateway/internal/config"
	"github.com/ppops/stub-gateway/internal/database"
	"github.com/ppops/stub-gateway/internal/gateway"
	"github.com/ppops/stub-gateway/internal/handlers"
	"github.com/ppops/stub-gateway/internal/health"
	"github.com/ppops/stub-gateway/internal/logging"
	"github.com/ppops/stub-gateway/internal/registry"
	"github.com/ppops/stub-gateway/internal/session"
	"github.com/ppops/stub-gateway/internal/sshrunner"
	"github.com/ppops/stub-gateway/internal/taskreg"
	"github.com/ppops/stub-gateway/internal/ws"
)

func main() {
	config.Load()
	logging.Init()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	reg, err := registry.LoadFile(config.Cfg.HostsFile, config.Cfg.SSHUsername, config.Cfg.SSHPassword)
	if err != nil {
		log.Fatalf("Load host roster: %v", err)
	}
	log.Printf("Host roster loaded (%d hosts) from %s", len(reg.AllHosts()), config.Cfg.HostsFile)

	monitor := health.New(reg, health.Options{
		ProbeInterval: config.Cfg.ProbeInterval,
		ProbeTimeout:  config.Cfg.ProbeTimeout,
	})
	handlers.SetMonitor(monitor)
	monitor.Start(context.Background())
	log.Printf("Health monitor started (interval=%s, timeout=%s)",
		config.Cfg.ProbeInterval, config.Cfg.ProbeTimeout)

	hub := ws.NewHub()
	gw := gateway.New(hub, session.New(), taskreg.New(), monitor, reg,
		func() gateway.Runner {
			return sshrunner.New(reg, sshrunner.Options{
				ConnectTimeout: config.Cfg.ConnectTimeout,
				FlushInterval:  config.Cfg.FlushInterval,
				FlushBytes:     config.Cfg.FlushBytes,
				SCPTimeout:     config.Cfg.SCPTimeout,
			})
		},
		gateway.Options{
			CommandTimeout: config.Cfg.CommandTimeout,
			SCPTimeout:     config.Cfg.SCPTimeout,
			CancelDeadline: config.Cfg.CancelDeadline,
		})

	retention := startRetentionJob(config.Cfg.HistoryRetentionDays)

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	// Liveness (no auth)
	r.Get("/health", handlers.HealthCheck)

	// WebSocket endpoint
	r.Get("/ws/v1/stub", gw.ServeWS)

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/stub", func(r chi.Router) {
			r.Post("/histories", handlers.CreateHistories)
			r.Get("/histories", handlers.ListHistories)
			r.Delete("/histories", handlers.PurgeHistories)
			r.Get("/histories/{id}", handlers.GetHistory)
			r.Patch("/histories/{id}/note", handlers.UpdateHistoryNote)
			r.Get("/batches/{batchID}", handlers.GetBatch)
			r.Get("/customers/{customerNumber}/histories", handlers.GetCustomerHistories)
		})

		r.Get("/servers/health", handlers.ListServerHealth)
		r.Get("/servers/{serverName}/health", handlers.GetServerHealth)

		r.Get("/logs", handlers.GetServerLogs)
		r.Delete("/logs", handlers.ClearServerLogs)
	})

	// Graceful shutdown
	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
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

	retention.Stop()
	monitor.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
