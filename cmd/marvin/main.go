package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/davmazz/marvin/internal/agent"
	"github.com/davmazz/marvin/internal/config"
	"github.com/davmazz/marvin/internal/confirm"
	"github.com/davmazz/marvin/internal/httpapi"
	"github.com/davmazz/marvin/internal/monitor"
	"github.com/davmazz/marvin/internal/observability"
	"github.com/davmazz/marvin/internal/queue"
	"github.com/davmazz/marvin/internal/sessions"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	store, err := sessions.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("session store init failed: %v", err)
	}
	defer store.Close()

	launcher := agent.NewCLILauncher(cfg.AgentCLIPath, cfg.AgentWorkspaceDir)
	mon := monitor.New(cfg.MonitorPollInterval, metrics)

	tasks := queue.New(queue.Config{
		Capacity:      cfg.TaskCapacity,
		TaskTimeout:   cfg.TaskTimeout,
		DeadlineSweep: cfg.DeadlineSweep,
		EventBuffer:   cfg.EventBufferPerSub,
	}, store, launcher, mon, metrics)

	// Pick up sessions left behind by a previous process: re-attach to the
	// ones whose agent is still alive, fail the rest.
	if err := tasks.Reconcile(ctx); err != nil {
		log.Printf("session reconcile failed: %v", err)
	}

	confirmations := confirm.NewManager()

	api := httpapi.New(cfg, tasks, confirmations, store, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	go tasks.Run(runCtx)

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
