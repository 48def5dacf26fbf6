package main

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dispatchopt/internal/api"
	"dispatchopt/internal/config"
	"dispatchopt/internal/history"
	"dispatchopt/internal/planner"
	"dispatchopt/internal/scheduler"
	"dispatchopt/internal/store"
	"dispatchopt/internal/webhooks"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx := context.Background()
	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer st.Close()

	if cfg.SeedDir != "" {
		stats, err := store.LoadSeedDir(ctx, st, cfg.SeedDir, time.Now().In(cfg.Location), cfg.Location)
		if err != nil {
			log.Fatalf("seed %s: %v", cfg.SeedDir, err)
		}
		log.Printf("seeded drivers=%d routes=%d orders=%d from %s", stats.Drivers, stats.Routes, stats.Orders, cfg.SeedDir)
	}

	broker := api.NewEventBroker(cfg.RedisURL)
	if c, ok := broker.(io.Closer); ok {
		defer c.Close()
	}

	sinks := []planner.Sink{api.NewBrokerSink(broker)}
	var worker *webhooks.Worker
	if len(cfg.NotifyURLs) > 0 {
		q := webhooks.NewQueue()
		sinks = append(sinks, webhooks.NewPublisher(q, cfg.NotifyURLs, cfg.NotifySecret))
		worker = webhooks.NewWorker(q, cfg.NotifyMaxAttempts)
		worker.Start()
		log.Printf("webhooks: %d target(s), max_attempts=%d", len(cfg.NotifyURLs), worker.MaxAttempts)
	}

	rec := history.NewRecorder(st, history.WithPageSize(cfg.HistoryPageSize))
	pl := planner.New(st, cfg.Policy,
		planner.WithLocation(cfg.Location),
		planner.WithRecorder(rec),
		planner.WithSinks(sinks...),
	)

	var sched *scheduler.Scheduler
	if cfg.OptimizeSchedule != "" {
		if sched, err = scheduler.New(cfg.OptimizeSchedule, pl, cfg.Location); err != nil {
			log.Fatalf("scheduler: %v", err)
		}
		sched.Start()
		log.Printf("scheduler: %q next=%s", cfg.OptimizeSchedule, sched.Next().Format(time.RFC3339))
	}

	srv := api.NewServer(st, pl, broker,
		api.WithLimiter(api.NewLimiter(cfg.OptimizeRatePerMin)),
		api.WithLocation(cfg.Location),
	)
	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Printf("API listening on %s (tz=%s)", httpSrv.Addr, cfg.Location)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Printf("shutting down")

	if sched != nil {
		<-sched.Stop().Done()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown failed: %v", err)
	}
	if worker != nil {
		close(worker.Stop)
	}
	log.Printf("server shutdown complete")
}
