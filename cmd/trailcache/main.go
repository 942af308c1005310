package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/nicktill/trailcache/pkg/config"
	"github.com/nicktill/trailcache/pkg/monitor"
	"github.com/nicktill/trailcache/pkg/server"
	"github.com/nicktill/trailcache/pkg/trail"
)

func main() {
	log.Println("Starting trailcache server...")

	cfg := server.LoadConfig()
	log.Printf("Configuration: data dir = %s, levels = %v, cache max age = %v, memory limit = %d MB",
		cfg.DataDir, cfg.LevelShifts, cfg.CacheMaxAge, cfg.MaxMemoryMB)

	cat, err := server.InitializeCatalog(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize cache catalog: %v", err)
	}
	defer cat.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	hub := server.NewEventHub()
	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()
	log.Println("WebSocket hub started for population events")

	populationMonitor := &monitor.PopulationMonitor{}
	cacheMonitor := monitor.NewCacheMonitor(cfg.CacheDir, config.CacheFileExt, config.CachePartExt)
	registry := server.NewRegistry(ctx, hub, populationMonitor,
		trail.WithCacheDir(cfg.CacheDir),
		trail.WithCatalog(cat),
	)
	handler := server.NewHandler(registry, cat, populationMonitor, cacheMonitor, hub, cfg.LevelShifts)

	stopPrune := make(chan bool)
	wg.Add(1)
	go server.RunCachePrune(cat, cfg.CacheMaxAge, config.CachePruneInterval, stopPrune, &wg)

	stopGC := make(chan bool)
	wg.Add(1)
	go server.RunBadgerGC(cat, stopGC, &wg)

	router := mux.NewRouter()
	server.SetupRoutes(router, handler, cfg.Port)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: config.ServerWriteTimeout,
	}

	go func() {
		log.Printf("Server starting on http://localhost:%s", cfg.Port)
		log.Println("API endpoints:")
		log.Println("   POST   /v1/trails             - Open a trail over a WAV file")
		log.Println("   GET    /v1/trails/{id}/view   - Read a view at a target width")
		log.Println("   POST   /v1/trails/{id}/cancel - Cancel population")
		log.Println("   GET    /v1/caches             - List cache files")
		log.Println("   GET    /v1/ws                 - Population events")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutdown signal received...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown warning: %v", err)
	}

	// Cancels running populations and deletes their partial cache files
	log.Println("Closing trails...")
	registry.CloseAll()

	// Cancel before wg.Wait: the hub only returns on context cancellation
	cancel()
	close(stopPrune)
	close(stopGC)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Println("All background tasks stopped cleanly")
	case <-time.After(5 * time.Second):
		log.Println("Some background tasks did not stop in time (forcing exit)")
	}

	log.Println("trailcache server exited cleanly")
}
