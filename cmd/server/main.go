package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rahmat-aldi/vicara/internal/config"
	"github.com/rahmat-aldi/vicara/internal/monitoring"
	"github.com/rahmat-aldi/vicara/internal/rooms"
	"github.com/rahmat-aldi/vicara/internal/server"
	internalsignal "github.com/rahmat-aldi/vicara/internal/signal"
	"github.com/rahmat-aldi/vicara/internal/store"
	"github.com/rahmat-aldi/vicara/internal/wirestore"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
	}

	hub := store.NewHub()
	defer hub.Close()

	adminStore := hub.Client()
	registry := rooms.NewRegistry(adminStore, internalsignal.NewChannel(adminStore))

	metrics := monitoring.New(func() int { return len(registry.List()) })
	gateway := &wirestore.Gateway{
		Hub:        hub,
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		Metrics:    metrics,
	}

	r := server.SetupRouter(cfg, gateway, registry, metrics)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("vicara server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
