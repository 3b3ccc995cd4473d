// Command router is the process entry point: it loads configuration,
// wires the full router, starts the Control/Observability API, and
// shuts down cleanly on SIGINT/SIGTERM. Grounded on the teacher's
// cmd/router/main.go (gRPC server + HTTP dashboard goroutine + graceful
// shutdown via signal.Notify), adapted to a single gin-backed HTTP
// server instead of gRPC+bare-mux dashboard.
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

	"llmrouter/pkg/api"
	"llmrouter/pkg/config"
	"llmrouter/pkg/router"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	cfg := config.Load()

	rt := router.New(cfg, log)

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startCancel()
	if err := rt.Start(startCtx); err != nil {
		log.Fatal().Err(err).Msg("🛑 router failed to start")
	}
	log.Info().Msg("🚦 router started")

	broadcaster := api.NewBroadcaster(log)
	server := api.New(rt, broadcaster, log)
	server.StartBroadcastLoop()

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.RouterPort),
		Handler: server.Engine(),
	}

	go func() {
		log.Info().Int("port", cfg.RouterPort).Msg("🌐 control/observability API listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("🌐 HTTP server error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("🛑 shutdown signal received, draining")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)

	server.Stop()
	rt.Stop()
	log.Info().Msg("👋 router stopped")
}
