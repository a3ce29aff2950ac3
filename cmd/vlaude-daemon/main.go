package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vlaude/vlaude/config"
	"github.com/vlaude/vlaude/daemon"
	"github.com/vlaude/vlaude/log"
	"github.com/vlaude/vlaude/transcript"
)

func main() {
	cfg := config.Get()

	if _, err := os.Stat(cfg.StoreRoot); err != nil {
		log.Warn().Str("root", cfg.StoreRoot).Msg("transcript store not found, waiting for first session")
	}

	store := transcript.NewStore(transcript.NewPathMap(cfg.StoreRoot))
	service := daemon.New(cfg, store)
	listener := daemon.NewHTTPServer(cfg, service)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return service.Run(gctx)
	})
	g.Go(func() error {
		if err := listener.Start(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		service.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return listener.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("daemon error")
	}
	log.Info().Msg("daemon stopped")
}
