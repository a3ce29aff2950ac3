package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/vlaude/vlaude/cli"
	"github.com/vlaude/vlaude/config"
	"github.com/vlaude/vlaude/log"
)

func main() {
	resume := flag.String("resume", "", "session ID to resume")
	flag.Parse()

	cfg := config.Get()

	projectPath, err := os.Getwd()
	if err != nil {
		log.Fatal().Err(err).Msg("cannot determine working directory")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	driver := cli.NewDriver(cfg, projectPath, *resume, os.Getenv("VLAUDE_TOKEN"))
	if err := driver.Run(ctx); err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("session ended with error")
	}
}
