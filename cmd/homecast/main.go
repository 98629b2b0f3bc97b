// Command homecast runs one relay instance. All configuration comes from
// HOMECAST_-prefixed environment variables; see internal/relay/config.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/homecast/homecast/internal/logging"
	"github.com/homecast/homecast/internal/relay/config"
	"github.com/homecast/homecast/relay"
)

var version = "dev"

func main() {
	logging.Setup()

	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Println(version)
		return
	}

	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if lvl, err := logging.ParseLevel(cfg.LogLevel); err == nil {
		logging.SetLevel(lvl)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server, err := relay.NewServer(ctx, cfg)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}
