package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/termgate/termgate/gateway"
	"github.com/termgate/termgate/internal/logging"
)

func runGateway(args []string) error {
	fs := flag.NewFlagSet("gateway", flag.ExitOnError)
	addr := fs.String("addr", "", "listen address (overrides config)")
	dataDir := fs.String("data-dir", "", "data directory (overrides config)")
	configPath := fs.String("config", "", "path to YAML config file")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	server, err := gateway.NewServer(gateway.ServerConfig{
		ConfigPath: *configPath,
		Addr:       *addr,
		DataDir:    *dataDir,
	})
	if err != nil {
		return err
	}

	logging.PrintBanner("gateway", version, server.Config().Addr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return server.Serve(ctx)
}
