package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/termgate/termgate/internal/agent/client"
	"github.com/termgate/termgate/internal/agent/config"
	"github.com/termgate/termgate/internal/logging"
)

func runAgent(args []string) error {
	fs := flag.NewFlagSet("agent", flag.ExitOnError)
	cfg := config.DefineFlags(fs)
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	logging.PrintBanner("agent", version, cfg.GatewayURL)
	slog.Info("starting agent", "agent_id", cfg.AgentID, "gateway", cfg.GatewayURL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := client.New(cfg, version)
	defer c.Stop()

	c.ConnectWithReconnect(ctx)
	return nil
}
