package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/termgate/termgate/agent"
	"github.com/termgate/termgate/gateway"
	"github.com/termgate/termgate/internal/logging"
)

// runStandalone runs a gateway and a local agent in one process, so a
// single host can be served without any deployment.
func runStandalone(args []string) error {
	fs := flag.NewFlagSet("termgate", flag.ExitOnError)
	addr := fs.String("addr", "", "TCP listen address (overrides config)")
	dataDir := fs.String("data-dir", defaultStandaloneDataDir(), "data directory")
	configPath := fs.String("config", "", "path to YAML config file")
	project := fs.String("project", "", "project id announced with local sessions")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	// Ensure top-level data directory exists.
	if err := os.MkdirAll(*dataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	server, err := gateway.NewServer(gateway.ServerConfig{
		ConfigPath: *configPath,
		Addr:       *addr,
		DataDir:    filepath.Join(*dataDir, "gateway"),
	})
	if err != nil {
		return fmt.Errorf("create gateway server: %w", err)
	}

	// Provision a one-process secret so the embedded agent registers
	// without any configuration.
	secret, err := randomSecret()
	if err != nil {
		return fmt.Errorf("generate agent secret: %w", err)
	}
	server.Config().SetAgentSecrets([]string{secret}, nil)

	logging.PrintBanner("standalone", version, server.Config().Addr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Run the gateway in the background.
	var wg sync.WaitGroup
	gatewayErrCh := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		gatewayErrCh <- server.Serve(ctx)
	}()

	gatewayURL, err := localGatewayURL(server.Config().Addr)
	if err != nil {
		stop()
		wg.Wait()
		return err
	}

	// Run the agent in the background. Its reconnect backoff covers
	// the window before the gateway starts listening.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := agent.Run(ctx, agent.RunConfig{
			GatewayURL: gatewayURL,
			DataDir:    filepath.Join(*dataDir, "agent"),
			Secret:     secret,
			ProjectID:  *project,
			Version:    version,
		}); err != nil {
			slog.Error("agent error", "error", err)
		}
	}()

	slog.Info("termgate standalone running", "addr", server.Config().Addr)

	// Wait for gateway error or context cancellation.
	select {
	case err := <-gatewayErrCh:
		stop()
		wg.Wait()
		return err
	case <-ctx.Done():
		wg.Wait()
		return nil
	}
}

// localGatewayURL turns a listen address into the loopback websocket
// URL the embedded agent dials.
func localGatewayURL(addr string) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("parse listen address %q: %w", addr, err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "ws://" + net.JoinHostPort(host, port), nil
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func defaultStandaloneDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "termgate")
	}
	return filepath.Join(home, ".config", "termgate")
}
