// Package agent provides an exported entry point for running the
// TermGate agent as a library (e.g. from the standalone binary).
package agent

import (
	"context"
	"fmt"

	"github.com/termgate/termgate/internal/agent/client"
	"github.com/termgate/termgate/internal/agent/config"
)

// RunConfig holds configuration for running the agent as a library.
type RunConfig struct {
	GatewayURL string // Gateway websocket base URL (e.g. "ws://localhost:7681")
	DataDir    string // Directory for persistent state
	AgentID    string // Agent identity (defaults to hostname)
	Secret     string // Registration secret
	ProjectID  string // Project announced with discovered sessions
	Version    string // Reported to the gateway at registration
}

// Run starts the agent and blocks until ctx is cancelled or the
// gateway rejects the agent's credentials.
func Run(ctx context.Context, rc RunConfig) error {
	cfg := &config.Config{
		GatewayURL: rc.GatewayURL,
		DataDir:    rc.DataDir,
		AgentID:    rc.AgentID,
		Secret:     rc.Secret,
		ProjectID:  rc.ProjectID,
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	c := client.New(cfg, rc.Version)
	defer c.Stop()

	c.ConnectWithReconnect(ctx)
	return nil
}
