// Package config holds the agent's runtime configuration and its
// small persistent state file.
package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
)

// Config holds the agent's runtime configuration.
type Config struct {
	GatewayURL string `json:"gateway_url"` // Gateway base URL (e.g. "ws://localhost:7681")
	DataDir    string `json:"data_dir"`    // Directory for persistent state
	AgentID    string `json:"agent_id"`    // Stable agent identity (defaults to hostname)
	Secret     string `json:"-"`           // Registration secret, never persisted
	ProjectID  string `json:"project_id"`  // Project announced with discovered sessions
}

// State is the agent's persistent state, saved after first startup so
// a generated agent id stays stable across restarts.
type State struct {
	AgentID string `json:"agent_id"`
}

// DefineFlags registers command-line flags for agent configuration on
// the given FlagSet.
func DefineFlags(fs *flag.FlagSet) *Config {
	c := &Config{}
	fs.StringVar(&c.GatewayURL, "gateway", "ws://localhost:7681", "gateway URL")
	fs.StringVar(&c.DataDir, "data-dir", defaultDataDir(), "data directory")
	fs.StringVar(&c.AgentID, "id", "", "agent id (defaults to hostname)")
	fs.StringVar(&c.Secret, "secret", os.Getenv("TERMGATE_AGENT_SECRET"), "registration secret (or TERMGATE_AGENT_SECRET)")
	fs.StringVar(&c.ProjectID, "project", "", "project id announced with sessions")
	return c
}

// Validate checks the configuration and ensures required directories
// exist, resolving the agent id from state or the hostname.
func (c *Config) Validate() error {
	if c.GatewayURL == "" {
		return fmt.Errorf("gateway URL is required")
	}
	if c.DataDir == "" {
		c.DataDir = defaultDataDir()
	}
	if err := os.MkdirAll(c.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	if c.AgentID == "" {
		state, err := c.LoadState()
		if err != nil {
			return fmt.Errorf("load state: %w", err)
		}
		if state != nil && state.AgentID != "" {
			c.AgentID = state.AgentID
		} else {
			hostname, err := os.Hostname()
			if err != nil {
				return fmt.Errorf("resolve hostname for agent id: %w", err)
			}
			c.AgentID = hostname
			if err := c.SaveState(&State{AgentID: c.AgentID}); err != nil {
				return fmt.Errorf("save state: %w", err)
			}
		}
	}
	return nil
}

// StatePath returns the path to the state file.
func (c *Config) StatePath() string {
	return filepath.Join(c.DataDir, "state.json")
}

// ScreenDir returns the directory screen snapshots are persisted in.
func (c *Config) ScreenDir() string {
	return filepath.Join(c.DataDir, "screens")
}

// LoadState loads persisted state from disk. Returns nil if no state
// file exists.
func (c *Config) LoadState() (*State, error) {
	data, err := os.ReadFile(c.StatePath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// SaveState persists state to disk.
func (c *Config) SaveState(s *State) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.StatePath(), data, 0o600)
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "termgate", "agent")
	}
	return filepath.Join(home, ".config", "termgate", "agent")
}
