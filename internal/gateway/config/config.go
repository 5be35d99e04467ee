// Package config loads the gateway's runtime configuration from three
// layers: built-in defaults, an optional YAML file, and environment
// variables (highest precedence). The environment surface is flat and
// enumerated: AGENT_SECRETS, AGENT_SECRET_<NORMALIZED_ID>,
// HEARTBEAT_TIMEOUT_MS, JANITOR_INTERVAL_MS, VIEWER_WRITE_HIGH_WATER.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	kenv "github.com/knadh/koanf/providers/env"
	kfile "github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Defaults.
const (
	DefaultAddr                 = ":7681"
	DefaultHeartbeatTimeoutMS   = 30_000
	DefaultJanitorIntervalMS    = 30_000
	DefaultViewerWriteHighWater = 1 << 20 // 1 MiB
)

// Config holds the gateway's runtime configuration.
type Config struct {
	Addr                 string        // Listen address (e.g. ":7681")
	DataDir              string        // Data directory for the location DB
	HeartbeatTimeout     time.Duration // Agent liveness cutoff
	JanitorInterval      time.Duration // Reaper period
	ViewerWriteHighWater int64         // Per-viewer write backlog limit in bytes

	agentSecrets    []string          // accepted shared secrets
	perAgentSecrets map[string]string // normalized agent id -> secret
}

// Load builds a Config from defaults, then the YAML file at path (if
// path is non-empty), then the process environment.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"addr":                    DefaultAddr,
		"data_dir":                defaultDataDir(),
		"heartbeat_timeout_ms":    DefaultHeartbeatTimeoutMS,
		"janitor_interval_ms":     DefaultJanitorIntervalMS,
		"viewer_write_high_water": DefaultViewerWriteHighWater,
	}
	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(kfile.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(kenv.ProviderWithValue("", ".", transformEnv), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	c := &Config{
		Addr:                 k.String("addr"),
		DataDir:              k.String("data_dir"),
		HeartbeatTimeout:     time.Duration(k.Int64("heartbeat_timeout_ms")) * time.Millisecond,
		JanitorInterval:      time.Duration(k.Int64("janitor_interval_ms")) * time.Millisecond,
		ViewerWriteHighWater: k.Int64("viewer_write_high_water"),
		perAgentSecrets:      map[string]string{},
	}

	if raw := strings.TrimSpace(k.String("agent_secrets")); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				c.agentSecrets = append(c.agentSecrets, s)
			}
		}
	}
	for id, secret := range k.StringMap("per_agent_secrets") {
		c.perAgentSecrets[strings.ToUpper(id)] = secret
	}

	return c, nil
}

// transformEnv maps the recognized flat environment variables onto
// config keys and drops everything else.
func transformEnv(key, value string) (string, any) {
	switch key {
	case "AGENT_SECRETS":
		return "agent_secrets", value
	case "HEARTBEAT_TIMEOUT_MS":
		return "heartbeat_timeout_ms", value
	case "JANITOR_INTERVAL_MS":
		return "janitor_interval_ms", value
	case "VIEWER_WRITE_HIGH_WATER":
		return "viewer_write_high_water", value
	}
	if id, ok := strings.CutPrefix(key, "AGENT_SECRET_"); ok && id != "" {
		return "per_agent_secrets." + id, value
	}
	return "", nil
}

// Validate checks the configuration values and ensures required
// directories exist.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.HeartbeatTimeout <= 0 {
		return fmt.Errorf("heartbeat timeout must be positive")
	}
	if c.JanitorInterval <= 0 {
		return fmt.Errorf("janitor interval must be positive")
	}
	if c.ViewerWriteHighWater <= 0 {
		return fmt.Errorf("viewer write high-water mark must be positive")
	}
	if err := os.MkdirAll(c.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}

// DBPath returns the path to the SQLite database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "gateway.db")
}

// NormalizeAgentID converts an agent id to the form used in per-agent
// secret variable names: uppercased, with "-" and "." replaced by "_".
func NormalizeAgentID(agentID string) string {
	r := strings.NewReplacer("-", "_", ".", "_")
	return strings.ToUpper(r.Replace(agentID))
}

// CheckAgentSecret authenticates an agent registration. A per-agent
// secret keyed by the normalized id takes precedence over the shared
// list. When neither is configured the agent is admitted and devMode
// is true so the caller can log a warning.
func (c *Config) CheckAgentSecret(agentID, secret string) (ok, devMode bool) {
	if want, exists := c.perAgentSecrets[NormalizeAgentID(agentID)]; exists {
		return secret == want, false
	}
	if len(c.agentSecrets) > 0 {
		for _, s := range c.agentSecrets {
			if secret == s {
				return true, false
			}
		}
		return false, false
	}
	return true, true
}

// SetAgentSecrets overrides the secret configuration. Used by tests
// and by the standalone binary's auto-provisioning.
func (c *Config) SetAgentSecrets(shared []string, perAgent map[string]string) {
	c.agentSecrets = shared
	c.perAgentSecrets = map[string]string{}
	for id, secret := range perAgent {
		c.perAgentSecrets[NormalizeAgentID(id)] = secret
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "termgate", "gateway")
	}
	return filepath.Join(home, ".config", "termgate", "gateway")
}
