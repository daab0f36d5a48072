// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

// Config is the master configuration for backchannel components.
type Config struct {
	// Environment selects which override section applies.
	// Default: development
	Environment Environment `yaml:"environment"`

	// Paths configures filesystem locations.
	Paths PathsConfig `yaml:"paths"`

	// Relay configures the HTTP relay fallback.
	Relay RelayConfig `yaml:"relay"`

	// Signaling configures the out-of-band token exchange.
	Signaling SignalingConfig `yaml:"signaling"`

	// ICE configures the STUN/TURN servers for peer connections.
	ICE ICEConfig `yaml:"ice"`

	// Trust configures fingerprint pinning behavior.
	Trust TrustConfig `yaml:"trust"`

	// Development and Production are environment-specific overrides,
	// applied when Environment matches.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains environment-specific configuration overrides.
// Only non-zero fields override the base configuration.
type ConfigOverrides struct {
	Paths     *PathsConfig     `yaml:"paths,omitempty"`
	Relay     *RelayConfig     `yaml:"relay,omitempty"`
	Signaling *SignalingConfig `yaml:"signaling,omitempty"`
	Trust     *TrustConfig     `yaml:"trust,omitempty"`
}

// PathsConfig configures filesystem locations.
type PathsConfig struct {
	// Root is the base directory for all backchannel state.
	// Default: ~/.local/state/backchannel
	Root string `yaml:"root"`

	// Identity is the path to the persistent identity key file.
	// Default: ${BACKCHANNEL_ROOT}/identity.json
	Identity string `yaml:"identity"`

	// Store is the path to the conversation cache database.
	// Default: ${BACKCHANNEL_ROOT}/conversations.db
	Store string `yaml:"store"`

	// Trust is the path to the peer trust database.
	// Default: ${BACKCHANNEL_ROOT}/trust.db
	Trust string `yaml:"trust"`
}

// RelayConfig configures the HTTP relay fallback used when the peer
// connection is unavailable.
type RelayConfig struct {
	// BaseURL is the root of the relay API
	// (e.g. "https://chat.example.com/api").
	BaseURL string `yaml:"base_url"`

	// Timeout bounds each relay request.
	// Default: 10s
	Timeout string `yaml:"timeout"`
}

// SignalingConfig configures how invite and answer tokens travel
// between peers.
type SignalingConfig struct {
	// Mode selects the exchange mechanism.
	// Values: "manual" (copy-paste tokens), "poll" (HTTP short-poll),
	// "stream" (websocket)
	// Default: manual
	Mode string `yaml:"mode"`

	// URL is the signaling relay endpoint. Required for poll and
	// stream modes; ignored for manual.
	URL string `yaml:"url"`

	// PollInterval is the delay between polls in poll mode.
	// Default: 2s
	PollInterval string `yaml:"poll_interval"`
}

// ICEConfig configures the servers used for connectivity establishment.
type ICEConfig struct {
	// Servers lists STUN/TURN servers in priority order.
	// Default: Google's public STUN server.
	Servers []ICEServer `yaml:"servers"`
}

// ICEServer describes a single STUN or TURN server.
type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

// TrustConfig configures fingerprint pinning behavior.
type TrustConfig struct {
	// PinOnFirstUse pins an unknown peer fingerprint on first contact
	// without interactive confirmation. When false, the fingerprint
	// must be verified before the session is marked trusted.
	// Default: true (development), false (production)
	PinOnFirstUse bool `yaml:"pin_on_first_use"`
}

// Default returns the default configuration.
// These defaults are used as a base before loading the config file.
// They exist primarily to ensure all fields have sensible zero-values,
// not as a fallback - the config file is required.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".local", "state", "backchannel")

	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			Root:     defaultRoot,
			Identity: filepath.Join(defaultRoot, "identity.json"),
			Store:    filepath.Join(defaultRoot, "conversations.db"),
			Trust:    filepath.Join(defaultRoot, "trust.db"),
		},
		Relay: RelayConfig{
			Timeout: "10s",
		},
		Signaling: SignalingConfig{
			Mode:         "manual",
			PollInterval: "2s",
		},
		ICE: ICEConfig{
			Servers: []ICEServer{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
			},
		},
		Trust: TrustConfig{
			PinOnFirstUse: true,
		},
	}
}

// Load loads configuration from the BACKCHANNEL_CONFIG environment
// variable.
//
// This is the only way to load configuration without an explicit path.
// There are no fallbacks or defaults - if BACKCHANNEL_CONFIG is not
// set, this fails. This ensures deterministic, auditable configuration
// with no hidden overrides.
func Load() (*Config, error) {
	configPath := os.Getenv("BACKCHANNEL_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("BACKCHANNEL_CONFIG environment variable not set; " +
			"set it to the path of your backchannel.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment variables
// do not override config values - this ensures deterministic, auditable
// configuration. The only expansion performed is ${HOME} and similar
// path variables for portability.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	// Apply environment-specific overrides (development/production
	// sections in the file).
	cfg.applyEnvironmentOverrides()

	// Expand ${HOME} and similar variables in paths for portability.
	cfg.expandVariables()

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, c)
}

// applyEnvironmentOverrides applies the environment-specific overrides.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Production:
		overrides = c.Production
		// Production defaults: never pin unverified fingerprints.
		if overrides == nil {
			overrides = &ConfigOverrides{
				Trust: &TrustConfig{PinOnFirstUse: false},
			}
		}
	}

	if overrides == nil {
		return
	}

	if overrides.Paths != nil {
		if overrides.Paths.Root != "" {
			c.Paths.Root = overrides.Paths.Root
		}
		if overrides.Paths.Identity != "" {
			c.Paths.Identity = overrides.Paths.Identity
		}
		if overrides.Paths.Store != "" {
			c.Paths.Store = overrides.Paths.Store
		}
		if overrides.Paths.Trust != "" {
			c.Paths.Trust = overrides.Paths.Trust
		}
	}

	if overrides.Relay != nil {
		if overrides.Relay.BaseURL != "" {
			c.Relay.BaseURL = overrides.Relay.BaseURL
		}
		if overrides.Relay.Timeout != "" {
			c.Relay.Timeout = overrides.Relay.Timeout
		}
	}

	if overrides.Signaling != nil {
		if overrides.Signaling.Mode != "" {
			c.Signaling.Mode = overrides.Signaling.Mode
		}
		if overrides.Signaling.URL != "" {
			c.Signaling.URL = overrides.Signaling.URL
		}
		if overrides.Signaling.PollInterval != "" {
			c.Signaling.PollInterval = overrides.Signaling.PollInterval
		}
	}

	if overrides.Trust != nil {
		// PinOnFirstUse is a bool, so we always apply it from overrides.
		c.Trust.PinOnFirstUse = overrides.Trust.PinOnFirstUse
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"BACKCHANNEL_ROOT": c.Paths.Root,
		"HOME":             os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["BACKCHANNEL_ROOT"] = c.Paths.Root // Update for dependent paths.

	c.Paths.Identity = expandVars(c.Paths.Identity, vars)
	c.Paths.Store = expandVars(c.Paths.Store, vars)
	c.Paths.Trust = expandVars(c.Paths.Trust, vars)
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// RelayTimeout parses the relay timeout duration.
func (c *Config) RelayTimeout() (time.Duration, error) {
	return time.ParseDuration(c.Relay.Timeout)
}

// SignalingPollInterval parses the signaling poll interval.
func (c *Config) SignalingPollInterval() (time.Duration, error) {
	return time.ParseDuration(c.Signaling.PollInterval)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Paths.Root == "" {
		errs = append(errs, fmt.Errorf("paths.root is required"))
	}
	if c.Paths.Identity == "" {
		errs = append(errs, fmt.Errorf("paths.identity is required"))
	}

	if c.Relay.Timeout != "" {
		if _, err := time.ParseDuration(c.Relay.Timeout); err != nil {
			errs = append(errs, fmt.Errorf("relay.timeout: %w", err))
		}
	}

	switch c.Signaling.Mode {
	case "manual":
	case "poll", "stream":
		if c.Signaling.URL == "" {
			errs = append(errs, fmt.Errorf("signaling.url is required for mode %q", c.Signaling.Mode))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid signaling mode: %s", c.Signaling.Mode))
	}
	if c.Signaling.PollInterval != "" {
		if _, err := time.ParseDuration(c.Signaling.PollInterval); err != nil {
			errs = append(errs, fmt.Errorf("signaling.poll_interval: %w", err))
		}
	}

	for i, server := range c.ICE.Servers {
		if len(server.URLs) == 0 {
			errs = append(errs, fmt.Errorf("ice.servers[%d]: urls is required", i))
		}
	}

	if len(errs) > 0 {
		msg := "configuration errors:"
		for _, err := range errs {
			msg += "\n  - " + err.Error()
		}
		return fmt.Errorf("%s", msg)
	}

	return nil
}
