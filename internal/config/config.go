// Package config defines the runtime configuration and its file loader.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"

	"github.com/cowprotocol/watch-tower/internal/common"
	"github.com/cowprotocol/watch-tower/internal/logger"
)

// Config is the complete configuration for a watch-tower instance.
type Config struct {
	// Chains lists the networks to watch. run uses exactly one, run-multi
	// any number.
	Chains []ChainConfig `yaml:"chains" json:"chains" toml:"chains"`

	// Database configures the registry store.
	Database DatabaseConfig `yaml:"database" json:"database" toml:"database"`

	// API configures the health and metrics HTTP server.
	API APIConfig `yaml:"api" json:"api" toml:"api"`

	// Logging configures log level and encoding.
	Logging *LoggingConfig `yaml:"logging,omitempty" json:"logging,omitempty" toml:"logging,omitempty"`

	// Notifications configures the Slack error channel.
	Notifications NotificationConfig `yaml:"notifications" json:"notifications" toml:"notifications"`

	// DryRun logs order submissions instead of posting them.
	DryRun bool `yaml:"dry_run" json:"dry_run" toml:"dry_run"`

	// OneShot syncs to the tip and exits instead of tailing.
	OneShot bool `yaml:"one_shot" json:"one_shot" toml:"one_shot"`
}

// ChainConfig configures a single chain watcher.
type ChainConfig struct {
	// Name identifies the chain in logs, metrics and the database.
	// Defaults to the chain id reported by the node.
	Name string `yaml:"name" json:"name" toml:"name"`

	// RPC is the node endpoint. ws[s] endpoints stream heads natively,
	// http[s] endpoints are polled.
	RPC string `yaml:"rpc" json:"rpc" toml:"rpc"`

	// DeploymentBlock is where a fresh database starts syncing.
	DeploymentBlock uint64 `yaml:"deployment_block" json:"deployment_block" toml:"deployment_block"`

	// PageSize is the block range per historical log query.
	PageSize uint64 `yaml:"page_size" json:"page_size" toml:"page_size"`

	// ProcessEveryNumBlocks polls the registry only on multiples of it.
	ProcessEveryNumBlocks uint64 `yaml:"process_every_num_blocks" json:"process_every_num_blocks" toml:"process_every_num_blocks"`

	// WatchdogTimeout is how long the live tail may starve before the
	// watchdog trips.
	WatchdogTimeout common.Duration `yaml:"watchdog_timeout" json:"watchdog_timeout" toml:"watchdog_timeout"`

	// OrderbookURL is the order-book API base URL for this chain.
	OrderbookURL string `yaml:"orderbook_url" json:"orderbook_url" toml:"orderbook_url"`

	// FilterPolicyURL optionally points at a hot-reloaded filter policy
	// document. Empty means accept everything.
	FilterPolicyURL string `yaml:"filter_policy_url" json:"filter_policy_url" toml:"filter_policy_url"`

	// Owners optionally restricts watching to these addresses.
	Owners []string `yaml:"owners,omitempty" json:"owners,omitempty" toml:"owners,omitempty"`
}

// DatabaseConfig configures the registry store.
type DatabaseConfig struct {
	// Path is the directory holding per-instance leveldb databases.
	Path string `yaml:"path" json:"path" toml:"path"`
}

// APIConfig configures the HTTP surface.
type APIConfig struct {
	// Disabled turns the server off entirely.
	Disabled bool `yaml:"disabled" json:"disabled" toml:"disabled"`

	// ListenAddress is the bind address, default ":8080".
	ListenAddress string `yaml:"listen_address" json:"listen_address" toml:"listen_address"`

	ReadTimeout  common.Duration `yaml:"read_timeout" json:"read_timeout" toml:"read_timeout"`
	WriteTimeout common.Duration `yaml:"write_timeout" json:"write_timeout" toml:"write_timeout"`
	IdleTimeout  common.Duration `yaml:"idle_timeout" json:"idle_timeout" toml:"idle_timeout"`
}

// LoggingConfig configures log levels, optionally per component.
type LoggingConfig struct {
	// Level is the default log level.
	Level string `yaml:"level" json:"level" toml:"level"`

	// Development switches to the console encoder with stack traces.
	Development bool `yaml:"development" json:"development" toml:"development"`

	// Components overrides the level for individual components, keyed by
	// component name.
	Components map[string]string `yaml:"components,omitempty" json:"components,omitempty" toml:"components,omitempty"`
}

// NotificationConfig configures error notifications.
type NotificationConfig struct {
	// SlackWebhook is the incoming-webhook URL. Empty disables Slack.
	SlackWebhook string `yaml:"slack_webhook" json:"slack_webhook" toml:"slack_webhook"`

	// Silent drops all notifications regardless of webhook configuration.
	Silent bool `yaml:"silent" json:"silent" toml:"silent"`

	// Throttle spaces out repeat notifications per chain.
	Throttle common.Duration `yaml:"throttle" json:"throttle" toml:"throttle"`
}

// ApplyDefaults fills in unset optional fields.
func (c *Config) ApplyDefaults() {
	for i := range c.Chains {
		c.Chains[i].ApplyDefaults()
	}
	if c.Database.Path == "" {
		c.Database.Path = "./database"
	}
	c.API.ApplyDefaults()
	if c.Logging == nil {
		c.Logging = &LoggingConfig{}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Notifications.Throttle.Duration == 0 {
		c.Notifications.Throttle = common.NewDuration(4 * time.Hour)
	}
}

func (c *ChainConfig) ApplyDefaults() {
	if c.PageSize == 0 {
		c.PageSize = 5000
	}
	if c.ProcessEveryNumBlocks == 0 {
		c.ProcessEveryNumBlocks = 1
	}
	if c.WatchdogTimeout.Duration == 0 {
		c.WatchdogTimeout = common.NewDuration(30 * time.Second)
	}
}

func (c *APIConfig) ApplyDefaults() {
	if c.ListenAddress == "" {
		c.ListenAddress = ":8080"
	}
	if c.ReadTimeout.Duration == 0 {
		c.ReadTimeout = common.NewDuration(10 * time.Second)
	}
	if c.WriteTimeout.Duration == 0 {
		c.WriteTimeout = common.NewDuration(10 * time.Second)
	}
	if c.IdleTimeout.Duration == 0 {
		c.IdleTimeout = common.NewDuration(60 * time.Second)
	}
}

// Validate checks the configuration for consistency. Call after
// ApplyDefaults.
func (c *Config) Validate() error {
	if len(c.Chains) == 0 {
		return fmt.Errorf("at least one chain must be configured")
	}

	seen := make(map[string]struct{}, len(c.Chains))
	for i := range c.Chains {
		chain := &c.Chains[i]
		if err := chain.Validate(); err != nil {
			return fmt.Errorf("chain %d: %w", i, err)
		}
		if chain.Name != "" {
			if _, dup := seen[chain.Name]; dup {
				return fmt.Errorf("duplicate chain name %q", chain.Name)
			}
			seen[chain.Name] = struct{}{}
		}
	}

	if c.Logging != nil {
		if err := c.Logging.Validate(); err != nil {
			return err
		}
	}

	return nil
}

func (c *ChainConfig) Validate() error {
	if c.RPC == "" {
		return fmt.Errorf("rpc endpoint is required")
	}
	parsed, err := url.Parse(c.RPC)
	if err != nil {
		return fmt.Errorf("invalid rpc endpoint: %w", err)
	}
	switch parsed.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("unsupported rpc scheme %q", parsed.Scheme)
	}

	if c.OrderbookURL != "" && !strings.HasPrefix(c.OrderbookURL, "http") {
		return fmt.Errorf("invalid orderbook url %q", c.OrderbookURL)
	}

	for _, owner := range c.Owners {
		if !ethcommon.IsHexAddress(owner) {
			return fmt.Errorf("invalid owner address %q", owner)
		}
	}

	return nil
}

func (l *LoggingConfig) Validate() error {
	if _, valid := logger.ValidLogLevels[common.ToLowerWithTrim(l.Level)]; !valid {
		return fmt.Errorf("invalid log level %q", l.Level)
	}
	for component, level := range l.Components {
		if _, validComponent := common.AllComponents[common.ToLowerWithTrim(component)]; !validComponent {
			return fmt.Errorf("unknown log component %q", component)
		}
		if _, valid := logger.ValidLogLevels[common.ToLowerWithTrim(level)]; !valid {
			return fmt.Errorf("invalid log level %q for component %q", level, component)
		}
	}
	return nil
}

// LevelFor returns the configured level for a component, falling back to the
// default level.
func (l *LoggingConfig) LevelFor(component string) string {
	if level, ok := l.Components[component]; ok {
		return common.ToLowerWithTrim(level)
	}
	return common.ToLowerWithTrim(l.Level)
}

// OwnerAddresses converts the configured owner strings.
func (c *ChainConfig) OwnerAddresses() []ethcommon.Address {
	owners := make([]ethcommon.Address, 0, len(c.Owners))
	for _, owner := range c.Owners {
		owners = append(owners, ethcommon.HexToAddress(owner))
	}
	return owners
}
