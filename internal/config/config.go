package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ChainEndpoint is the per-chain connectivity block. Keys in the config file
// are chain ids.
type ChainEndpoint struct {
	RPCURL       string `mapstructure:"rpc_url"`
	BundlerURL   string `mapstructure:"bundler_url"`
	PaymasterURL string `mapstructure:"paymaster_url"`
	EntryPoint   string `mapstructure:"entry_point"`
}

// RedisConfig locates the shared Redis instance.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// WebhookConfig configures state-transition delivery.
type WebhookConfig struct {
	URL     string        `mapstructure:"url"`
	Secret  string        `mapstructure:"secret"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// LegacyConfig locates the previous backend's Postgres store. An empty DSN
// disables the reconciliation sweep.
type LegacyConfig struct {
	PostgresDSN   string        `mapstructure:"postgres_dsn"`
	BatchSize     int           `mapstructure:"batch_size"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// WorkerConfig tunes the job scheduler and escalation policy.
type WorkerConfig struct {
	SendConcurrency       int           `mapstructure:"send_concurrency"`
	MineConcurrency       int           `mapstructure:"mine_concurrency"`
	CancelConcurrency     int           `mapstructure:"cancel_concurrency"`
	SendMaxAttempts       int           `mapstructure:"send_max_attempts"`
	MineMaxAttempts       int           `mapstructure:"mine_max_attempts"`
	MinePollInterval      time.Duration `mapstructure:"mine_poll_interval"`
	MinBlocksBeforeResend uint64        `mapstructure:"min_blocks_before_resend"`
	// DeferDelay is how long a send is pushed back when its explicit fee
	// override is below the network estimate.
	DeferDelay time.Duration `mapstructure:"defer_delay"`
	// Confirmations is the finality depth for mined transactions.
	Confirmations      uint64        `mapstructure:"confirmations"`
	ConfirmInterval    time.Duration `mapstructure:"confirm_interval"`
	AuditPruneInterval time.Duration `mapstructure:"audit_prune_interval"`
}

// Config is the full runtime configuration.
type Config struct {
	ListenAddr string                   `mapstructure:"listen_addr"`
	Chains     map[string]ChainEndpoint `mapstructure:"chains"`
	// PrivateKeys are hex signer keys; production deployments pass these
	// through the environment, not the config file.
	PrivateKeys []string      `mapstructure:"private_keys"`
	Redis       RedisConfig   `mapstructure:"redis"`
	Webhook     WebhookConfig `mapstructure:"webhook"`
	Legacy      LegacyConfig  `mapstructure:"legacy"`
	Workers     WorkerConfig  `mapstructure:"workers"`
}

// Load reads configuration from the optional file path plus TREB_RELAY_*
// environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TREB_RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("webhook.timeout", 10*time.Second)
	v.SetDefault("legacy.batch_size", 100)
	v.SetDefault("legacy.sweep_interval", 5*time.Minute)
	v.SetDefault("workers.send_concurrency", 8)
	v.SetDefault("workers.mine_concurrency", 8)
	v.SetDefault("workers.cancel_concurrency", 2)
	v.SetDefault("workers.send_max_attempts", 5)
	v.SetDefault("workers.mine_max_attempts", 200)
	v.SetDefault("workers.mine_poll_interval", 3*time.Second)
	v.SetDefault("workers.min_blocks_before_resend", 3)
	v.SetDefault("workers.defer_delay", 30*time.Second)
	v.SetDefault("workers.confirmations", 12)
	v.SetDefault("workers.confirm_interval", 15*time.Second)
	v.SetDefault("workers.audit_prune_interval", 10*time.Minute)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	} else {
		v.SetConfigName("treb-relay")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/treb-relay")
		if err := v.ReadInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config invariants that would otherwise surface as runtime
// failures mid-broadcast.
func (c *Config) Validate() error {
	for key, chain := range c.Chains {
		if _, err := strconv.ParseUint(key, 10, 64); err != nil {
			return fmt.Errorf("chain key %q is not a chain id", key)
		}
		if chain.RPCURL == "" {
			return fmt.Errorf("chain %s has no rpc_url", key)
		}
	}
	return nil
}

// ChainIDs returns the configured chains, parsed.
func (c *Config) ChainIDs() ([]uint64, error) {
	out := make([]uint64, 0, len(c.Chains))
	for key := range c.Chains {
		id, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("chain key %q is not a chain id", key)
		}
		out = append(out, id)
	}
	return out, nil
}

// Endpoint returns the endpoint block for a chain id.
func (c *Config) Endpoint(chainID uint64) (ChainEndpoint, bool) {
	ep, ok := c.Chains[strconv.FormatUint(chainID, 10)]
	return ep, ok
}
