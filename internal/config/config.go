package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Redis     RedisConfig
	Billing   BillingConfig
	Claim     ClaimConfig
	Chain     ChainConfig
	Scheduler SchedulerConfig
	Server    ServerConfig
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type BillingConfig struct {
	RulesDir       string `mapstructure:"rules_dir"`
	DefaultService string `mapstructure:"default_service"`
	DefaultAssetID string `mapstructure:"default_asset_id"`
	RateTTLSec     int64  `mapstructure:"rate_ttl_sec"`
}

type ClaimConfig struct {
	IntervalSec       int64  `mapstructure:"interval_sec"`
	ThresholdPicoUSD  string `mapstructure:"threshold_picousd"`
	MaxChannelsPerRun int    `mapstructure:"max_channels_per_run"`
}

type ChainConfig struct {
	RPCURL          string `mapstructure:"rpc_url"`
	ContractAddress string `mapstructure:"contract_address"`
	PayeePrivateKey string `mapstructure:"payee_private_key"`
	PayeeDID        string `mapstructure:"payee_did"`
	ChainID         int64  `mapstructure:"chain_id"`
}

type SchedulerConfig struct {
	MaxConcurrent int `mapstructure:"max_concurrent"`
}

type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	AdminKey string `mapstructure:"admin_key"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("billing.rules_dir", "rules")
	v.SetDefault("billing.default_service", "default")
	v.SetDefault("billing.rate_ttl_sec", 60)
	v.SetDefault("claim.interval_sec", 300)
	v.SetDefault("claim.threshold_picousd", "1000000000000") // 1 USD in pico-USD
	v.SetDefault("claim.max_channels_per_run", 100)
	v.SetDefault("scheduler.max_concurrent", 8)

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"redis.addr":                 "REDIS_ADDR",
		"redis.password":             "REDIS_PASSWORD",
		"billing.rules_dir":          "BILLING_RULES_DIR",
		"billing.default_service":    "BILLING_DEFAULT_SERVICE",
		"billing.default_asset_id":   "BILLING_DEFAULT_ASSET_ID",
		"billing.rate_ttl_sec":       "RATE_TTL_SEC",
		"claim.interval_sec":         "CLAIM_INTERVAL_SEC",
		"claim.threshold_picousd":    "CLAIM_THRESHOLD_PICOUSD",
		"claim.max_channels_per_run": "CLAIM_MAX_CHANNELS_PER_RUN",
		"chain.rpc_url":              "RPC_URL",
		"chain.contract_address":     "CHANNEL_HUB_CONTRACT",
		"chain.payee_private_key":    "PAYEE_SIGNING_KEY",
		"chain.payee_did":            "PAYEE_DID",
		"chain.chain_id":             "CHAIN_ID",
		"scheduler.max_concurrent":   "SCHEDULER_MAX_CONCURRENT",
		"server.port":                "PORT",
		"server.admin_key":           "ADMIN_KEY",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	type req struct {
		val  string
		name string
	}
	for _, r := range []req{
		{c.Chain.RPCURL, "RPC_URL"},
		{c.Chain.ContractAddress, "CHANNEL_HUB_CONTRACT"},
		{c.Chain.PayeePrivateKey, "PAYEE_SIGNING_KEY"},
		{c.Chain.PayeeDID, "PAYEE_DID"},
		{c.Billing.DefaultAssetID, "BILLING_DEFAULT_ASSET_ID"},
	} {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	if c.Chain.ChainID == 0 {
		return fmt.Errorf("required config missing: CHAIN_ID")
	}
	return nil
}
