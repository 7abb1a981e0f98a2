// Package config provides a reusable loader for Verity's configuration files
// and environment variables. It is versioned so that applications can depend
// on a stable API contract.
//
// Version: v0.1.0
package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"verity/internal/identity"
	"verity/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified runtime configuration for a Verity node. Load fills
// it from a "default" YAML file (plus an optional per-environment file)
// searched for in cmd/config and config, and from the env-var surface
// godotenv loads before viper reads the environment.
type Config struct {
	Network struct {
		ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
		DiscoveryTag   string   `mapstructure:"discovery_tag" json:"discovery_tag"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
	} `mapstructure:"network" json:"network"`

	Admission struct {
		RequiredDifficulty int           `mapstructure:"required_difficulty" json:"required_difficulty"`
		MinMucRebuildDelay time.Duration `mapstructure:"min_muc_rebuild_delay" json:"min_muc_rebuild_delay"`
	} `mapstructure:"admission" json:"admission"`

	Identity struct {
		ArgonCPUHardness             uint32 `mapstructure:"argon_cpu_hardness" json:"argon_cpu_hardness"`
		ArgonMemoryHardness          uint32 `mapstructure:"argon_memory_hardness" json:"argon_memory_hardness"`
		IDMUCContextString           string `mapstructure:"id_muc_context_string" json:"id_muc_context_string"`
		IDMUCEncryptionContextString string `mapstructure:"id_muc_encryption_context_string" json:"id_muc_encryption_context_string"`
		IDMUCApplicationString       string `mapstructure:"id_muc_application_string" json:"id_muc_application_string"`
		SubscriptionRecursionDepth   int    `mapstructure:"subscription_recursion_depth" json:"subscription_recursion_depth"`
	} `mapstructure:"identity" json:"identity"`

	Storage struct {
		EnableCubePersistence bool   `mapstructure:"enable_cube_persistence" json:"enable_cube_persistence"`
		DBPath                string `mapstructure:"db_path" json:"db_path"`
	} `mapstructure:"storage" json:"storage"`

	Sync struct {
		SubscribeRemoteChanges bool     `mapstructure:"subscribe_remote_changes" json:"subscribe_remote_changes"`
		Parsers                []string `mapstructure:"parsers" json:"parsers"`
	} `mapstructure:"sync" json:"sync"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files, merges any environment-specific overrides,
// and stores the result in AppConfig. The function uses the provided
// environment name to merge additional config files; if env is empty, only
// the default configuration is loaded.
func Load(env string) (*Config, error) {
	_ = godotenv.Load(".env")

	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the VERITY_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("VERITY_ENV", ""))
}

// Defaults returns the built-in defaults (spec §4.6/§6.4), used when no
// config file is present and AutomaticEnv finds no overrides.
func Defaults() Config {
	var c Config
	c.Network.ListenAddr = "/ip4/0.0.0.0/tcp/0"
	c.Network.DiscoveryTag = "verity"
	c.Admission.RequiredDifficulty = 20
	c.Admission.MinMucRebuildDelay = 10 * time.Second
	c.Identity.ArgonCPUHardness = 4
	c.Identity.ArgonMemoryHardness = 64 * 1024
	c.Identity.IDMUCContextString = "CCI Identity"
	c.Identity.IDMUCEncryptionContextString = "CCI Encryption"
	c.Identity.IDMUCApplicationString = "ID"
	c.Identity.SubscriptionRecursionDepth = 3
	c.Storage.EnableCubePersistence = true
	c.Storage.DBPath = "verity-data"
	c.Sync.SubscribeRemoteChanges = true
	c.Sync.Parsers = []string{"cci"}
	c.Logging.Level = "info"
	return c
}

// IdentityParams projects the Identity-relevant fields of Config onto
// identity.Params, the shape internal/identity actually consumes.
func (c Config) IdentityParams() identity.Params {
	p := identity.DefaultParams()
	p.SignContextString = c.Identity.IDMUCContextString
	p.EncryptionContextString = c.Identity.IDMUCEncryptionContextString
	p.ApplicationString = c.Identity.IDMUCApplicationString
	p.MinMucRebuildDelay = c.Admission.MinMucRebuildDelay
	p.ArgonTime = c.Identity.ArgonCPUHardness
	p.ArgonMemoryKiB = c.Identity.ArgonMemoryHardness
	p.SubscriptionRecursionDepth = c.Identity.SubscriptionRecursionDepth
	p.SubscribeRemoteChanges = c.Sync.SubscribeRemoteChanges
	return p
}
