package config

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/ZephrFish/OmniProx/internal/provider"
	"github.com/ZephrFish/OmniProx/internal/types"
)

// Config holds all configuration
type Config struct {
	Server     ServerConfig              `mapstructure:"server"`
	Database   DatabaseConfig            `mapstructure:"database"`
	Redis      RedisConfig               `mapstructure:"redis"`
	Forwarding ForwardingConfig          `mapstructure:"forwarding"`
	Providers  map[string]ProviderConfig `mapstructure:"providers"`

	// Profiles holds named credential sets per provider:
	// profiles.<provider>.<name>.{api_token,account_id,project,region}
	Profiles map[string]map[string]map[string]interface{} `mapstructure:"profiles"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	AdminPort    int    `mapstructure:"admin_port"`
	EndpointPort int    `mapstructure:"endpoint_port"`
	Host         string `mapstructure:"host"`
	AdminAPIKey  string `mapstructure:"admin_api_key"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ForwardingConfig tunes the behavior of a deployed endpoint process.
type ForwardingConfig struct {
	BaseTargetURL       string `mapstructure:"base_target_url"`
	BaseTargetOnly      bool   `mapstructure:"base_target_only"`
	AllowHeaderTarget   bool   `mapstructure:"allow_header_target"`
	RotateIdentity      bool   `mapstructure:"rotate_identity"`
	BlockPrivateTargets bool   `mapstructure:"block_private_targets"`
	UpstreamTimeoutSecs int    `mapstructure:"upstream_timeout_seconds"`
}

// ProviderConfig configures one provider adapter.
type ProviderConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Profile       string `mapstructure:"profile"`
	Region        string `mapstructure:"region"`
	MaxConcurrent int64  `mapstructure:"max_concurrent"`
}

var globalConfig Config

// Load loads the configuration from config files
func Load() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := viper.Unmarshal(&globalConfig); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return nil
}

func setDefaults() {
	viper.SetDefault("server.admin_port", 8080)
	viper.SetDefault("server.endpoint_port", 8081)

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.sslmode", "disable")

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("forwarding.allow_header_target", true)
	viper.SetDefault("forwarding.rotate_identity", true)
	viper.SetDefault("forwarding.block_private_targets", true)
	viper.SetDefault("forwarding.upstream_timeout_seconds", 29)
}

// GetConfig returns the global configuration
func GetConfig() *Config {
	return &globalConfig
}

// CredentialStore resolves credential profiles from the loaded
// configuration. Adapters receive resolved credentials at construction and
// never touch configuration files themselves.
type CredentialStore struct {
	profiles map[string]map[string]map[string]interface{}
}

func NewCredentialStore(cfg *Config) *CredentialStore {
	return &CredentialStore{profiles: cfg.Profiles}
}

func (s *CredentialStore) GetProfile(p types.Provider, name string) (provider.Credentials, error) {
	if name == "" {
		name = "default"
	}

	byName, ok := s.profiles[string(p)]
	if !ok {
		return provider.Credentials{}, fmt.Errorf("profile %s/%s: %w", p, name, types.ErrNotFound)
	}
	raw, ok := byName[name]
	if !ok {
		return provider.Credentials{}, fmt.Errorf("profile %s/%s: %w", p, name, types.ErrNotFound)
	}

	var creds provider.Credentials
	if err := mapstructure.Decode(raw, &creds); err != nil {
		return provider.Credentials{}, fmt.Errorf("decode profile %s/%s: %w", p, name, err)
	}
	return creds, nil
}
