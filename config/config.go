package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	RPCURL     string
	PrivateKey string
	ChainID    int64

	RouterURL   string
	RouterToken string
	VaultsURL   string

	StorePath   string
	Concurrency int
	AutoConfirm bool
	LogLevel    string
}

var globalConfig *Config

// Load reads configuration from environment variables and config file
func Load() (*Config, error) {
	viper.SetConfigName(".levfi")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("$HOME")
	viper.AddConfigPath(".")

	// Set default values
	viper.SetDefault("chain_id", 8453)
	viper.SetDefault("concurrency", 4)
	viper.SetDefault("log_level", "info")

	// Read from environment variables
	viper.SetEnvPrefix("LEVFI")
	viper.AutomaticEnv()

	// Read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		RPCURL:      viper.GetString("rpc_url"),
		PrivateKey:  viper.GetString("private_key"),
		ChainID:     viper.GetInt64("chain_id"),
		RouterURL:   viper.GetString("router_url"),
		RouterToken: viper.GetString("router_token"),
		VaultsURL:   viper.GetString("vaults_url"),
		StorePath:   viper.GetString("store_path"),
		Concurrency: viper.GetInt("concurrency"),
		AutoConfirm: viper.GetBool("auto_confirm"),
		LogLevel:    viper.GetString("log_level"),
	}

	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("RPC URL not found. Please set LEVFI_RPC_URL environment variable or create a .levfi.yaml config file")
	}
	if cfg.PrivateKey == "" {
		return nil, fmt.Errorf("private key not found. Please set LEVFI_PRIVATE_KEY environment variable or create a .levfi.yaml config file")
	}
	if cfg.RouterURL == "" {
		return nil, fmt.Errorf("router URL not found. Please set LEVFI_ROUTER_URL environment variable or create a .levfi.yaml config file")
	}

	globalConfig = cfg
	return cfg, nil
}

// Get returns the global configuration
func Get() *Config {
	if globalConfig == nil {
		cfg, err := Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
			os.Exit(1)
		}
		return cfg
	}
	return globalConfig
}

// Set updates the global configuration
func Set(cfg *Config) {
	globalConfig = cfg
}
