package config

import (
	"strings"

	"github.com/spf13/viper"

	"github.com/philiplau114/PocketFlowProject/errors"
)

// Load reads the controller configuration using Viper.
// Precedence: defaults < config file < PFAI_* environment variables.
func Load() (*Config, error) {
	return LoadWithViper(initViper(""))
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(configPath string) (*Config, error) {
	v := initViper(configPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}
	return LoadWithViper(v)
}

// LoadWithViper loads configuration using a provided Viper instance
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &config, nil
}

// initViper initializes Viper with configuration sources and defaults
func initViper(configPath string) *viper.Viper {
	v := viper.New()

	// Environment variable binding: PFAI_DATABASE_PATH overrides database.path
	v.SetEnvPrefix("PFAI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("toml")
	} else {
		v.SetConfigName("pocketflow")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.pocketflow")
		// Missing config file is fine - defaults plus env vars apply
		_ = v.ReadInConfig()
	}

	return v
}
