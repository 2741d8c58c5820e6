package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "QUILL"
	defaultHTTPAddress  = "0.0.0.0:5984"
	defaultDatabaseName = "quill"
	defaultRevsLimit    = 1000
	defaultLogLevel     = "info"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress  string
	DatabaseName string
	// DatabasePath selects the sqlite file backing the store; empty keeps
	// the database in memory.
	DatabasePath string
	RevsLimit    int
	LogLevel     string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.name", defaultDatabaseName)
	configViper.SetDefault("database.path", "")
	configViper.SetDefault("database.revs_limit", defaultRevsLimit)
	configViper.SetDefault("log.level", defaultLogLevel)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:  configViper.GetString("http.address"),
		DatabaseName: configViper.GetString("database.name"),
		DatabasePath: configViper.GetString("database.path"),
		RevsLimit:    configViper.GetInt("database.revs_limit"),
		LogLevel:     configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if strings.TrimSpace(c.DatabaseName) == "" {
		return fmt.Errorf("database.name is required")
	}
	if strings.ContainsAny(c.DatabaseName, "/_") {
		return fmt.Errorf("database.name must not contain '/' or '_'")
	}
	if c.RevsLimit < 1 {
		return fmt.Errorf("database.revs_limit must be positive")
	}
	return nil
}
