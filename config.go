package fmodata

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/viper"
)

// Environment variables read by LoadConfig.
const (
	EnvServer       = "FM_SERVER"
	EnvDatabase     = "FM_DATABASE"
	EnvAPIKey       = "OTTO_API_KEY"
	EnvUsername     = "FM_USERNAME"
	EnvPassword     = "FM_PASSWORD"
	EnvUseEntityIDs = "FM_USE_ENTITY_IDS"
)

// Config holds connection settings loaded from a file and the environment.
type Config struct {
	Server   string        `mapstructure:"server"`
	Database string        `mapstructure:"database"`
	APIKey   string        `mapstructure:"api_key"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	Timeout  time.Duration `mapstructure:"timeout"`

	// UseEntityIDs is nil when the identifier mode is derived from the
	// tables.
	UseEntityIDs *bool `mapstructure:"-"`
}

// LoadConfig reads settings from path, when not empty, and from the
// environment. Environment variables take precedence over the file. The
// file format follows its extension (yaml, json, toml).
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("timeout", DefaultTimeout)

	bindings := map[string]string{
		"server":         EnvServer,
		"database":       EnvDatabase,
		"api_key":        EnvAPIKey,
		"username":       EnvUsername,
		"password":       EnvPassword,
		"use_entity_ids": EnvUseEntityIDs,
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("fmodata: bind %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("fmodata: failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("fmodata: failed to unmarshal config: %w", err)
	}
	if v.IsSet("use_entity_ids") {
		enabled := v.GetBool("use_entity_ids")
		cfg.UseEntityIDs = &enabled
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server == "" {
		return configf("%s is not set", EnvServer)
	}
	if c.Database == "" {
		return configf("%s is not set", EnvDatabase)
	}
	if _, err := c.Auth(); err != nil {
		return err
	}
	return nil
}

// Auth returns bearer authentication when an API key is set and basic
// authentication otherwise.
func (c *Config) Auth() (Auth, error) {
	switch {
	case c.APIKey != "":
		return BearerAuth{Token: c.APIKey}, nil
	case c.Username != "" && c.Password != "":
		return BasicAuth{Username: c.Username, Password: c.Password}, nil
	default:
		return nil, configf("either %s or %s and %s must be set", EnvAPIKey, EnvUsername, EnvPassword)
	}
}

// Open connects to the configured server and returns the configured
// database with tables registered.
func (c *Config) Open(logger *slog.Logger, tables []*Table, opts ...DatabaseOption) (*Database, error) {
	auth, err := c.Auth()
	if err != nil {
		return nil, err
	}
	conn, err := NewConnection(ConnectionConfig{
		ServerURL:  c.Server,
		Auth:       auth,
		HTTPClient: &http.Client{Timeout: c.Timeout},
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	if c.UseEntityIDs != nil {
		opts = append([]DatabaseOption{WithEntityIDs(*c.UseEntityIDs)}, opts...)
	}
	return conn.Database(c.Database, tables, opts...)
}
