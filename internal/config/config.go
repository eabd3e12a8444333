// Package config loads helium's configuration from flags, environment
// and config file, in that precedence order.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type Config struct {
	DataDir       string              `mapstructure:"data_dir"`
	API           APIConfig           `mapstructure:"api"`
	Server        ServerConfig        `mapstructure:"server"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Storage       StorageConfig       `mapstructure:"storage"`
}

// APIConfig points at the bot service backend and carries the webhook
// auth token the service presents on inbound calls.
type APIConfig struct {
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// StorageConfig selects the record-store backends. Session state and
// identity records may live in different backends.
type StorageConfig struct {
	Session  BackendConfig `mapstructure:"session"`
	Identity BackendConfig `mapstructure:"identity"`
}

type BackendConfig struct {
	Backend string            `mapstructure:"backend"`
	Config  map[string]string `mapstructure:"config"`
}

type ObservabilityConfig struct {
	LogLevel       string `mapstructure:"log_level"`
	LogFormat      string `mapstructure:"log_format"`
	MetricsAddr    string `mapstructure:"metrics_addr"`
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"`
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`
}

func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".helium"
	}
	return filepath.Join(home, ".helium")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDataDir())

	v.SetDefault("api.url", "https://prod-nginz-https.example.com")
	v.SetDefault("api.auth_token", "")

	v.SetDefault("server.addr", ":8080")

	v.SetDefault("observability.log_level", "info")
	v.SetDefault("observability.log_format", "")
	v.SetDefault("observability.metrics_addr", ":9090")
	v.SetDefault("observability.otlp_endpoint", "")
	v.SetDefault("observability.service_name", "helium")
	v.SetDefault("observability.service_version", "dev")

	v.SetDefault("storage.session.backend", "file")
	v.SetDefault("storage.identity.backend", "file")
}

// BindServeFlags binds cobra flags to viper for the serve command.
func BindServeFlags(cmd *cobra.Command, v *viper.Viper) {
	f := cmd.Flags()
	f.String("data-dir", "", "data directory (default ~/.helium)")
	f.String("addr", "", "webhook listen address")
	f.String("config", "", "config file path")
	f.String("api-url", "", "bot service API base URL")
	f.String("auth-token", "", "webhook bearer token")
	f.String("log-level", "", "log level (debug, info, warn, error)")
	f.String("log-format", "", "log format (json, text)")
	f.String("metrics-addr", "", "metrics HTTP listen address")
	f.String("session-backend", "", "session store backend (file, sqlite, redis, badger, memory)")
	f.String("identity-backend", "", "identity store backend (file, sqlite, redis, badger, memory)")

	_ = v.BindPFlag("data_dir", f.Lookup("data-dir"))
	_ = v.BindPFlag("server.addr", f.Lookup("addr"))
	_ = v.BindPFlag("api.url", f.Lookup("api-url"))
	_ = v.BindPFlag("api.auth_token", f.Lookup("auth-token"))
	_ = v.BindPFlag("observability.log_level", f.Lookup("log-level"))
	_ = v.BindPFlag("observability.log_format", f.Lookup("log-format"))
	_ = v.BindPFlag("observability.metrics_addr", f.Lookup("metrics-addr"))
	_ = v.BindPFlag("storage.session.backend", f.Lookup("session-backend"))
	_ = v.BindPFlag("storage.identity.backend", f.Lookup("identity-backend"))
}

// Load reads config from flags, env, and file, returning the merged Config.
func Load(v *viper.Viper, configFile string) (Config, error) {
	setDefaults(v)

	v.SetEnvPrefix("HELIUM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("helium")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.helium")
		v.AddConfigPath("/etc/helium")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && configFile != "" {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	// Backends that persist to disk default their paths under data_dir.
	applyDataDir(&cfg)
	return cfg, nil
}

// applyDataDir fills in backend-local paths for file-backed stores when
// the config did not set them.
func applyDataDir(cfg *Config) {
	fill := func(bc *BackendConfig, sub string) {
		if bc.Config == nil {
			bc.Config = make(map[string]string)
		}
		switch bc.Backend {
		case "file":
			if bc.Config["path"] == "" {
				bc.Config["path"] = filepath.Join(cfg.DataDir, sub)
			}
		case "sqlite":
			if bc.Config["path"] == "" {
				bc.Config["path"] = filepath.Join(cfg.DataDir, sub+".db")
			}
		case "badger":
			if bc.Config["path"] == "" {
				bc.Config["path"] = filepath.Join(cfg.DataDir, sub+"-badger")
			}
		}
	}
	fill(&cfg.Storage.Session, "sessions")
	fill(&cfg.Storage.Identity, "identities")
}
