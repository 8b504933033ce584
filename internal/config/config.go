package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store  StoreConfig  `yaml:"store" mapstructure:"store"`
	Authz  AuthzConfig  `yaml:"authz" mapstructure:"authz"`
	Render RenderConfig `yaml:"render" mapstructure:"render"`
	Server ServerConfig `yaml:"server" mapstructure:"server"`
	Log    LogConfig    `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the Postgres/PostGIS backend.
type StoreConfig struct {
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AuthzConfig configures quota and bootstrap defaults for the authorization lattice.
type AuthzConfig struct {
	DefaultNamespaceQuota int `yaml:"default_namespace_quota" mapstructure:"default_namespace_quota"`
}

// RenderConfig configures the bulk GeoPackage extractor invocation.
type RenderConfig struct {
	ExtractorPath string `yaml:"extractor_path" mapstructure:"extractor_path"`
	TempDir       string `yaml:"temp_dir" mapstructure:"temp_dir"`
	TimeoutSecs   int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// ServerConfig configures the HTTP transport that consumes this kernel (out of scope here).
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Validate checks required configuration fields based on run mode.
// Supported modes: "serve", "render", "migrate".
func (c *Config) Validate(mode string) error {
	var errs []string

	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}

	switch mode {
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	case "render":
		if c.Render.ExtractorPath == "" {
			errs = append(errs, "render.extractor_path is required")
		}
	case "migrate":
		// database_url is already checked above; migrate needs nothing else.
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Authz.DefaultNamespaceQuota < 0 {
		errs = append(errs, "authz.default_namespace_quota must be >= 0")
	}

	if len(errs) > 0 {
		return eris.New(fmt.Sprintf("config: validation failed: %s", strings.Join(errs, "; ")))
	}
	return nil
}

// Load reads configuration from file and environment. An explicit config
// file path may be passed (e.g. from a --config flag); with none given it
// looks for ./config.yaml.
func Load(explicitPath ...string) (*Config, error) {
	v := viper.New()

	if len(explicitPath) > 0 && explicitPath[0] != "" {
		v.SetConfigFile(explicitPath[0])
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("GERRYDB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.max_conns", 20)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("authz.default_namespace_quota", 10)
	v.SetDefault("render.temp_dir", "/tmp/gerrydb-render")
	v.SetDefault("render.timeout_secs", 600)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
