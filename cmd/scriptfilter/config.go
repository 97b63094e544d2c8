package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	natsconn "github.com/wehubfusion/scriptfilter/internal/nats"
	"github.com/wehubfusion/scriptfilter/internal/tracing"
	"github.com/wehubfusion/scriptfilter/pkg/filter"
	"github.com/wehubfusion/scriptfilter/pkg/pipeline"
	"github.com/wehubfusion/scriptfilter/pkg/scriptstore"
	"gopkg.in/yaml.v3"
)

// envPrefix prefixes every environment override, e.g. SCRIPTFILTER_WORKERS
const envPrefix = "SCRIPTFILTER_"

// appConfig is the configuration file of the scriptfilter command. Values
// are layered: built-in defaults, then the config file, then the environment.
type appConfig struct {
	Filter      filter.Config             `yaml:"filter" toml:"filter"`
	Workers     int                       `yaml:"workers" toml:"workers" env:"WORKERS"`
	SentryDSN   string                    `yaml:"sentry_dsn" toml:"sentry_dsn" env:"SENTRY_DSN"`
	Tracing     tracing.Config            `yaml:"tracing" toml:"tracing" envPrefix:"TRACING_"`
	NATS        natsconn.ConnectionConfig `yaml:"nats" toml:"nats" envPrefix:"NATS_"`
	JetStream   pipeline.JetStreamConfig  `yaml:"jetstream" toml:"jetstream" envPrefix:"JETSTREAM_"`
	ScriptStore scriptStoreConfig         `yaml:"script_store" toml:"script_store" envPrefix:"SCRIPT_STORE_"`
}

// scriptStoreConfig locates scripts referenced as azblob://<container>/<path>
type scriptStoreConfig struct {
	ConnectionString string `yaml:"connection_string" toml:"connection_string" env:"CONNECTION_STRING"`
	Container        string `yaml:"container" toml:"container" env:"CONTAINER"`
	CacheDir         string `yaml:"cache_dir" toml:"cache_dir" env:"CACHE_DIR"`
}

func defaultAppConfig() appConfig {
	tracingCfg := tracing.DefaultConfig("scriptfilter")
	tracingCfg.ServiceVersion = version
	tracingCfg.OTLPEndpoint = ""

	return appConfig{
		Workers: runtime.GOMAXPROCS(0),
		Tracing: tracingCfg,
		NATS:    *natsconn.DefaultConnectionConfig("nats://127.0.0.1:4222"),
		JetStream: pipeline.JetStreamConfig{
			BatchSize: 10,
			FetchWait: 5 * time.Second,
		},
		ScriptStore: scriptStoreConfig{
			CacheDir: filepath.Join(os.TempDir(), "scriptfilter", "scripts"),
		},
	}
}

// loadConfig reads path, YAML or TOML by extension, over the defaults and
// applies environment overrides. An empty path skips the file.
func loadConfig(path string) (appConfig, error) {
	cfg := defaultAppConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config: %w", err)
		}

		switch ext := strings.ToLower(filepath.Ext(path)); ext {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse %s: %w", path, err)
			}
		case ".toml":
			if _, err := toml.Decode(string(data), &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse %s: %w", path, err)
			}
		default:
			return cfg, fmt.Errorf("unsupported config format %q, use .yaml, .yml or .toml", ext)
		}

		// Script paths in the file are relative to the file
		if p := cfg.Filter.Path; p != "" && !filepath.IsAbs(p) && !scriptstore.IsReference(p) {
			cfg.Filter.Path = filepath.Join(filepath.Dir(path), p)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return cfg, fmt.Errorf("failed to parse environment: %w", err)
	}

	if cfg.Workers <= 0 {
		return cfg, fmt.Errorf("workers must be greater than 0")
	}
	return cfg, nil
}
