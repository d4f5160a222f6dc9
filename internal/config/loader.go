package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// configName is the config file name without extension.
const configName = "tunedex"

// configType is the config file format.
const configType = "yaml"

// envPrefix is the environment variable prefix for ingest settings, e.g.
// TUNEDEX_POSTGRES_PASSWORD overrides postgres.password.
const envPrefix = "TUNEDEX"

// envKeySeparator is the nested key separator in environment variable names.
const envKeySeparator = "_"

// Load reads configuration from file, environment, and defaults. A non-empty
// configPath names the file explicitly; otherwise the file is searched in
// the working directory and /etc/tunedex. A missing file is not an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	applyDefaults(v)

	v.SetConfigType(configType)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", envKeySeparator))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/tunedex")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "tunedex-ingest")
	v.SetDefault("service.environment", "dev")
	v.SetDefault("service.log_level", "info")

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.database", "tunedex")
	v.SetDefault("postgres.user", "tunedex")
	v.SetDefault("postgres.ssl_mode", "disable")
	v.SetDefault("postgres.max_conns", 10)

	v.SetDefault("bus.kind", "memory")
	v.SetDefault("bus.group_id", "tunedex-ingest")
	v.SetDefault("bus.client_id", "tunedex-ingest")
	v.SetDefault("bus.wikidata_topic", "jobs.wikidata")
	v.SetDefault("bus.musicbrainz_topic", "jobs.musicbrainz")
	v.SetDefault("bus.default_topic", "jobs.default")

	v.SetDefault("sources.wikidata.endpoint", "https://query.wikidata.org/sparql")
	v.SetDefault("sources.wikidata.rps", 0.5)
	v.SetDefault("sources.wikidata.burst", 1)
	v.SetDefault("sources.wikidata.timeout", time.Minute)

	v.SetDefault("sources.musicbrainz.endpoint", "https://musicbrainz.org/ws/2")
	v.SetDefault("sources.musicbrainz.rps", 1.0)
	v.SetDefault("sources.musicbrainz.burst", 1)
	v.SetDefault("sources.musicbrainz.timeout", 30*time.Second)

	v.SetDefault("sync.sequential", false)
	v.SetDefault("sync.drain_interval", 5*time.Second)
	v.SetDefault("sync.drain_checks", 3)
	v.SetDefault("sync.tracklist_batch", 100)

	v.SetDefault("health.addr", ":8080")
	v.SetDefault("health.statsviz", false)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.sample_rate", 0.1)
}
