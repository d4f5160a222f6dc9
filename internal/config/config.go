// Package config loads the ingest service configuration from a YAML file
// and TUNEDEX_-prefixed environment variables, with env taking precedence.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the top-level service configuration.
type Config struct {
	Service   ServiceConfig   `mapstructure:"service"`
	Postgres  PostgresConfig  `mapstructure:"postgres" validate:"required"`
	Bus       BusConfig       `mapstructure:"bus"`
	Sources   SourcesConfig   `mapstructure:"sources"`
	Index     IndexConfig     `mapstructure:"index"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Health    HealthConfig    `mapstructure:"health"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServiceConfig identifies the process in logs and traces.
type ServiceConfig struct {
	Name        string `mapstructure:"name" validate:"required"`
	Environment string `mapstructure:"environment" validate:"oneof=dev staging prod"`
	LogLevel    string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
}

// PostgresConfig holds the relational store connection settings.
type PostgresConfig struct {
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"min=1,max=65535"`
	Database string `mapstructure:"database" validate:"required"`
	User     string `mapstructure:"user" validate:"required"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"ssl_mode" validate:"oneof=disable require verify-ca verify-full"`
	MaxConns int32  `mapstructure:"max_conns" validate:"min=1"`
}

// DSN renders the pgx connection string.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// BusConfig selects and configures the job transport. The in-memory broker
// exists for single-process deployments and local development; Kafka is the
// durable default.
type BusConfig struct {
	Kind             string   `mapstructure:"kind" validate:"oneof=kafka memory"`
	Brokers          []string `mapstructure:"brokers" validate:"required_if=Kind kafka"`
	GroupID          string   `mapstructure:"group_id"`
	ClientID         string   `mapstructure:"client_id"`
	WikidataTopic    string   `mapstructure:"wikidata_topic"`
	MusicBrainzTopic string   `mapstructure:"musicbrainz_topic"`
	DefaultTopic     string   `mapstructure:"default_topic"`
}

// SourceConfig configures one external API: its endpoint and the shared
// token bucket all workers in this process draw from.
type SourceConfig struct {
	Endpoint string        `mapstructure:"endpoint" validate:"required,url"`
	RPS      float64       `mapstructure:"rps" validate:"gt=0"`
	Burst    int           `mapstructure:"burst" validate:"min=1"`
	Timeout  time.Duration `mapstructure:"timeout" validate:"min=1s"`
}

// SourcesConfig groups the upstream API clients.
type SourcesConfig struct {
	Wikidata    SourceConfig `mapstructure:"wikidata"`
	MusicBrainz SourceConfig `mapstructure:"musicbrainz"`
}

// IndexConfig configures the best-effort search index push. An empty
// endpoint disables indexing.
type IndexConfig struct {
	Endpoint string `mapstructure:"endpoint" validate:"omitempty,url"`
}

// SyncConfig tunes the full-run orchestrator.
type SyncConfig struct {
	Sequential     bool          `mapstructure:"sequential"`
	DrainInterval  time.Duration `mapstructure:"drain_interval" validate:"min=100ms"`
	DrainChecks    int           `mapstructure:"drain_checks" validate:"min=1"`
	TracklistBatch int32         `mapstructure:"tracklist_batch" validate:"min=1"`
}

// HealthConfig configures the liveness/readiness listener.
type HealthConfig struct {
	Addr     string `mapstructure:"addr" validate:"required"`
	Statsviz bool   `mapstructure:"statsviz"`
}

// TelemetryConfig configures OTLP export.
type TelemetryConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	Endpoint   string  `mapstructure:"endpoint" validate:"required_if=Enabled true"`
	SampleRate float64 `mapstructure:"sample_rate" validate:"min=0,max=1"`
}

var validate = validator.New()

// Validate checks the loaded configuration against its struct tags.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
