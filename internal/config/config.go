// Package config loads application configuration from an optional
// config.yaml plus LITHARVEST_* environment variables, and initializes
// the global logger.
package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	PubMed   PubMedConfig   `yaml:"pubmed" mapstructure:"pubmed"`
	OpenAlex OpenAlexConfig `yaml:"openalex" mapstructure:"openalex"`
	Harvest  HarvestConfig  `yaml:"harvest" mapstructure:"harvest"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// PubMedConfig holds NCBI E-utilities settings. APIKeys may list
// several keys; each becomes an independent rate-limit identity.
type PubMedConfig struct {
	BaseURL           string   `yaml:"base_url" mapstructure:"base_url"`
	APIKeys           []string `yaml:"api_keys" mapstructure:"api_keys"`
	Tool              string   `yaml:"tool" mapstructure:"tool"`
	Email             string   `yaml:"email" mapstructure:"email"`
	RequestsPerSecond float64  `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int      `yaml:"burst" mapstructure:"burst"`
	FetchBatchSize    int      `yaml:"fetch_batch_size" mapstructure:"fetch_batch_size"`
	SearchPageSize    int      `yaml:"search_page_size" mapstructure:"search_page_size"`
}

// OpenAlexConfig holds citation-enrichment service settings. The
// circuit knobs guard lookups so a dead service degrades to skipped
// enrichment.
type OpenAlexConfig struct {
	BaseURL                 string  `yaml:"base_url" mapstructure:"base_url"`
	Mailto                  string  `yaml:"mailto" mapstructure:"mailto"`
	RequestsPerSecond       float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst                   int     `yaml:"burst" mapstructure:"burst"`
	BatchSize               int     `yaml:"batch_size" mapstructure:"batch_size"`
	Enabled                 bool    `yaml:"enabled" mapstructure:"enabled"`
	CircuitFailureThreshold int     `yaml:"circuit_failure_threshold" mapstructure:"circuit_failure_threshold"`
	CircuitResetSecs        int     `yaml:"circuit_reset_secs" mapstructure:"circuit_reset_secs"`
}

// HarvestConfig configures the collection pipeline.
type HarvestConfig struct {
	Concurrency       int         `yaml:"concurrency" mapstructure:"concurrency"`
	EnrichConcurrency int         `yaml:"enrich_concurrency" mapstructure:"enrich_concurrency"`
	MaxResults        int         `yaml:"max_results" mapstructure:"max_results"`
	CheckpointEvery   int         `yaml:"checkpoint_every" mapstructure:"checkpoint_every"`
	CheckpointPath    string      `yaml:"checkpoint_path" mapstructure:"checkpoint_path"`
	FullText          bool        `yaml:"full_text" mapstructure:"full_text"`
	Retry             RetryConfig `yaml:"retry" mapstructure:"retry"`
}

// RetryConfig configures the shared retry policy.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// ServerConfig configures the read-only HTTP API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("LITHARVEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "litharvest.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("server.port", 8080)
	v.SetDefault("pubmed.base_url", "https://eutils.ncbi.nlm.nih.gov/entrez/eutils")
	v.SetDefault("pubmed.tool", "litharvest")
	// NCBI allows 3 req/s unkeyed, 10 req/s per API key.
	v.SetDefault("pubmed.requests_per_second", 3.0)
	v.SetDefault("pubmed.burst", 3)
	v.SetDefault("pubmed.fetch_batch_size", 200)
	v.SetDefault("pubmed.search_page_size", 500)
	v.SetDefault("openalex.base_url", "https://api.openalex.org")
	v.SetDefault("openalex.requests_per_second", 10.0)
	v.SetDefault("openalex.burst", 5)
	v.SetDefault("openalex.batch_size", 50)
	v.SetDefault("openalex.enabled", true)
	v.SetDefault("openalex.circuit_failure_threshold", 5)
	v.SetDefault("openalex.circuit_reset_secs", 30)
	v.SetDefault("harvest.concurrency", 4)
	v.SetDefault("harvest.enrich_concurrency", 2)
	v.SetDefault("harvest.max_results", 10000)
	v.SetDefault("harvest.checkpoint_every", 32)
	v.SetDefault("harvest.checkpoint_path", "harvest.checkpoint.json")
	v.SetDefault("harvest.full_text", true)
	v.SetDefault("harvest.retry.max_attempts", 3)
	v.SetDefault("harvest.retry.initial_backoff_ms", 500)
	v.SetDefault("harvest.retry.max_backoff_ms", 30000)
	v.SetDefault("harvest.retry.multiplier", 2.0)
	v.SetDefault("harvest.retry.jitter_fraction", 0.25)

	// Read config file (optional)
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
