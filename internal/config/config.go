package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Renderer   RendererConfig   `yaml:"renderer" mapstructure:"renderer"`
	Extraction ExtractionConfig `yaml:"extraction" mapstructure:"extraction"`
	Analysis   AnalysisConfig   `yaml:"analysis" mapstructure:"analysis"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Fetch      FetchConfig      `yaml:"fetch" mapstructure:"fetch"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port         int      `yaml:"port" mapstructure:"port"`
	RateLimit    float64  `yaml:"rate_limit" mapstructure:"rate_limit"`
	RateBurst    int      `yaml:"rate_burst" mapstructure:"rate_burst"`
	CORSOrigins  []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	MaxUploadMB  int      `yaml:"max_upload_mb" mapstructure:"max_upload_mb"`
	DefaultOwner string   `yaml:"default_owner" mapstructure:"default_owner"`
}

// RendererConfig selects the plain-text fallback used when structured
// rendering fails.
type RendererConfig struct {
	PlainText     string `yaml:"plain_text" mapstructure:"plain_text"` // native, pdftotext
	PdfToTextPath string `yaml:"pdftotext_path" mapstructure:"pdftotext_path"`
	PdfInfoPath   string `yaml:"pdfinfo_path" mapstructure:"pdfinfo_path"`
}

// ExtractionConfig tunes the table and prose extractors.
type ExtractionConfig struct {
	MinTableConfidence    float64 `yaml:"min_table_confidence" mapstructure:"min_table_confidence"`
	RowTolerance          float64 `yaml:"row_tolerance" mapstructure:"row_tolerance"`
	ColumnClusterDistance float64 `yaml:"column_cluster_distance" mapstructure:"column_cluster_distance"`
	ParagraphGapFactor    float64 `yaml:"paragraph_gap_factor" mapstructure:"paragraph_gap_factor"`
	SkipMarkdown          bool    `yaml:"skip_markdown" mapstructure:"skip_markdown"`
}

// AnalysisConfig configures the analysis service facade.
type AnalysisConfig struct {
	TimeoutSecs      int      `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	BatchConcurrency int      `yaml:"batch_concurrency" mapstructure:"batch_concurrency"`
	RunAnalysis      bool     `yaml:"run_analysis" mapstructure:"run_analysis"`
	Methods          []string `yaml:"methods" mapstructure:"methods"`
	CreatedBy        string   `yaml:"created_by" mapstructure:"created_by"`
}

// Timeout returns the per-request timeout as a duration.
func (a AnalysisConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSecs) * time.Second
}

// RetryConfig configures retries of repository writes.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// FetchConfig configures remote document downloads.
type FetchConfig struct {
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	UserAgent   string `yaml:"user_agent" mapstructure:"user_agent"`
	MaxRetries  int    `yaml:"max_retries" mapstructure:"max_retries"`
	MaxSizeMB   int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("EVIDENCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "evidence.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.rate_limit", 5.0)
	v.SetDefault("server.rate_burst", 10)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.max_upload_mb", 64)
	v.SetDefault("server.default_owner", "anonymous")
	v.SetDefault("renderer.plain_text", "native")
	v.SetDefault("renderer.pdftotext_path", "pdftotext")
	v.SetDefault("renderer.pdfinfo_path", "pdfinfo")
	v.SetDefault("extraction.min_table_confidence", 0.6)
	v.SetDefault("extraction.row_tolerance", 3.0)
	v.SetDefault("extraction.column_cluster_distance", 15.0)
	v.SetDefault("extraction.paragraph_gap_factor", 1.5)
	v.SetDefault("extraction.skip_markdown", false)
	v.SetDefault("analysis.timeout_secs", 120)
	v.SetDefault("analysis.batch_concurrency", 2)
	v.SetDefault("analysis.run_analysis", true)
	v.SetDefault("analysis.methods", []string{"descriptive_stats", "linear_regression"})
	v.SetDefault("analysis.created_by", "evidence-cli")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 200)
	v.SetDefault("retry.max_backoff_ms", 5000)
	v.SetDefault("fetch.timeout_secs", 60)
	v.SetDefault("fetch.user_agent", "evidence-cli/1.0")
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.max_size_mb", 64)

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

// Validate checks that the settings required by the given command are present.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, "store.driver must be sqlite or postgres")
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}
	if c.Extraction.MinTableConfidence < 0 || c.Extraction.MinTableConfidence > 1 {
		errs = append(errs, "extraction.min_table_confidence must be within [0,1]")
	}
	if c.Analysis.BatchConcurrency < 1 {
		errs = append(errs, "analysis.batch_concurrency must be at least 1")
	}
	switch c.Renderer.PlainText {
	case "native", "pdftotext", "":
	default:
		errs = append(errs, "renderer.plain_text must be native or pdftotext")
	}

	if mode == "serve" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, "server.port must be between 1 and 65535")
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
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
