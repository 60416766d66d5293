package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "evidence.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "native", cfg.Renderer.PlainText)
	assert.InDelta(t, 0.6, cfg.Extraction.MinTableConfidence, 0.001)
	assert.InDelta(t, 3.0, cfg.Extraction.RowTolerance, 0.001)
	assert.InDelta(t, 15.0, cfg.Extraction.ColumnClusterDistance, 0.001)
	assert.Equal(t, 2, cfg.Analysis.BatchConcurrency)
	assert.Equal(t, 120, cfg.Analysis.TimeoutSecs)
	assert.True(t, cfg.Analysis.RunAnalysis)
	assert.Equal(t, []string{"descriptive_stats", "linear_regression"}, cfg.Analysis.Methods)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, "evidence-cli/1.0", cfg.Fetch.UserAgent)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/evidence
log:
  level: debug
  format: console
analysis:
  batch_concurrency: 4
  timeout_secs: 30
extraction:
  min_table_confidence: 0.75
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 4, cfg.Analysis.BatchConcurrency)
	assert.Equal(t, 30, cfg.Analysis.TimeoutSecs)
	assert.InDelta(t, 0.75, cfg.Extraction.MinTableConfidence, 0.001)
	// Defaults still apply for unset values
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	t.Setenv("EVIDENCE_STORE_DRIVER", "postgres")
	t.Setenv("EVIDENCE_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestAnalysisConfig_Timeout(t *testing.T) {
	assert.Equal(t, "45s", AnalysisConfig{TimeoutSecs: 45}.Timeout().String())
}

func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.DatabaseURL = "evidence.db"
	cfg.Extraction.MinTableConfidence = 0.6
	cfg.Analysis.BatchConcurrency = 2
	cfg.Renderer.PlainText = "native"
	cfg.Server.Port = 8080
	return cfg
}

func TestValidate_Defaults(t *testing.T) {
	assert.NoError(t, validDefaults().Validate("ingest"))
	assert.NoError(t, validDefaults().Validate("serve"))
}

func TestValidate_Errors(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "mysql"
	cfg.Store.DatabaseURL = ""
	cfg.Extraction.MinTableConfidence = 1.5
	cfg.Analysis.BatchConcurrency = 0
	cfg.Renderer.PlainText = "ocr"

	err := cfg.Validate("ingest")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver")
	assert.Contains(t, err.Error(), "store.database_url is required")
	assert.Contains(t, err.Error(), "min_table_confidence")
	assert.Contains(t, err.Error(), "batch_concurrency")
	assert.Contains(t, err.Error(), "renderer.plain_text")
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
	assert.NoError(t, cfg.Validate("ingest"))
}

func TestInitLoggerConsole(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "info", Format: "json"}))
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	assert.Error(t, InitLogger(LogConfig{Level: "invalid", Format: "json"}))
}
