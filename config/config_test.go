package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_EnvironmentWithDefaults(t *testing.T) {
	t.Setenv("ETL_LOG_TABLE", "etl-log")
	t.Setenv("QUERY_POLL_INTERVAL_SECONDS", "5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "etl-log", cfg.ExecutionLogTable)
	assert.Equal(t, 30, cfg.TTLDays)
	assert.Equal(t, 20, cfg.BatchSize)
	assert.Equal(t, "primary", cfg.WorkGroup)
	assert.Equal(t, "default", cfg.ScheduleGroup)
	assert.Equal(t, 5*time.Second, cfg.PollInterval())
}

func TestLoad_MustRequireExecutionLogTable(t *testing.T) {
	t.Setenv("ETL_LOG_TABLE", "")

	_, err := Load()

	assert.ErrorContains(t, err, "ETL_LOG_TABLE")
}

func TestLoad_ConfigFileOverridesEnvironment(t *testing.T) {
	file := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte("workGroup: etl\nbatchSize: 10\n"), 0o644))
	t.Setenv("ETL_LOG_TABLE", "etl-log")
	t.Setenv("ATHENA_WORK_GROUP", "primary")
	t.Setenv("CONFIG_FILE", file)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "etl", cfg.WorkGroup)
	assert.Equal(t, 10, cfg.BatchSize)
	assert.Equal(t, "etl-log", cfg.ExecutionLogTable)
}

func TestLoad_MustRejectMalformedConfigFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte("workGroup: [broken"), 0o644))
	t.Setenv("ETL_LOG_TABLE", "etl-log")
	t.Setenv("CONFIG_FILE", file)

	_, err := Load()

	assert.ErrorContains(t, err, "failed to parse config file")
}
