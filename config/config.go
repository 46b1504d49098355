// Package config loads process configuration from the environment, with an
// optional YAML overrides file for local runs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the per-process configuration shared by all workers.
type Config struct {
	Region            string `yaml:"region"`
	ExecutionLogTable string `yaml:"executionLogTable"`
	TTLDays           int    `yaml:"ttlDays"`
	BatchSize         int    `yaml:"batchSize"`
	PollIntervalSec   int    `yaml:"pollIntervalSeconds"`
	WorkGroup         string `yaml:"workGroup"`
	OutputLocation    string `yaml:"outputLocation"`
	MigrationQueueURL string `yaml:"migrationQueueUrl"`
	EmailSender       string `yaml:"emailSender"`
	ScheduleGroup     string `yaml:"scheduleGroup"`
	FunctionName      string `yaml:"functionName"`
}

// Load reads the environment, then applies the YAML file named by
// CONFIG_FILE when set. Defaults fill what remains.
func Load() (*Config, error) {
	cfg := &Config{
		Region:            os.Getenv("AWS_REGION"),
		ExecutionLogTable: os.Getenv("ETL_LOG_TABLE"),
		TTLDays:           envInt("ETL_LOG_TTL_DAYS", 30),
		BatchSize:         envInt("DDL_BATCH_SIZE", 20),
		PollIntervalSec:   envInt("QUERY_POLL_INTERVAL_SECONDS", 1),
		WorkGroup:         envDefault("ATHENA_WORK_GROUP", "primary"),
		OutputLocation:    os.Getenv("ATHENA_OUTPUT_LOCATION"),
		MigrationQueueURL: os.Getenv("MIGRATION_QUEUE_URL"),
		EmailSender:       os.Getenv("NOTIFICATION_EMAIL_SENDER"),
		ScheduleGroup:     envDefault("SCHEDULE_GROUP", "default"),
		FunctionName:      os.Getenv("AWS_LAMBDA_FUNCTION_NAME"),
	}

	if file := os.Getenv("CONFIG_FILE"); file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", file, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %q: %w", file, err)
		}
	}

	if cfg.ExecutionLogTable == "" {
		return nil, fmt.Errorf("execution log table is not configured (ETL_LOG_TABLE)")
	}
	return cfg, nil
}

// PollInterval is the query poll cadence as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

func envDefault(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
