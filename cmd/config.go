package cmd

import (
	"time"

	"etl-sync/internal/pipeline"

	"github.com/spf13/viper"
)

// SyncConfig is the pipeline section of the config file.
type SyncConfig struct {
	BatchSize          int64
	Tables             []string
	ConservativeTables []string
	PollInterval       time.Duration
	SyncInterval       time.Duration
	Retry              *pipeline.RetryConfig
}

// GetSyncConfig resolves the sync settings with sane defaults. Flag values
// are bound over these keys by the individual commands.
func GetSyncConfig() SyncConfig {
	viper.SetDefault("sync.batch_size", 10000)
	viper.SetDefault("scheduler.poll_interval", "1s")
	viper.SetDefault("scheduler.sync_interval", "1h")
	viper.SetDefault("retry.max_attempts", 3)
	viper.SetDefault("retry.initial_delay", "5s")
	viper.SetDefault("retry.max_delay", "5m")
	viper.SetDefault("retry.backoff_factor", 2.0)

	cfg := SyncConfig{
		BatchSize:          viper.GetInt64("sync.batch_size"),
		Tables:             viper.GetStringSlice("sync.tables"),
		ConservativeTables: nil, // nil selects the built-in default list
		PollInterval:       viper.GetDuration("scheduler.poll_interval"),
		SyncInterval:       viper.GetDuration("scheduler.sync_interval"),
	}
	if viper.IsSet("sync.conservative_tables") {
		cfg.ConservativeTables = viper.GetStringSlice("sync.conservative_tables")
	}
	if viper.GetInt("retry.max_attempts") > 1 {
		cfg.Retry = &pipeline.RetryConfig{
			MaxAttempts:   viper.GetInt("retry.max_attempts"),
			InitialDelay:  viper.GetDuration("retry.initial_delay"),
			MaxDelay:      viper.GetDuration("retry.max_delay"),
			BackoffFactor: viper.GetFloat64("retry.backoff_factor"),
		}
	}
	return cfg
}
