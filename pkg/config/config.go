// Package config provides configuration loading and validation for nixvet.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/viper"
)

// Sentinel validation errors.
var (
	ErrInvalidWorkers      = errors.New("check workers must not be negative")
	ErrNoDefinitionFiles   = errors.New("at least one definition file is required")
	ErrInvalidLogLevel     = errors.New("invalid log level")
	ErrInvalidLogFormat    = errors.New("invalid log format")
	ErrInvalidOutputFormat = errors.New("invalid output format")
)

// configName is the file name searched for when no explicit path is given.
const configName = ".nixvet"

// envPrefix prefixes every environment override, e.g. NIXVET_CHECK_WORKERS.
const envPrefix = "NIXVET"

// Config holds all configuration for nixvet.
type Config struct {
	Tree      TreeConfig      `mapstructure:"tree"`
	Check     CheckConfig     `mapstructure:"check"`
	Migrate   MigrateConfig   `mapstructure:"migrate"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// TreeConfig describes where facts are collected from in a tree.
type TreeConfig struct {
	// DefinitionFiles are relative to the tree root, in precedence order.
	DefinitionFiles []string `mapstructure:"definition_files"`
}

// CheckConfig holds settings of the check command.
type CheckConfig struct {
	Format  string `mapstructure:"format"`
	Workers int    `mapstructure:"workers"`
}

// MigrateConfig holds settings of the migrate command.
type MigrateConfig struct {
	DryRun   bool `mapstructure:"dry_run"`
	ShowDiff bool `mapstructure:"show_diff"`
}

// LoggingConfig holds logging-specific configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds OpenTelemetry export settings.
type TelemetryConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	OTLPInsecure bool   `mapstructure:"otlp_insecure"`
	// PrometheusTextfile receives run metrics in the Prometheus text format.
	PrometheusTextfile string `mapstructure:"prometheus_textfile"`
}

// LoadConfig loads configuration from file and environment variables.
// Without an explicit path, .nixvet.yaml is searched in the current directory
// and then in searchDirs. A missing file is not an error.
func LoadConfig(configPath string, searchDirs ...string) (*Config, error) {
	viperCfg := viper.New()

	setDefaults(viperCfg)

	if configPath != "" {
		viperCfg.SetConfigFile(configPath)
	} else {
		viperCfg.SetConfigName(configName)
		viperCfg.SetConfigType("yaml")
		viperCfg.AddConfigPath(".")

		for _, dir := range searchDirs {
			viperCfg.AddConfigPath(dir)
		}
	}

	viperCfg.SetEnvPrefix(envPrefix)
	viperCfg.AutomaticEnv()
	viperCfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	readErr := viperCfg.ReadInConfig()
	if readErr != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !errors.As(readErr, &notFoundErr) {
			return nil, fmt.Errorf("failed to read config file: %w", readErr)
		}
	}

	var config Config

	unmarshalErr := viperCfg.Unmarshal(&config)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", unmarshalErr)
	}

	validateErr := validateConfig(&config)
	if validateErr != nil {
		return nil, fmt.Errorf("invalid configuration: %w", validateErr)
	}

	return &config, nil
}

// setDefaults sets default configuration values.
func setDefaults(viperCfg *viper.Viper) {
	viperCfg.SetDefault("tree.definition_files", DefaultDefinitionFiles)

	viperCfg.SetDefault("check.format", DefaultCheckFormat)
	viperCfg.SetDefault("check.workers", DefaultCheckWorkers)

	viperCfg.SetDefault("migrate.dry_run", DefaultMigrateDryRun)
	viperCfg.SetDefault("migrate.show_diff", DefaultMigrateShowDiff)

	viperCfg.SetDefault("logging.level", DefaultLogLevel)
	viperCfg.SetDefault("logging.format", DefaultLogFormat)

	viperCfg.SetDefault("telemetry.otlp_endpoint", "")
	viperCfg.SetDefault("telemetry.otlp_insecure", false)
	viperCfg.SetDefault("telemetry.prometheus_textfile", "")
}

// validateConfig validates the configuration.
func validateConfig(config *Config) error {
	if config.Check.Workers < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidWorkers, config.Check.Workers)
	}

	if len(config.Tree.DefinitionFiles) == 0 {
		return ErrNoDefinitionFiles
	}

	if !slices.Contains(validLogLevels, strings.ToLower(config.Logging.Level)) {
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, config.Logging.Level)
	}

	if !slices.Contains(validLogFormats, strings.ToLower(config.Logging.Format)) {
		return fmt.Errorf("%w: %q", ErrInvalidLogFormat, config.Logging.Format)
	}

	if !slices.Contains(validOutputFormats, strings.ToLower(config.Check.Format)) {
		return fmt.Errorf("%w: %q", ErrInvalidOutputFormat, config.Check.Format)
	}

	return nil
}
