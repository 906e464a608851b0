package config

// Tree defaults.
var DefaultDefinitionFiles = []string{"pkgs/top-level/all-packages.nix"}

// Check defaults.
const (
	DefaultCheckFormat  = "text"
	DefaultCheckWorkers = 0
)

// Migrate defaults.
const (
	DefaultMigrateDryRun   = false
	DefaultMigrateShowDiff = false
)

// Logging defaults.
const (
	DefaultLogLevel  = "info"
	DefaultLogFormat = "text"
)

var (
	validLogLevels     = []string{"debug", "info", "warn", "error"}
	validLogFormats    = []string{"text", "json"}
	validOutputFormats = []string{"text", "json", "yaml"}
)
