// Package commands implements the nixvet subcommands.
package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/nixvet/pkg/config"
	"github.com/Sumatoshi-tech/nixvet/pkg/nixfile"
	"github.com/Sumatoshi-tech/nixvet/pkg/observability"
	"github.com/Sumatoshi-tech/nixvet/pkg/ratchet"
	"github.com/Sumatoshi-tech/nixvet/pkg/scan"
	"github.com/Sumatoshi-tech/nixvet/pkg/snapshot"
	"github.com/Sumatoshi-tech/nixvet/pkg/version"
)

// ErrProblemsFound is returned by check when the verdict is not ok.
// Every problem has been printed by then.
var ErrProblemsFound = errors.New("ratchet problems found")

// GlobalOptions are the persistent flags of the root command.
type GlobalOptions struct {
	ConfigPath string
	Verbose    bool
	Quiet      bool
	NoColor    bool
}

// RegisterGlobalFlags binds the persistent flags shared by every subcommand.
func RegisterGlobalFlags(root *cobra.Command, opts *GlobalOptions) {
	flags := root.PersistentFlags()
	flags.StringVar(&opts.ConfigPath, "config", "", "Config file (default: .nixvet.yaml in . or the tree root)")
	flags.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	flags.BoolVarP(&opts.Quiet, "quiet", "q", false, "suppress output")
	flags.BoolVar(&opts.NoColor, "no-color", false, "Disable colored output")
}

// session carries what every command needs once configuration is loaded.
type session struct {
	cfg       *config.Config
	providers observability.Providers
	metrics   *observability.RatchetMetrics
	noColor   bool
}

func openSession(opts *GlobalOptions, mode observability.AppMode, treePath string, logOut io.Writer) (*session, error) {
	cfg, err := config.LoadConfig(opts.ConfigPath, searchDirs(treePath)...)
	if err != nil {
		return nil, err
	}

	obsCfg, err := observabilityConfig(cfg, opts, mode)
	if err != nil {
		return nil, err
	}

	obsCfg.LogOutput = logOut

	providers, err := observability.Init(obsCfg)
	if err != nil {
		return nil, fmt.Errorf("init observability: %w", err)
	}

	metrics, err := observability.NewRatchetMetrics(providers.Meter)
	if err != nil {
		return nil, errors.Join(err, providers.Shutdown(context.Background()))
	}

	return &session{cfg: cfg, providers: providers, metrics: metrics, noColor: opts.NoColor}, nil
}

func observabilityConfig(cfg *config.Config, opts *GlobalOptions, mode observability.AppMode) (observability.Config, error) {
	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceVersion = version.Version
	obsCfg.Mode = mode
	obsCfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	obsCfg.OTLPInsecure = cfg.Telemetry.OTLPInsecure
	obsCfg.PrometheusTextfile = cfg.Telemetry.PrometheusTextfile
	obsCfg.OTLPHeaders = observability.ParseOTLPHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	obsCfg.LogJSON = strings.EqualFold(cfg.Logging.Format, "json")

	level, err := observability.ParseLogLevel(cfg.Logging.Level)
	if err != nil {
		return obsCfg, err
	}

	obsCfg.LogLevel = level

	switch {
	case opts.Verbose:
		obsCfg.LogLevel = slog.LevelDebug
		obsCfg.DebugTrace = true
	case opts.Quiet:
		obsCfg.LogLevel = slog.LevelError
	}

	return obsCfg, nil
}

func (s *session) logger() *slog.Logger {
	return s.providers.Logger
}

func (s *session) close() error {
	return s.providers.Shutdown(context.Background())
}

func (s *session) scanner(store *nixfile.Store, workers int) *scan.Scanner {
	return scan.New(store, scan.Options{
		DefinitionFiles: s.cfg.Tree.DefinitionFiles,
		Workers:         workers,
		Logger:          s.logger(),
	})
}

// loadSnapshot reads path as a stored snapshot when it is one, and scans it as
// a source tree otherwise.
func loadSnapshot(ctx context.Context, scanner *scan.Scanner, path string) (*ratchet.Nixpkgs, error) {
	if snapshot.IsSnapshotPath(path) {
		return snapshot.ReadFile(path)
	}

	return scanner.Scan(ctx, path)
}

// searchDirs lists the tree root as a config location when path is a directory.
func searchDirs(path string) []string {
	if path == "" {
		return nil
	}

	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return nil
	}

	return []string{filepath.Clean(path)}
}
