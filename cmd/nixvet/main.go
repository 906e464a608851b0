// Package main provides the entry point for the nixvet CLI tool.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/nixvet/cmd/nixvet/commands"
	"github.com/Sumatoshi-tech/nixvet/pkg/version"
)

func main() {
	version.InitBinaryVersion()

	var global commands.GlobalOptions

	rootCmd := &cobra.Command{
		Use:   "nixvet",
		Short: "nixvet - ratchet checks for the Nixpkgs by-name layout",
		Long: `nixvet keeps Nixpkgs moving towards pkgs/by-name.

Commands:
  check     Compare a tree against a base and report regressions
  migrate   Move loose packages into pkgs/by-name
  snapshot  Store the ratchet state of a tree`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	commands.RegisterGlobalFlags(rootCmd, &global)

	rootCmd.AddCommand(commands.NewCheckCommand(&global))
	rootCmd.AddCommand(commands.NewMigrateCommand(&global))
	rootCmd.AddCommand(commands.NewSnapshotCommand(&global))
	rootCmd.AddCommand(versionCmd())

	err := rootCmd.Execute()
	if err != nil {
		// Problems were already printed.
		if !errors.Is(err, commands.ErrProblemsFound) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}

		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintf(os.Stdout, "nixvet %s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		},
	}
}
