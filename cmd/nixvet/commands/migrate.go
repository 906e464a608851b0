package commands

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sumatoshi-tech/nixvet/pkg/nixfile"
	"github.com/Sumatoshi-tech/nixvet/pkg/observability"
	"github.com/Sumatoshi-tech/nixvet/pkg/report"
	"github.com/Sumatoshi-tech/nixvet/pkg/rewrite"
)

// MigrateCommand holds the flags of the migrate command.
type MigrateCommand struct {
	global *GlobalOptions
	dryRun bool
	diff   bool
	format string
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(global *GlobalOptions) *cobra.Command {
	mc := &MigrateCommand{global: global}

	cmd := &cobra.Command{
		Use:   "migrate [flags] TREE",
		Short: "Move loose packages of a tree into pkgs/by-name",
		Long: `Fix every loose item of a tree in place.

Manual callPackage definitions of by-name packages are removed, and packages
defined with callPackage on a path are moved into pkgs/by-name. Items that cannot
be fixed automatically are listed for manual migration.`,
		Args: cobra.ExactArgs(1),
		RunE: mc.run,
	}

	cmd.Flags().BoolVar(&mc.dryRun, "dry-run", false, "Show what would change without writing")
	cmd.Flags().BoolVar(&mc.diff, "diff", false, "Print a line diff of every changed file")
	cmd.Flags().StringVar(&mc.format, "format", string(report.FormatText), "Output format: text, json, yaml")

	return cmd
}

func (mc *MigrateCommand) run(cmd *cobra.Command, args []string) (err error) {
	root, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("resolve tree: %w", err)
	}

	sess, err := openSession(mc.global, observability.ModeMigrate, root, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	defer func() {
		err = errors.Join(err, sess.close())
	}()

	format, err := report.ParseFormat(mc.format)
	if err != nil {
		return err
	}

	opts := rewrite.ApplyOptions{DryRun: sess.cfg.Migrate.DryRun, Diff: sess.cfg.Migrate.ShowDiff}
	if cmd.Flags().Changed("dry-run") {
		opts.DryRun = mc.dryRun
	}

	if cmd.Flags().Changed("diff") {
		opts.Diff = mc.diff
	}

	ctx, span := sess.providers.Tracer.Start(cmd.Context(), "nixvet.migrate",
		trace.WithAttributes(attribute.String("migrate.root", root), attribute.Bool("migrate.dry_run", opts.DryRun)))
	defer span.End()

	start := time.Now()

	fail := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		sess.metrics.RecordRun(ctx, string(observability.ModeMigrate), observability.StatusError, time.Since(start))

		return err
	}

	// Fixes re-locate bindings in the files the scan already parsed.
	store := nixfile.NewStore(nil)

	n, err := sess.scanner(store, sess.cfg.Check.Workers).Scan(ctx, root)
	if err != nil {
		return fail(err)
	}

	sess.metrics.RecordPackages(ctx, n.Len())

	plan := rewrite.NewPlan(root, store, sess.logger())

	if err := n.Migrate(ctx, plan); err != nil {
		return fail(fmt.Errorf("plan migration: %w", err))
	}

	result, err := plan.Apply(ctx, opts)
	if err != nil {
		return fail(fmt.Errorf("apply migration: %w", err))
	}

	edits := 0
	for _, change := range result.FileChanges {
		edits += change.EditCount
	}

	sess.metrics.RecordMigration(ctx, edits, len(result.Moves), len(result.Manual))
	span.SetAttributes(
		attribute.Int("migrate.edits", edits),
		attribute.Int("migrate.moves", len(result.Moves)),
		attribute.Int("migrate.manual", len(result.Manual)))

	if err := report.NewPrinter(cmd.OutOrStdout(), format, sess.noColor).Migration(result); err != nil {
		return fail(err)
	}

	sess.metrics.RecordRun(ctx, string(observability.ModeMigrate), observability.StatusOK, time.Since(start))

	return nil
}
