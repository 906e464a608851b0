package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sumatoshi-tech/nixvet/pkg/observability"
	"github.com/Sumatoshi-tech/nixvet/pkg/ratchet"
	"github.com/Sumatoshi-tech/nixvet/pkg/report"
)

// CheckCommand holds the flags of the check command.
type CheckCommand struct {
	global  *GlobalOptions
	base    string
	format  string
	workers int
}

// NewCheckCommand creates the check command.
func NewCheckCommand(global *GlobalOptions) *cobra.Command {
	cc := &CheckCommand{global: global}

	cmd := &cobra.Command{
		Use:   "check [flags] TREE|SNAPSHOT",
		Short: "Check that a tree does not regress the by-name conventions",
		Long: `Compare the ratchet state of a tree against a base.

Both sides may be a Nixpkgs source tree or a stored snapshot file (.json, .yaml).
Without --base every loose item is reported as newly introduced.
The command exits with status 1 when any problem is found.`,
		Args: cobra.ExactArgs(1),
		RunE: cc.run,
	}

	cmd.Flags().StringVar(&cc.base, "base", "", "Base tree or snapshot to compare against")
	cmd.Flags().StringVar(&cc.format, "format", "", "Output format: text, json, yaml (default from config)")
	cmd.Flags().IntVar(&cc.workers, "workers", 0, "Number of parallel workers (0 = use CPU count)")

	return cmd
}

func (cc *CheckCommand) run(cmd *cobra.Command, args []string) (err error) {
	target := args[0]

	sess, err := openSession(cc.global, observability.ModeCheck, target, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	defer func() {
		err = errors.Join(err, sess.close())
	}()

	formatName := sess.cfg.Check.Format
	if cmd.Flags().Changed("format") {
		formatName = cc.format
	}

	format, err := report.ParseFormat(formatName)
	if err != nil {
		return err
	}

	workers := sess.cfg.Check.Workers
	if cmd.Flags().Changed("workers") {
		workers = cc.workers
	}

	ctx, span := sess.providers.Tracer.Start(cmd.Context(), "nixvet.check",
		trace.WithAttributes(attribute.String("check.target", target), attribute.String("check.base", cc.base)))
	defer span.End()

	start := time.Now()
	scanner := sess.scanner(nil, workers)

	to, err := loadSnapshot(ctx, scanner, target)
	if err != nil {
		return cc.fail(cmd, sess, span, start, fmt.Errorf("load %s: %w", target, err))
	}

	var from *ratchet.Nixpkgs

	if cc.base != "" {
		from, err = loadSnapshot(ctx, scanner, cc.base)
		if err != nil {
			return cc.fail(cmd, sess, span, start, fmt.Errorf("load base %s: %w", cc.base, err))
		}
	}

	sess.metrics.RecordPackages(ctx, to.Len())

	verdict, err := ratchet.CompareConcurrent(ctx, from, to, workers)
	if err != nil {
		return cc.fail(cmd, sess, span, start, err)
	}

	printErr := report.NewPrinter(cmd.OutOrStdout(), format, sess.noColor).Problems(verdict)
	if printErr != nil {
		return cc.fail(cmd, sess, span, start, printErr)
	}

	for _, p := range verdict.Problems() {
		sess.metrics.RecordProblem(ctx, string(p.Kind()))
	}

	span.SetAttributes(attribute.Int("check.problems", len(verdict.Problems())))

	if !verdict.OK() {
		sess.metrics.RecordRun(ctx, string(observability.ModeCheck), observability.StatusFailed, time.Since(start))

		return ErrProblemsFound
	}

	sess.metrics.RecordRun(ctx, string(observability.ModeCheck), observability.StatusOK, time.Since(start))
	sess.logger().InfoContext(ctx, "check passed", "packages", to.Len(), "base", cc.base != "")

	return nil
}

func (cc *CheckCommand) fail(cmd *cobra.Command, sess *session, span trace.Span, start time.Time, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	sess.metrics.RecordRun(cmd.Context(), string(observability.ModeCheck), observability.StatusError, time.Since(start))

	return err
}
