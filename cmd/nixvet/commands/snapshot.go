package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/nixvet/pkg/observability"
	"github.com/Sumatoshi-tech/nixvet/pkg/snapshot"
)

// SnapshotCommand holds the flags of the snapshot command.
type SnapshotCommand struct {
	global *GlobalOptions
	format string
	output string
}

// NewSnapshotCommand creates the snapshot command.
func NewSnapshotCommand(global *GlobalOptions) *cobra.Command {
	sc := &SnapshotCommand{global: global}

	cmd := &cobra.Command{
		Use:   "snapshot [flags] TREE",
		Short: "Store the ratchet state of a tree",
		Long: `Scan a tree and write its ratchet state.

The result can be passed to check as --base instead of a second checkout.`,
		Args: cobra.ExactArgs(1),
		RunE: sc.run,
	}

	cmd.Flags().StringVar(&sc.format, "format", string(snapshot.FormatJSON), "Output format for stdout: json, yaml")
	cmd.Flags().StringVarP(&sc.output, "output", "o", "", "Write to FILE, format taken from its extension")

	return cmd
}

func (sc *SnapshotCommand) run(cmd *cobra.Command, args []string) (err error) {
	sess, err := openSession(sc.global, observability.ModeSnapshot, args[0], cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	defer func() {
		err = errors.Join(err, sess.close())
	}()

	ctx, span := sess.providers.Tracer.Start(cmd.Context(), "nixvet.snapshot")
	defer span.End()

	start := time.Now()

	n, err := sess.scanner(nil, sess.cfg.Check.Workers).Scan(ctx, args[0])
	if err != nil {
		sess.metrics.RecordRun(ctx, string(observability.ModeSnapshot), observability.StatusError, time.Since(start))

		return err
	}

	sess.metrics.RecordPackages(ctx, n.Len())

	if sc.output != "" {
		err = snapshot.WriteFile(sc.output, n)
	} else {
		var format snapshot.Format

		format, err = snapshot.ParseFormat(sc.format)
		if err == nil {
			err = snapshot.Encode(cmd.OutOrStdout(), format, n)
		}
	}

	if err != nil {
		sess.metrics.RecordRun(ctx, string(observability.ModeSnapshot), observability.StatusError, time.Since(start))

		return fmt.Errorf("write snapshot: %w", err)
	}

	sess.metrics.RecordRun(ctx, string(observability.ModeSnapshot), observability.StatusOK, time.Since(start))
	sess.logger().InfoContext(ctx, "snapshot written", "packages", n.Len(), "output", sc.output)

	return nil
}
