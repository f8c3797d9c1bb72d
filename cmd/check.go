package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/source-validator/internal/config"
	"github.com/JakeFAU/source-validator/internal/logging"
	"github.com/JakeFAU/source-validator/internal/scheduler"
	"github.com/JakeFAU/source-validator/internal/server"
)

func newCheckCmd(cc *commandContext) *cobra.Command {
	var concurrency int
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run one validation pass over the configured sources",
		Long: `Loads every configured source, probes them with the configured worker
budget, marks unreachable sources invalid, and prints a summary. Ctrl-C
cancels the run; sources already checked keep their verdict.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := cc.ensureConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("concurrency") {
				cfg.Validator.Concurrency = concurrency
			}
			logger, err := logging.New(cfg.Logging)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runCheck(ctx, cfg, logger, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVarP(&concurrency, "concurrency", "n", 0, "Concurrent probes (defaults to validator.concurrency)")
	return cmd
}

// runCheck drives one run to completion, cancelling it when ctx ends.
func runCheck(ctx context.Context, cfg *config.Config, logger *zap.Logger, out io.Writer) (err error) {
	app, err := server.BuildWithLogger(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	defer func() {
		if closeErr := app.Close(context.WithoutCancel(ctx)); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	runs := app.Dispatcher()
	if _, err := runs.Start(ctx, cfg.Validator.Concurrency); err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	stopCancel := context.AfterFunc(ctx, func() {
		if _, err := runs.Cancel(); err != nil {
			logger.Warn("cancel run failed", zap.Error(err))
		}
	})
	defer stopCancel()

	summary, runErr := runs.Wait(context.WithoutCancel(ctx))
	if runErr != nil && !errors.Is(runErr, scheduler.ErrCancelled) {
		return fmt.Errorf("validation run: %w", runErr)
	}
	if _, err := fmt.Fprintln(out, renderSummary(summary)); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}

func renderSummary(sum scheduler.Summary) string {
	state := "completed"
	if sum.Cancelled {
		state = "cancelled"
	}
	overview := renderTable(
		[]string{"Run", "State", "Checked", "Invalid", "Restored", "Timed out", "Duration"},
		[][]string{{
			sum.RunID.String(),
			state,
			fmt.Sprintf("%d/%d", sum.Completed, sum.Total),
			strconv.Itoa(len(sum.Invalid)),
			strconv.Itoa(sum.Restored),
			strconv.Itoa(sum.TimedOut),
			sum.Duration().Round(time.Millisecond).String(),
		}},
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight},
	)
	if len(sum.Invalid) == 0 {
		return overview + "\nNo invalid sources."
	}
	rows := make([][]string, 0, len(sum.Invalid))
	for _, v := range sum.Invalid {
		rows = append(rows, []string{strconv.Itoa(v.Index), v.Name, v.URL, v.Kind.String(), v.Reason})
	}
	invalid := renderTable(
		[]string{"#", "Name", "URL", "Outcome", "Reason"},
		rows,
		[]columnAlignment{alignRight},
	)
	return overview + "\n" + invalid
}
