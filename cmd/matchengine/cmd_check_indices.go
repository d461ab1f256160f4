package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/petrijr/matchengine"
	"github.com/petrijr/matchengine/internal/metrics"
	"github.com/petrijr/matchengine/pkg/api"
)

func newCheckIndicesCmd() *cobra.Command {
	var (
		skipLedger bool
		timeout    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "check-indices",
		Short: "Create every configured index that is missing",
		Long: `Runs the index audit through the worker pool: every configured
collection is listed, and one index creation task is queued for each
missing index. Starting the pool creates the unique clinical_id index on
the run history ledger unless --skip-ledger is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			e, err := setup(ctx)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := e.close(); cerr != nil && err == nil {
					err = cerr
				}
			}()

			stats := &api.BasicMetrics{}
			pool, err := matchengine.NewPool(matchengine.Options{
				Workers:              e.cfg.Engine.Workers,
				Store:                e.store,
				Indices:              e.cfg.Engine.Indices,
				TrialMatchCollection: e.cfg.Engine.TrialMatchCollection,
				ProgressEvery:        e.cfg.Engine.ProgressEvery,
				SkipRunHistoryIndex:  skipLedger,
				Logger:               e.logger,
				Observer: api.NewCompositeObserver(
					api.NewLoggingObserver(e.logger),
					metrics.NewObserver(e.reg),
					stats,
				),
			})
			if err != nil {
				return err
			}
			if err := pool.Start(ctx); err != nil {
				return err
			}

			if err := pool.Submit(ctx, matchengine.CheckIndicesTask{}); err != nil {
				pool.Stop()
				return err
			}
			if err := pool.Drain(ctx); err != nil {
				pool.Stop()
				return fmt.Errorf("index audit: %w", err)
			}
			if err := pool.Shutdown(ctx); err != nil {
				return err
			}

			snap := stats.Snapshot()
			e.logger.InfoContext(ctx, "index_audit_done",
				slog.Int64("tasks_succeeded", snap.TasksSucceeded),
				slog.Int64("retries", snap.TasksRetried),
				slog.Duration("avg_task_duration", snap.AvgTaskDuration),
			)
			return nil
		},
	}
	cmd.Flags().BoolVar(&skipLedger, "skip-ledger", false, "do not create the unique run history index")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "abort the audit after this long (0 disables)")
	return cmd
}

func newPingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the configured MongoDB deployments are reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			e, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer func() {
				if cerr := e.close(); cerr != nil && err == nil {
					err = cerr
				}
			}()

			if err := e.store.Ping(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}
