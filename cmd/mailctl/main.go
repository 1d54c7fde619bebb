// Command mailctl runs one-off operator tasks against the mail queue.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/unclebandit/campaign-mailer/internal/app"
	"github.com/unclebandit/campaign-mailer/internal/config"
	"github.com/unclebandit/campaign-mailer/internal/observability"
)

var (
	debug     bool
	seedFiles []string
)

var rootCmd = &cobra.Command{
	Use:   "mailctl",
	Short: "Operate the campaign mailer queue",
	Long: `mailctl runs maintenance tasks against the same storage the server and
worker use. Configuration comes from .env, MAILER_CONFIG_FILE and the
environment, exactly as for the long-running processes.

Example:
  mailctl migrate --seed seed/lists.sql
  mailctl process
  mailctl queue-stats`,
	SilenceUsage: true,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema and optional seed files",
	RunE: withApp(func(ctx context.Context, a *app.App, cmd *cobra.Command) error {
		if err := a.Migrate(ctx); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "schema applied")

		for _, file := range seedFiles {
			content, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", file, err)
			}
			if _, err := a.DB.ExecContext(ctx, string(content)); err != nil {
				return fmt.Errorf("failed to execute %s: %w", file, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded: %s\n", file)
		}
		return nil
	}),
}

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Run one processor pass now",
	RunE: withApp(func(ctx context.Context, a *app.App, cmd *cobra.Command) error {
		res, err := a.Processor.Run(ctx)
		if err != nil {
			return err
		}
		return printJSON(cmd, res)
	}),
}

var retryFailedCmd = &cobra.Command{
	Use:   "retry-failed",
	Short: "Requeue failed messages that still have attempts left",
	RunE: withApp(func(ctx context.Context, a *app.App, cmd *cobra.Command) error {
		n, err := a.QueueOps.RetryFailed(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d messages requeued\n", n)
		return nil
	}),
}

var cancelAllCmd = &cobra.Command{
	Use:   "cancel-all",
	Short: "Cancel every pending message",
	RunE: withApp(func(ctx context.Context, a *app.App, cmd *cobra.Command) error {
		n, err := a.QueueOps.CancelAll(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d messages cancelled\n", n)
		return nil
	}),
}

var purgeLogsCmd = &cobra.Command{
	Use:   "purge-logs",
	Short: "Clear delivery log content older than the retention window",
	RunE: withApp(func(ctx context.Context, a *app.App, cmd *cobra.Command) error {
		n, err := a.QueueOps.PurgeLogs(ctx, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d log entries purged\n", n)
		return nil
	}),
}

var queueStatsCmd = &cobra.Command{
	Use:   "queue-stats",
	Short: "Print message counts by status and processor activity",
	RunE: withApp(func(ctx context.Context, a *app.App, cmd *cobra.Command) error {
		st, err := a.QueueOps.Stats(ctx)
		if err != nil {
			return err
		}
		return printJSON(cmd, st)
	}),
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	migrateCmd.Flags().StringSliceVar(&seedFiles, "seed", nil, "SQL files to execute after the schema")

	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(retryFailedCmd)
	rootCmd.AddCommand(cancelAllCmd)
	rootCmd.AddCommand(purgeLogsCmd)
	rootCmd.AddCommand(queueStatsCmd)
}

// withApp builds the application context for one command and closes it after.
// The broker is skipped: CLI commands never wait on nudges.
func withApp(run func(ctx context.Context, a *app.App, cmd *cobra.Command) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logger := observability.NewLogger(debug || cfg.Debug)
		defer logger.Sync()

		ctx := cmd.Context()
		a, err := app.New(ctx, cfg, logger, app.Options{SkipBroker: true})
		if err != nil {
			return err
		}
		defer a.Close()
		return run(ctx, a, cmd)
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
