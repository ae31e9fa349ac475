package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Arcneell/Inframate/internal/api"
	"github.com/Arcneell/Inframate/internal/metrics"
	"github.com/Arcneell/Inframate/internal/runner"
	"github.com/Arcneell/Inframate/internal/runner/tasks"
	"github.com/Arcneell/Inframate/internal/ticketnumber"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the scheduled email tasks",
	RunE:  runServe,
}

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Poll every inbound mailbox once and print the summary",
	RunE:  runPoll,
}

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Retry failed outbound emails once",
	RunE:  runRetry,
}

var testConfigCmd = &cobra.Command{
	Use:   "test-config <id>",
	Short: "Test the credentials of one email configuration",
	Args:  cobra.ExactArgs(1),
	RunE:  runTestConfig,
}

var checkDBCmd = &cobra.Command{
	Use:   "check-db",
	Short: "Check the database connection and the ticket number lock",
	RunE:  runCheckDB,
}

var nextNumberCmd = &cobra.Command{
	Use:   "next-number",
	Short: "Show the ticket number the next ticket would receive",
	Long: `next-number takes the day lock inside a transaction, computes the next
ticket number and rolls back, so nothing is assigned.`,
	RunE: runNextNumber,
}

var dateFlag string

func init() {
	nextNumberCmd.Flags().StringVar(&dateFlag, "date", "", "UTC day as YYYY-MM-DD (default today)")
	rootCmd.AddCommand(serveCmd, pollCmd, retryCmd, testConfigCmd, checkDBCmd, nextNumberCmd)
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
}

func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx, stop := signalContext(cmd)
	defer stop()
	a, err := newApp(ctx, cfg, appLog.Logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func runServe(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		if err := a.checkSequenceLock(ctx); err != nil {
			return err
		}
		registry, err := a.tasks()
		if err != nil {
			return err
		}
		gin.SetMode(cfg.Server.Mode)

		handler := api.NewRouter(api.RouterOptions{
			Email:       a.router(),
			Health:      api.NewHealth(a.db, a.leaser),
			Metrics:     metricsFor(a),
			MetricsPath: cfg.Metrics.Path,
			DB:          a.db,
			Logger:      a.logger,
		})
		server := api.NewServer(cfg.Server, handler, a.logger)
		scheduler := runner.NewRunner(registry, a.logger)

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return scheduler.Start(ctx) })
		g.Go(func() error { return server.Run(ctx) })
		return g.Wait()
	})
}

func runPoll(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		return pollOnce(ctx, a.checkSequenceLock, a.poller, cmd.OutOrStdout())
	})
}

// pollOnce polls every inbound mailbox and prints the summary. Polling can
// open tickets, so the sequence lock is proven first.
func pollOnce(ctx context.Context, checkLock func(context.Context) error, poller tasks.Poller, w io.Writer) error {
	if err := checkLock(ctx); err != nil {
		return err
	}
	sum, err := poller.PollAll(ctx)
	if perr := printJSON(w, sum); perr != nil {
		return perr
	}
	return err
}

func runRetry(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		registry, err := a.tasks()
		if err != nil {
			return err
		}
		return runner.NewRunner(registry, a.logger).RunOnce(ctx, tasks.RetryTaskName)
	})
}

func runTestConfig(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid configuration id %q", args[0])
	}
	return withApp(cmd, func(ctx context.Context, a *app) error {
		c, err := a.configs.Get(ctx, id)
		if err != nil {
			return err
		}
		res := a.tester.Test(ctx, c)
		if err := printJSON(cmd.OutOrStdout(), res); err != nil {
			return err
		}
		if !res.Success {
			return fmt.Errorf("configuration %d: %s", id, res.Message)
		}
		return nil
	})
}

func runCheckDB(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		if err := a.db.PingContext(ctx); err != nil {
			return fmt.Errorf("ping %s: %w", a.db.Dialect, err)
		}
		if err := a.checkSequenceLock(ctx); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "database %s reachable, ticket number lock %s usable\n", a.db.Dialect, a.lock.Name())
		return nil
	})
}

func runNextNumber(cmd *cobra.Command, args []string) error {
	day := time.Now().UTC()
	if dateFlag != "" {
		parsed, err := time.Parse(time.DateOnly, dateFlag)
		if err != nil {
			return fmt.Errorf("invalid --date %q: %w", dateFlag, err)
		}
		day = parsed
	}
	return withApp(cmd, func(ctx context.Context, a *app) error {
		number, err := peekNumber(ctx, a.db, a.numbers, day)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), number)
		return nil
	})
}

// peekNumber computes the next number for day in a transaction that is always
// rolled back.
func peekNumber(ctx context.Context, db ticketnumber.TxBeginner, gen *ticketnumber.Generator, day time.Time) (string, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()
	return gen.NextFor(ctx, tx, day)
}

// metricsFor returns the collectors to expose, or nil when metrics are off.
func metricsFor(a *app) *metrics.Metrics {
	if !cfg.Metrics.Enabled {
		return nil
	}
	return a.metrics
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
