package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"InboxDigest/internal/app"
	"InboxDigest/internal/config"
	"InboxDigest/internal/domain"
	"InboxDigest/internal/logging"
	"InboxDigest/internal/usecase"
)

type rootOptions struct {
	configPath string
	debug      bool

	cfg    config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "inboxdigest",
		Short:         "Collect inbox messages, classify them and publish a digest",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			level := cfg.Logging.Level
			if opts.debug {
				level = "debug"
			}
			opts.cfg = cfg
			opts.logger = logging.NewWithWriter(cmd.ErrOrStderr(), level, cfg.Logging.Format)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default $INBOX_DIGEST_CONFIG)")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug logging")

	cmd.AddCommand(newRunCmd(opts), newStatusCmd(opts))
	return cmd
}

func newRunCmd(root *rootOptions) *cobra.Command {
	var once, deliver bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline on the configured schedule, or once with --once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, root.cfg, root.logger, app.Options{Deliver: deliver})
			if err != nil {
				root.logger.Error("startup failed", "error", err)
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					root.logger.Warn("close", "error", err)
				}
			}()

			if !once {
				return a.RunScheduled(ctx)
			}

			state, err := a.RunOnce(ctx)
			if errors.Is(err, usecase.ErrRunInProgress) {
				return nil
			}
			if err != nil {
				return err
			}
			printRun(cmd.OutOrStdout(), state)
			return nil
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run a single pass and exit")
	cmd.Flags().BoolVar(&deliver, "deliver", false, "deliver the digest when delivery.enabled is set")
	return cmd
}

func newStatusCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print item counts, the last digest and the next scheduled run",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			a, err := app.New(ctx, root.cfg, root.logger, app.Options{})
			if err != nil {
				root.logger.Error("startup failed", "error", err)
				return err
			}
			defer func() { _ = a.Close() }()

			status, err := a.Status(ctx)
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), status)
			return nil
		},
	}
}

func printRun(w io.Writer, state *usecase.RunState) {
	fmt.Fprintf(w, "run %s\n", state.ID)
	for _, r := range state.Results {
		line := fmt.Sprintf("  %-8s %-9s %s", r.Stage, r.Status, r.Duration.Round(time.Millisecond))
		if r.Reason != "" {
			line += "  " + r.Reason
		}
		fmt.Fprintln(w, line)
	}
	if state.Digest.ReportPath != "" {
		fmt.Fprintf(w, "report: %s\n", state.Digest.ReportPath)
	}
}

func printStatus(w io.Writer, status app.Status) {
	statuses := make([]string, 0, len(status.Stats.ItemsByStatus))
	for s := range status.Stats.ItemsByStatus {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)

	fmt.Fprintln(w, "items:")
	for _, s := range statuses {
		fmt.Fprintf(w, "  %-10s %d\n", s, status.Stats.ItemsByStatus[domain.ItemStatus(s)])
	}
	fmt.Fprintf(w, "digests: %d\n", status.Stats.Digests)
	if d := status.Stats.LastDigest; d != nil {
		fmt.Fprintf(w, "last digest: #%d at %s, %d items, %d urgent, %s\n",
			d.ID, d.SentAt.Format(time.RFC3339), d.ItemCount, d.UrgentCount, d.Status)
	}
	if !status.NextRun.IsZero() {
		fmt.Fprintf(w, "next run: %s\n", status.NextRun.Format(time.RFC3339))
	}
}
