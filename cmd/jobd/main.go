package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"jobrunner/internal/app"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "jobd",
		Short:         "Runs scheduled maintenance jobs with timeouts and auto-disable.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config (json or yaml)")
	root.AddCommand(newRunCmd(&cfgPath), newCheckCmd(&cfgPath))
	return root
}

func newRunCmd(cfgPath *string) *cobra.Command {
	var (
		statusEvery time.Duration
		stopTimeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the engine and run until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			var opts []app.Option
			if statusEvery > 0 {
				opts = append(opts, app.WithStatusReport(cmd.OutOrStdout(), statusEvery))
			}
			a, err := app.New(*cfgPath, opts...)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				return fmt.Errorf("start: %w", err)
			}

			select {
			case <-ctx.Done():
			case <-a.Done():
			}

			stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
			defer stopCancel()
			if err := a.Stop(stopCtx); err != nil {
				return err
			}
			return a.Err()
		},
	}
	cmd.Flags().DurationVar(&statusEvery, "status-every", 0, "print the job status table at this interval (0 disables)")
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 30*time.Second, "upper bound for graceful shutdown")
	return cmd
}

func newCheckCmd(cfgPath *string) *cobra.Command {
	var next int
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the config and preview upcoming runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.Check(*cfgPath, cmd.OutOrStdout(), time.Now(), next)
		},
	}
	cmd.Flags().IntVarP(&next, "next", "n", 3, "number of upcoming runs to show per job")
	return cmd
}
