package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"KeyRateScanner/internal/app"
	"KeyRateScanner/internal/config"
	"KeyRateScanner/internal/infrastructure/parser"
	"KeyRateScanner/internal/logging"
)

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "keyratescanner",
		Short:         "Collect news about Bank of Russia key-rate decisions",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("load .env: %w", err)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (default $KEYRATE_SCANNER_CONFIG)")

	root.AddCommand(newCollectCmd(&configPath), newSourcesCmd(&configPath))
	return root
}

func newCollectCmd(configPath *string) *cobra.Command {
	var opts app.RunOptions

	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Discover, fetch and filter articles around every event",
		Long: `collect reads the events table, runs every enabled source for each
event window and writes the relevant, deduplicated records to the output file.
With --schedule it keeps running and collects on every cron tick.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if err := app.Preflight(cfg, opts); err != nil {
				return err
			}
			logger := logging.New(cfg.Logging.Level)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			application, err := app.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := application.Close(); cerr != nil {
					logger.Warn("shutdown", "error", cerr)
				}
			}()

			err = application.Run(ctx, opts)
			if errors.Is(err, context.Canceled) {
				logger.Warn("collection interrupted, partial output flushed")
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&opts.EventsPath, "events", "", "events table (.csv or .xlsx)")
	cmd.Flags().StringVar(&opts.OutputPath, "out", "", "output file (.csv or .jsonl), overrides output.path")
	cmd.Flags().StringVar(&opts.Schedule, "schedule", "", "cron expression to collect repeatedly; bare --schedule uses scheduler.cron")
	cmd.Flags().Lookup("schedule").NoOptDefVal = app.ScheduleFromConfig
	_ = cmd.MarkFlagRequired("events")
	return cmd
}

func newSourcesCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List configured sources and available scanner kinds",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, src := range cfg.Sources {
				state := "disabled"
				if src.Enabled {
					state = "enabled"
				}
				fmt.Fprintf(out, "%-12s %-14s %-6s %s\n", src.Name, src.Scanner, src.SourceType, state)
			}
			fmt.Fprintf(out, "\nscanners: %v\n", parser.NewRegistry(nil, logging.Discard()).Names())
			return nil
		},
	}
}
