package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
)

var cfgFile string

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd().ExecuteContext(ctx)
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "trendpulse",
		Short:         "Discover, name and score trending topics from social media posts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")

	root.AddCommand(collectCmd())
	root.AddCommand(trendsCmd())
	root.AddCommand(historyCmd())
	root.AddCommand(summaryCmd())
	root.AddCommand(describeCmd())
	root.AddCommand(cleanupCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(runCmd())

	return root
}

func collectCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Fetch posts once and run the trend pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCollect(cmd.Context(), jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output the run result as JSON")
	return cmd
}

func trendsCmd() *cobra.Command {
	var opts trendsOpts

	cmd := &cobra.Command{
		Use:   "trends",
		Short: "List trends with their latest score",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrends(cmd.Context(), opts)
		},
	}

	cmd.Flags().BoolVar(&opts.json, "json", false, "output as JSON")
	cmd.Flags().StringVar(&opts.search, "search", "", "filter by title or description substring")
	cmd.Flags().StringVar(&opts.dateRange, "range", "", "created within: today, week, month or all")
	cmd.Flags().StringVar(&opts.sort, "sort", "score_desc", "score_desc, score_asc, newest or oldest")
	cmd.Flags().IntVar(&opts.page, "page", 1, "page number")
	return cmd
}

func historyCmd() *cobra.Command {
	var (
		limit      int
		jsonOutput bool
		live       bool
	)

	cmd := &cobra.Command{
		Use:   "history <trend-id>",
		Short: "Show a trend's score history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid trend id %q", args[0])
			}
			return runHistory(cmd.Context(), id, limit, live, jsonOutput)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "max points to show (default: from config)")
	cmd.Flags().BoolVar(&live, "live", false, "also compute the current score without storing it")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func summaryCmd() *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Summarize recent trend activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSummary(cmd.Context(), days)
		},
	}

	cmd.Flags().IntVar(&days, "days", 7, "window in days")
	return cmd
}

func describeCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "describe",
		Short: "Generate descriptions for trends that still have the placeholder",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDescribe(cmd.Context(), limit)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "max trends to describe (default: from config)")
	return cmd
}

func cleanupCmd() *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete old engagement snapshots and scores",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCleanup(cmd.Context(), days)
		},
	}

	cmd.Flags().IntVar(&days, "days", 0, "retention in days (default: from config)")
	return cmd
}

func serveCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "server port (default: from config)")
	return cmd
}

func runCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start daemon with scheduler and HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "server port (default: from config)")
	return cmd
}
