package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/music-graph-crawler/internal/crawler"
)

type crawlFlags struct {
	seedName string
	seedID   string
	budget   string
}

// newCrawlCmd runs one crawl in the foreground and prints its result as JSON.
func newCrawlCmd() *cobra.Command {
	var flags crawlFlags
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Run one crawl from a seed artist",
		Long: `Explores artists breadth-first from the seed until the frontier is empty or
the store reaches the byte budget. Interrupting the command stops after the
current artist and keeps the frontier for the next run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd, flags)
		},
	}
	cmd.Flags().StringVar(&flags.seedName, "seed-name", "", "seed artist name, resolved by search")
	cmd.Flags().StringVar(&flags.seedID, "seed-id", "", "seed artist MusicBrainz id")
	cmd.Flags().StringVar(&flags.budget, "budget", "", `store size budget such as "50MiB" (default from config)`)
	cmd.MarkFlagsOneRequired("seed-name", "seed-id")
	cmd.MarkFlagsMutuallyExclusive("seed-name", "seed-id")
	return cmd
}

func runCrawl(cmd *cobra.Command, flags crawlFlags) error {
	app, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	req := crawler.CrawlRequest{SeedName: flags.seedName, SeedCanonicalID: flags.seedID}
	if flags.budget != "" {
		n, err := humanize.ParseBytes(flags.budget)
		if err != nil || n == 0 {
			return fmt.Errorf("invalid --budget %q", flags.budget)
		}
		req.BudgetBytes = int64(n)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := app.Crawl(ctx, req)
	if err != nil && res.RunID == "" {
		return err
	}
	app.Logger().Info("crawl command finished",
		zap.String("run_id", res.RunID),
		zap.String("status", string(res.Status)),
		zap.String("store_size", humanize.IBytes(uint64(max(res.FinalStoreSizeBytes, 0)))),
	)
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(res); encErr != nil {
		return errors.Join(err, fmt.Errorf("write result: %w", encErr))
	}
	return err
}
