package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/music-graph-crawler/internal/config"
	"github.com/JakeFAU/music-graph-crawler/internal/crawler"
	"github.com/JakeFAU/music-graph-crawler/internal/graph"
	"github.com/JakeFAU/music-graph-crawler/internal/server"
)

const closeTimeout = 15 * time.Second

// App is the surface commands use. Tests inject a fake through appFactory.
type App interface {
	Crawl(ctx context.Context, req crawler.CrawlRequest) (crawler.RunResult, error)
	Run(ctx context.Context) error
	Collaborators(ctx context.Context, personID int64) ([]graph.Collaboration, error)
	CollaboratorsByCanonicalID(ctx context.Context, canonicalID string) ([]graph.Collaboration, error)
	Logger() *zap.Logger
	Close(ctx context.Context) error
}

type appFactory func(ctx context.Context, cfgPath string) (App, error)

type appKeyType struct{}

func buildApp(ctx context.Context, cfgPath string) (App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	app, err := server.Build(ctx, &cfg)
	if err != nil {
		return nil, fmt.Errorf("build application: %w", err)
	}
	return app, nil
}

// execute builds the command tree, runs it, and closes the application the
// pre-run hook built, whether or not the subcommand succeeded.
func execute(ctx context.Context, newApp appFactory, args []string, stdout io.Writer) error {
	var built App
	root := newRootCmd(func(ctx context.Context, cfgPath string) (App, error) {
		appInstance, err := newApp(ctx, cfgPath)
		built = appInstance
		return appInstance, err
	})
	root.SetArgs(args)
	root.SetOut(stdout)
	runErr := root.ExecuteContext(ctx)
	if built == nil {
		return runErr
	}
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	if err := built.Close(closeCtx); err != nil {
		return errors.Join(runErr, fmt.Errorf("shutdown: %w", err))
	}
	return runErr
}

// newRootCmd creates the root command. The application is built after flag
// parsing and before the subcommand runs.
func newRootCmd(newApp appFactory) *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "musicgraph",
		Short: "Crawl MusicBrainz into a collaboration graph.",
		Long: `musicgraph discovers artists breadth-first from a seed artist, stores their
recordings and credited contributors, and answers "who worked with whom"
queries over the stored graph.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKeyType{}, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml or $HOME/.musicgraph/config.yaml)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newCollaboratorsCmd())
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKeyType{}).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}
