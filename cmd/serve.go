package cmd

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/threadline/internal/api"
	"github.com/threadline/internal/config"
	"github.com/threadline/internal/dispatch"
	"github.com/threadline/internal/humanloop"
	"github.com/threadline/internal/jobqueue"
	"github.com/threadline/internal/logging"
	"github.com/threadline/internal/resolver"
	"github.com/threadline/internal/tracker"
)

// ServeCommand returns the CLI command for starting the webhook server
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the Threadline webhook server",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port for the webhook server (overrides config)",
			},
		},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if c.IsSet("port") {
		cfg.Server.Port = c.Int("port")
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log := logging.Setup(cfg.Log.Level, cfg.Log.Pretty)

	ctx := context.Background()

	model, err := resolver.NewModel(ctx, resolver.ProviderOptions{
		Provider:  resolver.Provider(cfg.AI.Provider),
		APIKey:    cfg.AI.APIKey,
		Model:     cfg.AI.Model,
		BaseURL:   cfg.AI.BaseURL,
		MaxTokens: cfg.AI.MaxTokens,
	})
	if err != nil {
		return fmt.Errorf("failed to create LLM client: %w", err)
	}

	loop := dispatch.New(
		resolver.NewLLMResolver(model, resolver.WithLogger(log)),
		tracker.NewClient(cfg.Tracker.URL, cfg.Tracker.APIKey),
		humanloop.NewClient(cfg.HumanLoop.URL, cfg.HumanLoop.APIKey),
		dispatch.WithMaxQuerySteps(cfg.Dispatch.MaxQuerySteps),
		dispatch.WithLogger(log),
	)

	var scheduler api.Scheduler
	if cfg.Queue.DatabaseURL != "" {
		queue, err := jobqueue.NewJobQueue(cfg.Queue.DatabaseURL, loop, log)
		if err != nil {
			return fmt.Errorf("failed to create job queue: %w", err)
		}
		if err := queue.Start(ctx); err != nil {
			return fmt.Errorf("failed to start job queue: %w", err)
		}
		defer queue.Stop(ctx)
		scheduler = queue
		log.Info().Msg("using Postgres-backed job queue")
	} else {
		scheduler = jobqueue.NewAsyncRunner(loop, log)
		log.Info().Msg("no queue database configured, using in-process workers")
	}

	log.Info().Int("port", cfg.Server.Port).Msg("starting webhook server")
	server := api.NewServer(cfg.Server.Port, scheduler, cfg.Server.SentinelSender, log)
	return server.Start()
}
