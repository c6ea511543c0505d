package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"example.com/backstage/cqrs/messaging"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background worker",
	Long:  `Start the background worker that consumes commands from Azure Service Bus, rebuilds projections and retries dead-lettered commands`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	log.Info().Msg("Starting worker")

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	c, err := bootstrap(cfg)
	if err != nil {
		return err
	}
	defer c.close()

	if cfg.Engine.RebuildOnStart {
		for _, name := range c.engine.Projections().Names() {
			if err := c.engine.RebuildProjection(ctx, name); err != nil {
				return errors.Wrapf(err, "failed to rebuild projection %s", name)
			}
			position, _ := c.engine.Projections().Position(name)
			log.Info().Str("projection", name).Int("position", position).Msg("Projection rebuilt")
		}
	}

	if cfg.Elastic.Enabled {
		if err := attachIndexer(ctx, c); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize Elasticsearch, continuing without search indexing")
		}
	}

	if err := c.engine.Start(ctx); err != nil {
		return errors.Wrap(err, "failed to start engine")
	}
	defer func() {
		if err := c.engine.Stop(); err != nil {
			log.Error().Err(err).Msg("Failed to stop engine")
		}
	}()

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Azure.Enabled {
		azureClient, err := messaging.NewAzureClient(cfg.Azure.QueueConnStr)
		if err != nil {
			return errors.Wrap(err, "failed to initialize Azure Service Bus")
		}
		defer azureClient.Close(context.Background())

		detach, err := attachForwarder(c, azureClient)
		if err != nil {
			return err
		}
		defer detach()

		processor := messaging.NewProcessor(c.engine)
		g.Go(func() error {
			log.Info().Str("queue", cfg.Azure.CommandsQueue).Msg("Starting command queue consumer")
			return azureClient.StartConsumers(ctx, cfg.Azure.CommandsQueue, processor)
		})
	} else {
		log.Warn().Msg("Azure Service Bus disabled, worker only retries dead letters")
	}

	g.Go(func() error {
		return retryDeadLetters(ctx, c.engine, cfg.Engine.DLQRetryInterval)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker exited properly")
	return nil
}
