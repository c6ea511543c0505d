package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"example.com/backstage/cqrs/api"
	"example.com/backstage/cqrs/messaging"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the API server",
	Long:  `Start the HTTP API for commands, queries, sagas, projections and the dead letter queue`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	log.Info().Msg("Starting server")

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	c, err := bootstrap(cfg)
	if err != nil {
		return err
	}
	defer c.close()

	if cfg.Elastic.Enabled {
		if err := attachIndexer(ctx, c); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize Elasticsearch, continuing without search indexing")
		}
	}

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
	server := api.NewServer(cfg.Server, c.engine, api.WithNewRelic(c.tracer))

	g.Go(func() error {
		return server.Start()
	})

	g.Go(func() error {
		return retryDeadLetters(ctx, c.engine, cfg.Engine.DLQRetryInterval)
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server error")
		return err
	}

	log.Info().Msg("Server exited properly")
	return nil
}
