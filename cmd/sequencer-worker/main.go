// Package main provides the sequencer task worker serving the built-in task handlers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/sequencer/pkg/cmd"
	"github.com/dukex/sequencer/pkg/config"
	"github.com/dukex/sequencer/pkg/log"
	"github.com/dukex/sequencer/pkg/worker"
	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"
)

const serviceName = "sequencer-worker"

func main() {
	cmd := &cli.Command{
		Name:                  serviceName,
		EnableShellCompletion: true,
		Usage:                 "Serve task handlers for sequencer step requests",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (kafka, gochannel)",
				Value:   "kafka",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma separated Kafka broker addresses",
				Value:   "localhost:9092",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.StringFlag{
				Name:    "routes",
				Usage:   "Path to the YAML routing table mapping handlers to topics",
				Value:   "./routes.yaml",
				Sources: cli.EnvVars("ROUTES_PATH"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = "worker-" + uuid.New().String()[:8]
			}

			logger := log.WithModule(serviceName).With("workerId", workerID)

			logger.InfoContext(ctx, "Initializing sequencer worker")

			routesConfig, err := config.LoadRoutesConfig(command.String("routes"))
			if err != nil {
				return err
			}

			eventBus, err := cmd.NewEventBus(command.String("event-bus"), command.String("kafka-brokers"), serviceName, logger)
			if err != nil {
				return err
			}

			defer func() {
				err := eventBus.Close()
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			w := worker.New(eventBus, routesConfig.ResponseTopic, logger)

			addresses, err := cmd.RegisterHandlers(w, routesConfig.Routes)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			err = w.Start(ctx)
			if err != nil {
				return fmt.Errorf("failed to start worker: %w", err)
			}

			logger.InfoContext(ctx, "Sequencer worker started", "addresses", addresses)

			<-ctx.Done()

			logger.Info("Shutting down sequencer worker")

			return nil
		},
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
