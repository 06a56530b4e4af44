// Package main provides the sequencer engine: it starts executions, correlates step responses
// and dispatches the next step requests.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dukex/sequencer/pkg/cmd"
	"github.com/dukex/sequencer/pkg/config"
	"github.com/dukex/sequencer/pkg/correlator"
	"github.com/dukex/sequencer/pkg/dispatcher"
	"github.com/dukex/sequencer/pkg/engine"
	"github.com/dukex/sequencer/pkg/eventbus"
	"github.com/dukex/sequencer/pkg/log"
	"github.com/dukex/sequencer/pkg/orchestration"
	"github.com/dukex/sequencer/pkg/otelhelper"
	"github.com/dukex/sequencer/pkg/reconciler"
	"github.com/dukex/sequencer/pkg/worker"
	"github.com/go-playground/validator/v10"
	cli "github.com/urfave/cli/v3"
)

const (
	serviceName    = "sequencer-engine"
	defaultPort    = 9091
	defaultRoutes  = "./routes.yaml"
	reconcileLimit = 100
)

func main() {
	cmd := &cli.Command{
		Name:                  serviceName,
		Usage:                 "Run linear step orchestrations over the event bus",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Execution store URL (memory://, file://, postgres://, redis://)",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
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
				Value:   defaultRoutes,
				Sources: cli.EnvVars("ROUTES_PATH"),
			},
			&cli.StringFlag{
				Name:    "definitions",
				Usage:   "Path to a YAML file of declarative definitions, in addition to the built-in ones",
				Sources: cli.EnvVars("DEFINITIONS_PATH"),
			},
			&cli.StringFlag{
				Name:    "response-topic",
				Usage:   "Topic step responses are sent to (overrides the routing table)",
				Sources: cli.EnvVars("RESPONSE_TOPIC"),
			},
			&cli.IntFlag{
				Name:    "api-port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on, 0 disables it",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:    "reconcile-schedule",
				Usage:   "Cron expression for re-sending requests of stuck executions, empty disables it",
				Value:   "@every 1m",
				Sources: cli.EnvVars("RECONCILE_SCHEDULE"),
			},
			&cli.DurationFlag{
				Name:    "stale-after",
				Usage:   "How long an execution waits for a response before its request is re-sent",
				Value:   5 * time.Minute,
				Sources: cli.EnvVars("STALE_AFTER"),
			},
			&cli.BoolFlag{
				Name:    "local-workers",
				Usage:   "Serve the built-in task handlers in this process",
				Sources: cli.EnvVars("LOCAL_WORKERS"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export OpenTelemetry traces over OTLP/HTTP",
				Sources: cli.EnvVars("TRACING_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: run,
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"))

	logger := log.WithModule(serviceName)

	logger.InfoContext(ctx, "Initializing sequencer engine")

	routesConfig, err := config.LoadRoutesConfig(command.String("routes"))
	if err != nil {
		return err
	}

	responseTopic := routesConfig.ResponseTopic
	if topic := command.String("response-topic"); topic != "" {
		responseTopic = topic
	}

	registry, err := cmd.NewRegistry(command.String("definitions"))
	if err != nil {
		return err
	}

	persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return err
	}

	defer func() {
		err := persistence.Close(ctx)
		if err != nil {
			logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}()

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

	options := []engine.Option{engine.WithNotifier(eventBus)}

	if command.Bool("tracing") {
		tracerProvider, err := otelhelper.NewTracerProvider(ctx, serviceName)
		if err != nil {
			return fmt.Errorf("failed to initialize tracer: %w", err)
		}

		defer func() {
			err := tracerProvider.Shutdown(context.Background())
			if err != nil {
				logger.Error("Failed to shutdown tracer provider", "error", err)
			}
		}()

		options = append(options, engine.WithTracer(tracerProvider.Tracer("sequencer")))
	}

	e, err := engine.New(
		registry,
		routesConfig.Routes,
		persistence.ExecutionRepository(),
		dispatcher.New(eventBus, routesConfig.Routes, responseTopic, logger),
		logger,
		options...,
	)
	if err != nil {
		return err
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	c := correlator.New(e, validate, logger)

	server := &Server{
		logger:        logger,
		eventBus:      eventBus,
		correlator:    c,
		responseTopic: responseTopic,
		apiPort:       command.Int("api-port"),
	}

	if schedule := command.String("reconcile-schedule"); schedule != "" {
		server.scheduler, err = reconciler.NewScheduler(e, reconciler.Config{
			Schedule:  schedule,
			OlderThan: command.Duration("stale-after"),
			Limit:     reconcileLimit,
		}, logger)
		if err != nil {
			return err
		}
	}

	if command.Bool("local-workers") {
		server.worker, err = newLocalWorker(eventBus, responseTopic, routesConfig.Routes, logger)
		if err != nil {
			return err
		}
	}

	if server.apiPort > 0 {
		server.api = NewAPI(logger, persistence, e, c, validate)
	}

	return server.Run(ctx)
}

func newLocalWorker(eventBus eventbus.EventBus, responseTopic string, routes orchestration.Routes, logger *slog.Logger) (*worker.Worker, error) {
	w := worker.New(eventBus, responseTopic, logger)

	_, err := cmd.RegisterHandlers(w, routes)
	if err != nil {
		return nil, err
	}

	return w, nil
}
