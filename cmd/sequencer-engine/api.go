package main

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/dukex/sequencer/pkg/correlator"
	"github.com/dukex/sequencer/pkg/engine"
	"github.com/dukex/sequencer/pkg/persistence"
	"github.com/dukex/sequencer/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	engine      *engine.Engine
	correlator  *correlator.Correlator
	validate    *validator.Validate

	app *fiber.App
}

func NewAPI(
	logger *slog.Logger,
	persistence persistence.Persistence,
	engine *engine.Engine,
	correlator *correlator.Correlator,
	validate *validator.Validate,
) *API {
	return &API{
		logger:      logger,
		persistence: persistence,
		engine:      engine,
		correlator:  correlator,
		validate:    validate,
	}
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(a.engine, a.correlator, a.persistence, a.validate)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, handlers.HealthCheck)

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Sequencer API")
	})

	e := app.Group("/executions")
	e.Get("/", handlers.ListExecutions)
	e.Post("/", handlers.StartExecution)
	e.Get("/:id", handlers.GetExecution)
	e.Post("/:id/responses", handlers.RespondToStep)

	app.Get("/definitions", handlers.GetDefinitions)
	app.Post("/reconcile", handlers.Reconcile)

	return app
}

// Start serves the API until Shutdown is called.
func (a *API) Start(port int) error {
	a.app = a.App()

	return a.app.Listen(":" + strconv.Itoa(port))
}

func (a *API) Shutdown(ctx context.Context) error {
	if a.app == nil {
		return nil
	}

	return a.app.ShutdownWithContext(ctx)
}
