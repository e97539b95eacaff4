package httpapi

import (
	"context"
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/i474232898/weather-ingestion/internal/weather"
)

var validate = validator.New()

// Pipeline is the subset of weather.Service the API exposes.
type Pipeline interface {
	Start(ctx context.Context, mode weather.Mode) (string, error)
	LastRun(mode weather.Mode) (weather.RunSummary, bool)
	Health(ctx context.Context) error
}

// RegisterRoutes wires the HTTP handlers into the Fiber app.
// Runs triggered over HTTP inherit baseCtx, not the request context.
func RegisterRoutes(app *fiber.App, baseCtx context.Context, pipeline Pipeline) {
	app.Get("/health", func(c *fiber.Ctx) error {
		if err := pipeline.Health(c.UserContext()); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "degraded",
				"error":  err.Error(),
			})
		}
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": "weather-ingestion",
		})
	})

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	v1 := app.Group("/api/v1")

	v1.Get("/runs/latest", func(c *fiber.Ctx) error {
		q := modeQuery{Mode: c.Query("mode", string(weather.ModeForecast))}
		if err := validate.Struct(q); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		summary, ok := pipeline.LastRun(weather.Mode(q.Mode))
		if !ok {
			return fiber.NewError(fiber.StatusNotFound, "no completed run for requested mode")
		}
		return c.JSON(summary)
	})

	v1.Post("/runs", func(c *fiber.Ctx) error {
		var req modeQuery
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		runID, err := pipeline.Start(baseCtx, weather.Mode(req.Mode))
		if err != nil {
			if errors.Is(err, weather.ErrRunInProgress) {
				return fiber.NewError(fiber.StatusConflict, "a run of this mode is already in progress")
			}
			return fiber.NewError(fiber.StatusInternalServerError, "failed to start run")
		}

		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
			"runId": runID,
			"mode":  req.Mode,
		})
	})
}

// modeQuery selects an ingestion mode.
type modeQuery struct {
	Mode string `json:"mode" validate:"required,oneof=forecast historical"`
}
