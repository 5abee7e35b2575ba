// Package status serves the progress of a run over HTTP.
package status

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iota-xfel/iota/internal/aggregate"
	"github.com/iota-xfel/iota/internal/coordinator"
	"github.com/iota-xfel/iota/internal/notify"
)

// Run is the part of the coordinator the server needs.
type Run interface {
	Progress() notify.Progress
	Aggregate() *aggregate.Aggregate
	RequestAbort()
	ForceAbort() error
}

type Server struct {
	app *fiber.App
	run Run
}

func New(run Run) *Server {
	s := &Server{run: run}
	app := fiber.New(fiber.Config{
		ErrorHandler:          errorHandler,
		DisableStartupMessage: true,
	})
	app.Use(recover.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(&runCollector{run: run})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	api := app.Group("/api/v1")
	api.Get("/progress", s.progress)
	api.Get("/summary", s.summary)
	api.Get("/series", s.series)
	api.Get("/results", s.results)
	api.Post("/abort", s.abort)
	s.app = app
	return s
}

// App exposes the fiber app, mostly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves on addr until ctx is done.
func (s *Server) Listen(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "status server listening", "addr", addr)
		errCh <- s.app.Listen(addr)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		if err := s.app.ShutdownWithTimeout(5 * time.Second); err != nil {
			slog.WarnContext(ctx, "status server shutdown", "error", err)
		}
		return <-errCh
	}
}

func (s *Server) progress(c *fiber.Ctx) error {
	return c.JSON(s.run.Progress())
}

func (s *Server) summary(c *fiber.Ctx) error {
	return c.JSON(s.run.Aggregate().Summary())
}

func (s *Server) series(c *fiber.Ctx) error {
	return c.JSON(s.run.Aggregate().Series())
}

func (s *Server) results(c *fiber.Ctx) error {
	return c.JSON(s.run.Aggregate().Results())
}

// abort handles POST /api/v1/abort. With ?force=true an abort which was
// not confirmed yet is ended without confirmation.
func (s *Server) abort(c *fiber.Ctx) error {
	if c.QueryBool("force") {
		if err := s.run.ForceAbort(); err != nil {
			if errors.Is(err, coordinator.ErrNotAborting) {
				return fiber.NewError(fiber.StatusConflict, err.Error())
			}
			return err
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"abort": "forced"})
	}
	s.run.RequestAbort()
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"abort": "requested"})
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "internal server error"

	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
		message = e.Message
	}
	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    code,
			"message": message,
		},
	})
}
