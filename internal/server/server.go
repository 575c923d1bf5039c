package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/OFFIS-RIT/flowforge/backend/internal/compiler"
	"github.com/OFFIS-RIT/flowforge/backend/internal/queue"
	mid "github.com/OFFIS-RIT/flowforge/backend/internal/server/middleware"
	"github.com/OFFIS-RIT/flowforge/backend/internal/util"
	"github.com/OFFIS-RIT/flowforge/backend/pkg/logger"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/go-playground/validator"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rabbitmq/amqp091-go"
)

type CustomValidator struct {
	validator *validator.Validate
}

func (cv *CustomValidator) Validate(i any) error {
	return cv.validator.Struct(i)
}

// New returns an echo instance serving app.
func New(app *mid.App) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Validator = &CustomValidator{validator: validator.New()}

	e.Use(mid.AppContextMiddleware(app))
	e.Use(middleware.CORS())
	e.Use(middleware.RequestLogger())
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("10M"))

	RegisterRoutes(e)
	return e
}

func Init() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		opts  []compiler.Option
		subCh *amqp091.Channel
	)
	if util.GetEnv("RABBITMQ_HOST") != "" {
		conn, err := queue.Init(ctx)
		if err != nil {
			logger.Fatal("Failed to connect to RabbitMQ", "err", err)
		}
		defer conn.Close()
		ch, err := conn.Channel()
		if err != nil {
			logger.Fatal("Failed to open channel", "err", err)
		}
		defer ch.Close()
		if err := queue.SetupQueues(ch, []string{queue.CompileQueue}); err != nil {
			logger.Fatal("Failed to set up queues", "err", err)
		}
		pub := queue.NewSafePublisher(ch)
		opts = append(opts,
			compiler.WithDispatcher(queue.NewDispatcher(pub)),
			compiler.WithPublisher(queue.NewEventPublisher(pub)),
		)

		if subCh, err = conn.Channel(); err != nil {
			logger.Fatal("Failed to open event channel", "err", err)
		}
		defer subCh.Close()
	}

	svc, cleanup, err := compiler.FromEnv(ctx, opts...)
	if err != nil {
		logger.Fatal("Failed to set up compiler", "err", err)
	}
	defer cleanup()

	if subCh != nil {
		if err := queue.SubscribeEvents(ctx, subCh, svc.HandleEvent); err != nil {
			logger.Fatal("Failed to subscribe to workflow events", "err", err)
		}
	}

	app := &mid.App{
		Compiler:       svc,
		MasterAPIKey:   util.GetEnv("MASTER_API_KEY"),
		MasterUserRole: util.GetEnv("MASTER_USER_ROLE"),
	}
	if authURL := util.GetEnv("AUTH_URL"); authURL != "" {
		k, err := keyfunc.NewDefaultCtx(ctx, []string{authURL + "/jwks"})
		if err != nil {
			logger.Fatal("Failed to load jwks keys", "err", err)
		}
		app.Keyfunc = k.Keyfunc
	}
	if !app.AuthEnabled() {
		logger.Warn("AUTH_URL and MASTER_API_KEY are unset, the API is open")
	}

	e := New(app)

	go func() {
		port := util.GetEnvString("PORT", "8080")
		logger.Info("Starting server", "port", port)
		if err := e.Start(":" + port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed shutting down server", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shutdown server", "err", err)
	}
}
