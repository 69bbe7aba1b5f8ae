package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/OFFIS-RIT/kiwi/extractor/internal/db"
	"github.com/OFFIS-RIT/kiwi/extractor/internal/queue"
	mid "github.com/OFFIS-RIT/kiwi/extractor/internal/server/middleware"
	"github.com/OFFIS-RIT/kiwi/extractor/internal/storage"
	"github.com/OFFIS-RIT/kiwi/extractor/internal/util"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/events"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/jobs"
	jobspgx "github.com/OFFIS-RIT/kiwi/extractor/pkg/jobs/pgx"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/progress"
	schemapgx "github.com/OFFIS-RIT/kiwi/extractor/pkg/schema/pgx"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/go-playground/validator"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

type CustomValidator struct {
	validator *validator.Validate
}

func (cv *CustomValidator) Validate(i any) error {
	if err := cv.validator.Struct(i); err != nil {
		return err
	}
	return nil
}

// NewEcho returns an echo instance with validation, the app context and all
// routes registered.
func NewEcho(app *mid.App) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Validator = &CustomValidator{validator: validator.New()}

	e.Use(mid.AppContextMiddleware(app))
	e.Use(middleware.CORS())
	e.Use(middleware.RequestLogger())
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("1M"))

	RegisterRoutes(e)
	return e
}

func Init() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var key keyfunc.Keyfunc
	if authURL := util.GetEnv("AUTH_URL"); authURL != "" {
		k, err := keyfunc.NewDefault([]string{authURL + "/jwks"})
		if err != nil {
			logger.Fatal("Failed to load jwks keys", "err", err)
		}
		key = k
	} else {
		logger.Warn("[API] AUTH_URL not set, only the master API key is accepted")
	}

	databaseURL := util.GetEnv("DATABASE_URL")
	if !util.GetEnvBool("MIGRATIONS_DISABLED", false) {
		if err := db.Migrate(databaseURL); err != nil {
			logger.Fatal("Failed to run migrations", "err", err)
		}
	}

	conn, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		logger.Fatal("Failed to connect to database", "err", err)
	}
	defer conn.Close()

	que := queue.Init()
	defer que.Close()
	ch, err := que.Channel()
	if err != nil {
		logger.Fatal("Failed to open channel", "err", err)
	}
	if err := queue.SetupQueues(ch, []string{queue.ExtractionQueue}); err != nil {
		logger.Fatal("Failed to setup queues", "err", err)
	}

	rdb := storage.NewRedisClient(ctx)
	defer rdb.Close()

	svc := jobs.NewService(jobs.NewServiceParams{
		Repo:       jobspgx.NewRepository(conn),
		Catalog:    schemapgx.NewCatalog(conn),
		Tracker:    progress.NewRedisTracker(rdb, util.GetEnvDuration("PROGRESS_RETENTION", progress.DefaultRetention)),
		Publisher:  queue.NewPublisher(ch),
		Emitter:    events.Multi{events.LogEmitter{}, queue.NewEventPublisher(ch)},
		StaleAfter: util.GetEnvDuration("STALE_BATCH_AFTER", jobs.DefaultStaleAfter),
	})

	masterAPIKey := util.GetEnv("MASTER_API_KEY")
	masterUserID, _ := strconv.ParseInt(util.GetEnv("MASTER_USER_ID"), 10, 64)
	masterUserRole := util.GetEnv("MASTER_USER_ROLE")

	e := NewEcho(&mid.App{
		Jobs:           svc,
		Key:            key,
		MasterAPIKey:   masterAPIKey,
		MasterUserID:   masterUserID,
		MasterUserRole: masterUserRole,
	})

	go func() {
		port := util.GetEnvString("PORT", "8080")
		logger.Info("Starting server", "port", port)
		if err := e.Start(":" + port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed shutting down server", "err", err)
		}
	}()

	<-ctx.Done()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Error("Failed to shutdown server", "err", err)
	}
}
