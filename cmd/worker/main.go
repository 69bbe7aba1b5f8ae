package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/OFFIS-RIT/kiwi/extractor/internal/db"
	"github.com/OFFIS-RIT/kiwi/extractor/internal/queue"
	"github.com/OFFIS-RIT/kiwi/extractor/internal/storage"
	"github.com/OFFIS-RIT/kiwi/extractor/internal/util"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/ai"
	oai "github.com/OFFIS-RIT/kiwi/extractor/pkg/ai/ollama"
	gai "github.com/OFFIS-RIT/kiwi/extractor/pkg/ai/openai"
	corpuspgx "github.com/OFFIS-RIT/kiwi/extractor/pkg/corpus/pgx"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/events"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/graph"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/jobs"
	jobspgx "github.com/OFFIS-RIT/kiwi/extractor/pkg/jobs/pgx"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/leaselock"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/logger/console"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/progress"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/ratelimit"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/schema"
	schemapgx "github.com/OFFIS-RIT/kiwi/extractor/pkg/schema/pgx"
	storepgx "github.com/OFFIS-RIT/kiwi/extractor/pkg/store/pgx"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	_ "github.com/lib/pq"
)

func newAIClient() ai.GraphAIClient {
	adapter := util.GetEnv("AI_ADAPTER")
	model := util.GetEnv("AI_CHAT_EXTRACT_MODEL")
	parallel := int64(util.GetEnvInt("AI_PARALLEL_REQ", 4))

	var client ai.GraphAIClient
	switch adapter {
	case "ollama":
		c, err := oai.NewGraphOllamaClient(oai.NewGraphOllamaClientParams{
			Model:                 model,
			BaseURL:               util.GetEnv("AI_CHAT_URL"),
			ApiKey:                util.GetEnv("AI_CHAT_KEY"),
			MaxConcurrentRequests: parallel,
		})
		if err != nil {
			logger.Fatal("Could not create Ollama client", "err", err)
		}
		client = c
	default:
		client = gai.NewGraphOpenAIClient(gai.NewGraphOpenAIClientParams{
			Model:                 model,
			ChatURL:               util.GetEnv("AI_CHAT_URL"),
			ChatKey:               util.GetEnv("AI_CHAT_KEY"),
			MaxConcurrentRequests: parallel,
		})
	}

	return ai.NewBreakerClient(client, ai.BreakerSettings{
		Name:    "extraction-" + adapter,
		Timeout: util.GetEnvDuration("AI_BREAKER_TIMEOUT", 30*time.Second),
	})
}

func serveMetrics(ctx context.Context, port string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: ":" + port, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Serving metrics", "port", port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Metrics server stopped", "err", err)
	}
}

func main() {
	util.LoadEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// logger
	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Level:  util.GetEnvString("LOG_LEVEL", "info"),
		Format: util.GetEnvString("LOG_FORMAT", "text"),
		Prefix: "worker",
	})
	logger.Init(consoleLogger)

	databaseURL := util.GetEnv("DATABASE_URL")
	if !util.GetEnvBool("MIGRATIONS_DISABLED", false) {
		if err := db.Migrate(databaseURL); err != nil {
			logger.Fatal("Failed to run migrations", "err", err)
		}
	}

	// Init pgx client
	pgConn, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		logger.Fatal("Unable to connect to database", "err", err)
	}
	defer pgConn.Close()

	rdb := storage.NewRedisClient(ctx)
	defer rdb.Close()

	// Rate limit on model calls. The ceiling is shared by all workers through
	// redis; the local bucket only applies while redis is unreachable or when
	// sharing is switched off.
	perSecond := util.GetEnvNumeric("EXTRACT_RATE_LIMIT", 0)
	maxWait := util.GetEnvDuration("EXTRACT_RATE_MAX_WAIT", time.Minute)
	var limiter ratelimit.Limiter = ratelimit.NewLocal(perSecond, util.GetEnvInt("EXTRACT_RATE_BURST", 1), maxWait)
	if util.GetEnvBool("EXTRACT_RATE_SHARED", true) {
		limiter = ratelimit.NewWindow(ratelimit.WindowParams{
			Client:    rdb,
			PerSecond: perSecond,
			MaxWait:   maxWait,
			Fallback:  limiter,
		})
	}

	extractor := graph.NewExtractor(graph.NewExtractorParams{
		Client:      newAIClient(),
		Limiter:     limiter,
		CallTimeout: util.GetEnvDuration("AI_TIMEOUT", 2*time.Minute),
		Thinking:    util.GetEnvString("AI_THINKING", ""),
	})

	// Init rabbitmq
	conn := queue.Init()
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open channel", "err", err)
	}
	defer ch.Close()
	if err := queue.SetupQueues(ch, []string{queue.ExtractionQueue}); err != nil {
		logger.Fatal("Failed to setup queues", "err", err)
	}

	// Publishing and consuming use separate channels so a blocked publish
	// never stalls deliveries.
	consumerCh, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open consumer channel", "err", err)
	}
	defer consumerCh.Close()

	repo := jobspgx.NewRepository(pgConn)
	corpus := corpuspgx.NewCorpus(pgConn)
	tracker := progress.NewRedisTracker(rdb, util.GetEnvDuration("PROGRESS_RETENTION", progress.DefaultRetention))
	publisher := queue.NewPublisher(ch)
	emitter := events.Multi{events.LogEmitter{}, queue.NewEventPublisher(ch)}

	locker := leaselock.New(pgConn).Locker(leaselock.Options{
		TTL:         2 * time.Minute,
		RenewEvery:  30 * time.Second,
		Wait:        true,
		TokenPrefix: "worker",
	})

	worker := jobs.NewWorker(jobs.NewWorkerParams{
		Repo:      repo,
		Catalog:   schema.NewCachedCatalog(schemapgx.NewCatalog(pgConn)),
		Corpus:    corpus,
		Models:    corpus,
		Extractor: extractor,
		Graph:     storepgx.NewGraphDBStorage(pgConn),
		Tracker:   tracker,
		Publisher: publisher,
		Emitter:   emitter,
		Locker:    locker,
		Config: jobs.WorkerConfig{
			BatchSize:           util.GetEnvInt("BATCH_SIZE", 50),
			DefaultModel:        util.GetEnv("AI_CHAT_DEFAULT_MODEL"),
			SoftTimeout:         util.GetEnvDuration("BATCH_SOFT_TIMEOUT", 10*time.Minute),
			ExtractRetries:      util.GetEnvInt("EXTRACT_MAX_RETRIES", 3),
			StoreRetries:        util.GetEnvInt("GRAPH_WRITE_RETRIES", 3),
			Backoff:             util.Backoff{Initial: time.Second, Max: 30 * time.Second},
			GraphFailureBatches: util.GetEnvInt("GRAPH_FAILURE_BATCHES", 3),
		},
	})

	svc := jobs.NewService(jobs.NewServiceParams{
		Repo:       repo,
		Catalog:    schemapgx.NewCatalog(pgConn),
		Tracker:    tracker,
		Publisher:  publisher,
		Emitter:    emitter,
		StaleAfter: util.GetEnvDuration("STALE_BATCH_AFTER", jobs.DefaultStaleAfter),
	})

	go serveMetrics(ctx, util.GetEnvString("METRICS_PORT", "9090"))
	go queue.RunRecovery(ctx, svc, util.GetEnvDuration("STALE_BATCH_AFTER", jobs.DefaultStaleAfter)/2)

	concurrency := util.GetEnvInt("WORKER_CONCURRENCY", 1)
	logger.Info("Listening for messages", "queue", queue.ExtractionQueue, "concurrency", concurrency)
	if err := queue.Consume(ctx, consumerCh, queue.ExtractionQueue, concurrency, worker); err != nil {
		logger.Fatal("Consumer stopped", "err", err)
	}
	logger.Info("Shutdown signal received, exiting...")
}
