package main

import (
	"clipqueue/internal/config"
	"clipqueue/internal/controller/http/v1"
	"clipqueue/internal/domain/entity"
	"clipqueue/internal/domain/usecase"
	"clipqueue/internal/executor"
	"clipqueue/internal/repository/memory"
	psqlRepo "clipqueue/internal/repository/psql"
	"clipqueue/internal/repository/rabbitmq"
	redisRepo "clipqueue/internal/repository/redis"
	s3Repo "clipqueue/internal/repository/s3"
	"clipqueue/pkg/client/psql"
	redisGo "clipqueue/pkg/client/redis"
	s3ClientGo "clipqueue/pkg/client/s3"
	"clipqueue/pkg/middleware"
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store usecase.JobStore
	switch cfg.StoreBackend {
	case "memory":
		// nothing else can reach an in-process store, so serve the status
		// API from this process
		store = memory.NewStore()
		log.Println("using in-memory job store")
	default:
		redisClient, err := redisGo.NewRedisClient(ctx, redisGo.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer redisClient.Close()
		store = redisRepo.NewRedisRepo(redisClient, cfg.StoreKeyPrefix)
	}

	pipeline, err := executor.NewCommandExecutor(cfg.ExecutorCommand, cfg.ExecutorWorkDir)
	if err != nil {
		log.Fatalf("failed to init executor: %v", err)
	}

	processor := usecase.NewProcessor(store, pipeline, cfg.Processor)

	var (
		history usecase.HistoryRepo
		archive usecase.BatchArchive
	)
	if cfg.PostgresEnabled() {
		db, err := psql.NewPostgresDB(psql.Config{
			Host:     cfg.PSQLHost,
			User:     cfg.PSQLUser,
			Password: cfg.PSQLPassword,
			DBName:   cfg.PSQLDBName,
			Port:     cfg.PSQLPort,
			SslMode:  cfg.PSQLSSLMode,
		})
		if err != nil {
			log.Fatalf("failed to init postgres: %v", err)
		}
		repo := psqlRepo.NewGormJobRepo(db)
		if err := repo.Migrate(); err != nil {
			log.Fatalf("failed to migrate job history: %v", err)
		}
		history = repo
		archive = repo
		processor.History = repo
	}

	var results usecase.ResultLinker
	if cfg.S3Enabled() {
		s3Client, err := s3ClientGo.NewS3Client(ctx, s3ClientGo.Config{
			Endpoint:  cfg.S3Host,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			Secure:    cfg.S3Secure,
		})
		if err != nil {
			log.Fatalf("failed to init s3 client: %v", err)
		}
		repo := s3Repo.NewS3Repo(s3Client)
		processor.Validator = repo
		results = repo
	}

	var (
		publisher  usecase.Publisher
		rabbitConn *amqp.Connection
	)
	if cfg.RabbitMQEnabled() {
		conn, err := amqp.Dial(cfg.RabbitMQURL)
		if err != nil {
			log.Fatalf("failed to connect to rabbitmq: %v", err)
		}
		defer conn.Close()
		rabbitConn = conn

		jobPublisher, err := rabbitmq.NewRabbitPublisher(conn, rabbitmq.EventsExchange, rabbitmq.EventsRoutingPrefix)
		if err != nil {
			log.Fatalf("failed to init publisher: %v", err)
		}
		defer jobPublisher.Close()
		publisher = jobPublisher
		processor.Publisher = jobPublisher
	}

	batches := usecase.NewBatchUseCase(store, publisher, cfg.MaxBatchSize)
	batches.Archive = archive
	processor.Batches = batches

	g, gctx := errgroup.WithContext(ctx)

	if rabbitConn != nil {
		consumer, err := rabbitmq.NewEventConsumer(rabbitConn, rabbitmq.EventsExchange,
			rabbitmq.RoutingKey(entity.EventBatchCreated), rabbitmq.WakeQueue,
			func(_ context.Context, event entity.JobEvent) error {
				log.Printf("batch %s queued %d job(s); waking processor", event.BatchID, len(event.JobIDs))
				processor.Wake()
				return nil
			})
		if err != nil {
			log.Fatalf("failed to init consumer: %v", err)
		}
		defer consumer.Close()
		g.Go(func() error {
			return consumer.Start(gctx)
		})
	}

	g.Go(func() error {
		return runProcessor(gctx, processor, cfg.Processor.PollInterval)
	})

	if cfg.StoreBackend == "memory" {
		jobs := usecase.NewJobUseCase(store, history, results)
		handler := v1.NewJobHandler(jobs, batches)
		api := &http.Server{
			Addr:    cfg.HTTPAddr,
			Handler: v1.NewRouter(handler, middleware.TokenAuthMiddleware(cfg.APIToken)),
		}
		g.Go(func() error {
			log.Printf("status api listening on %s", cfg.HTTPAddr)
			if err := api.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return api.Shutdown(shutdownCtx)
		})
	}

	log.Println("Processor service started")
	if err := g.Wait(); err != nil {
		log.Fatalf("processor service stopped with error: %v", err)
	}
	log.Println("Processor service stopped")
}

// runProcessor keeps the instance on standby while another one holds the
// lock and takes over when it is released or expires.
func runProcessor(ctx context.Context, p *usecase.Processor, retry time.Duration) error {
	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := p.Stop(stopCtx); err != nil {
			log.Printf("processor stop: %v", err)
		}
	}()

	for {
		if err := p.Start(ctx); err != nil {
			log.Printf("processor: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(retry):
		}
	}
}
