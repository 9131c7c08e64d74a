package main

import (
	"clipqueue/internal/config"
	"clipqueue/internal/controller/http/v1"
	"clipqueue/internal/domain/usecase"
	psqlRepo "clipqueue/internal/repository/psql"
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

	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.StoreBackend != "redis" {
		log.Fatalf("gateway needs the redis store, STORE_BACKEND is %q", cfg.StoreBackend)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient, err := redisGo.NewRedisClient(ctx, redisGo.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer redisClient.Close()
	store := redisRepo.NewRedisRepo(redisClient, cfg.StoreKeyPrefix)

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
		history = repo
		archive = repo
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
		results = s3Repo.NewS3Repo(s3Client)
	}

	jobs := usecase.NewJobUseCase(store, history, results)
	batches := usecase.NewBatchUseCase(store, nil, cfg.MaxBatchSize)
	batches.Archive = archive
	handler := v1.NewJobHandler(jobs, batches)

	rl := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		RedisClient: redisClient,
		Limit:       cfg.APIRateLimit,
		Window:      time.Second,
		KeyPrefix:   cfg.StoreKeyPrefix + ":rl:",
	})
	router := v1.NewRouter(handler, middleware.TokenAuthMiddleware(cfg.APIToken), rl)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("Gateway listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("gateway stopped with error: %v", err)
	}
	log.Println("Gateway stopped")
}
