package main

import (
	"context"
	"log"

	"preflight-upload/config"
	"preflight-upload/internal/domain/job"
	"preflight-upload/internal/domain/user"
	"preflight-upload/internal/extract"
	"preflight-upload/internal/handler"
	"preflight-upload/internal/ratelimit"
	"preflight-upload/internal/redis"
	"preflight-upload/internal/repository"
	"preflight-upload/internal/server"
	"preflight-upload/internal/services"
	"preflight-upload/internal/storage"
	"preflight-upload/internal/worker"
	"preflight-upload/pkg/database"
	"preflight-upload/pkg/logger"
)

func main() {
	cfg := config.LoadConfig()

	l := logger.New(cfg.AppEnv)
	defer l.Sync()

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("failed to connect to database: %s", err)
	}

	if err := db.AutoMigrate(&user.User{}, &job.UploadJob{}, &ratelimit.RateLimitRecord{}); err != nil {
		log.Fatalf("failed to run migrations: %s", err)
	}

	store, err := storage.NewClient(context.Background(), storage.S3Config{
		Region:     cfg.S3Region,
		AccessKey:  cfg.S3AccessKey,
		SecretKey:  cfg.S3SecretKey,
		Endpoint:   cfg.S3Endpoint,
		PresignTTL: cfg.PresignTTL(),
	})
	if err != nil {
		log.Fatalf("failed to create storage client: %s", err)
	}

	var limiter ratelimit.Limiter
	if cfg.RedisAddr != "" {
		client := redis.NewClient(redis.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		limiter = ratelimit.NewRedisLimiter(client, cfg.UploadRateLimit, cfg.UploadRateWindow(), l)
	} else {
		limiter = ratelimit.NewStoreLimiter(db, cfg.UploadRateLimit, cfg.UploadRateWindow(), l)
	}

	jobRepo := repository.NewJobRepository(db)
	userRepo := repository.NewUserRepository(db)

	authService := services.NewAuthService(userRepo, cfg)
	uploadService := services.NewUploadService(
		jobRepo,
		store,
		extract.NewPDFExtractor(),
		limiter,
		worker.NewBackground(l),
		services.UploadConfig{
			TempBucket:      cfg.TempBucket,
			PermanentBucket: cfg.PermanentBucket,
			MaxFileSize:     cfg.MaxFileSizeBytes(),
		},
		l,
	)

	srv := server.New(cfg, l)
	srv.SetupRoutes(&server.Handlers{
		Auth:   handler.NewAuthHandler(authService),
		Upload: handler.NewUploadHandler(uploadService, limiter, cfg.IsDevelopment()),
	}, authService, db)

	if err := srv.Start(); err != nil {
		log.Fatalf("server exited with error: %s", err)
	}
}
