package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"

	"github.com/civicos/identity-service/internal/config"
	"github.com/civicos/identity-service/internal/database"
	"github.com/civicos/identity-service/internal/handlers"
	"github.com/civicos/identity-service/internal/jobs"
	"github.com/civicos/identity-service/internal/middleware"
	"github.com/civicos/identity-service/internal/queue"
	"github.com/civicos/identity-service/internal/routes"
	"github.com/civicos/identity-service/internal/services/email"
	"github.com/civicos/identity-service/internal/services/verification"
	"github.com/civicos/identity-service/internal/storage"
	"github.com/civicos/identity-service/internal/utils"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := config.LoadConfig()

	if cfg.IsDemoMode() {
		log.Println("WARNING: running in demo mode; requests are not authenticated")
	}

	// Initialize database
	db, err := database.InitDB(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx := context.Background()
	if _, err := redisClient.Ping(ctx).Result(); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}

	redisQueue := queue.NewRedisQueue(redisClient, db)

	// Core services
	store := database.NewVerificationStore(db)
	audit := utils.NewAuditLogger(db)
	emailSvc := email.NewEmailService(cfg.SMTP)

	fileStore, err := storage.NewLocalStore(cfg.Uploads.Dir, cfg.Uploads.MaxFileSize)
	if err != nil {
		log.Fatalf("Failed to initialize upload storage: %v", err)
	}

	verificationSvc := verification.NewService(
		store,
		fileStore,
		jobs.NewEmailEnqueuer(redisQueue),
		verification.StubCaptchaVerifier{},
		verification.OTPTotpVerifier{Config: utils.DefaultTOTPConfig(cfg.Verification.TOTPIssuer)},
		verification.StubFaceMatcher{Score: 85},
		cfg.Verification,
		cfg.IsDemoMode(),
	)

	// Background jobs
	jobs.RegisterAllJobHandlers(redisQueue, store, fileStore, emailSvc, audit)

	worker := queue.NewWorker(redisQueue, 4)
	if err := jobs.ScheduleRecurringJobs(worker); err != nil {
		log.Fatalf("Failed to schedule recurring jobs: %v", err)
	}
	worker.Start()

	// HTTP layer
	rateLimiter := middleware.NewRateLimiter(
		float64(cfg.RateLimit.RequestsPerSecond),
		float64(cfg.RateLimit.SubmitPerMinute),
		cfg.RateLimit.Burst,
		cfg.RateLimit.SubmitBurst,
	)
	identityHandler := handlers.NewIdentityHandler(verificationSvc, audit, cfg.Uploads.MaxFileSize)
	adminHandler := handlers.NewAdminHandler(verificationSvc, audit)

	router := routes.SetupRouter(cfg, identityHandler, adminHandler, rateLimiter)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		log.Printf("Server listening on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	worker.Stop()
	rateLimiter.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
