package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hivecrm/dispatch/internal/api"
	"github.com/hivecrm/dispatch/internal/config"
	"github.com/hivecrm/dispatch/internal/gateway"
	"github.com/hivecrm/dispatch/internal/pkg/distlock"
	"github.com/hivecrm/dispatch/internal/queue"
	"github.com/hivecrm/dispatch/internal/repository/postgres"
	"github.com/hivecrm/dispatch/internal/service/campaign"
	"github.com/hivecrm/dispatch/internal/worker"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
)

// checkPortAvailable verifies that the target port is not already in use,
// so a stale process on the port fails fast instead of at ListenAndServe.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v", port, addr, err)
	}
	ln.Close()
	return nil
}

func main() {
	log.Println("Starting dispatch server...")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if os.Getenv("DATABASE_URL") != "" {
		log.Println("[config] DATABASE_URL env override active")
	}

	if err := checkPortAvailable(cfg.Server.Host, cfg.Server.Port); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
	}

	// Database
	if cfg.Database.URL == "" {
		log.Fatal("database URL is required (config database.url or DATABASE_URL)")
	}
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		pingCancel()
		log.Fatalf("Failed to ping database: %v", err)
	}
	pingCancel()
	log.Println("Connected to PostgreSQL")

	// Redis backs the delayed queue, distributed locks, and the event notifier
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("Failed to ping Redis at %s: %v", cfg.Redis.Addr, err)
	}
	log.Printf("Connected to Redis at %s", cfg.Redis.Addr)

	// Repositories
	campaignRepo := postgres.NewCampaignRepo(db)
	jobRepo := postgres.NewJobRepo(db)
	templateRepo := postgres.NewTemplateRepo(db)
	channelRepo := postgres.NewChannelRepo(db)

	q := queue.NewDelayed(rdb)
	notifier := gateway.NewRedisNotifier(rdb)

	svc := campaign.NewService(campaignRepo, jobRepo, templateRepo, channelRepo, q, notifier)
	svc.SetLockFactory(func(key string, ttl time.Duration) distlock.Lock {
		return distlock.New(rdb, db, key, ttl)
	})

	sender := gateway.NewClient(cfg.Gateway.BaseURL, cfg.Gateway.APIKey, cfg.Gateway.Timeout())

	// Recover jobs orphaned by a previous crash before workers start
	// pulling from the queue.
	ctx, cancel := context.WithCancel(context.Background())
	sweep := worker.NewRecoverySweep(campaignRepo, jobRepo, channelRepo, q, notifier)
	if n, err := sweep.Run(ctx); err != nil {
		log.Printf("[RecoverySweep] Startup sweep error: %v", err)
	} else if n > 0 {
		log.Printf("[RecoverySweep] Re-enqueued %d orphaned jobs", n)
	}

	// Workers
	deliveryWorker := worker.NewDeliveryWorker(q, campaignRepo, jobRepo, templateRepo, channelRepo, sender, notifier)
	if err := deliveryWorker.Start(queue.ConsumerConfig{
		NumWorkers:   cfg.Worker.NumWorkers,
		BatchSize:    10,
		PollInterval: time.Duration(cfg.Worker.PollIntervalMS) * time.Millisecond,
	}); err != nil {
		log.Fatalf("Failed to start delivery worker: %v", err)
	}

	scheduler := worker.NewWindowScheduler(campaignRepo, jobRepo, svc, notifier)
	scheduler.SetTickInterval(time.Duration(cfg.Scheduler.TickSeconds) * time.Second)
	if err := scheduler.Start(); err != nil {
		log.Fatalf("Failed to start window scheduler: %v", err)
	}

	// HTTP API
	handlers := api.NewHandlers(svc,
		api.StatsSource{Name: "delivery", Source: deliveryWorker},
		api.StatsSource{Name: "scheduler", Source: scheduler},
	)
	var origins []string
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		origins = strings.Split(v, ",")
	}
	router := api.SetupRoutes(handlers, origins)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Starting server on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	log.Println("All services initialized, server is ready")

	<-done
	log.Println("Shutting down...")

	cancel()
	scheduler.Stop()
	deliveryWorker.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	log.Println("Server stopped")
}
