package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hivecrm/dispatch/internal/config"
	"github.com/hivecrm/dispatch/internal/gateway"
	"github.com/hivecrm/dispatch/internal/pkg/distlock"
	"github.com/hivecrm/dispatch/internal/queue"
	"github.com/hivecrm/dispatch/internal/repository/postgres"
	"github.com/hivecrm/dispatch/internal/service/campaign"
	"github.com/hivecrm/dispatch/internal/worker"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

// Standalone worker binary. Runs the delivery consumers, the window
// scheduler, and the startup recovery sweep without the HTTP API, for
// deployments that scale senders separately from the API tier.
func main() {
	log.Println("Starting dispatch workers...")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
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

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("Failed to ping Redis at %s: %v", cfg.Redis.Addr, err)
	}

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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sweep := worker.NewRecoverySweep(campaignRepo, jobRepo, channelRepo, q, notifier)
	if n, err := sweep.Run(ctx); err != nil {
		log.Printf("[RecoverySweep] Startup sweep error: %v", err)
	} else if n > 0 {
		log.Printf("[RecoverySweep] Re-enqueued %d orphaned jobs", n)
	}

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

	// Heartbeat so log aggregators can tell a quiet worker from a dead one.
	heartbeat := time.NewTicker(5 * time.Minute)
	defer heartbeat.Stop()
	go func() {
		for range heartbeat.C {
			log.Printf("[Heartbeat] delivery=%v scheduler=%v", deliveryWorker.Stats(), scheduler.Stats())
		}
	}()

	log.Println("Workers running, waiting for shutdown signal")

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-done

	log.Println("Shutting down workers...")
	scheduler.Stop()
	deliveryWorker.Stop()
	log.Println("Workers stopped")
}
