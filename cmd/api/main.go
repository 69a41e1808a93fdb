package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/leadgrid/leadgrid/internal/config"
	"github.com/leadgrid/leadgrid/internal/db"
	"github.com/leadgrid/leadgrid/internal/httpapi"
	"github.com/leadgrid/leadgrid/internal/job"
	"github.com/leadgrid/leadgrid/internal/notify"
	"github.com/leadgrid/leadgrid/internal/queue"
	"github.com/leadgrid/leadgrid/internal/table"
)

func main() {
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)
	db.Migrate(gdb)

	jobRepo := job.NewRepo(gdb)
	tables := table.NewRepo(gdb)
	admission := job.NewAdmission(jobRepo, cfg.UserJobLimit)

	pub, err := queue.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue, cfg.RetryBackoff)
	if err != nil {
		log.Fatalf("rabbit dial: %v", err)
	}
	defer pub.Close()

	jobSvc := job.NewService(jobRepo, tables, admission, pub)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	hub := notify.NewHub()
	bridge := notify.NewBridge(rdb)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// relay worker events into the local websocket hub
	go bridge.Relay(ctx, hub)

	r := httpapi.NewRouter(gdb, cfg, jobSvc, tables, hub)

	addr := os.Getenv("API_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	log.Printf("api started addr=%s queue=%s", addr, cfg.RabbitQueue)
	if err := r.Run(addr); err != nil {
		log.Fatalf("api serve: %v", err)
	}
}
