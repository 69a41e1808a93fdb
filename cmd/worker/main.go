package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"github.com/leadgrid/leadgrid/internal/config"
	"github.com/leadgrid/leadgrid/internal/db"
	"github.com/leadgrid/leadgrid/internal/job"
	"github.com/leadgrid/leadgrid/internal/notify"
	"github.com/leadgrid/leadgrid/internal/queue"
	"github.com/leadgrid/leadgrid/internal/source"
	"github.com/leadgrid/leadgrid/internal/table"
)

// workerConcurrency is the global job ceiling: at most this many messages are
// handled at once across the pool.
func workerConcurrency() int {
	v := os.Getenv("WORKER_CONCURRENCY")
	if v == "" {
		return 4
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 4
	}
	if n > 50 {
		return 50
	}
	return n
}

func main() {
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)
	db.Migrate(gdb)

	jobRepo := job.NewRepo(gdb)
	tables := table.NewRepo(gdb)

	fetcher := source.NewLeadClient(cfg.LeadAPIBaseURL, cfg.LeadAPIKey, cfg.LeadPageSize, cfg.LeadAPIRate, cfg.LeadAPIBurst)

	// Provider registry (route by payload provider + model)
	reg := source.NewRegistry()
	reg.Register("ollama", func(ctx context.Context, model string) (source.Provider, error) {
		_ = ctx
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OllamaModel
		}
		return source.NewOllamaProvider(cfg.OllamaBaseURL, m), nil
	})
	reg.SetFallback(cfg.AIProvider)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	notifier := notify.NewBridge(rdb)

	orch := job.NewOrchestrator(jobRepo, tables, fetcher, reg, notifier, job.OrchestratorConfig{
		PageBatchSize:    cfg.PageBatchSize,
		CellBatchSize:    cfg.CellBatchSize,
		BatchDelay:       cfg.BatchDelay,
		UnitTimeout:      cfg.UnitTimeout,
		MaxBatchFailures: cfg.MaxBatchFailures,
		PageSize:         cfg.LeadPageSize,
	})

	pub, err := queue.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue, cfg.RetryBackoff)
	if err != nil {
		log.Fatalf("rabbit dial: %v", err)
	}
	defer pub.Close()

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("rabbit dial: %v", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatalf("rabbit channel: %v", err)
	}
	defer ch.Close()

	if err := queue.DeclareTopology(ch, cfg.RabbitQueue); err != nil {
		log.Fatalf("queue declare: %v", err)
	}

	concurrency := workerConcurrency()

	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Fatalf("qos: %v", err)
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		log.Fatalf("consume: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("worker started, queue=%s concurrency=%d", cfg.RabbitQueue, concurrency)

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				var m queue.JobMessage
				if err := json.Unmarshal(d.Body, &m); err != nil || m.JobID == "" {
					log.Printf("worker=%d bad message: %v", workerID, err)
					_ = d.Nack(false, false)
					continue
				}

				start := time.Now()
				err := orch.Run(ctx, m.JobID, m.MessageID)
				if err == nil {
					if err := d.Ack(false); err != nil {
						log.Printf("worker=%d ack failed job=%s err=%v", workerID, m.JobID, err)
					}
					continue
				}

				// Only unrecoverable conditions get here; hand the message
				// to the retry queue until the attempt budget runs out, then
				// dead-letter it.
				log.Printf("worker=%d job %s failed attempt=%d cost=%s err=%v", workerID, m.JobID, m.Attempt, time.Since(start), err)
				if m.Attempt >= cfg.QueueMaxAttempts {
					_ = d.Nack(false, false)
					continue
				}
				m.Attempt++
				if err := pub.PublishRetry(ctx, m); err != nil {
					log.Printf("worker=%d retry publish failed job=%s err=%v", workerID, m.JobID, err)
					_ = d.Nack(false, false)
					continue
				}
				_ = d.Ack(false)
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			log.Printf("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Printf("delivery channel closed")
				time.Sleep(1 * time.Second)
				continue
			}
			jobs <- d
		}
	}
}
