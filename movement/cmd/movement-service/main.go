package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/nobuyuki-ootake/AIAgentTRPGGM2-sub011/movement/internal/aiclient"
	"github.com/nobuyuki-ootake/AIAgentTRPGGM2-sub011/movement/internal/archive"
	"github.com/nobuyuki-ootake/AIAgentTRPGGM2-sub011/movement/internal/config"
	"github.com/nobuyuki-ootake/AIAgentTRPGGM2-sub011/movement/internal/execution"
	"github.com/nobuyuki-ootake/AIAgentTRPGGM2-sub011/movement/internal/httpserver"
	"github.com/nobuyuki-ootake/AIAgentTRPGGM2-sub011/movement/internal/lifecycle"
	"github.com/nobuyuki-ootake/AIAgentTRPGGM2-sub011/movement/internal/notify"
	"github.com/nobuyuki-ootake/AIAgentTRPGGM2-sub011/movement/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var st store.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db open: %v", err)
		}
		defer db.Close()
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			log.Fatalf("db ping: %v", err)
		}
		pg := store.NewPGStore(db)
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Fatalf("db schema: %v", err)
		}
		st = pg
	} else {
		log.Printf("[startup] MOVEMENT_DATABASE_URL unset; using in-memory store")
		st = store.NewMemoryStore()
	}

	publishers := notify.Fanout{notify.NewLogPublisher(log.New(os.Stdout, "[notify] ", log.LstdFlags))}
	if len(cfg.KafkaBrokers) > 0 {
		kp, err := notify.NewKafkaPublisher(notify.KafkaPublisherConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			log.Fatalf("kafka publisher init: %v", err)
		}
		defer kp.Close()
		publishers = append(publishers, kp)
	}

	var deduper notify.Deduper
	if cfg.RedisAddr != "" {
		rd := notify.NewRedisDeduper(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := rd.Ping(ctx); err != nil {
			log.Fatalf("redis ping: %v", err)
		}
		defer rd.Close()
		deduper = rd
	}
	emitter := notify.NewEmitter(notify.Config{
		Publisher: publishers,
		Deduper:   deduper,
		QueueSize: cfg.NotifyQueueSize,
	})

	var archiver archive.Archiver
	if cfg.ArchiveBucket != "" {
		s3a, err := archive.NewS3Archiver(ctx, cfg.ArchiveBucket, cfg.ArchivePrefix)
		if err != nil {
			log.Fatalf("archive init: %v", err)
		}
		archiver = s3a
	}

	var ai aiclient.Client
	switch {
	case cfg.AIServiceURL != "":
		httpClient, err := aiclient.NewHTTPClient(aiclient.HTTPClientConfig{
			BaseURL: cfg.AIServiceURL,
			Timeout: cfg.AITimeout,
			Retries: cfg.AIRetries,
		})
		if err != nil {
			log.Fatalf("ai client init: %v", err)
		}
		ai = httpClient
	case cfg.AIStaticFallback:
		ai = aiclient.NewStaticClient(0.6)
	}

	engine := execution.New(st, st, execution.Config{RollbackWindow: cfg.RollbackWindow})
	manager := lifecycle.New(st, engine, lifecycle.Config{
		Defaults: cfg.Defaults,
		Notifier: emitter,
		AI:       ai,
		Archiver: archiver,
	})

	emitterDone := make(chan struct{})
	emitterCtx, stopEmitter := context.WithCancel(context.Background())
	go func() {
		defer close(emitterDone)
		emitter.Run(emitterCtx)
	}()

	recovered, err := manager.Recover(ctx)
	if err != nil {
		log.Printf("[startup] recovery incomplete: %v", err)
	}
	log.Printf("[startup] recovered %d active proposals", recovered)

	server := httpserver.New(cfg, manager, st)
	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.Router(),
	}
	go func() {
		log.Printf("movement service listening on %s", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	waitForShutdown(cancel, httpServer)
	manager.Close()
	stopEmitter()
	<-emitterDone
	published, dropped := emitter.Stats()
	log.Printf("notifications published=%d dropped=%d", published, dropped)
}

func waitForShutdown(cancel context.CancelFunc, srv *http.Server) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	cancel()
	ctx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
