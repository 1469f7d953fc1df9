package main

import (
	"context"
	"flag"
	"net/http"
	"os"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/haturatu/x-media-archive/internal/api"
	"github.com/haturatu/x-media-archive/internal/config"
	"github.com/haturatu/x-media-archive/internal/ingest"
	"github.com/haturatu/x-media-archive/internal/jobs"
	"github.com/haturatu/x-media-archive/internal/logging"
	"github.com/haturatu/x-media-archive/internal/pool"
	"github.com/haturatu/x-media-archive/internal/resolver"
	"github.com/haturatu/x-media-archive/internal/store"
	"github.com/haturatu/x-media-archive/internal/tagger"
)

func main() {
	mode := flag.String("mode", "all", "run mode: all|api|worker")
	flag.Parse()

	logger := logging.New()
	cfg := config.Load()

	if err := os.MkdirAll(cfg.MediaRoot, 0o755); err != nil {
		logger.Error("failed to create media root", "path", cfg.MediaRoot, "error", err)
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		logger.Error("failed to connect to redis", "addr", cfg.RedisAddr, "error", err)
		os.Exit(1)
	}
	defer rdb.Close()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Error("failed to open tags database", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	asynqCli := asynq.NewClient(redisOpt)
	defer asynqCli.Close()
	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()

	status := &jobs.RedisStatus{RDB: rdb, Logger: logger}
	workers := pool.New(cfg.DownloadWorkers)
	defer workers.Close()

	tg := tagger.New(cfg.AutotaggerEnable, cfg.AutotaggerURL, st, logger)
	ing := ingest.New(cfg.MediaRoot, st, tg, workers, logger)

	runner := &jobs.Runner{
		Cfg:      cfg,
		Status:   status,
		Store:    st,
		Ingester: ing,
		Tagger:   tg,
		Pool:     workers,
		Resolver: resolver.NewClient(),
		Logger:   logger,
	}

	srv := &api.Server{
		Cfg:       cfg,
		Logger:    logger,
		Store:     st,
		Status:    status,
		Asynq:     asynqCli,
		Inspector: inspector,
		Retagger:  runner,
	}

	switch *mode {
	case "api":
		runAPI(cfg, srv)
	case "worker":
		runWorker(cfg, redisOpt, runner)
	case "all":
		go runWorker(cfg, redisOpt, runner)
		runAPI(cfg, srv)
	default:
		logger.Error("unknown run mode", "mode", *mode)
		os.Exit(1)
	}
}

func runAPI(cfg config.Config, srv *api.Server) {
	srv.Logger.Info("queue api listening", "addr", cfg.APIAddr)
	if err := http.ListenAndServe(cfg.APIAddr, srv.Handler()); err != nil {
		srv.Logger.Error("api server stopped", "error", err)
		os.Exit(1)
	}
}

func runWorker(cfg config.Config, redisOpt asynq.RedisClientOpt, runner *jobs.Runner) {
	srv := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				cfg.InteractiveQueue: 4,
				cfg.QueueName:        1,
			},
		},
	)

	mux := asynq.NewServeMux()
	runner.Register(mux)

	runner.Logger.Info("queue worker started",
		"queue", cfg.QueueName,
		"interactive_queue", cfg.InteractiveQueue,
		"concurrency", cfg.Concurrency,
	)
	if err := srv.Run(mux); err != nil {
		runner.Logger.Error("worker stopped", "error", err)
		os.Exit(1)
	}
}
