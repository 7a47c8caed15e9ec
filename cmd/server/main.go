package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"secure_exchange/internal/config"
	"secure_exchange/internal/repository/message"
	"secure_exchange/internal/repository/pubkey"
	redisSvc "secure_exchange/internal/service/redis"
	"secure_exchange/internal/service/server"
	"secure_exchange/internal/utils/log"
	"secure_exchange/internal/utils/ratelimit"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to the relay config file")
	devLog := flag.Bool("dev", false, "human readable logs")
	flag.Parse()

	cfg, err := config.LoadServer(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := log.Init(cfg.LogLevel, *devLog); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal("relay stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.ServerConfig) error {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	rs := redisSvc.NewRedis(rdb)
	if err := rs.Ping(ctx); err != nil {
		return fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
	}

	opts := server.Options{
		Nonces:  rs,
		Limiter: ratelimit.New(cfg.Limits.SendRPS, cfg.Limits.SendBurst, 0),
		Relay:   cfg.Relay,
		Replay:  cfg.Replay,
	}

	switch cfg.Storage.Driver {
	case "memory":
		log.Warn("using in-memory storage, envelopes are lost on restart")
		opts.Messages = message.NewMemoryRepo()
		opts.Directory = pubkey.NewMemoryRepo()
	default:
		client, err := initMongo(ctx, cfg.Mongo.URI)
		if err != nil {
			return fmt.Errorf("mongo: %w", err)
		}
		defer client.Disconnect(context.Background())

		db := client.Database(cfg.Mongo.Database)
		messageRepo := message.NewMessageRepo(db)
		if err := messageRepo.EnsureIndexes(ctx); err != nil {
			return err
		}
		opts.Messages = messageRepo
		opts.Directory = pubkey.NewPubKeyRepo(db)
	}

	if cfg.Notifier.Kind == "redis" {
		hub := server.NewHub()
		notifier := server.NewRedisNotifier(rs, cfg.Notifier.Channel, hub)
		opts.Hub = hub
		opts.Notifier = notifier
		go func() {
			if err := notifier.Run(ctx); err != nil {
				log.Error("notification fan-out stopped", zap.Error(err))
			}
		}()
	}

	srv, err := server.NewHttpServer(opts)
	if err != nil {
		return err
	}
	go srv.RunSweeper(ctx)

	return srv.Run(ctx, cfg.Listen)
}

func initMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}
