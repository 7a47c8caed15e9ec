package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"secure_exchange/internal/config"
	"secure_exchange/internal/cryptographic/dh"
	"secure_exchange/internal/cryptographic/keystore"
	groupKeyRepo "secure_exchange/internal/repository/groupkey"
	"secure_exchange/internal/service/app"
	"secure_exchange/internal/service/groupkey"
	redisSvc "secure_exchange/internal/service/redis"
	"secure_exchange/internal/utils/log"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

var (
	configPath string
	passphrase string
	cfg        config.ClientConfig
)

func Execute() error {
	root := &cobra.Command{
		Use:           "sx",
		Short:         "Signed, end-to-end encrypted exchange client",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if cfg, err = config.LoadClient(configPath); err != nil {
				return err
			}
			if passphrase == "" {
				passphrase = os.Getenv("SX_PASSPHRASE")
			}
			return log.Init(cfg.LogLevel, true)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			log.Sync()
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "client config file")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "", "keystore passphrase (default $SX_PASSPHRASE)")

	root.AddCommand(
		keygenCmd(),
		registerCmd(),
		sendCmd(),
		pendingCmd(),
		statusCmd(),
		inboxCmd(),
		watchCmd(),
		groupCmd(),
		resyncCmd(),
	)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return root.ExecuteContext(ctx)
}

// session is everything a command needs once the keystore is unlocked.
type session struct {
	keys  *dh.KeyPair
	app   *app.App
	redis *redisSvc.RedisService
	mongo *mongo.Client
}

func open(ctx context.Context) (*session, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase required (-p or SX_PASSPHRASE)")
	}
	keys, err := keystore.Load(cfg.Keystore, passphrase)
	if err != nil {
		return nil, fmt.Errorf("unlock %s: %w", cfg.Keystore, err)
	}
	client, err := app.NewClient(cfg.RelayURL, keys, app.WithRetryMaxTime(cfg.RetryMaxTime))
	if err != nil {
		return nil, err
	}

	s := &session{keys: keys}
	var cache app.KeyCache = app.NewMemoryKeyCache()
	if cfg.Redis.Addr != "" {
		rs := redisSvc.NewRedis(redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}))
		if err := rs.Ping(ctx); err != nil {
			log.Warn("redis unavailable, using process-local caches", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		} else {
			s.redis = rs
			cache = app.NewRedisKeyCache(rs)
		}
	}

	s.app = app.New(keys, client, app.Options{
		Cache:     cache,
		PubKeyTTL: cfg.PubKeyTTL,
		Window:    cfg.Replay.Window,
	})
	return s, nil
}

// groups returns the group key manager, backed by mongo when configured.
func (s *session) groups(ctx context.Context) (*groupkey.Manager, error) {
	var store groupKeyRepo.Store
	if cfg.Mongo.URI == "" {
		log.Warn("no mongo configured, group keys live only for this run")
		store = groupKeyRepo.NewMemoryRepo()
	} else {
		if s.mongo == nil {
			cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			client, err := mongo.Connect(cctx, options.Client().ApplyURI(cfg.Mongo.URI))
			if err != nil {
				return nil, fmt.Errorf("mongo: %w", err)
			}
			if err := client.Ping(cctx, nil); err != nil {
				return nil, fmt.Errorf("mongo: %w", err)
			}
			s.mongo = client
		}
		repo := groupKeyRepo.NewGroupKeyRepo(s.mongo.Database(cfg.Mongo.Database))
		if err := repo.EnsureIndexes(ctx); err != nil {
			return nil, err
		}
		store = repo
	}
	return groupkey.NewManager(s.keys.Address(), store, s.app, groupkey.StaticMembership(cfg.Groups),
		groupkey.WithRetention(cfg.KeyRetention),
		groupkey.WithDistributors(groupkey.StaticDistributors(cfg.Distributors)),
	), nil
}

func (s *session) Close() {
	if s.mongo != nil {
		_ = s.mongo.Disconnect(context.Background())
	}
}
