package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fathima-sithara/securechat/internal/api"
	"github.com/fathima-sithara/securechat/internal/auth"
	"github.com/fathima-sithara/securechat/internal/cache"
	"github.com/fathima-sithara/securechat/internal/config"
	"github.com/fathima-sithara/securechat/internal/events"
	"github.com/fathima-sithara/securechat/internal/keys"
	"github.com/fathima-sithara/securechat/internal/metric"
	"github.com/fathima-sithara/securechat/internal/middleware"
	"github.com/fathima-sithara/securechat/internal/repository"
	"github.com/fathima-sithara/securechat/internal/service"
	"github.com/fathima-sithara/securechat/internal/utils"
	"github.com/fathima-sithara/securechat/internal/ws"
)

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := utils.NewLogger(cfg.IsDevelopment())
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	metric.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	convStore, keyStore, closeStore, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatalw("failed to open stores", "driver", cfg.Store.Driver, "error", err)
	}
	defer closeStore()

	// Redis is optional: without it presence is not mirrored and REST is
	// not rate limited.
	var (
		rdb      *redis.Client
		presence *cache.PresenceStore
		limiter  *middleware.RateLimiter
	)
	if cfg.Redis.Addr != "" {
		rdb, err = cache.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Warnw("redis unavailable, presence mirror and rate limiting disabled", "addr", cfg.Redis.Addr, "error", err)
		} else {
			defer rdb.Close()
			presence = cache.NewPresenceStore(rdb, cfg.Redis.Prefix, 2*cfg.PongWait)
			limiter = middleware.NewRateLimiter(rdb, cfg.Redis.Prefix, cfg.RateLimit.Requests, cfg.RateLimitWindow, logger)
		}
	}

	bus := openEventBus(cfg, logger)
	defer bus.close()

	jv, err := auth.NewJWTValidator(cfg.JWT.PublicKeyPath, cfg.JWT.Alg, cfg.JWT.Secret)
	if err != nil {
		logger.Fatalw("failed to load JWT validator", "alg", cfg.JWT.Alg, "error", err)
	}

	var sink ws.PresenceSink
	if presence != nil {
		sink = presence
	}
	hub := ws.NewHub(sink, logger)
	go hub.Run(ctx)

	cmd := service.NewCommandService(convStore, bus.publisher, logger)
	cmd.SetFanout(hub)
	qry := service.NewQueryService(convStore)

	wsrv := ws.NewServer(hub, cmd, qry, jv, ws.ClientConfig{
		PingInterval:    cfg.PingInterval,
		PongWait:        cfg.PongWait,
		WriteDeadline:   cfg.WriteDeadline,
		MaxMessageSize:  cfg.WS.MaxMessageSizeBytes,
		SendBuffer:      cfg.WS.SendBuffer,
		EventsPerSecond: cfg.WS.EventsPerSecond,
	}, logger)

	deps := api.Deps{
		Commands:    cmd,
		Queries:     qry,
		Keys:        keys.NewRegistry(keyStore, logger),
		WS:          wsrv,
		Validator:   jv,
		RateLimiter: limiter,
		Logger:      logger,
	}
	if presence != nil {
		deps.Presence = presence
	}
	app := api.NewServer(deps)

	errChan := make(chan error, 1)
	go func() {
		logger.Infow("starting securechat", "addr", cfg.Addr(), "store", cfg.Store.Driver)
		errChan <- app.Listen(cfg.Addr())
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		logger.Fatalw("server error", "error", err)
	case sig := <-stop:
		logger.Infow("shutdown signal received", "signal", sig.String())
	}

	hub.Shutdown()
	if err := app.ShutdownWithTimeout(cfg.ShutdownTimeout); err != nil {
		logger.Warnw("error shutting down server", "error", err)
	}
	cancel()
	logger.Info("shutdown complete")
}

func openStores(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (repository.ConversationStore, repository.KeyStore, func(), error) {
	if cfg.Store.Driver == "memory" {
		logger.Warn("using in-memory store; data is lost on restart")
		return repository.NewMemoryConversationStore(), repository.NewMemoryKeyStore(), func() {}, nil
	}

	client, err := repository.NewMongoClient(ctx, cfg.Mongo.URI)
	if err != nil {
		return nil, nil, nil, err
	}
	closeFn := func() {
		dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Disconnect(dctx)
	}
	db := client.Database(cfg.Mongo.Database)

	convs, err := repository.NewMongoConversationStore(ctx, db.Collection(cfg.Mongo.ConversationsCollection), cfg.MongoTimeout, cfg.Store.MaxRetries)
	if err != nil {
		closeFn()
		return nil, nil, nil, err
	}
	ks, err := repository.NewMongoKeyStore(ctx, db.Collection(cfg.Mongo.KeysCollection), cfg.MongoTimeout)
	if err != nil {
		closeFn()
		return nil, nil, nil, err
	}
	logger.Infow("connected to mongo", "database", cfg.Mongo.Database)
	return convs, ks, closeFn, nil
}

type eventBus struct {
	publisher events.Publisher
	closers   []func()
}

func (b *eventBus) close() {
	for _, c := range b.closers {
		c()
	}
}

// openEventBus routes message events to Kafka and conversation events to
// NATS. Either broker may be absent.
func openEventBus(cfg *config.Config, logger *zap.SugaredLogger) *eventBus {
	out := &eventBus{}
	var messages, conversations events.Publisher

	if len(cfg.Kafka.Brokers) > 0 {
		kp := events.NewKafkaProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicMessages)
		messages = kp
		out.closers = append(out.closers, func() { _ = kp.Close() })
	}
	if cfg.NATS.URL != "" {
		np, err := events.NewNATSPublisher(cfg.NATS.URL)
		if err != nil {
			logger.Warnw("nats unavailable, conversation events disabled", "url", cfg.NATS.URL, "error", err)
		} else {
			conversations = np
			out.closers = append(out.closers, np.Close)
		}
	}

	if messages == nil && conversations == nil {
		out.publisher = events.Nop{}
		return out
	}
	out.publisher = events.NewBus(messages, conversations, logger)
	return out
}
