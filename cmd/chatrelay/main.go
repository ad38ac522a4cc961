package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kindred/chat-relay/internal/api"
	"github.com/kindred/chat-relay/internal/auth"
	"github.com/kindred/chat-relay/internal/channel"
	"github.com/kindred/chat-relay/internal/config"
	"github.com/kindred/chat-relay/internal/gateway"
	"github.com/kindred/chat-relay/internal/log"
	"github.com/kindred/chat-relay/internal/messaging"
	"github.com/kindred/chat-relay/internal/notify"
	"github.com/kindred/chat-relay/internal/presence"
	"github.com/kindred/chat-relay/internal/ratelimit"
	"github.com/kindred/chat-relay/internal/relay"
	chatsignal "github.com/kindred/chat-relay/internal/signal"
	"github.com/kindred/chat-relay/internal/store"
	"github.com/kindred/chat-relay/internal/ws"
)

func main() {
	configPath := flag.String("config", "", "directory containing config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		l := log.L()
		l.Fatal().Err(err).Msg("failed to load configuration")
	}

	log.Init(cfg.Log)
	logger := log.L()
	logger.Info().
		Str("addr", cfg.Server.Addr).
		Str("instance", cfg.Server.InstanceID).
		Str("store", cfg.Store.Driver).
		Msg("starting chat-relay")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Store ---
	var st store.Store
	switch cfg.Store.Driver {
	case "postgres":
		pg, err := store.OpenPostgres(ctx, cfg.Store.DatabaseURL, cfg.Store.Migrate)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to open postgres")
		}
		st = pg
	default:
		logger.Warn().Msg("using in-memory store, history is lost on restart")
		st = store.NewMemory()
	}
	defer st.Close()

	// --- Redis ---
	var (
		directory  store.MatchDirectory = st
		matchCache *store.CachedDirectory
		recorder   presence.Recorder
		redisKV    *presence.RedisStore
		msgLimit   relay.Limiter
		restLimit  api.Limiter
		rdb        *redis.Client
	)
	if cfg.Redis.Address != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.Redis.Address).Msg("failed to connect to redis")
		}
		defer rdb.Close()

		matchCache = store.NewCachedDirectory(st, rdb, cfg.Redis.MatchCacheTTL)
		directory = matchCache
		redisKV = presence.NewRedisStore(rdb, cfg.Server.InstanceID)
		recorder = redisKV

		limiter := ratelimit.NewLimiter(rdb)
		msgRule, restRule := ratelimit.RulesFromConfig(cfg.RateLimit)
		msgLimit = limiter.Policy(msgRule)
		restLimit = limiter.Policy(restRule)
	} else {
		logger.Warn().Msg("redis disabled: no rate limiting, presence is node-local")
	}

	// --- Core ---
	tokens := auth.NewManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	registry := presence.NewRegistry(recorder)
	router := channel.NewRouter(directory)

	dispatcher := ws.NewMessageDispatcher()
	wsServer := ws.NewServer(ws.ConfigFrom(cfg.WebSocket), tokens, dispatcher.Dispatch)

	// --- NATS ---
	var natsClient *messaging.NATSClient
	if cfg.NATS.Enabled {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATS.URL
		natsConfig.Name = "chat-relay-" + cfg.Server.InstanceID
		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			logger.Fatal().Err(err).Str("url", cfg.NATS.URL).Msg("failed to connect to NATS")
		}
		defer natsClient.Close()
	}

	var notifyOpts []notify.Option
	if matchCache != nil {
		notifyOpts = append(notifyOpts, notify.WithMatchCache(matchCache))
	}
	var notifier *notify.Notifier
	if natsClient != nil {
		notifier = notify.New(st, registry, wsServer, natsClient, notifyOpts...)
		if err := notifier.ListenMatchCreated(natsClient, st); err != nil {
			logger.Fatal().Err(err).Msg("failed to subscribe to match.created")
		}
	} else {
		notifier = notify.New(st, registry, wsServer, nil, notifyOpts...)
	}

	relayOpts := []relay.Option{relay.WithNotifier(notifier)}
	if msgLimit != nil {
		relayOpts = append(relayOpts, relay.WithLimiter(msgLimit))
	}
	rl := relay.New(router, st, wsServer, relayOpts...)
	signaler := chatsignal.New(router, st, wsServer)

	gateway.New(registry, router, rl, signaler).Attach(wsServer, dispatcher)
	if err := wsServer.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start websocket server")
	}

	if redisKV != nil {
		go redisKV.KeepAlive(ctx, registry, presence.OnlineTTL/4)
	}

	// --- HTTP ---
	handler := api.NewHandler(api.Deps{
		Auth:           tokens,
		Store:          st,
		Router:         router,
		Relay:          rl,
		Signaler:       signaler,
		Presence:       registry,
		Limiter:        restLimit,
		Realtime:       wsServer,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
	})

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           log.HTTPMiddleware(logger)(handler.Routes()),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Server.Addr).Msg("chat-relay listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info().Str("signal", sig.String()).Msg("shutting down chat-relay")

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)

		cancel() // stop presence keepalive

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("http shutdown error")
		}
		if natsClient != nil {
			if err := natsClient.UnsubscribeMatchCreated(); err != nil {
				logger.Warn().Err(err).Msg("unsubscribe match.created")
			}
		}
		if err := wsServer.Shutdown(); err != nil {
			logger.Error().Err(err).Msg("websocket shutdown error")
		}
	}()

	select {
	case <-shutdownDone:
		logger.Info().Msg("chat-relay stopped")
	case <-time.After(cfg.Server.ShutdownTimeout + 5*time.Second):
		logger.Warn().Msg("shutdown timed out")
	}
}
