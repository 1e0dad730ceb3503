package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaychat/presence/internal/api"
	"github.com/relaychat/presence/internal/attachment"
	"github.com/relaychat/presence/internal/auth"
	"github.com/relaychat/presence/internal/chat"
	"github.com/relaychat/presence/internal/chat/postgres"
	"github.com/relaychat/presence/internal/config"
	"github.com/relaychat/presence/internal/messaging"
	"github.com/relaychat/presence/internal/metrics"
	"github.com/relaychat/presence/internal/presence"
	"github.com/relaychat/presence/internal/ratelimit"
	"github.com/relaychat/presence/internal/relay"
	"github.com/relaychat/presence/internal/session"
	"github.com/relaychat/presence/internal/ws"
)

// messageBackend is what the relay and the history endpoint need from the
// message store.
type messageBackend interface {
	chat.MessageStore
	chat.HistoryStore
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	raiseFileLimit()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- NATS (optional) ---
	var natsClient *messaging.NATSClient
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = cfg.ServerName
		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		defer natsClient.Close()
	}

	// --- Redis (optional) ---
	var sessionStore *session.Store
	if cfg.RedisAddr != "" {
		sessionStore, err = session.NewStore(cfg.RedisAddr, cfg.ServerName)
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		defer sessionStore.Close()
	}

	// --- Message store ---
	var messages messageBackend = chat.NewMemoryStore()
	if cfg.DatabaseURL != "" {
		pg, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to open database: %v", err)
		}
		defer pg.Close()
		messages = pg
	}

	// --- Attachments ---
	var (
		content attachment.ContentStore
		uploads http.Handler
	)
	switch cfg.UploadBackend {
	case config.BackendJetStream:
		js, err := attachment.NewJetStreamStore(ctx, natsClient.Conn(), cfg.UploadBucket)
		if err != nil {
			log.Fatalf("failed to open upload bucket: %v", err)
		}
		content, uploads = js, js.Handler()
	default:
		fs, err := attachment.NewFSStore(cfg.UploadDir)
		if err != nil {
			log.Fatalf("failed to open upload dir: %v", err)
		}
		content, uploads = fs, fs.Handler()
	}

	log.Printf("chat server starting")
	log.Printf("  listen_addr:     %s", cfg.ListenAddr)
	log.Printf("  max_connections: %d", cfg.MaxConnections)
	log.Printf("  heartbeat:       %s / %s", cfg.HeartbeatInterval, cfg.HeartbeatTimeout)
	log.Printf("  anonymous:       %v", cfg.AllowAnonymous)
	log.Printf("  uploads:         %s", cfg.UploadBackend)
	log.Printf("  database:        %v", cfg.DatabaseURL != "")
	log.Printf("  redis_addr:      %s", cfg.RedisAddr)
	log.Printf("  nats_url:        %s", cfg.NATSURL)
	log.Printf("  server_name:     %s", cfg.ServerName)

	verifier := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	registry := ws.NewRegistry()

	var presenceEvents presence.EventPublisher
	relayOpts := []relay.Option{}
	if natsClient != nil {
		presenceEvents = natsClient
		relayOpts = append(relayOpts, relay.WithEvents(natsClient))
	}

	var limiter *ratelimit.Limiter
	if sessionStore != nil {
		limiter = ratelimit.NewLimiter(sessionStore.Client())
		relayOpts = append(relayOpts, relay.WithRateLimiter(limiter))
	}

	broadcaster := presence.NewBroadcaster(registry, presenceEvents)
	registry.SetOnChange(broadcaster.Publish)
	go broadcaster.Run(ctx)

	sideloader := attachment.NewSideloader(content, cfg.MaxUploadBytes)
	messageRelay := relay.New(messages, sideloader, registry, relayOpts...)

	serverConfig := ws.DefaultServerConfig()
	serverConfig.ListenAddr = cfg.ListenAddr
	serverConfig.MaxConnections = cfg.MaxConnections
	serverConfig.WriteTimeout = cfg.WriteTimeout
	serverConfig.AllowAnonymous = cfg.AllowAnonymous
	serverConfig.AllowedOrigin = cfg.ClientOrigin
	serverConfig.Heartbeat = ws.HeartbeatConfig{
		Interval: cfg.HeartbeatInterval,
		Timeout:  cfg.HeartbeatTimeout,
	}

	server := ws.NewServer(serverConfig, registry, verifier, messageRelay)
	if sessionStore != nil {
		server.SetPresenceMirror(sessionStore)
		server.SetConnectLimiter(limiter)
	}
	server.Handle("GET /metrics", metrics.Handler())
	api.NewHandler(verifier, messages, uploads, cfg.ClientOrigin).Register(server)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case <-ctx.Done():
		log.Printf("received shutdown signal, closing connections...")
	case err := <-errCh:
		if err != nil {
			log.Fatalf("server error: %v", err)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
