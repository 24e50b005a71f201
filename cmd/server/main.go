package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"carechat/internal/calltoken"
	"carechat/internal/chat"
	"carechat/internal/config"
	"carechat/internal/db"
	"carechat/internal/logger"
	myMiddleware "carechat/internal/middleware"
	"carechat/internal/staff"
)

func main() {
	// 1. Config & Flags
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Invalid configuration: %v", err)
	}
	addr := flag.String("addr", cfg.Addr, "http service address")
	flag.Parse()

	logg, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("❌ Failed to build logger: %v", err)
	}
	defer logg.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to Database (Platform Layer)
	database, err := db.NewDatabase(cfg.DSN)
	if err != nil {
		logg.Fatal("❌ Failed to connect to DB", zap.Error(err))
	}
	defer database.Close()
	logg.Info("✅ Connected to PostgreSQL")

	if err := database.AutoMigrate(ctx); err != nil {
		logg.Fatal("❌ Migration failed", zap.Error(err))
	}
	logg.Info("✅ Database Schema Initialized")

	// 3. Connect to Redis when running more than one instance
	var broker chat.Broker
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
		})
		if _, err := redisClient.Ping(ctx).Result(); err != nil {
			logg.Fatal("❌ Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		broker = chat.NewRedisBroker(redisClient, cfg.RedisChannel, logg)
		logg.Info("✅ Connected to Redis", zap.String("channel", cfg.RedisChannel))
	} else {
		logg.Info("REDIS_ADDR not set, fan-out stays in-process")
	}

	// 4. Staff sessions (identity provider)
	staffRepo := staff.NewRepository(database.Conn)
	staffService := staff.NewService(staffRepo, cfg.JWTSecret, cfg.SessionTTL)
	staffHandler := staff.NewHandler(staffService)
	authMiddleware := myMiddleware.NewAuthMiddleware(staffService)

	// 5. Real-time core
	metrics := chat.NewMetrics(prometheus.DefaultRegisterer)
	store := chat.NewRepository(database.Conn)

	hub := chat.NewHub(chat.HubConfig{
		LivenessInterval: cfg.LivenessInterval,
		PingWait:         cfg.WriteWait,
		BrokerRetry:      cfg.BrokerRetry,
	}, broker, logg.Named("hub"), metrics)

	router := chat.NewRouter(hub, store, chat.RouterConfig{
		StoreTimeout:  cfg.StoreTimeout,
		GateOnPersist: cfg.GateOnPersist,
	}, logg.Named("router"), metrics)

	chatHandler := chat.NewHandler(hub, router, store, chat.PumpConfig{
		WriteWait:        cfg.WriteWait,
		MaxMessageSize:   cfg.MaxMessageSize,
		LivenessInterval: cfg.LivenessInterval,
	}, cfg.SendBuffer, logg.Named("ws"))

	hubDone := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(hubDone)
	}()

	// 6. Call media tokens
	var tokens *calltoken.Service
	if cfg.MediaEnabled() {
		tokens = calltoken.NewService(cfg.MediaAppID, cfg.MediaAppCertificate, cfg.MediaTokenTTL)
	} else {
		logg.Warn("MEDIA_APP_ID/MEDIA_APP_CERTIFICATE not set, call tokens disabled")
	}
	tokenHandler := calltoken.NewHandler(tokens, logg.Named("calltoken"))

	// 7. Define Routes
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Public Routes
	r.Post("/register", staffHandler.Register)
	r.Post("/login", staffHandler.Login)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.Handler())

	// Protected Routes (Require JWT)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)

		// WebSocket (Real-time)
		r.Get("/ws", chatHandler.ServeWs)

		r.Get("/api/channels/{channelID}/messages", chatHandler.GetChannelHistory)
		r.Get("/api/channels/{channelID}/members", chatHandler.GetChannelMembers)
		r.Get("/api/patients/{patientID}/status-updates", chatHandler.GetPatientStatusUpdates)
		r.Get("/api/patients/{patientID}/channel", chatHandler.GetPatientChannel)
		r.Post("/api/call-token", tokenHandler.IssueToken)
	})

	srv := &http.Server{Addr: *addr, Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logg.Info("🚀 Server starting", zap.String("addr", *addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logg.Fatal("server failed", zap.Error(err))
	}

	// Hijacked websocket connections are not covered by Shutdown; the hub
	// closes them when its context ends.
	<-hubDone
	logg.Info("👋 Server stopped")
}
