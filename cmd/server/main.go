// Package main runs the call-session HTTP server and signaling broker with graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/interviewlink/backend/config"
	"github.com/interviewlink/backend/internal/auth"
	"github.com/interviewlink/backend/internal/middleware"
	"github.com/interviewlink/backend/internal/sessions"
	"github.com/interviewlink/backend/internal/signaling"
	"github.com/interviewlink/backend/pkg/database"
	"github.com/interviewlink/backend/pkg/queue"
	"github.com/interviewlink/backend/pkg/redis"
	"github.com/interviewlink/backend/pkg/response"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	// Redis carries cross-instance signaling and deferred leaves; without it the
	// broker is single-instance and beacon leaves end in-process.
	var (
		relay  signaling.Relay
		leaves sessions.LeaveQueue
	)
	if !cfg.Redis.Disabled {
		rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			logger.Warn("redis unavailable, running single-instance", zap.Error(err))
		} else {
			defer rdb.Close()
			relay = signaling.NewRedisPubSub(rdb.Client, logger)
			leaves = queue.NewQueue(rdb.Client, logger)
		}
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, 0)

	// Call sessions
	profileRepo := auth.NewRepository(pool)
	sessionRepo := sessions.NewRepository(pool)
	sessionService := sessions.NewService(sessionRepo, profileRepo, logger)
	sessionHandler := sessions.NewHandler(sessionService, leaves, logger)

	// Signaling broker
	hub := signaling.NewHub(logger, relay)
	validateToken := func(token string) (*auth.Claims, error) {
		return jwtService.Validate(token)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger, "/health"))

	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	sessionHandler.RegisterRoutes(router, middleware.OptionalJWT(jwtService), middleware.JWT(jwtService))

	// WebSocket (peer_id and optional token in query)
	router.GET("/ws", signaling.ServeWs(hub, logger, validateToken, cfg.Broker))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port), zap.Bool("relay", relay != nil))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped", zap.Int("open_peers", hub.Count()))
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
