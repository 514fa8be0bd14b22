package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chat_realtime/internal/config"
	"chat_realtime/internal/handler"
	"chat_realtime/internal/middleware"
	"chat_realtime/internal/realtime"
	"chat_realtime/internal/repository"
	"chat_realtime/internal/service"
	"chat_realtime/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Инициализация логгера
	appLogger := logger.New(cfg.Log.Level)
	defer appLogger.Sync()

	// Подключение к PostgreSQL (каталог CRUD-слоя, только чтение)
	poolConfig, err := pgxpool.ParseConfig(cfg.Database.DSN)
	if err != nil {
		appLogger.Fatal("Invalid database DSN", "error", err)
	}
	poolConfig.MaxConns = int32(cfg.Database.MaxConnections)
	poolConfig.MaxConnIdleTime = cfg.Database.MaxIdleTime
	poolConfig.MaxConnLifetime = cfg.Database.ConnMaxLifetime

	dbPool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		appLogger.Fatal("Failed to connect to database", "error", err)
	}
	defer dbPool.Close()

	// Проверка подключения к БД
	if err := dbPool.Ping(context.Background()); err != nil {
		appLogger.Fatal("Failed to ping database", "error", err)
	}
	appLogger.Info("Database connection established")

	// Подключение к Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	// Проверка подключения к Redis
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		appLogger.Fatal("Failed to connect to Redis", "error", err)
	}
	appLogger.Info("Redis connection established")

	// Инициализация репозиториев
	repos := repository.NewRepositories(dbPool, rdb, appLogger)

	// Реестр соединений один на процесс и передается явно
	hub := realtime.NewHub(cfg.Realtime.SendQueueSize, appLogger)

	// Инициализация сервисов
	services := service.NewServices(repos, hub, cfg, appLogger)

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go services.Typing.Run(sweepCtx)

	// Инициализация middleware
	authMiddleware := middleware.NewAuthMiddleware(services.Auth, appLogger)
	rateLimitMiddleware := middleware.NewRateLimitMiddleware(services.RateLimit, cfg.Realtime.ConnectLimit, appLogger)

	// Инициализация handlers
	handlers := handler.NewHandlers(services, repos, rdb, hub, cfg, appLogger)

	// Настройка роутера
	router := setupRouter(handlers, authMiddleware, rateLimitMiddleware, cfg, appLogger)

	// Запуск HTTP сервера. WriteTimeout не ставим: он оборвал бы
	// долгоживущие websocket-соединения.
	srv := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		IdleTimeout: 60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		appLogger.Info("Starting server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatal("Failed to start server", "error", err)
		}
	}()

	// Ожидание сигнала для graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	// сначала закрываем живые соединения: Shutdown не ждет hijacked-сокеты
	hub.Shutdown()
	stopSweep()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Realtime.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown", "error", err)
	}

	waitForDrain(ctx, hub, appLogger)
	appLogger.Info("Server exited")
}

// waitForDrain ждет, пока транспорт снимет все соединения с учета
func waitForDrain(ctx context.Context, hub *realtime.Hub, log logger.Logger) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for hub.ConnectionCount() > 0 {
		select {
		case <-ctx.Done():
			log.Warn("Connections still open at shutdown", "count", hub.ConnectionCount())
			return
		case <-ticker.C:
		}
	}
}

func setupRouter(
	handlers *handler.Handlers,
	authMiddleware *middleware.AuthMiddleware,
	rateLimitMiddleware *middleware.RateLimitMiddleware,
	cfg *config.Config,
	log logger.Logger,
) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.ErrorHandler())

	// Health check
	router.GET("/health", handlers.Health.Check)
	router.GET("/health/ready", handlers.Health.Ready)

	// WebSocket endpoint клиентов
	router.GET("/ws", rateLimitMiddleware.LimitConnects(), handlers.WebSocket.HandleConnect)

	// Внутренний API для CRUD-слоя
	internal := router.Group("/internal/v1")
	internal.Use(authMiddleware.RequireServiceKey())
	{
		internal.POST("/messages", handlers.Events.MessageCreated)
		internal.PUT("/messages/:messageId", handlers.Events.MessageEdited)
		internal.DELETE("/channels/:channelId/messages/:messageId", handlers.Events.MessageDeleted)
		internal.POST("/messages/:messageId/reactions", handlers.Events.PublishReactions)
		internal.GET("/messages/:messageId/reactions", handlers.Events.Reactions)
		internal.POST("/servers/:serverId/members/:userId/evict", handlers.Events.EvictMember)
		internal.GET("/voice/:channelId", handlers.Events.VoiceRoster)
	}

	return router
}
