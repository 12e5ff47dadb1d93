package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/langchou/fordgazer/internal/api/handlers"
	"github.com/langchou/fordgazer/internal/config"
	"github.com/langchou/fordgazer/internal/repository"
	"github.com/langchou/fordgazer/internal/service"
	"github.com/langchou/fordgazer/internal/token"
	"github.com/langchou/fordgazer/pkg/ws"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Invalid config: %v\n", err)
		os.Exit(1)
	}
	display, err := cfg.Display()
	if err != nil {
		fmt.Printf("Invalid config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logger := initLogger(cfg.Debug)
	defer logger.Sync()

	logger.Info("Starting Fordgazer", zap.String("port", cfg.ServerPort), zap.Stringer("config", cfg))

	// 创建 context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 令牌存储：配置了数据库时使用 PostgreSQL，否则使用文件
	var (
		store    token.Store = token.NewFileStore(cfg.TokenDir)
		profiles service.ProfileStore
	)
	if cfg.DatabaseURL != "" {
		db, err := repository.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("Failed to connect database", zap.Error(err))
		}
		defer db.Close()

		if err := db.Migrate(ctx); err != nil {
			logger.Fatal("Failed to migrate database", zap.Error(err))
		}
		logger.Info("Database migrated successfully")

		store = repository.NewTokenRepository(db)
		profiles = repository.NewVehicleRepository(db)
	} else {
		logger.Info("Using token files", zap.String("dir", cfg.TokenDir))
	}

	// 创建 WebSocket Hub
	wsHub := ws.NewHub(logger)
	go wsHub.Run(ctx)

	// 创建车辆注册表，会话事件广播到 WebSocket
	registry := service.NewRegistry(logger, service.Options{
		Hosts:    cfg.Hosts(),
		Store:    store,
		Profiles: profiles,
		Display:  display,
		Session: service.SessionConfig{
			UpdateInterval:   cfg.UpdateInterval,
			WatchdogInterval: cfg.WatchdogInterval,
			PushEnabled:      cfg.PushEnabled,
			PushMaxAge:       cfg.PushMaxAge,
		},
		OnEvent: func(ev service.Event) {
			wsHub.BroadcastMessage(ev.Type, ev)
		},
	})

	for _, vin := range cfg.VINs {
		if _, err := registry.Add(ctx, cfg.Username, cfg.Region, vin); err != nil {
			logger.Fatal("Failed to add vehicle", zap.String("vin", vin), zap.Error(err))
		}
	}

	// 创建 HTTP 处理器
	handler := handlers.NewHandler(logger, registry, wsHub, cfg.Username)
	wsHub.SetInitDataProvider(func() *ws.InitData {
		return &ws.InitData{Vehicles: handler.Vehicles()}
	})

	// 设置 Gin 模式
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	// 创建路由
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	// 注册路由
	handler.RegisterRoutes(router)

	// 启动 HTTP 服务器
	server := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("Server started", zap.String("addr", server.Addr))

	// 等待退出信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// 优雅关闭
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	// 停止所有会话
	registry.Close()
	cancel()

	logger.Info("Server exited")
}

// initLogger 初始化日志
func initLogger(debug bool) *zap.Logger {
	var config zap.Config
	if debug {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
	}

	logger, _ := config.Build()
	return logger
}

// corsMiddleware CORS 中间件
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
