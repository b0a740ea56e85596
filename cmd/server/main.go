// Package main 是应用程序的入口点。
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"klipz-media-go/internal/config"
	"klipz-media-go/internal/handler"
	"klipz-media-go/internal/middleware"
	"klipz-media-go/internal/model"
	"klipz-media-go/internal/repository"
	"klipz-media-go/internal/service"
	"klipz-media-go/pkg/database"
	"klipz-media-go/pkg/kafka"
	"klipz-media-go/pkg/log"
	"klipz-media-go/pkg/storage"
	"klipz-media-go/pkg/token"

	"github.com/gin-gonic/gin"
)

func main() {
	// 1. 初始化配置
	config.Init("./configs/config.yaml")
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync()
	log.Info("日志记录器初始化成功")

	// 3. 初始化数据库、Redis、对象存储与 Kafka
	database.InitMySQL(cfg.Database.MySQL.DSN)
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
	if err := database.DB.AutoMigrate(&model.UploadSession{}, &model.Chunk{}); err != nil {
		log.Fatal("数据库迁移失败", err)
	}
	store, err := storage.New(cfg.MinIO)
	if err != nil {
		log.Fatal("初始化对象存储失败", err)
	}
	kafka.InitProducer(cfg.Kafka)
	defer kafka.Close()

	// 4. 初始化 Repository
	sessionRepo := repository.NewSessionRepository(database.DB, database.RDB)
	statusRepo := repository.NewStatusRepository(database.RDB)

	// 5. 初始化 Service (依赖注入)
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours)
	sessionService := service.NewSessionService(sessionRepo, store, cfg.Upload)
	finalizeService := service.NewFinalizeService(sessionRepo, statusRepo, store,
		cfg.Upload, kafka.ProduceObjectReady)
	streamService := service.NewStreamService(sessionRepo, store, cfg.Stream)

	// 6. 启动后台 Reaper，由进程生命周期显式持有与取消
	reaperCtx, stopReaper := context.WithCancel(context.Background())
	defer stopReaper()
	reaper := service.NewReaper(sessionRepo, store, cfg.Upload, cfg.Reaper)
	go reaper.Start(reaperCtx)

	// 7. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(middleware.RequestLogger(), gin.Recovery())

	// 8. 注册路由
	sessionHandler := handler.NewSessionHandler(sessionService, finalizeService, statusRepo)
	objectHandler := handler.NewObjectHandler(streamService)
	progressHandler := handler.NewProgressHandler(sessionService)

	apiV1 := r.Group("/api/v1")
	{
		// Upload 路由组，需要认证
		upload := apiV1.Group("/upload")
		upload.Use(middleware.AuthMiddleware(jwtManager))
		{
			upload.POST("/session", sessionHandler.CreateSession)
			upload.POST("/chunk", sessionHandler.UploadChunk)
			upload.POST("/finalize", sessionHandler.Finalize)
			upload.GET("/status", sessionHandler.GetStatus)
			upload.DELETE("/session", sessionHandler.Cancel)
		}
		// WebSocket 进度推送（浏览器 WS 不便携带授权头，token 即能力凭证）
		apiV1.GET("/upload/progress/ws", progressHandler.Handle)
	}

	// Object 检索路由：会话 token 是不可猜测的能力凭证，播放器与
	// <video> 标签无法携带授权头，这里不挂认证中间件
	r.HEAD("/objects/:token", objectHandler.Head)
	r.GET("/objects/:token", objectHandler.Get)
	r.GET("/objects/:token/url", objectHandler.GetURL)

	// 9. 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	// 先停 HTTP，再停后台任务
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("HTTP 服务器关闭失败: %v", err)
	}
	stopReaper()

	log.Info("服务已优雅关闭")
}
