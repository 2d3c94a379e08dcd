package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"

	"textcollab/backend/config"
	"textcollab/backend/internal/cache"
	"textcollab/backend/internal/collab"
	"textcollab/backend/internal/httpapi/handlers"
	"textcollab/backend/internal/httpapi/middleware"
	"textcollab/backend/internal/store"
	"textcollab/backend/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	log.Printf("config: port=%d redis=%v kafka=%v topic=%s", cfg.Running.Port, cfg.Redis.Addrs, cfg.Kafka.Brokers, cfg.Kafka.Topic)

	// 一个地址返回单机 client，多个地址返回 cluster client
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
	})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err = rdb.Ping(pingCtx).Err(); err != nil {
		log.Fatalf("ping redis failed: %v", err)
	}
	cancel()
	defer rdb.Close()

	// 快照表走 database/sql，文档目录走 gorm
	db, err := sql.Open("mysql", cfg.Mysql.DSN)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	gdb, err := store.InitMySQL(cfg.Mysql.DSN)
	if err != nil {
		log.Fatalf("open mysql failed: %v", err)
	}
	documentStore := store.NewDocumentStore(gdb)
	if err := documentStore.AutoMigrate(); err != nil {
		log.Fatalf("migrate documents failed: %v", err)
	}
	snapshotStore := store.NewSnapshotStore(db)

	// === 初始化 Kafka Producer ===
	kafkaCfg := sarama.NewConfig()
	// SyncProducer 必须开启 Return.Successes
	kafkaCfg.Producer.Return.Successes = true
	kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
	if err != nil {
		log.Fatalf("Failed to connect kafka: %v", err)
	}
	defer producer.Close()

	kafkaSem := collab.NewSemaphoreControl(cfg.Collab.MaxSemaphore)
	wsSem := collab.NewSemaphoreControl(cfg.Collab.MaxSemaphore)

	// Kafka 本地队列 + worker 重试发送
	kafkaDispatcher := collab.NewKafkaDispatcher(
		producer,
		cfg.Kafka.Topic,
		kafkaSem,
		collab.KafkaDispatcherOptions{
			QueueSize:   cfg.Kafka.QueueSize,
			Workers:     cfg.Kafka.Workers,
			MaxRetry:    cfg.Kafka.MaxRetry,
			BaseBackoff: cfg.Kafka.BaseBackoff,
			MaxBackoff:  cfg.Kafka.MaxBackoff,
		},
	)
	defer kafkaDispatcher.Close()

	// 已应用的操作在文档锁内推给房间，WebSocket 与 HTTP 提交走同一条路
	hub := ws.NewHub()
	svc := collab.NewInMemoryService(snapshotStore, documentStore, cache.NewRedisOpLog(rdb), kafkaDispatcher, collab.ServiceOptions{
		RingCap:       cfg.Collab.RingCap,
		SnapshotEvery: cfg.Collab.SnapshotEvery,
		OpLogKeep:     cfg.Collab.OpLogKeep,
		OnApplied:     hub.DeliverApplied,
	})
	ws.SubmitTimeout = cfg.Collab.SubmitTimeout
	manager := ws.NewManager(hub, svc, wsSem)

	r := gin.New()
	// 中间件
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	// 直连本服务调试时再开；经网关转发时重复的 CORS 头会被浏览器拦截
	if cfg.Collab.EnableCORS {
		r.Use(cors.New(cors.Config{
			AllowOriginFunc:  func(origin string) bool { return true },
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// 路由
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	})
	handlers.RegisterOT(r.Group("/ot"))

	collabGroup := r.Group("/collab")
	// 从 Authorization 或 ?token= 提取 token，本地校验后写入 userId/username
	collabGroup.Use(middleware.AuthMiddleware([]byte(cfg.Auth.JWTSecret)))
	collabGroup.GET("/ws", manager.WebSocketConnect)
	handlers.NewDocumentHandler(svc).Register(collabGroup)

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Running.Port), Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen failed: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Printf("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
}
