package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charging-platform/ocpp-gateway/internal/broadcast"
	"github.com/charging-platform/ocpp-gateway/internal/business/authorization"
	"github.com/charging-platform/ocpp-gateway/internal/business/chargepoint"
	"github.com/charging-platform/ocpp-gateway/internal/business/transaction"
	"github.com/charging-platform/ocpp-gateway/internal/config"
	"github.com/charging-platform/ocpp-gateway/internal/gateway"
	"github.com/charging-platform/ocpp-gateway/internal/logger"
	"github.com/charging-platform/ocpp-gateway/internal/message"
	protocol "github.com/charging-platform/ocpp-gateway/internal/protocol/ocpp16"
	"github.com/charging-platform/ocpp-gateway/internal/storage"
	"github.com/charging-platform/ocpp-gateway/internal/transport/websocket"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	flag.Parse()

	// 1. 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. 初始化日志
	log, err := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
		Async:  cfg.Log.Async,
	})
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	log.Infof("Starting OCPP gateway %s", cfg.PodID)

	// 3. 初始化 Redis（在线状态镜像 + redis授权后端）
	var redisClient *redis.Client
	var authClient redis.Cmdable
	var presence chargepoint.PresenceStore
	if cfg.Redis.Enabled {
		redisClient, err = storage.NewRedisClient(cfg.Redis)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		authClient = redisClient
		presence = storage.NewRedisStorage(redisClient)
		log.Infof("Redis connected at %s", cfg.Redis.Addr)
	}

	// 4. 授权策略
	policy, err := authorization.NewFromConfig(cfg.Authorization, authClient, log)
	if err != nil {
		log.Fatalf("Failed to initialize authorization policy: %v", err)
	}
	log.Infof("Authorization backend: %s", cfg.Authorization.Backend)

	// 5. 交易持久化（可选）
	var store transaction.Store
	var retryingStore *storage.RetryingTransactionStore
	if cfg.Postgres.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pool, err := storage.NewPostgresPool(ctx, cfg.Postgres)
		if err != nil {
			cancel()
			log.Fatalf("Failed to connect to Postgres: %v", err)
		}
		pgStore := storage.NewPostgresTransactionStore(pool)
		if err := pgStore.EnsureSchema(ctx); err != nil {
			cancel()
			log.Fatalf("Failed to prepare transaction schema: %v", err)
		}
		cancel()
		defer pool.Close()

		retryingStore = storage.NewRetryingTransactionStore(pgStore, &storage.RetryConfig{
			QueueSize:     cfg.Postgres.QueueSize,
			RetryInterval: cfg.Postgres.RetryInterval,
			MaxRetries:    cfg.Postgres.MaxRetries,
			RatePerSecond: cfg.Postgres.RetryRate,
			WriteTimeout:  5 * time.Second,
		}, log)
		store = retryingStore
		log.Info("Postgres transaction store initialized")
	}

	// 6. 核心组件
	hub := broadcast.NewHub(&broadcast.HubConfig{BufferSize: cfg.Broadcast.ObserverBufferSize}, log)
	transactions := transaction.NewManager(policy, store, hub, &transaction.ManagerConfig{
		SaveTimeout: 5 * time.Second,
		EventSource: cfg.PodID,
	}, log)

	correlation := protocol.NewCorrelationTable(&protocol.CorrelationConfig{CallTimeout: cfg.OCPP.CallTimeout}, log)
	bootConfiguration := make([]protocol.ConfigurationKey, 0, len(cfg.OCPP.BootConfiguration))
	for _, item := range cfg.OCPP.BootConfiguration {
		bootConfiguration = append(bootConfiguration, protocol.ConfigurationKey{Key: item.Key, Value: item.Value})
	}
	processor := protocol.NewProcessor(correlation, transactions, policy, hub, &protocol.ProcessorConfig{
		HeartbeatInterval:        cfg.OCPP.HeartbeatInterval,
		BootConfiguration:        bootConfiguration,
		BootConfigurationTimeout: time.Minute,
		EventSource:              cfg.PodID,
	}, log)

	registry := chargepoint.NewRegistry(presence, &chargepoint.RegistryConfig{
		PodID:             cfg.PodID,
		PresenceTTL:       cfg.Redis.PresenceTTL,
		PresenceTimeout:   3 * time.Second,
		PresenceQueueSize: 1024,
	}, log)
	registry.Start()

	wsConfig := websocket.DefaultConfig()
	wsConfig.ReadBufferSize = cfg.WebSocket.ReadBufferSize
	wsConfig.WriteBufferSize = cfg.WebSocket.WriteBufferSize
	wsConfig.HandshakeTimeout = cfg.WebSocket.HandshakeTimeout
	wsConfig.ReadTimeout = cfg.Server.ReadTimeout
	wsConfig.WriteTimeout = cfg.Server.WriteTimeout
	wsConfig.PingInterval = cfg.WebSocket.PingInterval
	wsConfig.MaxMessageSize = cfg.WebSocket.MaxMessageSize
	wsConfig.SendQueueSize = cfg.WebSocket.SendQueueSize
	wsConfig.MaxConnections = cfg.Server.MaxConnections
	wsManager := websocket.NewManager(wsConfig, log)
	wsManager.Start()

	server := gateway.NewServer(&gateway.Config{
		WebSocketPath:  cfg.Server.WebSocketPath,
		ObserverPath:   cfg.Server.ObserverPath,
		HealthPath:     "/health",
		CommandTimeout: cfg.OCPP.CallTimeout,
	}, wsManager, processor, registry, transactions, hub, log)

	// 7. Kafka（可选）：事件上行作为广播中心的订阅者，指令下行驱动服务端请求
	var producer *message.KafkaProducer
	var consumer *message.KafkaConsumer
	if cfg.Kafka.Enabled {
		producer, err = message.NewKafkaProducer(cfg.Kafka.Brokers, cfg.Kafka.EventTopic, cfg.PodID, log)
		if err != nil {
			log.Fatalf("Failed to initialize Kafka producer: %v", err)
		}
		if _, err := hub.Subscribe("kafka:"+cfg.Kafka.EventTopic, producer); err != nil {
			log.Fatalf("Failed to subscribe Kafka producer: %v", err)
		}

		consumer, err = message.NewKafkaConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, cfg.Kafka.CommandTopic,
			cfg.PodID, cfg.Kafka.PartitionCount, log)
		if err != nil {
			log.Fatalf("Failed to initialize Kafka consumer: %v", err)
		}
		if err := consumer.Start(server.HandleCommand); err != nil {
			log.Fatalf("Failed to start Kafka consumer: %v", err)
		}
		log.Infof("Kafka connected: brokers=%v, events=%s, commands=%s", cfg.Kafka.Brokers, cfg.Kafka.EventTopic, cfg.Kafka.CommandTopic)
	}

	// 8. 启动HTTP服务与监控服务
	httpServer := &http.Server{
		Addr:           cfg.GetServerAddr(),
		Handler:        server.Handler(),
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: cfg.GetMetricsAddr(), Handler: metricsMux}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Infof("Gateway listening on %s (charge points %s/{id}, observers %s)",
			httpServer.Addr, cfg.Server.WebSocketPath, cfg.Server.ObserverPath)
		return serve(httpServer)
	})
	group.Go(func() error {
		log.Infof("Metrics server listening on %s", metricsServer.Addr)
		return serve(metricsServer)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// 先停止接收新连接与新指令，再关闭现有会话
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Errorf("Error shutting down HTTP server: %v", err)
		}
		if consumer != nil {
			if err := consumer.Close(); err != nil {
				log.Errorf("Error closing Kafka consumer: %v", err)
			}
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Errorf("Error shutting down gateway: %v", err)
		}
		if producer != nil {
			if err := producer.Close(); err != nil {
				log.Errorf("Error closing Kafka producer: %v", err)
			}
		}
		if retryingStore != nil {
			if err := retryingStore.Close(shutdownCtx); err != nil {
				log.Warnf("Transaction store closed with pending saves: %v", err)
			}
		}
		if redisClient != nil {
			if err := redisClient.Close(); err != nil {
				log.Errorf("Error closing Redis: %v", err)
			}
		}
		return metricsServer.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		log.Errorf("Gateway stopped with error: %v", err)
		os.Exit(1)
	}
	log.Info("Gateway gracefully stopped.")
}

func serve(server *http.Server) error {
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
