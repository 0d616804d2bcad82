package main

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/charging-platform/ocpp-gateway/internal/config"
)

// 配置调试工具
// 打印文件与 GATEWAY_* 环境变量合并后的最终配置，用于排查部署问题
func main() {
	configPath := flag.String("config", "", "path to configuration file")
	flag.Parse()

	fmt.Println("=== OCPP Gateway Configuration ===")

	// 显示环境变量
	fmt.Println("\n--- Environment Variables ---")
	found := false
	for _, env := range os.Environ() {
		if strings.HasPrefix(env, config.EnvPrefix+"_") {
			key, value, _ := strings.Cut(env, "=")
			if strings.Contains(key, "PASSWORD") || strings.Contains(key, "DSN") {
				value = "******"
			}
			fmt.Printf("%s = %s\n", key, value)
			found = true
		}
	}
	if !found {
		fmt.Printf("(no %s_* variables set)\n", config.EnvPrefix)
	}

	// 加载配置
	fmt.Println("\n--- Loading Configuration ---")
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	// 显示最终配置
	fmt.Println("\n--- Final Configuration ---")
	fmt.Printf("Pod ID: %s\n", cfg.PodID)
	fmt.Printf("Server Address: %s\n", cfg.GetServerAddr())
	fmt.Printf("Charge Point Path: %s/{id}\n", cfg.Server.WebSocketPath)
	fmt.Printf("Observer Path: %s\n", cfg.Server.ObserverPath)
	fmt.Printf("Max Connections: %d\n", cfg.Server.MaxConnections)
	fmt.Printf("Heartbeat Interval: %v\n", cfg.OCPP.HeartbeatInterval)
	fmt.Printf("Call Timeout: %v\n", cfg.OCPP.CallTimeout)
	for _, item := range cfg.OCPP.BootConfiguration {
		fmt.Printf("Boot Configuration: %s=%s\n", item.Key, item.Value)
	}
	fmt.Printf("Authorization Backend: %s (%d allowed tags)\n", cfg.Authorization.Backend, len(cfg.Authorization.AllowedTags))
	fmt.Printf("Observer Buffer Size: %d\n", cfg.Broadcast.ObserverBufferSize)
	fmt.Printf("Redis: enabled=%v addr=%s\n", cfg.Redis.Enabled, cfg.Redis.Addr)
	fmt.Printf("Kafka: enabled=%v brokers=%v events=%s commands=%s\n",
		cfg.Kafka.Enabled, cfg.Kafka.Brokers, cfg.Kafka.EventTopic, cfg.Kafka.CommandTopic)
	fmt.Printf("Postgres: enabled=%v dsn=%s\n", cfg.Postgres.Enabled, redactDSN(cfg.Postgres.DSN))
	fmt.Printf("Log Level: %s (%s)\n", cfg.Log.Level, cfg.Log.Format)
	fmt.Printf("Metrics Address: %s\n", cfg.GetMetricsAddr())

	fmt.Println("\n=== Configuration OK ===")
}

// redactDSN 隐藏连接串中的密码
func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "******")
	}
	return u.String()
}
