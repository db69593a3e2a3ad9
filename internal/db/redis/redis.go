package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	log "outbound-call-server-golang/logger"
)

var (
	globalClient *redis.Client
	mu           sync.RWMutex
)

// Config Redis配置结构体
type Config struct {
	Host         string        `mapstructure:"host" json:"host"`
	Port         int           `mapstructure:"port" json:"port"`
	Password     string        `mapstructure:"password" json:"password"`
	DB           int           `mapstructure:"db" json:"db"`
	PoolSize     int           `mapstructure:"pool_size" json:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns" json:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries" json:"max_retries"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" json:"write_timeout"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout" json:"dial_timeout"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Host:         "localhost",
		Port:         6379,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		DialTimeout:  5 * time.Second,
	}
}

// Options 转为 go-redis 连接参数
func (c *Config) Options() *redis.Options {
	return &redis.Options{
		Addr:         fmt.Sprintf("%s:%d", c.Host, c.Port),
		Password:     c.Password,
		DB:           c.DB,
		PoolSize:     c.PoolSize,
		MinIdleConns: c.MinIdleConns,
		MaxRetries:   c.MaxRetries,
		ReadTimeout:  c.ReadTimeout,
		WriteTimeout: c.WriteTimeout,
		DialTimeout:  c.DialTimeout,
	}
}

// Init 初始化全局Redis客户端, 重复调用会替换旧连接
func Init(config *Config) (*redis.Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	client := redis.NewClient(config.Options())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	mu.Lock()
	old := globalClient
	globalClient = client
	mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	log.Info("Redis客户端初始化成功")
	return client, nil
}

// GetClient 获取Redis客户端实例, 未初始化时返回 nil
func GetClient() *redis.Client {
	mu.RLock()
	defer mu.RUnlock()
	return globalClient
}

// IsHealthy 检查Redis连接健康状态
func IsHealthy(ctx context.Context) bool {
	client := GetClient()
	if client == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return client.Ping(ctx).Err() == nil
}

// Close 关闭Redis客户端连接
func Close() error {
	mu.Lock()
	defer mu.Unlock()

	if globalClient == nil {
		return nil
	}
	stats := globalClient.PoolStats()
	log.Infof("Redis连接池统计 - 总连接: %d, 空闲连接: %d, 命中: %d, 未命中: %d, 超时: %d",
		stats.TotalConns, stats.IdleConns, stats.Hits, stats.Misses, stats.Timeouts)

	err := globalClient.Close()
	globalClient = nil
	if err != nil {
		log.Errorf("关闭Redis连接失败: %v", err)
		return err
	}
	log.Info("Redis连接已关闭")
	return nil
}
