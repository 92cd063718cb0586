package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	// master 侧
	TCPAddr  string // MESH_TCP_ADDR
	WSAddr   string // MESH_WS_ADDR，空则不开 WebSocket 入口
	HTTPAddr string // MESH_HTTP_ADDR，/metrics 与 /healthz

	// branch 侧
	MasterAddr string // MESH_MASTER_ADDR
	Name       string // MESH_NAME，分支逻辑名

	// 共享
	Token             string // MESH_TOKEN，bindAuth 共享密钥
	Compress          bool   // MESH_COMPRESS
	RequestTimeout    time.Duration
	HeartbeatInterval time.Duration

	// 可选 redis 生命周期事件总线
	RedisAddr   string // MESH_REDIS_ADDR，空则关闭
	RedisDB     int
	RedisStream string
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return def
	}
	return v
}

func getEnvBool(key string, def bool) bool {
	v, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return def
	}
	return v
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v, err := time.ParseDuration(getEnv(key, ""))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func Load() *Config {
	return &Config{
		TCPAddr:           getEnv("MESH_TCP_ADDR", ":7070"),
		WSAddr:            getEnv("MESH_WS_ADDR", ""),
		HTTPAddr:          getEnv("MESH_HTTP_ADDR", ":9090"),
		MasterAddr:        getEnv("MESH_MASTER_ADDR", "127.0.0.1:7070"),
		Name:              getEnv("MESH_NAME", ""),
		Token:             getEnv("MESH_TOKEN", ""),
		Compress:          getEnvBool("MESH_COMPRESS", false),
		RequestTimeout:    getEnvDuration("MESH_REQUEST_TIMEOUT", 10*time.Second),
		HeartbeatInterval: getEnvDuration("MESH_HEARTBEAT_INTERVAL", 5*time.Minute),
		RedisAddr:         getEnv("MESH_REDIS_ADDR", ""),
		RedisDB:           getEnvInt("MESH_REDIS_DB", 0),
		RedisStream:       getEnv("MESH_REDIS_STREAM", "mesh:lifecycle"),
	}
}
