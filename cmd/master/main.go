package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/hongjun500/mesh-go/internal/bus/redisstream"
	"github.com/hongjun500/mesh-go/internal/config"
	"github.com/hongjun500/mesh-go/internal/mesh"
	"github.com/hongjun500/mesh-go/internal/observe"
	"github.com/hongjun500/mesh-go/internal/transport"
	"github.com/hongjun500/mesh-go/pkg/logger"
)

func main() {
	cfg := config.Load()
	log := logger.L()

	var bus *redisstream.Bus
	if cfg.RedisAddr != "" {
		bus = redisstream.New(cfg.RedisAddr, cfg.RedisDB, cfg.RedisStream, "mesh-master")
		_ = bus.EnsureGroup(context.Background())
	}

	m := mesh.NewMaster(mesh.MasterOptions{
		Addr:   cfg.TCPAddr,
		WSAddr: cfg.WSAddr,
		Token:  cfg.Token,
		Bus:    bus,
		Transport: transport.Options{
			Compress:          cfg.Compress,
			RequestTimeout:    cfg.RequestTimeout,
			HeartbeatInterval: cfg.HeartbeatInterval,
		},
	})

	// 运维侧内省：在线对端列表
	m.Handle("mesh.peers", func(params []any) (any, error) {
		return m.Peers(), nil
	})

	go func() {
		if err := observe.StartHTTP(cfg.HTTPAddr); err != nil {
			log.Warn("observe_http_exit", zap.Error(err))
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Info("mesh_master_shutdown")
		m.Close()
		cancel()
	}()

	if err := m.Start(ctx); err != nil && ctx.Err() == nil {
		log.Fatal("mesh_master_exit", zap.Error(err))
	}
}
