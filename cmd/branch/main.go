package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hongjun500/mesh-go/internal/config"
	"github.com/hongjun500/mesh-go/internal/mesh"
	"github.com/hongjun500/mesh-go/internal/protocol"
	"github.com/hongjun500/mesh-go/internal/transport"
	"github.com/hongjun500/mesh-go/pkg/logger"
)

func main() {
	cfg := config.Load()
	log := logger.L()

	name := cfg.Name
	if name == "" {
		host, _ := os.Hostname()
		name = host
	}

	b := mesh.NewBranch(mesh.BranchOptions{
		MasterAddr: cfg.MasterAddr,
		Name:       name,
		Token:      cfg.Token,
		Reconnect:  true,
		Transport: transport.Options{
			Compress:          cfg.Compress,
			RequestTimeout:    cfg.RequestTimeout,
			HeartbeatInterval: cfg.HeartbeatInterval,
		},
	})

	// 演示用回声动作，便于联调验证
	b.Handle("echo", func(params []any) (any, error) {
		return params, nil
	})
	b.Subscribe("broadcast", func(e *protocol.Envelope) {
		log.Info("mesh_broadcast_received", zap.Any("params", e.Params))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := b.Dial(ctx); err != nil {
		// 开启了重连，首次失败只记录
		log.Warn("mesh_branch_dial_failed", zap.Error(err))
	}

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if b.Status() == transport.StatusOnline {
				b.Publish("branch.alive", name, time.Now().UnixMilli())
			}
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("mesh_branch_shutdown")
	b.Close()
}
