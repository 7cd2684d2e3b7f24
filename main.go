package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"BTPSync/global/config"
	"BTPSync/logger"
	syncsvc "BTPSync/module/sync/service"
	"BTPSync/module/sync/store"
	"BTPSync/service/api"
	"BTPSync/service/dispatcher"
	"BTPSync/service/gateway"
	"BTPSync/service/natsx"
	"BTPSync/service/storage"
	pgsrv "BTPSync/service/storage/pg"
	redisx "BTPSync/service/storage/redis"
	"BTPSync/tools/safe"
	"BTPSync/tools/security"
)

func main() {
	config.ConfigAll()
	cfg := config.Global

	// storage/transport init is the only fatal zone; after this
	// everything degrades to retry
	if err := pgsrv.InitPg(cfg.Postgres); err != nil {
		logger.Errorf("postgres init failed: %v", err)
		os.Exit(1)
	}
	defer pgsrv.ClosePg()

	if err := redisx.InitRedis(redisx.Config{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}); err != nil {
		logger.Errorf("redis init failed: %v", err)
		os.Exit(1)
	}
	defer func() { _ = redisx.CloseRedis() }()

	nc, err := natsx.NewNatsxClient(natsx.NatsxConfig{Servers: cfg.Nats.Servers, Name: cfg.Nats.Name})
	if err != nil {
		logger.Errorf("nats init failed: %v", err)
		os.Exit(1)
	}
	defer func() { _ = nc.Close() }()

	ctx := context.Background()
	st, err := store.NewPg(ctx, pgsrv.GetPool())
	if err != nil {
		logger.Errorf("store init failed: %v", err)
		os.Exit(1)
	}

	presence := storage.NewManager(3 * cfg.HeartbeatInterval)
	svc := syncsvc.New(st, presence, cfg.PageSize)
	jwtOpts := security.DefaultOptions(config.GetJwtSecret())

	// realtime gateway
	reg := gateway.NewRegistry()
	fanout := gateway.NewFanout(cfg.FanoutWorkers, cfg.FanoutQueue)
	gw := gateway.New(reg, fanout, presence, cfg.NodeID)
	if err := gw.StartBus(nc); err != nil {
		logger.Errorf("gateway bus subscribe failed: %v", err)
		os.Exit(1)
	}
	ws := gateway.NewServer(gateway.ServerConf{
		HeartbeatInterval: cfg.HeartbeatInterval,
		SendQueueSize:     cfg.SendQueueSize,
	}, reg, svc, presence, jwtOpts, cfg.NodeID)

	// outbox dispatcher: the only path from commit to the bus
	disp := dispatcher.New(st, nc, cfg.OutboxPollEvery, cfg.OutboxBatch)
	safe.SafeGo(disp.Run)
	defer disp.Stop()

	router := api.NewRouter(api.NewHandlers(svc), ws, jwtOpts)
	addr := fmt.Sprintf(":%d", cfg.Port)
	logger.Infof("sync node %s listening on %s", cfg.NodeID, addr)
	safe.SafeGo(func() {
		if err := router.Run(addr); err != nil {
			logger.Errorf("http server stopped: %v", err)
			os.Exit(1)
		}
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")
	time.Sleep(200 * time.Millisecond) // let in-flight fanout drain
}
